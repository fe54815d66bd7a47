package spark

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepDetectorIgnoresNoise(t *testing.T) {
	d := NewStepDetector()
	for i := 0; i < 200; i++ {
		// ±1% wobble around 100ms
		sample := int64(100000)
		if i%2 == 0 {
			sample += 900
		}
		assert.False(t, d.AddSample(sample), "sample %d flagged a step", i)
	}
}

func TestStepDetectorCatchesLevelShift(t *testing.T) {
	d := NewStepDetector()
	for i := 0; i < 80; i++ {
		d.AddSample(10000)
	}
	stepped := false
	for i := 0; i < 15; i++ {
		if d.AddSample(20000) {
			stepped = true
			break
		}
	}
	assert.True(t, stepped, "a 2x RTT shift must be reported")
}

func TestStepDetectorAbsoluteFloor(t *testing.T) {
	d := NewStepDetector()
	for i := 0; i < 80; i++ {
		d.AddSample(1000)
	}
	// 20% relative but only 200µs absolute: below the floor.
	for i := 0; i < 15; i++ {
		assert.False(t, d.AddSample(1200))
	}
}

func TestStepDetectorReportsOnce(t *testing.T) {
	d := NewStepDetector()
	for i := 0; i < 80; i++ {
		d.AddSample(10000)
	}
	steps := 0
	for i := 0; i < 60; i++ {
		if d.AddSample(30000) {
			steps++
		}
	}
	assert.Equal(t, 1, steps)
}
