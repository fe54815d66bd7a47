package decision

import (
	"testing"

	"github.com/arbornet/arbor/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mv(entities ...state.MetricEntity) *state.MetricVector {
	return &state.MetricVector{Entities: entities}
}

func ent(priority int64, op state.CompareOp, metric ...int64) state.MetricEntity {
	return state.MetricEntity{ID: priority, Priority: priority, Op: op, Metric: metric}
}

func TestTypePrecedence(t *testing.T) {
	cands := []prefixCandidate{
		{node: "n1", entry: state.PrefixEntry{Type: state.PrefixTypeBgp}},
		{node: "n2", entry: state.PrefixEntry{Type: state.PrefixTypeLoopback}},
	}
	dist := func(string) int64 { return 1 }
	winners := selectBestCandidates(cands, dist)
	require.Len(t, winners, 1)
	assert.Equal(t, "n2", winners[0].node)
}

func TestNearestAdvertiserWinsWithoutMetricVector(t *testing.T) {
	cands := []prefixCandidate{
		{node: "near", entry: state.PrefixEntry{Type: state.PrefixTypeBgp}},
		{node: "far", entry: state.PrefixEntry{Type: state.PrefixTypeBgp}},
		{node: "alsoNear", entry: state.PrefixEntry{Type: state.PrefixTypeBgp}},
	}
	dist := func(n string) int64 {
		if n == "far" {
			return 10
		}
		return 2
	}
	winners := selectBestCandidates(cands, dist)
	require.Len(t, winners, 2)
	names := []string{winners[0].node, winners[1].node}
	assert.ElementsMatch(t, []string{"near", "alsoNear"}, names)
}

func TestMetricVectorHigherWins(t *testing.T) {
	a := mv(ent(100, state.OpWinIfPresent, 5))
	b := mv(ent(100, state.OpWinIfPresent, 9))
	assert.Equal(t, -1, compareMetricVectors(a, b))
	assert.Equal(t, 1, compareMetricVectors(b, a))
	assert.Equal(t, 0, compareMetricVectors(a, a))
}

func TestMetricVectorPriorityOrder(t *testing.T) {
	// Higher priority entity decides even when a lower one disagrees.
	a := mv(ent(200, state.OpWinIfPresent, 1), ent(100, state.OpWinIfPresent, 9))
	b := mv(ent(200, state.OpWinIfPresent, 2), ent(100, state.OpWinIfPresent, 1))
	assert.Equal(t, -1, compareMetricVectors(a, b))
}

func TestMetricVectorLonerOps(t *testing.T) {
	present := mv(ent(100, state.OpWinIfPresent, 1))
	empty := &state.MetricVector{}
	assert.Equal(t, 1, compareMetricVectors(present, empty))
	assert.Equal(t, -1, compareMetricVectors(empty, present))

	loser := mv(ent(100, state.OpWinIfNotPresent, 1))
	assert.Equal(t, -1, compareMetricVectors(loser, empty))
	assert.Equal(t, 1, compareMetricVectors(empty, loser))

	ignored := mv(ent(100, state.OpIgnoreIfNotPresent, 1))
	assert.Equal(t, 0, compareMetricVectors(ignored, empty))
}

func TestMetricVectorTieKeepsAllWinners(t *testing.T) {
	cands := []prefixCandidate{
		{node: "n1", entry: state.PrefixEntry{
			Type: state.PrefixTypeBgp, MetricVector: mv(ent(100, state.OpWinIfPresent, 7)),
		}},
		{node: "n2", entry: state.PrefixEntry{
			Type: state.PrefixTypeBgp, MetricVector: mv(ent(100, state.OpWinIfPresent, 7)),
		}},
		{node: "n3", entry: state.PrefixEntry{
			Type: state.PrefixTypeBgp, MetricVector: mv(ent(100, state.OpWinIfPresent, 3)),
		}},
	}
	dist := func(string) int64 { return 1 }
	winners := selectBestCandidates(cands, dist)
	require.Len(t, winners, 2)
}
