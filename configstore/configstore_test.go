package configstore

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/arbornet/arbor/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func csEnv(t *testing.T, path string) *state.Env {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })
	cfg := &state.Config{
		NodeName:    "node1",
		Domain:      "test",
		ConfigStore: state.ConfigStoreCfg{FilePath: path, FlushIntervalMs: 50},
	}
	require.NoError(t, state.ConfigValidator(cfg))
	return &state.Env{
		Context: ctx,
		Cancel:  cancel,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cfg:     cfg,
	}
}

// S6: set, get, erase, not-found.
func TestSetGetErase(t *testing.T) {
	s, err := New(csEnv(t, t.TempDir()+"/store.bin"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetConfigKey("k1", []byte("v1")))
	require.NoError(t, s.SetConfigKey("k2", []byte("v2")))

	v, err := s.GetConfigKey("k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, s.EraseConfigKey("k1"))
	_, err = s.GetConfigKey("k1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Erasing again reports not-found too.
	assert.ErrorIs(t, s.EraseConfigKey("k1"), ErrNotFound)
}

func TestOverwriteLastWriterWins(t *testing.T) {
	s, err := New(csEnv(t, t.TempDir()+"/store.bin"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetConfigKey("k", []byte("first")))
	require.NoError(t, s.SetConfigKey("k", []byte("second")))
	v, err := s.GetConfigKey("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v)
}

func TestSurvivesRestart(t *testing.T) {
	path := t.TempDir() + "/store.bin"
	s, err := New(csEnv(t, path))
	require.NoError(t, err)
	require.NoError(t, s.SetConfigKey("durable", []byte("yes")))
	require.NoError(t, s.SetConfigKey("gone", []byte("no")))
	require.NoError(t, s.EraseConfigKey("gone"))
	require.NoError(t, s.Close())

	s2, err := New(csEnv(t, path))
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.GetConfigKey("durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), v)
	_, err = s2.GetConfigKey("gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

// A crash mid-write leaves a torn tail; load must drop it and keep the
// records before it.
func TestTornTailRecovered(t *testing.T) {
	path := t.TempDir() + "/store.bin"
	s, err := New(csEnv(t, path))
	require.NoError(t, err)
	require.NoError(t, s.SetConfigKey("intact", []byte("ok")))
	require.NoError(t, s.Close())

	// Append a header promising more bytes than exist.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], 500)
	binary.BigEndian.PutUint32(hdr[4:8], 0xdeadbeef)
	_, err = f.Write(hdr[:])
	require.NoError(t, err)
	_, err = f.Write([]byte("torn"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := New(csEnv(t, path))
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.GetConfigKey("intact")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), v)

	// The store keeps working after recovery.
	require.NoError(t, s2.SetConfigKey("after", []byte("x")))
	v, err = s2.GetConfigKey("after")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)
}

// A record with a corrupted checksum is rejected on load.
func TestChecksumMismatchRejected(t *testing.T) {
	path := t.TempDir() + "/store.bin"
	s, err := New(csEnv(t, path))
	require.NoError(t, err)
	require.NoError(t, s.SetConfigKey("a", []byte("1")))
	require.NoError(t, s.SetConfigKey("b", []byte("2")))
	require.NoError(t, s.Close())

	// Flip a byte in the last record's payload.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s2, err := New(csEnv(t, path))
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.GetConfigKey("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	_, err = s2.GetConfigKey("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompactionKeepsLiveSet(t *testing.T) {
	path := t.TempDir() + "/store.bin"
	s, err := New(csEnv(t, path))
	require.NoError(t, err)

	// Enough churn to clear the compaction threshold.
	for i := 0; i < compactMinOps*2; i++ {
		require.NoError(t, s.SetConfigKey("hot", []byte{byte(i)}))
	}
	require.NoError(t, s.SetConfigKey("cold", []byte("keep")))

	before, err := os.Stat(path)
	require.NoError(t, err)
	_, err = state.DispatchWait(s.loop, func() (struct{}, error) {
		return struct{}{}, s.compact()
	})
	require.NoError(t, err)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	v, err := s.GetConfigKey("cold")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), v)
	require.NoError(t, s.Close())

	// And the compacted log reloads cleanly.
	s2, err := New(csEnv(t, path))
	require.NoError(t, err)
	defer s2.Close()
	v, err = s2.GetConfigKey("hot")
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(compactMinOps*2 - 1)}, v)
}
