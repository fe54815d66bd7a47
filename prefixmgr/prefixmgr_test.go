package prefixmgr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/arbornet/arbor/configstore"
	"github.com/arbornet/arbor/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKv struct {
	mu   sync.Mutex
	area string
	keys map[string][]byte
	gone []string
}

func newMockKv(area string) *mockKv {
	return &mockKv{area: area, keys: make(map[string][]byte)}
}

func (m *mockKv) Area() string { return m.area }

func (m *mockKv) SelfOriginateKey(key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = value
	return nil
}

func (m *mockKv) UnsetSelfOriginatedKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gone = append(m.gone, key)
}

func (m *mockKv) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[key]
	return v, ok
}

func pmEnv(t *testing.T, dir string) *state.Env {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })
	cfg := &state.Config{
		NodeName: "node1",
		Domain:   "test",
		Areas:    []string{"0"},
		ConfigStore: state.ConfigStoreCfg{
			FilePath: dir + "/store.bin",
		},
		PrefixManager: state.PrefixManagerCfg{HolddownMs: 10},
	}
	require.NoError(t, state.ConfigValidator(cfg))
	return &state.Env{
		Context: ctx,
		Cancel:  cancel,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cfg:     cfg,
	}
}

func entry(prefix string, t state.PrefixType) state.PrefixEntry {
	return state.PrefixEntry{Prefix: netip.MustParsePrefix(prefix), Type: t}
}

func prefixSet(entries []state.PrefixEntry) map[string]state.PrefixType {
	out := make(map[string]state.PrefixType, len(entries))
	for _, e := range entries {
		out[e.Prefix.String()] = e.Type
	}
	return out
}

// S1: the full advertise / withdraw / withdraw-by-type / sync lifecycle.
func TestPrefixLifecycle(t *testing.T) {
	env := pmEnv(t, t.TempDir())
	cs, err := configstore.New(env)
	require.NoError(t, err)
	defer cs.Close()
	kv := newMockKv("0")
	m, err := New(env, cs, []KvOriginator{kv})
	require.NoError(t, err)

	require.NoError(t, m.AdvertisePrefixes([]state.PrefixEntry{
		entry("10.0.0.0/8", state.PrefixTypeLoopback),
		entry("11.0.0.0/8", state.PrefixTypeLoopback),
		entry("20.0.0.0/8", state.PrefixTypeBgp),
		entry("21.0.0.0/8", state.PrefixTypeBgp),
	}))
	got, err := m.GetPrefixes()
	require.NoError(t, err)
	assert.Len(t, got, 4)

	// Re-advertising is a no-op.
	require.NoError(t, m.AdvertisePrefixes([]state.PrefixEntry{
		entry("10.0.0.0/8", state.PrefixTypeLoopback),
	}))
	got, _ = m.GetPrefixes()
	assert.Len(t, got, 4)

	require.NoError(t, m.WithdrawPrefixes([]state.PrefixEntry{
		entry("21.0.0.0/8", state.PrefixTypeBgp),
	}))
	require.NoError(t, m.WithdrawPrefixesByType(state.PrefixTypeLoopback))
	require.NoError(t, m.SyncPrefixesByType(state.PrefixTypeBgp, []state.PrefixEntry{
		entry("23.0.0.0/8", state.PrefixTypeBgp),
	}))

	got, err = m.GetPrefixes()
	require.NoError(t, err)
	assert.Equal(t, map[string]state.PrefixType{
		"23.0.0.0/8": state.PrefixTypeBgp,
	}, prefixSet(got))

	byType, err := m.GetPrefixesByType(state.PrefixTypeLoopback)
	require.NoError(t, err)
	assert.Empty(t, byType)
}

func TestWithdrawUnknownIsAtomic(t *testing.T) {
	env := pmEnv(t, t.TempDir())
	cs, err := configstore.New(env)
	require.NoError(t, err)
	defer cs.Close()
	m, err := New(env, cs, []KvOriginator{newMockKv("0")})
	require.NoError(t, err)

	require.NoError(t, m.AdvertisePrefixes([]state.PrefixEntry{
		entry("10.0.0.0/8", state.PrefixTypeBgp),
	}))
	// One bad entry fails the whole batch with no side effects.
	err = m.WithdrawPrefixes([]state.PrefixEntry{
		entry("10.0.0.0/8", state.PrefixTypeBgp),
		entry("99.0.0.0/8", state.PrefixTypeBgp),
	})
	require.Error(t, err)
	got, _ := m.GetPrefixes()
	assert.Len(t, got, 1)
}

func TestOriginatesIntoStore(t *testing.T) {
	env := pmEnv(t, t.TempDir())
	cs, err := configstore.New(env)
	require.NoError(t, err)
	defer cs.Close()
	kv := newMockKv("0")
	m, err := New(env, cs, []KvOriginator{kv})
	require.NoError(t, err)

	require.NoError(t, m.AdvertisePrefixes([]state.PrefixEntry{
		entry("10.0.0.0/8", state.PrefixTypeBgp),
	}))

	key := state.PrefixDbKey("node1", "0")
	require.Eventually(t, func() bool {
		_, ok := kv.get(key)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	raw, _ := kv.get(key)
	var db state.PrefixDatabase
	require.NoError(t, json.Unmarshal(raw, &db))
	assert.Equal(t, "node1", db.ThisNodeName)
	require.Len(t, db.Entries, 1)
	assert.Equal(t, "10.0.0.0/8", db.Entries[0].Prefix.String())
}

func TestPerPrefixModeTombstones(t *testing.T) {
	env := pmEnv(t, t.TempDir())
	env.Cfg.PrefixManager.PrefixKeyPerPrefix = true
	cs, err := configstore.New(env)
	require.NoError(t, err)
	defer cs.Close()
	kv := newMockKv("0")
	m, err := New(env, cs, []KvOriginator{kv})
	require.NoError(t, err)

	p := entry("10.0.0.0/8", state.PrefixTypeBgp)
	require.NoError(t, m.AdvertisePrefixes([]state.PrefixEntry{p}))
	key := state.PerPrefixKey("node1", "0", p.Prefix)
	require.Eventually(t, func() bool {
		_, ok := kv.get(key)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.WithdrawPrefixes([]state.PrefixEntry{p}))
	require.Eventually(t, func() bool {
		raw, ok := kv.get(key)
		if !ok {
			return false
		}
		var db state.PrefixDatabase
		return json.Unmarshal(raw, &db) == nil && db.DeletePrefix
	}, 3*time.Second, 10*time.Millisecond, "withdrawal never published a tombstone")
}

// Sticky prefixes survive a manager restart through the config store;
// ephemeral ones do not.
func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	env := pmEnv(t, dir)
	cs, err := configstore.New(env)
	require.NoError(t, err)
	m, err := New(env, cs, []KvOriginator{newMockKv("0")})
	require.NoError(t, err)

	sticky := entry("10.0.0.0/8", state.PrefixTypeBgp)
	eph := entry("11.0.0.0/8", state.PrefixTypeBgp)
	eph.Ephemeral = true
	require.NoError(t, m.AdvertisePrefixes([]state.PrefixEntry{sticky, eph}))
	require.NoError(t, cs.Close())

	env2 := pmEnv(t, dir)
	cs2, err := configstore.New(env2)
	require.NoError(t, err)
	defer cs2.Close()
	m2, err := New(env2, cs2, []KvOriginator{newMockKv("0")})
	require.NoError(t, err)

	got, err := m2.GetPrefixes()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.0/8", got[0].Prefix.String())
}
