package linkmonitor

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

type mockSpark struct {
	mu     sync.Mutex
	added  map[string]bool
	events chan state.NeighborEvent
}

func newMockSpark() *mockSpark {
	return &mockSpark{
		added:  make(map[string]bool),
		events: make(chan state.NeighborEvent, 64),
	}
}

func (m *mockSpark) AddInterface(info state.InterfaceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added[info.IfName] = true
	return nil
}

func (m *mockSpark) RemoveInterface(ifName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.added, ifName)
	return nil
}

func (m *mockSpark) Events() <-chan state.NeighborEvent { return m.events }
func (m *mockSpark) GracefulShutdown()                  {}

func (m *mockSpark) has(ifName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.added[ifName]
}

type captureKv struct {
	mu   sync.Mutex
	area string
	last map[string][]byte
}

func newCaptureKv(area string) *captureKv {
	return &captureKv{area: area, last: make(map[string][]byte)}
}

func (c *captureKv) Area() string { return c.area }

func (c *captureKv) SelfOriginateKey(key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = value
	return nil
}

func (c *captureKv) adjDb(t *testing.T, node string) (state.AdjacencyDatabase, bool) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.last[state.AdjacencyDbKey(node, c.area)]
	if !ok {
		return state.AdjacencyDatabase{}, false
	}
	var db state.AdjacencyDatabase
	require.NoError(t, json.Unmarshal(raw, &db))
	return db, true
}

func lmEnv(t *testing.T, dir string) *state.Env {
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
		LinkMonitor: state.LinkMonitorCfg{
			InitialBackoffMs: 40,
			MaxBackoffMs:     200,
			AdjHolddownMs:    10,
			ExcludeIfRegexes: []string{"^lo$"},
		},
	}
	require.NoError(t, state.ConfigValidator(cfg))
	return &state.Env{
		Context: ctx,
		Cancel:  cancel,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cfg:     cfg,
	}
}

func upIface(name string, index int) state.InterfaceInfo {
	return state.InterfaceInfo{
		IfName:  name,
		IfIndex: index,
		IsUp:    true,
		V4Addrs: []netip.Prefix{netip.MustParsePrefix("192.168.1.1/24")},
		V6Addrs: []netip.Prefix{netip.MustParsePrefix("fe80::1/64")},
	}
}

func neighborUp(node, ifName string) state.NeighborEvent {
	return state.NeighborEvent{
		Type:     state.NeighborUp,
		NodeName: node,
		IfName:   ifName,
		Area:     "0",
		V6Addr:   netip.MustParseAddr("fe80::2"),
		RttUs:    1000,
		Label:    50001,
	}
}

func buildMonitor(t *testing.T, env *state.Env, ifaces ...state.InterfaceInfo) (*Monitor, *mockSpark, *captureKv, *MockLinkProvider) {
	t.Helper()
	cs, err := configstore.New(env)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	provider := NewMockLinkProvider(ifaces...)
	sp := newMockSpark()
	kv := newCaptureKv("0")
	m, err := New(env, provider, sp, cs, []KvOriginator{kv}, nil)
	require.NoError(t, err)
	return m, sp, kv, provider
}

func TestTrackedInterfacesStartDiscovery(t *testing.T) {
	env := lmEnv(t, t.TempDir())
	_, sp, _, _ := buildMonitor(t, env, upIface("eth0", 1), state.InterfaceInfo{IfName: "lo", IfIndex: 2, IsUp: true})

	require.Eventually(t, func() bool { return sp.has("eth0") },
		3*time.Second, 10*time.Millisecond)
	// Excluded interface never joins.
	assert.False(t, sp.has("lo"))
}

func TestNeighborEventsBecomeAdjacencies(t *testing.T) {
	env := lmEnv(t, t.TempDir())
	m, sp, kv, _ := buildMonitor(t, env, upIface("eth0", 1))
	require.Eventually(t, func() bool { return sp.has("eth0") }, 3*time.Second, 10*time.Millisecond)

	sp.events <- neighborUp("nbr", "eth0")
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && len(db.Adjacencies) == 1
	}, 3*time.Second, 10*time.Millisecond)

	db, _ := kv.adjDb(t, "node1")
	adj := db.Adjacencies[0]
	assert.Equal(t, "nbr", adj.OtherNodeName)
	assert.Equal(t, "eth0", adj.IfName)
	assert.Equal(t, int32(50001), adj.AdjLabel)

	adjs, err := m.GetAdjacencies()
	require.NoError(t, err)
	require.Len(t, adjs, 1)

	sp.events <- state.NeighborEvent{Type: state.NeighborDown, NodeName: "nbr", IfName: "eth0"}
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && len(db.Adjacencies) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// A restarting neighbor keeps its adjacency advertised.
func TestRestartingNeighborRetained(t *testing.T) {
	env := lmEnv(t, t.TempDir())
	_, sp, kv, _ := buildMonitor(t, env, upIface("eth0", 1))
	require.Eventually(t, func() bool { return sp.has("eth0") }, 3*time.Second, 10*time.Millisecond)

	sp.events <- neighborUp("nbr", "eth0")
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && len(db.Adjacencies) == 1
	}, 3*time.Second, 10*time.Millisecond)

	sp.events <- state.NeighborEvent{Type: state.NeighborRestarting, NodeName: "nbr", IfName: "eth0"}
	time.Sleep(100 * time.Millisecond)
	db, _ := kv.adjDb(t, "node1")
	assert.Len(t, db.Adjacencies, 1)
}

// S5: interface overload flows into the advertised adjacency database.
func TestInterfaceOverloadOverride(t *testing.T) {
	env := lmEnv(t, t.TempDir())
	m, sp, kv, _ := buildMonitor(t, env, upIface("po1011", 1))
	require.Eventually(t, func() bool { return sp.has("po1011") }, 3*time.Second, 10*time.Millisecond)

	sp.events <- neighborUp("nbr", "po1011")
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && len(db.Adjacencies) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.SetInterfaceOverload("po1011", true))
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && len(db.Adjacencies) == 1 && db.Adjacencies[0].IsOverloaded
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.SetInterfaceOverload("po1011", false))
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && len(db.Adjacencies) == 1 && !db.Adjacencies[0].IsOverloaded
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNodeOverloadAndMetricOverrides(t *testing.T) {
	env := lmEnv(t, t.TempDir())
	m, sp, kv, _ := buildMonitor(t, env, upIface("eth0", 1))
	require.Eventually(t, func() bool { return sp.has("eth0") }, 3*time.Second, 10*time.Millisecond)

	sp.events <- neighborUp("nbr", "eth0")
	require.NoError(t, m.SetNodeOverload(true))
	require.NoError(t, m.SetInterfaceMetric("eth0", 77))
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && db.IsOverloaded && len(db.Adjacencies) == 1 &&
			db.Adjacencies[0].Metric == 77
	}, 3*time.Second, 10*time.Millisecond)

	// Per-adjacency override beats the interface one.
	require.NoError(t, m.SetAdjacencyMetric("eth0", "nbr", 5))
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && len(db.Adjacencies) == 1 && db.Adjacencies[0].Metric == 5
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.UnsetAdjacencyMetric("eth0", "nbr"))
	require.NoError(t, m.UnsetInterfaceMetric("eth0"))
	require.NoError(t, m.SetNodeOverload(false))
	require.Eventually(t, func() bool {
		db, ok := kv.adjDb(t, "node1")
		return ok && !db.IsOverloaded && db.Adjacencies[0].Metric != 77 &&
			db.Adjacencies[0].Metric != 5
	}, 3*time.Second, 10*time.Millisecond)
}

// Overrides persist in the config store and re-apply after a restart.
func TestOverridesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	env := lmEnv(t, dir)
	cs, err := configstore.New(env)
	require.NoError(t, err)
	sp := newMockSpark()
	kv := newCaptureKv("0")
	m, err := New(env, NewMockLinkProvider(upIface("eth0", 1)), sp, cs, []KvOriginator{kv}, nil)
	require.NoError(t, err)
	require.NoError(t, m.SetNodeOverload(true))
	require.NoError(t, cs.Close())

	env2 := lmEnv(t, dir)
	cs2, err := configstore.New(env2)
	require.NoError(t, err)
	defer cs2.Close()
	kv2 := newCaptureKv("0")
	_, err = New(env2, NewMockLinkProvider(upIface("eth0", 1)), newMockSpark(), cs2, []KvOriginator{kv2}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		db, ok := kv2.adjDb(t, "node1")
		return ok && db.IsOverloaded
	}, 3*time.Second, 10*time.Millisecond)
}

// Link flap dampening: a bouncing interface is held down and comes back
// once the backoff clears.
func TestFlapDampening(t *testing.T) {
	env := lmEnv(t, t.TempDir())
	m, sp, _, provider := buildMonitor(t, env, upIface("eth0", 1))
	require.Eventually(t, func() bool { return sp.has("eth0") }, 3*time.Second, 10*time.Millisecond)

	down := upIface("eth0", 1)
	down.IsUp = false
	provider.SetLink(down)
	require.Eventually(t, func() bool { return !sp.has("eth0") }, 3*time.Second, 10*time.Millisecond)

	// Immediate re-up is dampened first, then activates.
	provider.SetLink(upIface("eth0", 1))
	infos, err := m.GetInterfaces()
	require.NoError(t, err)
	require.Len(t, infos, 1)

	require.Eventually(t, func() bool { return sp.has("eth0") },
		3*time.Second, 10*time.Millisecond)
}

func TestRedistribution(t *testing.T) {
	env := lmEnv(t, t.TempDir())
	env.Cfg.LinkMonitor.RedistIfRegexes = []string{"^eth0$"}

	cs, err := configstore.New(env)
	require.NoError(t, err)
	defer cs.Close()
	sp := newMockSpark()
	redist := &captureRedist{}
	_, err = New(env, NewMockLinkProvider(upIface("eth0", 1)), sp, cs,
		[]KvOriginator{newCaptureKv("0")}, redist)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(redist.get()) > 0
	}, 3*time.Second, 10*time.Millisecond)
	for _, e := range redist.get() {
		assert.Equal(t, state.PrefixTypeLoopback, e.Type)
		assert.True(t, e.Ephemeral)
	}
}

type capturedRedistEntries = []state.PrefixEntry

type captureRedist struct {
	mu      sync.Mutex
	entries capturedRedistEntries
}

func (c *captureRedist) SyncPrefixesByType(_ state.PrefixType, entries []state.PrefixEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	return nil
}

func (c *captureRedist) get() capturedRedistEntries {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}
