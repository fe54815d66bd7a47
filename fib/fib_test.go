package fib

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/arbornet/arbor/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fibEnv(t *testing.T) *state.Env {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })
	cfg := &state.Config{
		NodeName: "node1",
		Domain:   "test",
		Areas:    []string{"0"},
		ConfigStore: state.ConfigStoreCfg{
			FilePath: t.TempDir() + "/store.bin",
		},
		Fib: state.FibCfg{
			ReconcileIntervalMs: 200,
			RetryMinMs:          20,
			RetryMaxMs:          100,
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

func route(prefix, via string) state.UnicastRoute {
	return state.UnicastRoute{
		Dest: netip.MustParsePrefix(prefix),
		NextHops: []state.NextHop{{
			Address: netip.MustParseAddr("fe80::1"),
			IfName:  via,
		}},
	}
}

func TestFirstDeltaProgramsFullSet(t *testing.T) {
	env := fibEnv(t)
	mem := NewMemProgrammer()
	f := New(env, mem, nil)
	deltas := make(chan state.RouteDatabaseDelta, 8)
	f.Run(deltas)

	deltas <- state.RouteDatabaseDelta{
		UnicastRoutesToUpdate: []state.UnicastRoute{
			route("10.0.0.0/8", "e1"),
			route("11.0.0.0/8", "e1"),
		},
		MplsRoutesToUpdate: []state.MplsRoute{{
			TopLabel: 102,
			NextHops: []state.NextHop{{Address: netip.MustParseAddr("fe80::1"), IfName: "e1"}},
		}},
	}

	require.Eventually(t, func() bool {
		routes, _ := mem.GetUnicastRoutes()
		mpls, _ := mem.GetMplsRoutes()
		return len(routes) == 2 && len(mpls) == 1
	}, 3*time.Second, 10*time.Millisecond)

	db, err := f.GetRouteDb()
	require.NoError(t, err)
	assert.Len(t, db.UnicastRoutes, 2)
	assert.Len(t, db.MplsRoutes, 1)
}

func TestDeltaAppliesUpdatesAndDeletes(t *testing.T) {
	env := fibEnv(t)
	mem := NewMemProgrammer()
	f := New(env, mem, nil)
	deltas := make(chan state.RouteDatabaseDelta, 8)
	f.Run(deltas)

	deltas <- state.RouteDatabaseDelta{
		UnicastRoutesToUpdate: []state.UnicastRoute{route("10.0.0.0/8", "e1")},
	}
	require.Eventually(t, func() bool {
		routes, _ := mem.GetUnicastRoutes()
		return len(routes) == 1
	}, 3*time.Second, 10*time.Millisecond)

	deltas <- state.RouteDatabaseDelta{
		UnicastRoutesToUpdate: []state.UnicastRoute{route("11.0.0.0/8", "e2")},
		UnicastRoutesToDelete: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}
	require.Eventually(t, func() bool {
		routes, _ := mem.GetUnicastRoutes()
		return len(routes) == 1 && routes[0].Dest == netip.MustParsePrefix("11.0.0.0/8")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDryRunDoesNotTouchPlatform(t *testing.T) {
	env := fibEnv(t)
	env.Cfg.Fib.DryRun = true
	mem := NewMemProgrammer()
	f := New(env, mem, nil)
	deltas := make(chan state.RouteDatabaseDelta, 8)
	f.Run(deltas)

	deltas <- state.RouteDatabaseDelta{
		UnicastRoutesToUpdate: []state.UnicastRoute{route("10.0.0.0/8", "e1")},
	}

	// The intended set still reflects the delta.
	require.Eventually(t, func() bool {
		db, err := f.GetRouteDb()
		return err == nil && len(db.UnicastRoutes) == 1
	}, 3*time.Second, 10*time.Millisecond)

	routes, _ := mem.GetUnicastRoutes()
	assert.Empty(t, routes)
	assert.Empty(t, mem.Calls)
}

func TestFailedRouteRetried(t *testing.T) {
	env := fibEnv(t)
	mem := NewMemProgrammer()
	bad := netip.MustParsePrefix("10.0.0.0/8")
	mem.FailPrefixes = map[netip.Prefix]bool{bad: true}
	f := New(env, mem, nil)
	deltas := make(chan state.RouteDatabaseDelta, 8)
	f.Run(deltas)

	deltas <- state.RouteDatabaseDelta{
		UnicastRoutesToUpdate: []state.UnicastRoute{route("10.0.0.0/8", "e1")},
	}

	// Programming fails, the route stays in the attempted state.
	require.Eventually(t, func() bool {
		routes, _ := mem.GetUnicastRoutes()
		return len(routes) == 0 && len(mem.Calls) > 0
	}, 3*time.Second, 10*time.Millisecond)

	// The platform recovers; the retry path programs the route.
	mem.mu.Lock()
	mem.FailPrefixes = nil
	mem.mu.Unlock()
	require.Eventually(t, func() bool {
		routes, _ := mem.GetUnicastRoutes()
		return len(routes) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconcileRemovesStrayPlatformRoutes(t *testing.T) {
	env := fibEnv(t)
	mem := NewMemProgrammer()
	f := New(env, mem, nil)
	deltas := make(chan state.RouteDatabaseDelta, 8)
	f.Run(deltas)

	deltas <- state.RouteDatabaseDelta{
		UnicastRoutesToUpdate: []state.UnicastRoute{route("10.0.0.0/8", "e1")},
	}
	require.Eventually(t, func() bool {
		routes, _ := mem.GetUnicastRoutes()
		return len(routes) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// A route appears behind our back; reconcile must clear it.
	require.NoError(t, mem.AddUnicastRoute(route("99.0.0.0/8", "rogue")))
	require.Eventually(t, func() bool {
		routes, _ := mem.GetUnicastRoutes()
		return len(routes) == 1 && routes[0].Dest == netip.MustParsePrefix("10.0.0.0/8")
	}, 3*time.Second, 10*time.Millisecond)
}

func mplsRoute(label int32, via string, action state.MplsAction) state.MplsRoute {
	return state.MplsRoute{
		TopLabel: label,
		NextHops: []state.NextHop{{
			Address: netip.MustParseAddr("fe80::1"),
			IfName:  via,
			Mpls:    &state.MplsActionInfo{Action: action, SwapLabel: label},
		}},
	}
}

// Reconcile must also correct MPLS drift: a mutated platform copy goes back
// to the intended route, a stray label is removed.
func TestReconcileCorrectsMplsDrift(t *testing.T) {
	env := fibEnv(t)
	mem := NewMemProgrammer()
	f := New(env, mem, nil)
	deltas := make(chan state.RouteDatabaseDelta, 8)
	f.Run(deltas)

	intended := mplsRoute(102, "e1", state.MplsActionSwap)
	deltas <- state.RouteDatabaseDelta{
		UnicastRoutesToUpdate: []state.UnicastRoute{route("10.0.0.0/8", "e1")},
		MplsRoutesToUpdate:    []state.MplsRoute{intended},
	}
	require.Eventually(t, func() bool {
		mpls, _ := mem.GetMplsRoutes()
		return len(mpls) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The platform's copy mutates behind our back.
	mem.mu.Lock()
	mem.mpls[102] = mplsRoute(102, "rogue", state.MplsActionPhp)
	mem.mpls[999] = mplsRoute(999, "rogue", state.MplsActionSwap)
	mem.mu.Unlock()

	require.Eventually(t, func() bool {
		mpls, _ := mem.GetMplsRoutes()
		if len(mpls) != 1 {
			return false
		}
		return sameMplsRoute(intended, mpls[0])
	}, 3*time.Second, 10*time.Millisecond, "reconcile never restored the intended MPLS route")

	mpls, _ := mem.GetMplsRoutes()
	require.Len(t, mpls, 1)
	assert.Equal(t, "e1", mpls[0].NextHops[0].IfName)
	assert.Equal(t, state.MplsActionSwap, mpls[0].NextHops[0].Mpls.Action)
}

func TestPerfDbRing(t *testing.T) {
	env := fibEnv(t)
	mem := NewMemProgrammer()
	f := New(env, mem, nil)
	deltas := make(chan state.RouteDatabaseDelta, 64)
	f.Run(deltas)

	for i := 0; i < perfDbSize+8; i++ {
		pe := &state.PerfEvents{}
		pe.Add("node1", "DECISION_SPF_DONE", int64(i))
		deltas <- state.RouteDatabaseDelta{
			UnicastRoutesToUpdate: []state.UnicastRoute{route("10.0.0.0/8", "e1")},
			PerfEvents:            pe,
		}
	}
	require.Eventually(t, func() bool {
		db, err := f.GetPerfDb()
		return err == nil && len(db) == perfDbSize
	}, 3*time.Second, 10*time.Millisecond)

	db, err := f.GetPerfDb()
	require.NoError(t, err)
	// The ring is capped at perfDbSize chains; the newest one ends with the
	// FIB update event.
	last := db[len(db)-1].Events
	assert.Equal(t, "FIB_ROUTE_DB_UPDATED", last[len(last)-1].EventDescr)
}

func TestLongestPrefixMatch(t *testing.T) {
	env := fibEnv(t)
	mem := NewMemProgrammer()
	f := New(env, mem, nil)
	deltas := make(chan state.RouteDatabaseDelta, 8)
	f.Run(deltas)

	deltas <- state.RouteDatabaseDelta{
		UnicastRoutesToUpdate: []state.UnicastRoute{
			route("10.0.0.0/8", "coarse"),
			route("10.1.0.0/16", "fine"),
		},
	}
	require.Eventually(t, func() bool {
		db, err := f.GetRouteDb()
		return err == nil && len(db.UnicastRoutes) == 2
	}, 3*time.Second, 10*time.Millisecond)

	r, ok, err := f.LongestPrefixMatch(netip.MustParseAddr("10.1.2.3"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fine", r.NextHops[0].IfName)

	r, ok, err = f.LongestPrefixMatch(netip.MustParseAddr("10.200.0.1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "coarse", r.NextHops[0].IfName)

	_, ok, err = f.LongestPrefixMatch(netip.MustParseAddr("192.168.0.1"))
	require.NoError(t, err)
	assert.False(t, ok)
}
