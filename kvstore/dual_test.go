package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dualStore(t *testing.T, node string, isRoot bool) *Store {
	env := testEnv(t, node)
	env.Cfg.KvStore.EnableFloodOptimization = true
	env.Cfg.KvStore.IsFloodRoot = isRoot
	s := New(env, "0")
	t.Cleanup(s.Stop)
	return s
}

func TestDualRootSelectsItself(t *testing.T) {
	s := dualStore(t, "root", true)
	infos, err := s.SptInfos()
	require.NoError(t, err)
	assert.Equal(t, "root", infos.FloodRootID)
	info := infos.Infos["root"]
	assert.Equal(t, int64(0), info.Cost)
	assert.Equal(t, "root", info.Parent)
	assert.True(t, info.Passive)
}

func TestDualSelectsFeasibleParent(t *testing.T) {
	s := dualStore(t, "b", false)
	d := s.dual

	done := make(chan struct{})
	s.loop.Dispatch(func() error {
		defer close(done)
		d.peerHello("root", true)
		d.peersUp["root"] = struct{}{}
		d.peersUp["c"] = struct{}{}
		d.processMessages("root", &DualMessages{Messages: []DualMessage{
			{Type: DualUpdate, Root: "root", Dist: 0, Parent: "root"},
		}})
		d.processMessages("c", &DualMessages{Messages: []DualMessage{
			{Type: DualUpdate, Root: "root", Dist: 1, Parent: "b"},
		}})
		return nil
	})
	<-done

	infos, err := s.SptInfos()
	require.NoError(t, err)
	info := infos.Infos["root"]
	assert.Equal(t, "root", info.Parent)
	assert.Equal(t, int64(1), info.Cost)
	// c reported b as its parent, so c is b's child.
	assert.Contains(t, info.Children, "c")
	assert.ElementsMatch(t, []string{"root", "c"}, infos.FloodPeers)
}

// A successor whose reported distance is not strictly below our feasible
// distance must never be selected, even if it is the only candidate.
func TestDualFeasibilityBlocksLoop(t *testing.T) {
	s := dualStore(t, "b", false)
	d := s.dual

	done := make(chan struct{})
	s.loop.Dispatch(func() error {
		defer close(done)
		d.peerHello("root", true)
		d.peersUp["root"] = struct{}{}
		d.peersUp["c"] = struct{}{}
		d.processMessages("root", &DualMessages{Messages: []DualMessage{
			{Type: DualUpdate, Root: "root", Dist: 0, Parent: "root"},
		}})
		rs := d.roots["root"]
		require.Equal(t, int64(1), rs.fd)
		// c claims distance 5, above our feasible distance of 1: selecting
		// c could loop through us.
		d.processMessages("c", &DualMessages{Messages: []DualMessage{
			{Type: DualUpdate, Root: "root", Dist: 5, Parent: "x"},
		}})
		assert.Equal(t, "root", rs.parent)

		// Root link dies: c is infeasible, so the computation diffuses.
		d.peerDown("root")
		assert.True(t, rs.active)
		// c replies; feasibility resets and c becomes selectable.
		d.processMessages("c", &DualMessages{Messages: []DualMessage{
			{Type: DualReply, Root: "root", Dist: 5, Parent: "x"},
		}})
		assert.False(t, rs.active)
		assert.Equal(t, "c", rs.parent)
		assert.Equal(t, int64(6), rs.dist)
		return nil
	})
	<-done
}

func TestDualChildOverride(t *testing.T) {
	s := dualStore(t, "b", true)
	require.NoError(t, s.UpdateFloodTopologyChild("b", "forced-child", true))
	done := make(chan struct{})
	var children []string
	s.loop.Dispatch(func() error {
		defer close(done)
		s.dual.peersUp["forced-child"] = struct{}{}
		children = s.dual.children(s.dual.roots["b"])
		return nil
	})
	<-done
	assert.Contains(t, children, "forced-child")

	require.NoError(t, s.UpdateFloodTopologyChild("b", "forced-child", false))
	done = make(chan struct{})
	s.loop.Dispatch(func() error {
		defer close(done)
		children = s.dual.children(s.dual.roots["b"])
		return nil
	})
	<-done
	assert.NotContains(t, children, "forced-child")
}
