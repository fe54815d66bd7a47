package kvstore

import (
	"slices"
	"sort"

	"github.com/arbornet/arbor/state"
)

// dualInfinity marks an unreachable root.
const dualInfinity = int64(1) << 40

// dualLinkCost is the uniform cost of one peer hop in the flood topology.
const dualLinkCost = int64(1)

// rootState is the diffusing computation for one flood root. A successor is
// only ever selected if its reported distance is strictly below our feasible
// distance, which keeps the tree loop-free while distances move.
type rootState struct {
	root   string
	dist   int64
	fd     int64
	parent string
	active bool

	reported       map[string]int64
	nbrParent      map[string]string
	pendingReplies map[string]struct{}
}

func newRootState(root string) *rootState {
	return &rootState{
		root:      root,
		dist:      dualInfinity,
		fd:        dualInfinity,
		reported:  make(map[string]int64),
		nbrParent: make(map[string]string),
	}
}

// dualTopo maintains per-root spanning trees over the peer links. All
// methods run on the store loop.
type dualTopo struct {
	env   *state.Env
	store *Store

	roots         map[string]*rootState
	floodRoots    map[string]bool
	peersUp       map[string]struct{}
	childOverride map[string]map[string]bool
}

func newDualTopo(env *state.Env, store *Store) *dualTopo {
	d := &dualTopo{
		env:           env,
		store:         store,
		roots:         make(map[string]*rootState),
		floodRoots:    make(map[string]bool),
		peersUp:       make(map[string]struct{}),
		childOverride: make(map[string]map[string]bool),
	}
	if env.Cfg.KvStore.IsFloodRoot {
		d.floodRoots[env.Cfg.NodeName] = true
		d.ensureRoot(env.Cfg.NodeName)
	}
	return d
}

func (d *dualTopo) self() string { return d.env.Cfg.NodeName }

func (d *dualTopo) ensureRoot(root string) *rootState {
	rs, ok := d.roots[root]
	if !ok {
		rs = newRootState(root)
		if root == d.self() {
			rs.dist = 0
			rs.fd = 0
			rs.parent = d.self()
		}
		d.roots[root] = rs
	}
	return rs
}

func (d *dualTopo) peerHello(name string, isRoot bool) {
	if !d.env.Cfg.KvStore.EnableFloodOptimization {
		return
	}
	d.floodRoots[name] = isRoot
	if isRoot {
		d.ensureRoot(name)
	}
}

func (d *dualTopo) peerUp(name string) {
	if !d.env.Cfg.KvStore.EnableFloodOptimization {
		return
	}
	d.peersUp[name] = struct{}{}
	msgs := []DualMessage{{
		Type:      DualHello,
		FloodRoot: d.env.Cfg.KvStore.IsFloodRoot,
	}}
	for root, rs := range d.roots {
		msgs = append(msgs, DualMessage{
			Type: DualUpdate, Root: root, Dist: rs.dist, Parent: rs.parent,
		})
	}
	d.store.sendDual(name, &DualMessages{Messages: msgs})
}

func (d *dualTopo) peerDown(name string) {
	if _, up := d.peersUp[name]; !up {
		return
	}
	delete(d.peersUp, name)
	for _, rs := range d.roots {
		delete(rs.reported, name)
		delete(rs.nbrParent, name)
		if _, waiting := rs.pendingReplies[name]; waiting {
			delete(rs.pendingReplies, name)
			d.maybeFinishDiffusion(rs)
		}
		if rs.parent == name {
			d.recompute(rs)
		}
	}
}

func (d *dualTopo) processMessages(from string, msgs *DualMessages) {
	for _, m := range msgs.Messages {
		switch m.Type {
		case DualHello:
			d.peerHello(from, m.FloodRoot)
		case DualUpdate:
			rs := d.ensureRoot(m.Root)
			rs.reported[from] = m.Dist
			rs.nbrParent[from] = m.Parent
			d.recompute(rs)
		case DualQuery:
			rs := d.ensureRoot(m.Root)
			d.store.sendDual(from, &DualMessages{Messages: []DualMessage{{
				Type: DualReply, Root: m.Root, Dist: rs.dist, Parent: rs.parent,
			}}})
			if rs.parent == from {
				// Our successor's path is in doubt.
				rs.reported[from] = m.Dist
				d.recompute(rs)
			}
		case DualReply:
			rs := d.ensureRoot(m.Root)
			rs.reported[from] = m.Dist
			rs.nbrParent[from] = m.Parent
			if rs.pendingReplies != nil {
				delete(rs.pendingReplies, from)
				d.maybeFinishDiffusion(rs)
			}
		}
	}
}

// recompute reselects the successor for one root under the feasibility
// condition. With no feasible successor left, the computation diffuses: we
// query every peer and only reset the feasible distance once all replies
// (or peer downs) are in.
func (d *dualTopo) recompute(rs *rootState) {
	if rs.root == d.self() {
		rs.dist = 0
		rs.fd = 0
		rs.parent = d.self()
		return
	}
	bestPeer := ""
	bestDist := dualInfinity
	for name := range d.peersUp {
		rep, ok := rs.reported[name]
		if !ok || rep >= dualInfinity {
			continue
		}
		if rep >= rs.fd {
			// Not feasible; selecting it could form a loop.
			continue
		}
		if cand := rep + dualLinkCost; cand < bestDist || (cand == bestDist && name < bestPeer) {
			bestPeer = name
			bestDist = cand
		}
	}
	if bestPeer != "" {
		changed := rs.dist != bestDist || rs.parent != bestPeer
		rs.dist = bestDist
		rs.parent = bestPeer
		if bestDist < rs.fd {
			rs.fd = bestDist
		}
		rs.active = false
		rs.pendingReplies = nil
		if changed {
			d.broadcastUpdate(rs)
		}
		return
	}
	if !rs.active {
		rs.active = true
		rs.dist = dualInfinity
		rs.parent = ""
		rs.pendingReplies = make(map[string]struct{}, len(d.peersUp))
		query := &DualMessages{Messages: []DualMessage{{
			Type: DualQuery, Root: rs.root, Dist: rs.dist,
		}}}
		for name := range d.peersUp {
			rs.pendingReplies[name] = struct{}{}
			d.store.sendDual(name, query)
		}
		d.broadcastUpdate(rs)
		d.maybeFinishDiffusion(rs)
	}
}

func (d *dualTopo) maybeFinishDiffusion(rs *rootState) {
	if !rs.active || len(rs.pendingReplies) > 0 {
		return
	}
	// All replies are in: the feasible distance may be reset.
	rs.active = false
	rs.pendingReplies = nil
	rs.fd = dualInfinity
	d.recompute(rs)
}

func (d *dualTopo) broadcastUpdate(rs *rootState) {
	update := &DualMessages{Messages: []DualMessage{{
		Type: DualUpdate, Root: rs.root, Dist: rs.dist, Parent: rs.parent,
	}}}
	for name := range d.peersUp {
		d.store.sendDual(name, update)
	}
}

func (d *dualTopo) setChildOverride(root, child string, enable bool) {
	m, ok := d.childOverride[root]
	if !ok {
		m = make(map[string]bool)
		d.childOverride[root] = m
	}
	m[child] = enable
}

func (d *dualTopo) children(rs *rootState) []string {
	var out []string
	for name := range d.peersUp {
		if rs.nbrParent[name] == d.self() {
			out = append(out, name)
		}
	}
	for child, enable := range d.childOverride[rs.root] {
		if enable && !slices.Contains(out, child) {
			out = append(out, child)
		} else if !enable {
			out = slices.DeleteFunc(out, func(x string) bool { return x == child })
		}
	}
	sort.Strings(out)
	return out
}

// activeRoot picks the lowest-named configured flood root known so far.
func (d *dualTopo) activeRoot() string {
	best := ""
	for name, isRoot := range d.floodRoots {
		if !isRoot {
			continue
		}
		if best == "" || name < best {
			best = name
		}
	}
	return best
}

// floodSet returns the peers floods are constrained to: the spanning-tree
// parent plus children for the active root. With no elected root yet, all
// peers flood (plain mode fallback keeps convergence safe).
func (d *dualTopo) floodSet() map[string]struct{} {
	out := make(map[string]struct{})
	root := d.activeRoot()
	rs := d.roots[root]
	if root == "" || rs == nil {
		for name := range d.peersUp {
			out[name] = struct{}{}
		}
		return out
	}
	if rs.parent != "" && rs.parent != d.self() {
		out[rs.parent] = struct{}{}
	}
	for _, c := range d.children(rs) {
		out[c] = struct{}{}
	}
	return out
}

func (d *dualTopo) sptInfos() state.SptInfos {
	infos := make(map[string]state.SptInfo, len(d.roots))
	for root, rs := range d.roots {
		infos[root] = state.SptInfo{
			Root:     root,
			Passive:  !rs.active,
			Cost:     rs.dist,
			Parent:   rs.parent,
			Children: d.children(rs),
		}
	}
	var floodPeers []string
	for name := range d.floodSet() {
		floodPeers = append(floodPeers, name)
	}
	sort.Strings(floodPeers)
	return state.SptInfos{
		Infos:         infos,
		FloodRootID:   d.activeRoot(),
		FloodPeers:    floodPeers,
		SupportsFlood: d.env.Cfg.KvStore.EnableFloodOptimization,
	}
}
