// Package decision consumes adjacency and prefix records from the
// replicated store, runs a debounced shortest-path computation and emits
// route-database deltas toward the forwarding agent.
package decision

import (
	"encoding/json"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/arbornet/arbor/perf"
	"github.com/arbornet/arbor/state"
)

// KvSubscriber is the slice of the replicated store the decision engine
// needs; satisfied by *kvstore.Store.
type KvSubscriber interface {
	Area() string
	SubscribeAndGet() (state.Publication, <-chan state.Publication, func(), error)
}

type Decision struct {
	env  *state.Env
	loop *state.Loop
	cfg  state.DecisionCfg

	adjDbs    map[string]state.AdjacencyDatabase // by kv key
	prefixDbs map[string]state.PrefixDatabase    // by kv key

	deltas chan state.RouteDatabaseDelta
	prev   *state.RouteDatabase

	debounce     *time.Timer
	hardDeadline time.Time
	pendingPerf  *state.PerfEvents

	cancels []func()
}

func New(env *state.Env) *Decision {
	d := &Decision{
		env:       env,
		loop:      state.NewLoop(env, "decision"),
		cfg:       env.Cfg.Decision,
		adjDbs:    make(map[string]state.AdjacencyDatabase),
		prefixDbs: make(map[string]state.PrefixDatabase),
		deltas:    make(chan state.RouteDatabaseDelta, 64),
	}
	go d.loop.Run()
	return d
}

// Attach subscribes the engine to one area's store. Call once per area
// before the first computation matters.
func (d *Decision) Attach(kv KvSubscriber) error {
	snap, updates, cancel, err := kv.SubscribeAndGet()
	if err != nil {
		return err
	}
	d.cancels = append(d.cancels, cancel)
	d.loop.Dispatch(func() error {
		d.applyPublication(snap)
		return nil
	})
	go func() {
		for {
			select {
			case pub, ok := <-updates:
				if !ok {
					return
				}
				d.loop.Dispatch(func() error {
					d.applyPublication(pub)
					return nil
				})
			case <-d.env.Context.Done():
				return
			}
		}
	}()
	return nil
}

func (d *Decision) Stop() {
	for _, cancel := range d.cancels {
		cancel()
	}
}

// Deltas is the stream the forwarding agent consumes.
func (d *Decision) Deltas() <-chan state.RouteDatabaseDelta { return d.deltas }

func (d *Decision) applyPublication(pub state.Publication) {
	touched := false
	for key, v := range pub.KeyVals {
		if !state.IsRoutingKey(key) {
			continue
		}
		if node, _, ok := state.ParseAdjacencyKey(key); ok {
			var db state.AdjacencyDatabase
			if err := json.Unmarshal(v.Value, &db); err != nil {
				d.env.Log.Warn("malformed adjacency database", "key", key, "err", err)
				continue
			}
			if db.ThisNodeName != node {
				perf.DecisionSkips.Add(1)
				d.env.Log.Warn("adjacency database node mismatch", "key", key, "node", db.ThisNodeName)
				continue
			}
			d.adjDbs[key] = db
			touched = true
			continue
		}
		if node, _, _, ok := state.ParsePrefixKey(key); ok {
			var db state.PrefixDatabase
			if err := json.Unmarshal(v.Value, &db); err != nil {
				d.env.Log.Warn("malformed prefix database", "key", key, "err", err)
				continue
			}
			if db.ThisNodeName != node {
				perf.DecisionSkips.Add(1)
				continue
			}
			if db.DeletePrefix {
				delete(d.prefixDbs, key)
			} else {
				d.prefixDbs[key] = db
			}
			touched = true
		}
	}
	for _, key := range pub.ExpiredKeys {
		if _, ok := d.adjDbs[key]; ok {
			delete(d.adjDbs, key)
			touched = true
		}
		if _, ok := d.prefixDbs[key]; ok {
			delete(d.prefixDbs, key)
			touched = true
		}
	}
	if touched {
		d.scheduleSpf()
	}
}

// scheduleSpf coalesces triggers: each new trigger pushes the computation
// out by the min delay, bounded by a hard ceiling from the first trigger of
// the burst.
func (d *Decision) scheduleSpf() {
	now := time.Now()
	if d.pendingPerf == nil {
		d.pendingPerf = &state.PerfEvents{}
		d.pendingPerf.Add(d.env.Cfg.NodeName, "DECISION_RECEIVED", now.UnixMilli())
	}
	delay := d.cfg.SpfMinDelay()
	if d.debounce == nil {
		d.hardDeadline = now.Add(d.cfg.SpfMaxDelay())
	} else {
		d.debounce.Stop()
		if rem := d.hardDeadline.Sub(now); rem < delay {
			delay = rem
		}
	}
	if delay < 0 {
		delay = 0
	}
	d.debounce = d.loop.ScheduleTask(func() error {
		d.debounce = nil
		d.runComputation()
		return nil
	}, delay)
}

func (d *Decision) runComputation() {
	start := time.Now()
	pe := d.pendingPerf
	d.pendingPerf = nil
	if pe == nil {
		pe = &state.PerfEvents{}
	}
	pe.Add(d.env.Cfg.NodeName, "DECISION_SPF_BEGIN", start.UnixMilli())

	db := d.computeRouteDb(d.env.Cfg.NodeName)
	pe.Add(d.env.Cfg.NodeName, "DECISION_SPF_DONE", time.Now().UnixMilli())
	perf.SpfRuns.Add(float64(time.Since(start).Microseconds()))

	delta := diffRouteDb(d.prev, &db)
	d.prev = &db
	if delta.Empty() {
		return
	}
	delta.PerfEvents = pe
	select {
	case d.deltas <- delta:
	case <-d.env.Context.Done():
	}
}

// mergedAdjDbs folds area-scoped databases into one per node.
func (d *Decision) mergedAdjDbs() map[string]state.AdjacencyDatabase {
	out := make(map[string]state.AdjacencyDatabase)
	for _, db := range d.adjDbs {
		cur, ok := out[db.ThisNodeName]
		if !ok {
			out[db.ThisNodeName] = db
			continue
		}
		cur.IsOverloaded = cur.IsOverloaded || db.IsOverloaded
		cur.Adjacencies = append(cur.Adjacencies, db.Adjacencies...)
		if cur.NodeLabel == 0 {
			cur.NodeLabel = db.NodeLabel
		}
		out[db.ThisNodeName] = cur
	}
	return out
}

// prefixEntries flattens the prefix databases into prefix → advertisers.
func (d *Decision) prefixEntries() map[netip.Prefix][]prefixCandidate {
	type nodePrefix struct {
		node   string
		prefix netip.Prefix
	}
	latest := make(map[nodePrefix]state.PrefixEntry)
	for _, db := range d.prefixDbs {
		for _, e := range db.Entries {
			latest[nodePrefix{db.ThisNodeName, e.Prefix}] = e
		}
	}
	out := make(map[netip.Prefix][]prefixCandidate)
	for np, e := range latest {
		out[np.prefix] = append(out[np.prefix], prefixCandidate{node: np.node, entry: e})
	}
	return out
}

// computeRouteDb runs the full computation rooted at root (normally self;
// other roots serve the computed-routes query).
func (d *Decision) computeRouteDb(root string) state.RouteDatabase {
	db := state.RouteDatabase{ThisNodeName: root}
	adjDbs := d.mergedAdjDbs()
	g := buildGraph(adjDbs)
	rootIdx, ok := g.nodeIndex[root]
	if !ok {
		return db
	}
	res := runSpf(g, rootIdx, nil)

	// Per-neighbor trees for the loop-free alternate criterion.
	var nbrSpf map[int]spfResult
	if d.cfg.EnableLfa {
		nbrSpf = make(map[int]spfResult)
		for _, eIdx := range g.nodes[rootIdx].edges {
			nbr := g.edges[eIdx].v
			if _, done := nbrSpf[nbr]; !done {
				nbrSpf[nbr] = runSpf(g, nbr, nil)
			}
		}
	}

	distOf := func(node string) int64 {
		idx, ok := g.nodeIndex[node]
		if !ok {
			return distInfinity
		}
		return res.dist[idx]
	}

	for prefix, cands := range d.prefixEntries() {
		reachable := cands[:0:0]
		for _, c := range cands {
			if c.node == root || distOf(c.node) < distInfinity {
				reachable = append(reachable, c)
			}
		}
		winners := selectBestCandidates(reachable, distOf)
		if len(winners) == 0 {
			continue
		}
		selfIsWinner := false
		for _, w := range winners {
			if w.node == root {
				selfIsWinner = true
			}
		}
		if selfIsWinner {
			// Locally originated; nothing to program toward.
			continue
		}
		route := d.buildUnicastRoute(g, res, nbrSpf, rootIdx, prefix, winners)
		if len(route.NextHops) > 0 {
			db.UnicastRoutes = append(db.UnicastRoutes, route)
		}
	}

	db.MplsRoutes = d.buildMplsRoutes(g, res, rootIdx)

	sort.Slice(db.UnicastRoutes, func(i, j int) bool {
		return db.UnicastRoutes[i].Dest.String() < db.UnicastRoutes[j].Dest.String()
	})
	sort.Slice(db.MplsRoutes, func(i, j int) bool {
		return db.MplsRoutes[i].TopLabel < db.MplsRoutes[j].TopLabel
	})
	return db
}

func (d *Decision) buildUnicastRoute(g *graph, res spfResult, nbrSpf map[int]spfResult,
	rootIdx int, prefix netip.Prefix, winners []prefixCandidate) state.UnicastRoute {

	route := state.UnicastRoute{Dest: prefix}

	allKsp2 := true
	allSrMpls := true
	for _, w := range winners {
		if w.entry.ForwardingAlgorithm != state.AlgorithmKsp2EdEcmp {
			allKsp2 = false
		}
		if w.entry.ForwardingType != state.ForwardingTypeSrMpls {
			allSrMpls = false
		}
	}

	seen := make(map[string]bool)
	addHop := func(eIdx int, metric int64, nonShortest bool, winnerIdx int) {
		e := g.edges[eIdx]
		nh := state.NextHop{
			Address:             e.adj.NextHopV6,
			IfName:              e.adj.IfName,
			Metric:              int32(metric),
			UseNonShortestRoute: nonShortest,
		}
		if prefix.Addr().Is4() && e.adj.NextHopV4.IsValid() {
			nh.Address = e.adj.NextHopV4
		}
		if allSrMpls {
			wIdx, ok := g.nodeIndex[winners[winnerIdx].node]
			if ok && wIdx != e.v {
				label := g.nodes[wIdx].nodeLabel
				if state.IsValidMplsLabel(label) {
					nh.Mpls = &state.MplsActionInfo{Action: state.MplsActionPush, PushLabels: []int32{label}}
				}
			}
		}
		key := nh.IfName + "|" + nh.Address.String() + "|" + boolKey(nonShortest)
		if !seen[key] {
			seen[key] = true
			route.NextHops = append(route.NextHops, nh)
		}
	}

	for wi, w := range winners {
		wIdx := g.nodeIndex[w.node]
		if allKsp2 {
			// Two shortest edge-disjoint paths, both exposed.
			for _, eIdx := range res.firstHops[wIdx] {
				addHop(eIdx, res.dist[wIdx], false, wi)
			}
			skip := shortestPathEdges(g, res, wIdx)
			second := runSpf(g, rootIdx, skip)
			if second.dist[wIdx] < distInfinity {
				for _, eIdx := range second.firstHops[wIdx] {
					addHop(eIdx, second.dist[wIdx], true, wi)
				}
			}
			continue
		}
		for _, eIdx := range res.firstHops[wIdx] {
			addHop(eIdx, res.dist[wIdx], false, wi)
		}
		if nbrSpf != nil {
			// Loop-free alternates: an alternate neighbor may not route
			// back through us.
			for _, eIdx := range g.nodes[rootIdx].edges {
				e := g.edges[eIdx]
				nres, ok := nbrSpf[e.v]
				if !ok {
					continue
				}
				if isPrimaryHop(res.firstHops[wIdx], g, e.v) {
					continue
				}
				if nres.dist[wIdx] < nres.dist[rootIdx]+res.dist[wIdx] {
					addHop(eIdx, e.metric+nres.dist[wIdx], true, wi)
				}
			}
		}
	}
	return route
}

func isPrimaryHop(firstHops []int, g *graph, nbr int) bool {
	for _, eIdx := range firstHops {
		if g.edges[eIdx].v == nbr {
			return true
		}
	}
	return false
}

func boolKey(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// buildMplsRoutes emits SWAP routes for every remote node label and PHP
// routes for our own adjacency labels. Labels outside 20 bits are dropped.
func (d *Decision) buildMplsRoutes(g *graph, res spfResult, rootIdx int) []state.MplsRoute {
	var out []state.MplsRoute
	for idx, node := range g.nodes {
		if idx == rootIdx || res.dist[idx] >= distInfinity {
			continue
		}
		if node.nodeLabel == 0 {
			continue
		}
		if !state.IsValidMplsLabel(node.nodeLabel) {
			perf.DecisionSkips.Add(1)
			continue
		}
		r := state.MplsRoute{TopLabel: node.nodeLabel}
		for _, eIdx := range res.firstHops[idx] {
			e := g.edges[eIdx]
			r.NextHops = append(r.NextHops, state.NextHop{
				Address: e.adj.NextHopV6,
				IfName:  e.adj.IfName,
				Metric:  int32(res.dist[idx]),
				Mpls:    &state.MplsActionInfo{Action: state.MplsActionSwap, SwapLabel: node.nodeLabel},
			})
		}
		if len(r.NextHops) > 0 {
			out = append(out, r)
		}
	}
	for _, eIdx := range g.nodes[rootIdx].edges {
		e := g.edges[eIdx]
		label := e.adj.AdjLabel
		if label == 0 {
			continue
		}
		if !state.IsValidMplsLabel(label) {
			perf.DecisionSkips.Add(1)
			continue
		}
		out = append(out, state.MplsRoute{
			TopLabel: label,
			NextHops: []state.NextHop{{
				Address: e.adj.NextHopV6,
				IfName:  e.adj.IfName,
				Metric:  int32(e.metric),
				Mpls:    &state.MplsActionInfo{Action: state.MplsActionPhp},
			}},
		})
	}
	return out
}

// diffRouteDb computes the delta new-minus-old.
func diffRouteDb(old, new *state.RouteDatabase) state.RouteDatabaseDelta {
	delta := state.RouteDatabaseDelta{}
	oldUni := make(map[netip.Prefix]state.UnicastRoute)
	oldMpls := make(map[int32]state.MplsRoute)
	if old != nil {
		for _, r := range old.UnicastRoutes {
			oldUni[r.Dest] = r
		}
		for _, r := range old.MplsRoutes {
			oldMpls[r.TopLabel] = r
		}
	}
	for _, r := range new.UnicastRoutes {
		if o, ok := oldUni[r.Dest]; !ok || !sameNextHops(o.NextHops, r.NextHops) {
			delta.UnicastRoutesToUpdate = append(delta.UnicastRoutesToUpdate, r)
		}
		delete(oldUni, r.Dest)
	}
	for dest := range oldUni {
		delta.UnicastRoutesToDelete = append(delta.UnicastRoutesToDelete, dest)
	}
	for _, r := range new.MplsRoutes {
		if o, ok := oldMpls[r.TopLabel]; !ok || !sameNextHops(o.NextHops, r.NextHops) {
			delta.MplsRoutesToUpdate = append(delta.MplsRoutesToUpdate, r)
		}
		delete(oldMpls, r.TopLabel)
	}
	for label := range oldMpls {
		delta.MplsRoutesToDelete = append(delta.MplsRoutesToDelete, label)
	}
	sort.Slice(delta.UnicastRoutesToDelete, func(i, j int) bool {
		return delta.UnicastRoutesToDelete[i].String() < delta.UnicastRoutesToDelete[j].String()
	})
	sort.Slice(delta.MplsRoutesToDelete, func(i, j int) bool {
		return delta.MplsRoutesToDelete[i] < delta.MplsRoutesToDelete[j]
	})
	return delta
}

func sameNextHops(a, b []state.NextHop) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(nh state.NextHop) string {
		s := nh.Address.String() + "|" + nh.IfName + "|" + boolKey(nh.UseNonShortestRoute)
		if nh.Mpls != nil {
			s += "|" + strconv.Itoa(int(nh.Mpls.Action)) + "|" + strconv.Itoa(int(nh.Mpls.SwapLabel))
			for _, l := range nh.Mpls.PushLabels {
				s += "," + strconv.Itoa(int(l))
			}
		}
		return s
	}
	set := make(map[string]int, len(a))
	for _, nh := range a {
		set[key(nh)]++
	}
	for _, nh := range b {
		set[key(nh)]--
	}
	for _, n := range set {
		if n != 0 {
			return false
		}
	}
	return true
}

// GetRouteDatabase returns the latest computed database for this node.
func (d *Decision) GetRouteDatabase() (state.RouteDatabase, error) {
	return state.DispatchWait(d.loop, func() (state.RouteDatabase, error) {
		if d.prev == nil {
			return state.RouteDatabase{ThisNodeName: d.env.Cfg.NodeName}, nil
		}
		return *d.prev, nil
	})
}

// GetRouteDatabaseComputed runs an on-demand computation rooted at another
// node.
func (d *Decision) GetRouteDatabaseComputed(node string) (state.RouteDatabase, error) {
	return state.DispatchWait(d.loop, func() (state.RouteDatabase, error) {
		if node == "" {
			node = d.env.Cfg.NodeName
		}
		return d.computeRouteDb(node), nil
	})
}

// GetAdjacencyDatabases dumps the raw adjacency inputs keyed by node.
func (d *Decision) GetAdjacencyDatabases() (map[string]state.AdjacencyDatabase, error) {
	return state.DispatchWait(d.loop, func() (map[string]state.AdjacencyDatabase, error) {
		return d.mergedAdjDbs(), nil
	})
}

// GetPrefixDatabases dumps the prefix inputs keyed by node.
func (d *Decision) GetPrefixDatabases() (map[string]state.PrefixDatabase, error) {
	return state.DispatchWait(d.loop, func() (map[string]state.PrefixDatabase, error) {
		out := make(map[string]state.PrefixDatabase)
		for _, db := range d.prefixDbs {
			cur, ok := out[db.ThisNodeName]
			if !ok {
				out[db.ThisNodeName] = db
				continue
			}
			cur.Entries = append(cur.Entries, db.Entries...)
			out[db.ThisNodeName] = cur
		}
		return out, nil
	})
}
