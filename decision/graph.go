package decision

import (
	"container/heap"
	"math"

	"github.com/arbornet/arbor/state"
)

// The topology is arena-allocated: nodes and edges live in flat slices and
// refer to each other by index. No pointers cross entries.

type edge struct {
	u, v   int
	metric int64
	// forward adjacency as advertised by u toward v
	adj state.Adjacency
}

type nodeRecord struct {
	name       string
	overloaded bool
	nodeLabel  int32
	edges      []int // indexes into graph.edges, outgoing
}

type graph struct {
	nodes     []nodeRecord
	edges     []edge
	nodeIndex map[string]int
}

const distInfinity = int64(math.MaxInt64 / 4)

// buildGraph admits an edge u→v only when both directions are advertised;
// the metric is the max of the two directions. Per-adjacency overload drops
// the edge, node overload marks the node transit-forbidden.
func buildGraph(adjDbs map[string]state.AdjacencyDatabase) *graph {
	g := &graph{nodeIndex: make(map[string]int)}
	nodeOf := func(name string) int {
		if idx, ok := g.nodeIndex[name]; ok {
			return idx
		}
		idx := len(g.nodes)
		g.nodes = append(g.nodes, nodeRecord{name: name})
		g.nodeIndex[name] = idx
		return idx
	}
	for name, db := range adjDbs {
		idx := nodeOf(name)
		g.nodes[idx].overloaded = db.IsOverloaded
		g.nodes[idx].nodeLabel = db.NodeLabel
	}
	for uName, uDb := range adjDbs {
		u := nodeOf(uName)
		for _, fwd := range uDb.Adjacencies {
			if fwd.IsOverloaded {
				continue
			}
			vDb, ok := adjDbs[fwd.OtherNodeName]
			if !ok {
				continue
			}
			rev, ok := reverseAdj(vDb, uName, fwd)
			if !ok || rev.IsOverloaded {
				continue
			}
			v := nodeOf(fwd.OtherNodeName)
			metric := int64(fwd.Metric)
			if int64(rev.Metric) > metric {
				metric = int64(rev.Metric)
			}
			eIdx := len(g.edges)
			g.edges = append(g.edges, edge{u: u, v: v, metric: metric, adj: fwd})
			g.nodes[u].edges = append(g.nodes[u].edges, eIdx)
		}
	}
	return g
}

// reverseAdj locates v's adjacency back toward u, preferring an exact
// interface pairing so parallel links stay distinct.
func reverseAdj(vDb state.AdjacencyDatabase, uName string, fwd state.Adjacency) (state.Adjacency, bool) {
	var fallback state.Adjacency
	found := false
	for _, a := range vDb.Adjacencies {
		if a.OtherNodeName != uName {
			continue
		}
		if a.IfName == fwd.OtherIfName && a.OtherIfName == fwd.IfName {
			return a, true
		}
		if !found {
			fallback = a
			found = true
		}
	}
	return fallback, found
}

type pqItem struct {
	node int
	dist int64
}

type pq []pqItem

func (q pq) Len() int            { return len(q) }
func (q pq) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q pq) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pq) Push(x any)         { *q = append(*q, x.(pqItem)) }
func (q *pq) Pop() any           { old := *q; n := len(old); x := old[n-1]; *q = old[:n-1]; return x }

// spfResult is one shortest-path-tree computation rooted at a node.
type spfResult struct {
	root int
	dist []int64
	// firstHops[n] is the set of edge indexes (root-outgoing adjacencies)
	// that equal-cost paths toward n leave through.
	firstHops [][]int
}

// runSpf computes shortest paths with ECMP first-hop tracking. Overloaded
// nodes other than the root do not forward transit traffic: their outgoing
// edges are not relaxed, though they remain reachable endpoints.
// skipEdges, when non-nil, excludes specific edge indexes (used for the
// edge-disjoint second pass).
func runSpf(g *graph, root int, skipEdges map[int]bool) spfResult {
	n := len(g.nodes)
	res := spfResult{
		root:      root,
		dist:      make([]int64, n),
		firstHops: make([][]int, n),
	}
	for i := range res.dist {
		res.dist[i] = distInfinity
	}
	res.dist[root] = 0
	q := &pq{{node: root, dist: 0}}
	for q.Len() > 0 {
		item := heap.Pop(q).(pqItem)
		u := item.node
		if item.dist > res.dist[u] {
			continue
		}
		if u != root && g.nodes[u].overloaded {
			continue
		}
		for _, eIdx := range g.nodes[u].edges {
			if skipEdges != nil && skipEdges[eIdx] {
				continue
			}
			e := g.edges[eIdx]
			cand := res.dist[u] + e.metric
			var hops []int
			if u == root {
				hops = []int{eIdx}
			} else {
				hops = res.firstHops[u]
			}
			switch {
			case cand < res.dist[e.v]:
				res.dist[e.v] = cand
				res.firstHops[e.v] = append([]int(nil), hops...)
				heap.Push(q, pqItem{node: e.v, dist: cand})
			case cand == res.dist[e.v]:
				res.firstHops[e.v] = unionInts(res.firstHops[e.v], hops)
			}
		}
	}
	return res
}

func unionInts(a, b []int) []int {
	for _, x := range b {
		present := false
		for _, y := range a {
			if x == y {
				present = true
				break
			}
		}
		if !present {
			a = append(a, x)
		}
	}
	return a
}

// shortestPathEdges extracts the edge set of one shortest path root→dst by
// walking predecessors greedily. Used to exclude the first path in the
// edge-disjoint second pass.
func shortestPathEdges(g *graph, res spfResult, dst int) map[int]bool {
	out := make(map[int]bool)
	cur := dst
	for cur != res.root && res.dist[cur] < distInfinity {
		found := false
		for eIdx, e := range g.edges {
			if e.v != cur {
				continue
			}
			if res.dist[e.u]+e.metric == res.dist[cur] {
				out[eIdx] = true
				// Mark the reverse edge too so the second path is
				// edge-disjoint in both directions.
				for rIdx, r := range g.edges {
					if r.u == e.v && r.v == e.u {
						out[rIdx] = true
					}
				}
				cur = e.u
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return out
}
