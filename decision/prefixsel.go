package decision

import (
	"github.com/arbornet/arbor/state"
)

// typePrecedence orders prefix sources; a lower value beats a higher one.
var typePrecedence = map[state.PrefixType]int{
	state.PrefixTypeLoopback:        10,
	state.PrefixTypeDefault:         20,
	state.PrefixTypeBgp:             30,
	state.PrefixTypePrefixAllocator: 40,
	state.PrefixTypeBreeze:          50,
	state.PrefixTypeRib:             60,
	state.PrefixTypeClient:          70,
}

func precedenceOf(t state.PrefixType) int {
	if p, ok := typePrecedence[t]; ok {
		return p
	}
	return 100
}

// compareMetricVectors returns >0 when a beats b, <0 when b beats a, 0 when
// tied. Entities are considered in descending priority; within one priority
// the metric slices compare lexicographically, larger wins. A one-sided
// entity resolves by its loner op.
func compareMetricVectors(a, b *state.MetricVector) int {
	if a == nil && b == nil {
		return 0
	}
	if b == nil {
		return 1
	}
	if a == nil {
		return -1
	}
	type pair struct {
		av, bv *state.MetricEntity
	}
	byPrio := make(map[int64]*pair)
	prios := make([]int64, 0)
	for i := range a.Entities {
		e := &a.Entities[i]
		p, ok := byPrio[e.Priority]
		if !ok {
			p = &pair{}
			byPrio[e.Priority] = p
			prios = append(prios, e.Priority)
		}
		p.av = e
	}
	for i := range b.Entities {
		e := &b.Entities[i]
		p, ok := byPrio[e.Priority]
		if !ok {
			p = &pair{}
			byPrio[e.Priority] = p
			prios = append(prios, e.Priority)
		}
		p.bv = e
	}
	// descending priority
	for i := 0; i < len(prios); i++ {
		for j := i + 1; j < len(prios); j++ {
			if prios[j] > prios[i] {
				prios[i], prios[j] = prios[j], prios[i]
			}
		}
	}
	for _, prio := range prios {
		p := byPrio[prio]
		switch {
		case p.av != nil && p.bv != nil:
			if c := compareMetric(p.av.Metric, p.bv.Metric); c != 0 {
				return c
			}
		case p.av != nil:
			if c := lonerVerdict(p.av.Op, true); c != 0 {
				return c
			}
		case p.bv != nil:
			if c := lonerVerdict(p.bv.Op, false); c != 0 {
				return c
			}
		}
	}
	return 0
}

// lonerVerdict resolves an entity present on exactly one side. presentIsA
// says which side carries it; the return follows compareMetricVectors
// conventions.
func lonerVerdict(op state.CompareOp, presentIsA bool) int {
	var v int
	switch op {
	case state.OpWinIfPresent:
		v = 1
	case state.OpWinIfNotPresent:
		v = -1
	case state.OpIgnoreIfNotPresent:
		return 0
	}
	if !presentIsA {
		v = -v
	}
	return v
}

func compareMetric(a, b []int64) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	if len(a) != len(b) {
		if len(a) > len(b) {
			return 1
		}
		return -1
	}
	return 0
}

type prefixCandidate struct {
	node  string
	entry state.PrefixEntry
}

// selectBestCandidates filters advertisers down to the winning set: best
// type precedence first, then metric-vector comparison; with no metric
// vectors the nearest advertisers (by SPF distance) win.
func selectBestCandidates(cands []prefixCandidate, distOf func(node string) int64) []prefixCandidate {
	if len(cands) == 0 {
		return nil
	}
	best := precedenceOf(cands[0].entry.Type)
	for _, c := range cands[1:] {
		if p := precedenceOf(c.entry.Type); p < best {
			best = p
		}
	}
	typed := cands[:0:0]
	hasMv := false
	for _, c := range cands {
		if precedenceOf(c.entry.Type) == best {
			typed = append(typed, c)
			if c.entry.MetricVector != nil {
				hasMv = true
			}
		}
	}
	if hasMv {
		winners := []prefixCandidate{typed[0]}
		for _, c := range typed[1:] {
			switch compareMetricVectors(c.entry.MetricVector, winners[0].entry.MetricVector) {
			case 1:
				winners = winners[:0]
				winners = append(winners, c)
			case 0:
				winners = append(winners, c)
			}
		}
		return winners
	}
	// Shortest-path anycast: nearest advertisers.
	bestDist := distInfinity
	for _, c := range typed {
		if d := distOf(c.node); d < bestDist {
			bestDist = d
		}
	}
	if bestDist >= distInfinity {
		return nil
	}
	var winners []prefixCandidate
	for _, c := range typed {
		if distOf(c.node) == bestDist {
			winners = append(winners, c)
		}
	}
	return winners
}
