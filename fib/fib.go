// Package fib owns the programmed route set: it applies decision deltas to
// the platform, reconciles periodically against the platform's view, and
// serves route-database queries.
package fib

import (
	"encoding/json"
	"errors"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/arbornet/arbor/perf"
	"github.com/arbornet/arbor/state"
	"github.com/gaissmai/bart"
)

var errProgramming = errors.New("route programming failed")

const perfDbSize = 32

// orderedFibDelay is how long deletions are held back when ordered
// programming is enabled, letting downstream nodes converge first.
const orderedFibDelay = time.Second

// KvPublisher is the slice of the replicated store used for ordered-FIB
// convergence signaling.
type KvPublisher interface {
	SelfOriginateKey(key string, value []byte, ttl time.Duration) error
}

type retryEntry struct {
	backoff *state.Backoff
	unicast *state.UnicastRoute
	mpls    *state.MplsRoute
}

type Fib struct {
	env  *state.Env
	loop *state.Loop
	cfg  state.FibCfg

	programmer Programmer
	kv         KvPublisher

	// intended sets
	unicast *bart.Table[state.UnicastRoute]
	mpls    map[int32]state.MplsRoute

	// routes whose last programming attempt failed
	attempted map[string]*retryEntry

	perfDb  []state.PerfEvents
	synced  bool
	spfGen  uint64
}

func New(env *state.Env, programmer Programmer, kv KvPublisher) *Fib {
	f := &Fib{
		env:        env,
		loop:       state.NewLoop(env, "fib"),
		cfg:        env.Cfg.Fib,
		programmer: programmer,
		kv:         kv,
		unicast:    &bart.Table[state.UnicastRoute]{},
		mpls:       make(map[int32]state.MplsRoute),
		attempted:  make(map[string]*retryEntry),
	}
	go f.loop.Run()
	f.loop.RepeatTask(f.reconcile, f.cfg.ReconcileInterval())
	return f
}

// Run consumes the decision delta stream. The first delta carries the full
// database; it is programmed in full and followed by a reconcile that clears
// platform leftovers from before a restart.
func (f *Fib) Run(deltas <-chan state.RouteDatabaseDelta) {
	go func() {
		for {
			select {
			case delta, ok := <-deltas:
				if !ok {
					return
				}
				f.loop.Dispatch(func() error {
					f.applyDelta(delta)
					return nil
				})
			case <-f.env.Context.Done():
				return
			}
		}
	}()
}

func (f *Fib) applyDelta(delta state.RouteDatabaseDelta) {
	first := !f.synced
	f.spfGen++

	for _, r := range delta.UnicastRoutesToUpdate {
		f.unicast.Insert(r.Dest, r)
		f.programUnicast(r)
	}
	for _, r := range delta.MplsRoutesToUpdate {
		f.mpls[r.TopLabel] = r
		f.programMpls(r)
	}

	deletions := func() {
		for _, p := range delta.UnicastRoutesToDelete {
			f.unicast.Delete(p)
			delete(f.attempted, "u:"+p.String())
			if !f.cfg.DryRun {
				if err := f.programmer.DeleteUnicastRoute(p); err != nil {
					perf.FibProgramErrs.Add(1)
				}
			}
		}
		for _, l := range delta.MplsRoutesToDelete {
			delete(f.mpls, l)
			delete(f.attempted, mplsKey(l))
			if !f.cfg.DryRun {
				if err := f.programmer.DeleteMplsRoute(l); err != nil {
					perf.FibProgramErrs.Add(1)
				}
			}
		}
	}
	if f.cfg.EnableOrderedFib && !first {
		// Additions go in immediately; removals wait for downstream
		// convergence.
		f.loop.ScheduleTask(func() error {
			deletions()
			return nil
		}, orderedFibDelay)
	} else {
		deletions()
	}

	if delta.PerfEvents != nil {
		pe := *delta.PerfEvents
		pe.Add(f.env.Cfg.NodeName, "FIB_ROUTE_DB_UPDATED", time.Now().UnixMilli())
		f.perfDb = append(f.perfDb, pe)
		if len(f.perfDb) > perfDbSize {
			f.perfDb = f.perfDb[1:]
		}
	}

	if first {
		f.synced = true
		f.reconcile()
	}
	f.signalConverged()
}

// signalConverged publishes this node's programming generation for
// ordered-FIB consumers.
func (f *Fib) signalConverged() {
	if !f.cfg.EnableOrderedFib || f.kv == nil {
		return
	}
	payload, _ := json.Marshal(map[string]uint64{"spf_gen": f.spfGen})
	if err := f.kv.SelfOriginateKey(state.FibConvergedKey+f.env.Cfg.NodeName, payload, f.env.Cfg.KvStore.TTL()); err != nil {
		f.env.Log.Warn("failed to signal fib convergence", "err", err)
	}
}

func (f *Fib) programUnicast(r state.UnicastRoute) {
	key := "u:" + r.Dest.String()
	if f.cfg.DryRun {
		delete(f.attempted, key)
		return
	}
	if err := f.programmer.AddUnicastRoute(r); err != nil {
		perf.FibProgramErrs.Add(1)
		f.noteFailure(key, &r, nil)
		return
	}
	delete(f.attempted, key)
}

func (f *Fib) programMpls(r state.MplsRoute) {
	key := mplsKey(r.TopLabel)
	if f.cfg.DryRun {
		delete(f.attempted, key)
		return
	}
	if err := f.programmer.AddMplsRoute(r); err != nil {
		perf.FibProgramErrs.Add(1)
		f.noteFailure(key, nil, &r)
		return
	}
	delete(f.attempted, key)
}

func (f *Fib) noteFailure(key string, uni *state.UnicastRoute, mpls *state.MplsRoute) {
	e, ok := f.attempted[key]
	if !ok {
		e = &retryEntry{backoff: state.NewBackoff(f.cfg.RetryMin(), f.cfg.RetryMax())}
		f.attempted[key] = e
	}
	e.unicast = uni
	e.mpls = mpls
	e.backoff.ReportError()
	f.loop.ScheduleTask(f.retryAttempted, e.backoff.TimeUntilRetry())
}

// retryAttempted re-drives routes stuck in the attempted state.
func (f *Fib) retryAttempted() error {
	for key, e := range f.attempted {
		if !e.backoff.CanTryNow() {
			continue
		}
		var err error
		switch {
		case e.unicast != nil:
			err = f.programmer.AddUnicastRoute(*e.unicast)
		case e.mpls != nil:
			err = f.programmer.AddMplsRoute(*e.mpls)
		}
		if err != nil {
			perf.FibProgramErrs.Add(1)
			e.backoff.ReportError()
			f.loop.ScheduleTask(f.retryAttempted, e.backoff.TimeUntilRetry())
			continue
		}
		delete(f.attempted, key)
	}
	return nil
}

// reconcile syncs the platform's view against the intended set.
func (f *Fib) reconcile() error {
	if f.cfg.DryRun || !f.synced {
		return nil
	}
	perf.FibSyncs.Add(1)
	platform, err := f.programmer.GetUnicastRoutes()
	if err != nil {
		perf.FibProgramErrs.Add(1)
		return nil
	}
	seen := make(map[netip.Prefix]bool)
	for _, r := range platform {
		intended, ok := f.unicast.Get(r.Dest)
		if !ok {
			if err := f.programmer.DeleteUnicastRoute(r.Dest); err != nil {
				perf.FibProgramErrs.Add(1)
			}
			continue
		}
		seen[r.Dest] = true
		if !sameRoute(intended, r) {
			f.programUnicast(intended)
		}
	}
	for dest, r := range f.unicast.All() {
		if !seen[dest] {
			f.programUnicast(r)
		}
	}

	mplsPlatform, err := f.programmer.GetMplsRoutes()
	if err != nil {
		perf.FibProgramErrs.Add(1)
		return nil
	}
	seenMpls := make(map[int32]bool)
	for _, r := range mplsPlatform {
		intended, ok := f.mpls[r.TopLabel]
		if !ok {
			if err := f.programmer.DeleteMplsRoute(r.TopLabel); err != nil {
				perf.FibProgramErrs.Add(1)
			}
			continue
		}
		seenMpls[r.TopLabel] = true
		if !sameMplsRoute(intended, r) {
			f.programMpls(intended)
		}
	}
	for label, r := range f.mpls {
		if !seenMpls[label] {
			f.programMpls(r)
		}
	}
	return nil
}

func sameRoute(a, b state.UnicastRoute) bool {
	if a.Dest != b.Dest || len(a.NextHops) != len(b.NextHops) {
		return false
	}
	key := func(nh state.NextHop) string { return nh.Address.String() + "|" + nh.IfName }
	set := make(map[string]int)
	for _, nh := range a.NextHops {
		set[key(nh)]++
	}
	for _, nh := range b.NextHops {
		set[key(nh)]--
	}
	for _, n := range set {
		if n != 0 {
			return false
		}
	}
	return true
}

func sameMplsRoute(a, b state.MplsRoute) bool {
	if a.TopLabel != b.TopLabel || len(a.NextHops) != len(b.NextHops) {
		return false
	}
	key := func(nh state.NextHop) string {
		s := nh.Address.String() + "|" + nh.IfName
		if nh.Mpls != nil {
			s += "|" + strconv.Itoa(int(nh.Mpls.Action)) + "|" + strconv.Itoa(int(nh.Mpls.SwapLabel))
			for _, l := range nh.Mpls.PushLabels {
				s += "," + strconv.Itoa(int(l))
			}
		}
		return s
	}
	set := make(map[string]int)
	for _, nh := range a.NextHops {
		set[key(nh)]++
	}
	for _, nh := range b.NextHops {
		set[key(nh)]--
	}
	for _, n := range set {
		if n != 0 {
			return false
		}
	}
	return true
}

func mplsKey(label int32) string {
	return "m:" + strconv.Itoa(int(label))
}

// GetRouteDb returns the intended route set.
func (f *Fib) GetRouteDb() (state.RouteDatabase, error) {
	return state.DispatchWait(f.loop, func() (state.RouteDatabase, error) {
		db := state.RouteDatabase{ThisNodeName: f.env.Cfg.NodeName}
		for _, r := range f.unicast.All() {
			db.UnicastRoutes = append(db.UnicastRoutes, r)
		}
		for _, r := range f.mpls {
			db.MplsRoutes = append(db.MplsRoutes, r)
		}
		sort.Slice(db.UnicastRoutes, func(i, j int) bool {
			return db.UnicastRoutes[i].Dest.String() < db.UnicastRoutes[j].Dest.String()
		})
		sort.Slice(db.MplsRoutes, func(i, j int) bool {
			return db.MplsRoutes[i].TopLabel < db.MplsRoutes[j].TopLabel
		})
		return db, nil
	})
}

// LongestPrefixMatch answers which programmed route covers an address.
func (f *Fib) LongestPrefixMatch(addr netip.Addr) (state.UnicastRoute, bool, error) {
	type res struct {
		r  state.UnicastRoute
		ok bool
	}
	v, err := state.DispatchWait(f.loop, func() (res, error) {
		r, ok := f.unicast.Lookup(addr)
		return res{r, ok}, nil
	})
	return v.r, v.ok, err
}

// GetPerfDb returns the recent perf-event chains.
func (f *Fib) GetPerfDb() ([]state.PerfEvents, error) {
	return state.DispatchWait(f.loop, func() ([]state.PerfEvents, error) {
		out := make([]state.PerfEvents, len(f.perfDb))
		copy(out, f.perfDb)
		return out, nil
	})
}
