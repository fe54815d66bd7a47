// Package kvstore implements the replicated, eventually-consistent store
// that floods link-state and prefix records across the topology. One Store
// instance serves one area; peers within the area exchange publications,
// reconcile with a digest-driven full sync on connect, and expire records by
// TTL. Flooding is either plain (all peers minus the inbound path vector) or
// constrained to a Dual-maintained spanning tree.
package kvstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/arbornet/arbor/perf"
	"github.com/arbornet/arbor/state"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

type Store struct {
	env  *state.Env
	loop *state.Loop
	area string
	cfg  state.KvStoreCfg

	db    map[string]state.Value
	peers map[string]*peer
	subs  map[uuid.UUID]chan state.Publication

	ttl     *ttlcache.Cache[string, struct{}]
	limiter *rate.Limiter

	pendingFlood   map[string]state.Value
	pendingExpired []string
	pendingSenders map[string]struct{}
	floodArmed     bool

	selfOrig map[string]struct{}
	dual     *dualTopo
}

func New(env *state.Env, area string) *Store {
	cfg := env.Cfg.KvStore
	s := &Store{
		env:            env,
		loop:           state.NewLoop(env, "kvstore:"+area),
		area:           area,
		cfg:            cfg,
		db:             make(map[string]state.Value),
		peers:          make(map[string]*peer),
		subs:           make(map[uuid.UUID]chan state.Publication),
		limiter:        rate.NewLimiter(rate.Limit(cfg.FloodMsgPerSec), cfg.FloodBurstSize),
		pendingFlood:   make(map[string]state.Value),
		pendingSenders: make(map[string]struct{}),
		selfOrig:       make(map[string]struct{}),
	}
	s.dual = newDualTopo(env, s)
	s.ttl = ttlcache.New[string, struct{}](
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	s.ttl.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		key := item.Key()
		s.loop.Dispatch(func() error {
			s.expireKey(key)
			return nil
		})
	})
	go s.ttl.Start()
	go s.loop.Run()
	s.loop.RepeatTask(s.refreshSelfOriginated, cfg.TTL()/4)
	return s
}

func (s *Store) Area() string { return s.area }

func (s *Store) Stop() {
	s.ttl.Stop()
	s.loop.Dispatch(func() error {
		for _, p := range s.peers {
			p.stop()
		}
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		return nil
	})
}

// keyPassesFilter gates what a leaf store accepts and forwards.
func (s *Store) keyPassesFilter(key, originator string) bool {
	if !s.cfg.LeafNode {
		return true
	}
	for _, p := range s.cfg.KeyPrefixFilters {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return slices.Contains(s.cfg.OriginatorAllowlist, originator)
}

func (s *Store) filterIncoming(keyVals map[string]state.Value) map[string]state.Value {
	if !s.cfg.LeafNode {
		return keyVals
	}
	out := make(map[string]state.Value, len(keyVals))
	for k, v := range keyVals {
		if s.keyPassesFilter(k, v.Originator) {
			out[k] = v
		} else {
			perf.KvFilteredKeys.Add(1)
		}
	}
	return out
}

// applyMerge runs the merge rule, updates TTL tracking, notifies subscribers
// and schedules onward flooding. senders is the inbound path vector.
func (s *Store) applyMerge(keyVals map[string]state.Value, senders []string) MergeResult {
	res := mergeKeyValues(s.db, s.filterIncoming(keyVals))
	for key, v := range res.Updated {
		s.trackTTL(key, v)
		s.pendingFlood[key] = v
	}
	for _, key := range res.TTLRefreshed {
		s.trackTTL(key, s.db[key])
	}
	if len(res.Updated) > 0 {
		for _, n := range senders {
			s.pendingSenders[n] = struct{}{}
		}
		s.notifySubscribers(state.Publication{
			Area:    s.area,
			KeyVals: res.Updated,
		})
		s.scheduleFlood()
	}
	return res
}

func (s *Store) trackTTL(key string, v state.Value) {
	if v.TTLMs == state.TTLInfinity {
		s.ttl.Delete(key)
		return
	}
	s.ttl.Set(key, struct{}{}, time.Duration(v.TTLMs)*time.Millisecond)
}

func (s *Store) expireKey(key string) {
	if _, ok := s.db[key]; !ok {
		return
	}
	delete(s.db, key)
	perf.KvExpiredKeys.Add(1)
	s.pendingExpired = append(s.pendingExpired, key)
	s.notifySubscribers(state.Publication{Area: s.area, ExpiredKeys: []string{key}})
	s.scheduleFlood()
}

// scheduleFlood flushes pending updates under the token bucket. Bursts
// coalesce: while throttled, newer values for the same key overwrite older
// pending ones.
func (s *Store) scheduleFlood() {
	if s.floodArmed {
		return
	}
	delay := s.limiter.Reserve().Delay()
	s.floodArmed = true
	if delay == 0 {
		s.flushFlood()
		return
	}
	s.loop.ScheduleTask(func() error {
		s.flushFlood()
		return nil
	}, delay)
}

func (s *Store) flushFlood() {
	s.floodArmed = false
	if len(s.pendingFlood) == 0 && len(s.pendingExpired) == 0 {
		return
	}
	exclude := s.pendingSenders
	pub := state.Publication{
		Area:        s.area,
		KeyVals:     s.pendingFlood,
		ExpiredKeys: s.pendingExpired,
	}
	s.pendingFlood = make(map[string]state.Value)
	s.pendingExpired = nil
	s.pendingSenders = make(map[string]struct{})

	pub.NodeIDs = make([]string, 0, len(exclude)+1)
	for n := range exclude {
		pub.NodeIDs = append(pub.NodeIDs, n)
	}
	pub.NodeIDs = append(pub.NodeIDs, s.env.Cfg.NodeName)

	for name, p := range s.floodPeers() {
		if _, ok := exclude[name]; ok {
			continue
		}
		p.send(&wireMsg{Type: msgPublication, Area: s.area, From: s.env.Cfg.NodeName, Pub: &pub})
		perf.KvFloodsSent.Add(1)
	}
}

// floodPeers returns the peers eligible for flooding: everything in plain
// mode, the spanning-tree parent and children in flood-optimization mode.
func (s *Store) floodPeers() map[string]*peer {
	if !s.cfg.EnableFloodOptimization {
		return s.peers
	}
	eligible := s.dual.floodSet()
	out := make(map[string]*peer, len(eligible))
	for name := range eligible {
		if p, ok := s.peers[name]; ok && p.initialSynced {
			out[name] = p
		}
	}
	return out
}

func (s *Store) notifySubscribers(pub state.Publication) {
	for _, ch := range s.subs {
		select {
		case ch <- pub:
		default:
			// Slow subscribers drop intermediate publications; only
			// convergence is guaranteed.
			perf.KvSubscriberDrops.Add(1)
		}
	}
}

// SetKeys merges a batch supplied by a local caller (API or component).
func (s *Store) SetKeys(params state.SetKeysParams) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		for k, v := range params.KeyVals {
			if v.Originator == "" {
				return struct{}{}, fmt.Errorf("key %q has no originator", k)
			}
		}
		s.applyMerge(params.KeyVals, params.NodeIDs)
		return struct{}{}, nil
	})
	return err
}

// SetKeysOneWay is SetKeys without waiting for the merge to complete.
func (s *Store) SetKeysOneWay(params state.SetKeysParams) {
	s.loop.Dispatch(func() error {
		s.applyMerge(params.KeyVals, params.NodeIDs)
		return nil
	})
}

// SelfOriginateKey advertises key → value from this node, bumping the
// version if the bytes changed, and keeps refreshing its TTL until the
// process exits.
func (s *Store) SelfOriginateKey(key string, value []byte, ttl time.Duration) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		ttlMs := int64(ttl / time.Millisecond)
		if ttl <= 0 {
			ttlMs = state.TTLInfinity
		}
		version := uint64(1)
		if loc, ok := s.db[key]; ok {
			if loc.Originator == s.env.Cfg.NodeName && slices.Equal(loc.Value, value) {
				s.selfOrig[key] = struct{}{}
				return struct{}{}, nil
			}
			version = loc.Version + 1
		}
		v := state.Value{
			Version:    version,
			Originator: s.env.Cfg.NodeName,
			Value:      value,
			TTLMs:      ttlMs,
			TTLVersion: 0,
		}.WithHash()
		s.selfOrig[key] = struct{}{}
		s.applyMerge(map[string]state.Value{key: v}, nil)
		return struct{}{}, nil
	})
	return err
}

// UnsetSelfOriginatedKey stops refreshing; the record then ages out by TTL
// everywhere.
func (s *Store) UnsetSelfOriginatedKey(key string) {
	s.loop.Dispatch(func() error {
		delete(s.selfOrig, key)
		return nil
	})
}

// refreshSelfOriginated advertises a bumped ttl_version (no value bytes) for
// every record this node originates, before its TTL runs out elsewhere.
func (s *Store) refreshSelfOriginated() error {
	for key := range s.selfOrig {
		loc, ok := s.db[key]
		if !ok || loc.Originator != s.env.Cfg.NodeName {
			continue
		}
		loc.TTLVersion++
		s.db[key] = loc
		s.trackTTL(key, loc)
		refresh := loc
		refresh.Value = nil
		s.pendingFlood[key] = refresh
		s.scheduleFlood()
	}
	return nil
}

// GetKeys returns the stored values for the requested keys; missing keys are
// absent from the result.
func (s *Store) GetKeys(keys []string) (map[string]state.Value, error) {
	return state.DispatchWait(s.loop, func() (map[string]state.Value, error) {
		out := make(map[string]state.Value)
		for _, k := range keys {
			if v, ok := s.db[k]; ok {
				out[k] = v
			}
		}
		return out, nil
	})
}

func matchDump(key string, v state.Value, params state.KeyDumpParams) bool {
	if params.Prefix != "" && !strings.HasPrefix(key, params.Prefix) {
		return false
	}
	if params.KeyValHashes != nil {
		if d, ok := params.KeyValHashes[key]; ok && state.CompareValues(v, d) <= 0 {
			return false
		}
	}
	return true
}

// DumpKeys returns all records matching the filter. The originator filter
// admits the whole prefix match set as long as it matches at least one
// record of the set.
func (s *Store) DumpKeys(params state.KeyDumpParams) (state.Publication, error) {
	return state.DispatchWait(s.loop, func() (state.Publication, error) {
		pub := state.Publication{Area: s.area, KeyVals: make(map[string]state.Value)}
		matched := make(map[string]state.Value)
		originatorSeen := len(params.OriginatorIDs) == 0
		for k, v := range s.db {
			if !matchDump(k, v, params) {
				continue
			}
			matched[k] = v
			if !originatorSeen && slices.Contains(params.OriginatorIDs, v.Originator) {
				originatorSeen = true
			}
		}
		if !originatorSeen {
			return pub, nil
		}
		pub.KeyVals = matched
		return pub, nil
	})
}

// DumpHashes is DumpKeys with value bytes stripped.
func (s *Store) DumpHashes(prefix string) (state.Publication, error) {
	pub, err := s.DumpKeys(state.KeyDumpParams{Prefix: prefix})
	if err != nil {
		return pub, err
	}
	for k, v := range pub.KeyVals {
		v.Value = nil
		pub.KeyVals[k] = v
	}
	return pub, nil
}

// AddPeers starts replication sessions toward the given peers. Re-adding an
// existing peer with a changed endpoint restarts its session.
func (s *Store) AddPeers(peers map[string]state.PeerSpec) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		for name, spec := range peers {
			if existing, ok := s.peers[name]; ok {
				if existing.spec == spec {
					continue
				}
				existing.stop()
				delete(s.peers, name)
				s.dual.peerDown(name)
			}
			p := newPeer(s, name, spec)
			s.peers[name] = p
			go p.run()
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) DelPeers(names []string) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		for _, name := range names {
			if p, ok := s.peers[name]; ok {
				p.stop()
				delete(s.peers, name)
				s.dual.peerDown(name)
			}
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) GetPeers() (map[string]state.PeerSpec, error) {
	return state.DispatchWait(s.loop, func() (map[string]state.PeerSpec, error) {
		out := make(map[string]state.PeerSpec, len(s.peers))
		for name, p := range s.peers {
			out[name] = p.spec
		}
		return out, nil
	})
}

// Subscribe returns a stream of publications. The returned cancel function
// must be called to release the stream; the channel closes on store stop.
func (s *Store) Subscribe() (<-chan state.Publication, func()) {
	id := uuid.New()
	ch := make(chan state.Publication, 128)
	s.loop.Dispatch(func() error {
		s.subs[id] = ch
		return nil
	})
	cancel := func() {
		s.loop.Dispatch(func() error {
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
			return nil
		})
	}
	return ch, cancel
}

// SubscribeAndGet atomically snapshots the store and opens a stream; the
// caller misses nothing between the two.
func (s *Store) SubscribeAndGet() (state.Publication, <-chan state.Publication, func(), error) {
	id := uuid.New()
	ch := make(chan state.Publication, 128)
	snap, err := state.DispatchWait(s.loop, func() (state.Publication, error) {
		pub := state.Publication{Area: s.area, KeyVals: make(map[string]state.Value, len(s.db))}
		for k, v := range s.db {
			pub.KeyVals[k] = v
		}
		s.subs[id] = ch
		return pub, nil
	})
	cancel := func() {
		s.loop.Dispatch(func() error {
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
			return nil
		})
	}
	if err != nil {
		return state.Publication{}, nil, nil, err
	}
	return snap, ch, cancel, nil
}

// SubscriberCount is exposed for tests and introspection.
func (s *Store) SubscriberCount() int {
	n, _ := state.DispatchWait(s.loop, func() (int, error) {
		return len(s.subs), nil
	})
	return n
}

// ProcessDualMessages feeds spanning-tree messages from a peer into the
// topology computation.
func (s *Store) ProcessDualMessages(from string, msgs *DualMessages) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		s.dual.processMessages(from, msgs)
		return struct{}{}, nil
	})
	return err
}

// UpdateFloodTopologyChild force-adds or removes a child edge on the
// spanning tree for the given root.
func (s *Store) UpdateFloodTopologyChild(root, child string, enable bool) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		s.dual.setChildOverride(root, child, enable)
		return struct{}{}, nil
	})
	return err
}

func (s *Store) SptInfos() (state.SptInfos, error) {
	return state.DispatchWait(s.loop, func() (state.SptInfos, error) {
		return s.dual.sptInfos(), nil
	})
}

// handleWire processes one inbound frame from an identified peer link.
// reply, when non-nil, writes a frame back on the same connection.
func (s *Store) handleWire(from string, m *wireMsg, reply func(*wireMsg)) {
	s.loop.Dispatch(func() error {
		switch m.Type {
		case msgPublication:
			if m.Pub == nil {
				perf.KvMalformedMsgs.Add(1)
				return nil
			}
			perf.KvFloodsRecv.Add(1)
			if len(m.Pub.ExpiredKeys) > 0 {
				// Expirations flood onward but never back to the sender.
				s.pendingSenders[from] = struct{}{}
			}
			for _, k := range m.Pub.ExpiredKeys {
				s.expireKey(k)
			}
			res := s.applyMerge(m.Pub.KeyVals, append(m.Pub.NodeIDs, from))
			if len(res.Stale) > 0 && reply != nil {
				// Sender is behind; push the newer values straight back.
				reply(&wireMsg{
					Type: msgPublication,
					Area: s.area,
					From: s.env.Cfg.NodeName,
					Pub:  &state.Publication{Area: s.area, KeyVals: res.Stale},
				})
			}
		case msgFullSyncReq:
			if m.SyncReq == nil || reply == nil {
				perf.KvMalformedMsgs.Add(1)
				return nil
			}
			reply(&wireMsg{
				Type: msgFullSyncResp,
				Area: s.area,
				From: s.env.Cfg.NodeName,
				SyncResp: &fullSyncResponse{
					SessionID: m.SyncReq.SessionID,
					KeyVals:   staleOn(s.db, m.SyncReq.Digest),
					Digest:    digestOf(s.db),
				},
			})
		case msgFullSyncResp:
			if m.SyncResp == nil {
				perf.KvMalformedMsgs.Add(1)
				return nil
			}
			s.applyMerge(m.SyncResp.KeyVals, []string{from})
			// Second leg: push back what the responder is stale on.
			back := staleOn(s.db, m.SyncResp.Digest)
			if len(back) > 0 && reply != nil {
				reply(&wireMsg{
					Type: msgPublication,
					Area: s.area,
					From: s.env.Cfg.NodeName,
					Pub:  &state.Publication{Area: s.area, KeyVals: back},
				})
			}
			if p, ok := s.peers[from]; ok {
				p.finishSync(m.SyncResp.SessionID)
			}
		case msgDual:
			if m.Dual == nil {
				perf.KvMalformedMsgs.Add(1)
				return nil
			}
			s.dual.processMessages(from, m.Dual)
		default:
			perf.KvMalformedMsgs.Add(1)
		}
		return nil
	})
}

// sendDual transmits spanning-tree messages to one peer, if connected.
func (s *Store) sendDual(to string, msgs *DualMessages) {
	if p, ok := s.peers[to]; ok {
		p.send(&wireMsg{Type: msgDual, Area: s.area, From: s.env.Cfg.NodeName, Dual: msgs})
	}
}
