// Package prefixmgr owns what this node advertises into the replicated
// store: per-source prefix sets, merged by type, persisted across restarts
// for non-ephemeral entries, and originated in throttled batches.
package prefixmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/arbornet/arbor/configstore"
	"github.com/arbornet/arbor/state"
)

const persistKey = "pm:config"

// tombstoneTTL bounds how long a withdrawal marker lingers before the
// store's garbage collection removes it everywhere.
const tombstoneTTL = 30 * time.Second

// KvOriginator is the slice of the replicated store the manager writes
// through; satisfied by *kvstore.Store.
type KvOriginator interface {
	Area() string
	SelfOriginateKey(key string, value []byte, ttl time.Duration) error
	UnsetSelfOriginatedKey(key string)
}

// ConfigPersist is the durable store for sticky prefixes; satisfied by
// *configstore.Store.
type ConfigPersist interface {
	SetConfigKey(key string, value []byte) error
	GetConfigKey(key string) ([]byte, error)
}

type Manager struct {
	env  *state.Env
	loop *state.Loop
	cfg  state.PrefixManagerCfg

	stores []KvOriginator
	cs     ConfigPersist

	prefixes map[state.PrefixType]map[netip.Prefix]state.PrefixEntry

	// per-prefix keys currently originated, per area
	originated map[string]map[string]bool

	holddownArmed bool
}

func New(env *state.Env, cs ConfigPersist, stores []KvOriginator) (*Manager, error) {
	m := &Manager{
		env:        env,
		loop:       state.NewLoop(env, "prefix-manager"),
		cfg:        env.Cfg.PrefixManager,
		stores:     stores,
		cs:         cs,
		prefixes:   make(map[state.PrefixType]map[netip.Prefix]state.PrefixEntry),
		originated: make(map[string]map[string]bool),
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	go m.loop.Run()
	m.loop.Dispatch(func() error {
		m.scheduleOrigination()
		return nil
	})
	return m, nil
}

// restore reloads the sticky (non-ephemeral) prefixes persisted before the
// last restart.
func (m *Manager) restore() error {
	raw, err := m.cs.GetConfigKey(persistKey)
	if errors.Is(err, configstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []state.PrefixEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("corrupt persisted prefixes: %w", err)
	}
	for _, e := range entries {
		m.bucket(e.Type)[e.Prefix] = e
	}
	return nil
}

func (m *Manager) bucket(t state.PrefixType) map[netip.Prefix]state.PrefixEntry {
	b, ok := m.prefixes[t]
	if !ok {
		b = make(map[netip.Prefix]state.PrefixEntry)
		m.prefixes[t] = b
	}
	return b
}

// persist writes all non-ephemeral entries through the config store.
// Origination failures after this point cannot lose sticky prefixes.
func (m *Manager) persist() error {
	var sticky []state.PrefixEntry
	for _, b := range m.prefixes {
		for _, e := range b {
			if !e.Ephemeral {
				sticky = append(sticky, e)
			}
		}
	}
	sort.Slice(sticky, func(i, j int) bool {
		return sticky[i].Prefix.String() < sticky[j].Prefix.String()
	})
	raw, err := json.Marshal(sticky)
	if err != nil {
		return err
	}
	return m.cs.SetConfigKey(persistKey, raw)
}

// AdvertisePrefixes adds or updates entries. The batch is atomic: it either
// fully applies or leaves the maps untouched.
func (m *Manager) AdvertisePrefixes(entries []state.PrefixEntry) error {
	_, err := state.DispatchWait(m.loop, func() (struct{}, error) {
		for _, e := range entries {
			if !e.Prefix.IsValid() {
				return struct{}{}, fmt.Errorf("invalid prefix %v", e.Prefix)
			}
		}
		type prior struct {
			entry state.PrefixEntry
			ok    bool
		}
		undo := make([]prior, len(entries))
		for i, e := range entries {
			old, ok := m.bucket(e.Type)[e.Prefix]
			undo[i] = prior{old, ok}
			m.bucket(e.Type)[e.Prefix] = e
		}
		if err := m.persist(); err != nil {
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				if undo[i].ok {
					m.bucket(e.Type)[e.Prefix] = undo[i].entry
				} else {
					delete(m.bucket(e.Type), e.Prefix)
				}
			}
			return struct{}{}, err
		}
		m.scheduleOrigination()
		return struct{}{}, nil
	})
	return err
}

// WithdrawPrefixes removes entries; withdrawing anything not currently
// advertised fails the whole batch with no side effects.
func (m *Manager) WithdrawPrefixes(entries []state.PrefixEntry) error {
	_, err := state.DispatchWait(m.loop, func() (struct{}, error) {
		for _, e := range entries {
			if _, ok := m.bucket(e.Type)[e.Prefix]; !ok {
				return struct{}{}, fmt.Errorf("prefix %v type %v not advertised", e.Prefix, e.Type)
			}
		}
		for _, e := range entries {
			delete(m.bucket(e.Type), e.Prefix)
		}
		if err := m.persist(); err != nil {
			return struct{}{}, err
		}
		m.scheduleOrigination()
		return struct{}{}, nil
	})
	return err
}

func (m *Manager) WithdrawPrefixesByType(t state.PrefixType) error {
	_, err := state.DispatchWait(m.loop, func() (struct{}, error) {
		m.prefixes[t] = make(map[netip.Prefix]state.PrefixEntry)
		if err := m.persist(); err != nil {
			return struct{}{}, err
		}
		m.scheduleOrigination()
		return struct{}{}, nil
	})
	return err
}

// SyncPrefixesByType replaces one source's set wholesale.
func (m *Manager) SyncPrefixesByType(t state.PrefixType, entries []state.PrefixEntry) error {
	_, err := state.DispatchWait(m.loop, func() (struct{}, error) {
		for _, e := range entries {
			if e.Type != t {
				return struct{}{}, fmt.Errorf("entry %v has type %v, expected %v", e.Prefix, e.Type, t)
			}
		}
		b := make(map[netip.Prefix]state.PrefixEntry, len(entries))
		for _, e := range entries {
			b[e.Prefix] = e
		}
		m.prefixes[t] = b
		if err := m.persist(); err != nil {
			return struct{}{}, err
		}
		m.scheduleOrigination()
		return struct{}{}, nil
	})
	return err
}

// GetPrefixes returns the merged set across all types.
func (m *Manager) GetPrefixes() ([]state.PrefixEntry, error) {
	return state.DispatchWait(m.loop, func() ([]state.PrefixEntry, error) {
		var out []state.PrefixEntry
		for _, b := range m.prefixes {
			for _, e := range b {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Prefix != out[j].Prefix {
				return out[i].Prefix.String() < out[j].Prefix.String()
			}
			return out[i].Type < out[j].Type
		})
		return out, nil
	})
}

func (m *Manager) GetPrefixesByType(t state.PrefixType) ([]state.PrefixEntry, error) {
	return state.DispatchWait(m.loop, func() ([]state.PrefixEntry, error) {
		out := make([]state.PrefixEntry, 0, len(m.prefixes[t]))
		for _, e := range m.prefixes[t] {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].Prefix.String() < out[j].Prefix.String()
		})
		return out, nil
	})
}

// scheduleOrigination batches store writes behind the holddown so bursts of
// API calls originate once.
func (m *Manager) scheduleOrigination() {
	if m.holddownArmed {
		return
	}
	m.holddownArmed = true
	m.loop.ScheduleTask(func() error {
		m.holddownArmed = false
		m.originate()
		return nil
	}, m.cfg.Holddown())
}

func (m *Manager) originate() {
	node := m.env.Cfg.NodeName
	var all []state.PrefixEntry
	for _, b := range m.prefixes {
		for _, e := range b {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Prefix.String() < all[j].Prefix.String() })

	for _, kv := range m.stores {
		area := kv.Area()
		if m.cfg.PrefixKeyPerPrefix {
			m.originatePerPrefix(kv, node, area, all)
			continue
		}
		db := state.PrefixDatabase{ThisNodeName: node, Area: area, Entries: all}
		raw, err := json.Marshal(db)
		if err != nil {
			m.env.Log.Error("failed to encode prefix database", "err", err)
			continue
		}
		if err := kv.SelfOriginateKey(state.PrefixDbKey(node, area), raw, m.env.Cfg.KvStore.TTL()); err != nil {
			m.env.Log.Warn("prefix origination failed", "area", area, "err", err)
		}
	}
}

func (m *Manager) originatePerPrefix(kv KvOriginator, node, area string, all []state.PrefixEntry) {
	current := make(map[string]bool, len(all))
	prev := m.originated[area]
	if prev == nil {
		prev = make(map[string]bool)
	}
	for _, e := range all {
		key := state.PerPrefixKey(node, area, e.Prefix)
		current[key] = true
		db := state.PrefixDatabase{ThisNodeName: node, Area: area, Entries: []state.PrefixEntry{e}}
		raw, err := json.Marshal(db)
		if err != nil {
			continue
		}
		if err := kv.SelfOriginateKey(key, raw, m.env.Cfg.KvStore.TTL()); err != nil {
			m.env.Log.Warn("prefix origination failed", "key", key, "err", err)
		}
	}
	// Withdrawn prefixes get a tombstone that garbage-collects via TTL.
	for key := range prev {
		if current[key] {
			continue
		}
		db := state.PrefixDatabase{ThisNodeName: node, Area: area, DeletePrefix: true}
		raw, _ := json.Marshal(db)
		if err := kv.SelfOriginateKey(key, raw, tombstoneTTL); err != nil {
			m.env.Log.Warn("tombstone origination failed", "key", key, "err", err)
		}
		kv.UnsetSelfOriginatedKey(key)
	}
	m.originated[area] = current
}
