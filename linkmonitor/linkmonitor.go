// Package linkmonitor bridges the platform and discovery layers into the
// replicated store: it tracks local interfaces (with flap dampening and
// regex filtering), owns the adjacency database built from neighbor events,
// applies operator overrides persisted in the config store, and redistributes
// selected interface prefixes.
package linkmonitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"sort"
	"time"

	"github.com/arbornet/arbor/configstore"
	"github.com/arbornet/arbor/state"
	"github.com/cilium/cilium/pkg/ip"
)

const persistKey = "lm:config"

const defaultLinkMetric = 10

// SparkCtl is the discovery surface the monitor drives.
type SparkCtl interface {
	AddInterface(info state.InterfaceInfo) error
	RemoveInterface(ifName string) error
	Events() <-chan state.NeighborEvent
	GracefulShutdown()
}

// KvOriginator is the slice of the replicated store the monitor writes
// adjacency databases through.
type KvOriginator interface {
	Area() string
	SelfOriginateKey(key string, value []byte, ttl time.Duration) error
}

// PrefixRedist hands redistributed interface prefixes to the prefix manager.
type PrefixRedist interface {
	SyncPrefixesByType(t state.PrefixType, entries []state.PrefixEntry) error
}

// ConfigPersist is the durable override storage.
type ConfigPersist interface {
	SetConfigKey(key string, value []byte) error
	GetConfigKey(key string) ([]byte, error)
}

// overrides is the operator state that survives restart.
type overrides struct {
	NodeOverloaded bool                        `json:"node_overloaded,omitempty"`
	IfOverloaded   map[string]bool             `json:"if_overloaded,omitempty"`
	IfMetric       map[string]int32            `json:"if_metric,omitempty"`
	AdjMetric      map[string]map[string]int32 `json:"adj_metric,omitempty"`
}

type ifaceState struct {
	info    state.InterfaceInfo
	backoff *state.Backoff
	active  bool
	pending *time.Timer
}

type adjState struct {
	adj  state.Adjacency
	area string
	// restarting marks a neighbor in graceful restart; the adjacency stays
	// advertised until the restart window closes.
	restarting bool
}

type Monitor struct {
	env  *state.Env
	loop *state.Loop
	cfg  state.LinkMonitorCfg

	provider LinkProvider
	spark    SparkCtl
	stores   []KvOriginator
	pm       PrefixRedist
	cs       ConfigPersist

	include []*regexp.Regexp
	exclude []*regexp.Regexp
	redist  []*regexp.Regexp

	ifaces map[string]*ifaceState
	adjs   map[string]*adjState // key ifName+"/"+node
	ovr    overrides

	holddownArmed bool
}

func New(env *state.Env, provider LinkProvider, spark SparkCtl, cs ConfigPersist,
	stores []KvOriginator, pm PrefixRedist) (*Monitor, error) {

	m := &Monitor{
		env:      env,
		loop:     state.NewLoop(env, "link-monitor"),
		cfg:      env.Cfg.LinkMonitor,
		provider: provider,
		spark:    spark,
		stores:   stores,
		pm:       pm,
		cs:       cs,
		ifaces:   make(map[string]*ifaceState),
		adjs:     make(map[string]*adjState),
		ovr: overrides{
			IfOverloaded: make(map[string]bool),
			IfMetric:     make(map[string]int32),
			AdjMetric:    make(map[string]map[string]int32),
		},
	}
	var err error
	if m.include, err = compileAll(m.cfg.IncludeIfRegexes); err != nil {
		return nil, err
	}
	if m.exclude, err = compileAll(m.cfg.ExcludeIfRegexes); err != nil {
		return nil, err
	}
	if m.redist, err = compileAll(m.cfg.RedistIfRegexes); err != nil {
		return nil, err
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	go m.loop.Run()
	m.loop.Dispatch(func() error {
		return m.bootstrap()
	})
	go m.consumeLinkEvents()
	go m.consumeNeighborEvents()
	return m, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad interface regex %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// tracked decides whether discovery runs on an interface.
func (m *Monitor) tracked(ifName string) bool {
	if matchAny(m.exclude, ifName) {
		return false
	}
	if len(m.include) == 0 {
		return true
	}
	return matchAny(m.include, ifName)
}

func (m *Monitor) restore() error {
	raw, err := m.cs.GetConfigKey(persistKey)
	if errors.Is(err, configstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &m.ovr); err != nil {
		return fmt.Errorf("corrupt link-monitor overrides: %w", err)
	}
	if m.ovr.IfOverloaded == nil {
		m.ovr.IfOverloaded = make(map[string]bool)
	}
	if m.ovr.IfMetric == nil {
		m.ovr.IfMetric = make(map[string]int32)
	}
	if m.ovr.AdjMetric == nil {
		m.ovr.AdjMetric = make(map[string]map[string]int32)
	}
	return nil
}

func (m *Monitor) persist() error {
	raw, err := json.Marshal(m.ovr)
	if err != nil {
		return err
	}
	return m.cs.SetConfigKey(persistKey, raw)
}

func (m *Monitor) bootstrap() error {
	infos, err := m.provider.ListInterfaces()
	if err != nil {
		return fmt.Errorf("listing interfaces: %w", err)
	}
	for _, info := range infos {
		m.handleLink(info)
	}
	// Publish an (initially empty) adjacency database so peers see us.
	m.scheduleAdvertise()
	return nil
}

func (m *Monitor) consumeLinkEvents() {
	for {
		select {
		case ev, ok := <-m.provider.Events():
			if !ok {
				return
			}
			m.loop.Dispatch(func() error {
				m.handleLink(ev.Info)
				return nil
			})
		case <-m.env.Context.Done():
			return
		}
	}
}

// handleLink applies one interface state, subject to flap dampening: a
// flapping interface is treated as down until its backoff clears.
func (m *Monitor) handleLink(info state.InterfaceInfo) {
	if !m.tracked(info.IfName) {
		return
	}
	st, ok := m.ifaces[info.IfName]
	if !ok {
		st = &ifaceState{
			backoff: state.NewBackoff(m.cfg.InitialBackoff(), m.cfg.MaxBackoff()),
		}
		m.ifaces[info.IfName] = st
	}
	st.info = info

	if !info.IsUp {
		st.backoff.ReportError()
		m.deactivate(info.IfName, st)
		return
	}
	if st.backoff.CanTryNow() {
		m.activate(info.IfName, st)
		return
	}
	// Still dampened; bring it up when the holdoff expires.
	if st.pending != nil {
		st.pending.Stop()
	}
	wait := st.backoff.TimeUntilRetry()
	st.pending = m.loop.ScheduleTask(func() error {
		st.pending = nil
		if st.info.IsUp && !st.active {
			m.activate(st.info.IfName, st)
		}
		return nil
	}, wait)
}

func (m *Monitor) activate(ifName string, st *ifaceState) {
	if st.active {
		return
	}
	if err := m.spark.AddInterface(st.info); err != nil {
		m.env.Log.Warn("failed to start discovery", "if", ifName, "err", err)
		st.backoff.ReportError()
		return
	}
	st.active = true
	m.env.Log.Info("interface up", "if", ifName)
	m.redistribute()
	m.scheduleAdvertise()
}

func (m *Monitor) deactivate(ifName string, st *ifaceState) {
	if !st.active {
		return
	}
	st.active = false
	if err := m.spark.RemoveInterface(ifName); err != nil {
		m.env.Log.Warn("failed to stop discovery", "if", ifName, "err", err)
	}
	for key, a := range m.adjs {
		if a.adj.IfName == ifName {
			delete(m.adjs, key)
		}
	}
	m.env.Log.Info("interface down", "if", ifName)
	m.redistribute()
	m.scheduleAdvertise()
}

func (m *Monitor) consumeNeighborEvents() {
	for {
		select {
		case ev, ok := <-m.spark.Events():
			if !ok {
				return
			}
			m.loop.Dispatch(func() error {
				m.handleNeighbor(ev)
				return nil
			})
		case <-m.env.Context.Done():
			return
		}
	}
}

func adjKey(ifName, node string) string { return ifName + "/" + node }

func (m *Monitor) handleNeighbor(ev state.NeighborEvent) {
	key := adjKey(ev.IfName, ev.NodeName)
	switch ev.Type {
	case state.NeighborUp, state.NeighborRestarted:
		m.adjs[key] = &adjState{
			area: ev.Area,
			adj: state.Adjacency{
				OtherNodeName: ev.NodeName,
				IfName:        ev.IfName,
				OtherIfName:   ev.NeighborIfName,
				Metric:        m.adjacencyMetric(ev),
				AdjLabel:      ev.Label,
				RttUs:         ev.RttUs,
				Timestamp:     time.Now().Unix(),
				Weight:        1,
				NextHopV6:     ev.V6Addr,
				NextHopV4:     ev.V4Addr,
			},
		}
		m.env.Log.Info("neighbor event", "type", ev.Type.String(), "node", ev.NodeName, "if", ev.IfName)
		m.scheduleAdvertise()
	case state.NeighborDown:
		if _, ok := m.adjs[key]; ok {
			delete(m.adjs, key)
			m.env.Log.Info("neighbor down", "node", ev.NodeName, "if", ev.IfName)
			m.scheduleAdvertise()
		}
	case state.NeighborRestarting:
		if a, ok := m.adjs[key]; ok {
			// Keep the adjacency (and programmed routes) while the
			// neighbor restarts.
			a.restarting = true
		}
	case state.NeighborRttChange:
		if a, ok := m.adjs[key]; ok {
			a.adj.RttUs = ev.RttUs
			if m.cfg.UseRttMetric {
				a.adj.Metric = m.adjacencyMetric(ev)
				m.scheduleAdvertise()
			}
		}
	}
}

// adjacencyMetric resolves the base metric of an adjacency: RTT-derived,
// else default. currentMetric applies the per-adjacency and per-interface
// overrides on top, so the advertised order is per-adjacency,
// per-interface, RTT-derived, default.
func (m *Monitor) adjacencyMetric(ev state.NeighborEvent) int32 {
	if m.cfg.UseRttMetric && ev.RttUs > 0 {
		metric := int32(ev.RttUs / 1000)
		if metric < 1 {
			metric = 1
		}
		return metric
	}
	return defaultLinkMetric
}

// scheduleAdvertise debounces adjacency re-origination.
func (m *Monitor) scheduleAdvertise() {
	if m.holddownArmed {
		return
	}
	m.holddownArmed = true
	m.loop.ScheduleTask(func() error {
		m.holddownArmed = false
		m.advertise()
		return nil
	}, m.cfg.AdjHolddown())
}

func (m *Monitor) advertise() {
	node := m.env.Cfg.NodeName
	for _, kv := range m.stores {
		area := kv.Area()
		db := state.AdjacencyDatabase{
			ThisNodeName: node,
			IsOverloaded: m.ovr.NodeOverloaded,
			NodeLabel:    m.env.Cfg.NodeSegmentLabel,
			Area:         area,
		}
		for _, a := range m.adjs {
			if a.area != area && a.area != "" {
				continue
			}
			adj := a.adj
			adj.IsOverloaded = m.ovr.IfOverloaded[adj.IfName]
			adj.Metric = m.currentMetric(adj)
			db.Adjacencies = append(db.Adjacencies, adj)
		}
		sort.Slice(db.Adjacencies, func(i, j int) bool {
			if db.Adjacencies[i].OtherNodeName != db.Adjacencies[j].OtherNodeName {
				return db.Adjacencies[i].OtherNodeName < db.Adjacencies[j].OtherNodeName
			}
			return db.Adjacencies[i].IfName < db.Adjacencies[j].IfName
		})
		raw, err := json.Marshal(db)
		if err != nil {
			m.env.Log.Error("failed to encode adjacency database", "err", err)
			continue
		}
		if err := kv.SelfOriginateKey(state.AdjacencyDbKey(node, area), raw, m.env.Cfg.KvStore.TTL()); err != nil {
			m.env.Log.Warn("adjacency origination failed", "area", area, "err", err)
		}
	}
}

func (m *Monitor) currentMetric(adj state.Adjacency) int32 {
	if byAdj, ok := m.ovr.AdjMetric[adj.IfName]; ok {
		if metric, ok := byAdj[adj.OtherNodeName]; ok {
			return metric
		}
	}
	if metric, ok := m.ovr.IfMetric[adj.IfName]; ok {
		return metric
	}
	return adj.Metric
}

// redistribute pushes coalesced prefixes of matching active interfaces to
// the prefix manager.
func (m *Monitor) redistribute() {
	if m.pm == nil || len(m.redist) == 0 {
		return
	}
	var nets []*net.IPNet
	for name, st := range m.ifaces {
		if !st.active || !matchAny(m.redist, name) {
			continue
		}
		for _, p := range append(append([]netip.Prefix{}, st.info.V4Addrs...), st.info.V6Addrs...) {
			nets = append(nets, &net.IPNet{
				IP:   p.Masked().Addr().AsSlice(),
				Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
			})
		}
	}
	v4, v6 := ip.CoalesceCIDRs(nets)
	var entries []state.PrefixEntry
	for _, n := range append(v4, v6...) {
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ones, _ := n.Mask.Size()
		entries = append(entries, state.PrefixEntry{
			Prefix:    netip.PrefixFrom(addr.Unmap(), ones),
			Type:      state.PrefixTypeLoopback,
			Ephemeral: true,
		})
	}
	if err := m.pm.SyncPrefixesByType(state.PrefixTypeLoopback, entries); err != nil {
		m.env.Log.Warn("prefix redistribution failed", "err", err)
	}
}

// operator override surface

func (m *Monitor) setOverride(mut func() error) error {
	_, err := state.DispatchWait(m.loop, func() (struct{}, error) {
		if err := mut(); err != nil {
			return struct{}{}, err
		}
		if err := m.persist(); err != nil {
			return struct{}{}, err
		}
		m.scheduleAdvertise()
		return struct{}{}, nil
	})
	return err
}

func (m *Monitor) SetNodeOverload(overloaded bool) error {
	return m.setOverride(func() error {
		m.ovr.NodeOverloaded = overloaded
		return nil
	})
}

func (m *Monitor) SetInterfaceOverload(ifName string, overloaded bool) error {
	return m.setOverride(func() error {
		if overloaded {
			m.ovr.IfOverloaded[ifName] = true
		} else {
			delete(m.ovr.IfOverloaded, ifName)
		}
		return nil
	})
}

func (m *Monitor) SetInterfaceMetric(ifName string, metric int32) error {
	if metric <= 0 {
		return fmt.Errorf("metric must be positive")
	}
	return m.setOverride(func() error {
		m.ovr.IfMetric[ifName] = metric
		return nil
	})
}

func (m *Monitor) UnsetInterfaceMetric(ifName string) error {
	return m.setOverride(func() error {
		delete(m.ovr.IfMetric, ifName)
		return nil
	})
}

func (m *Monitor) SetAdjacencyMetric(ifName, adjNode string, metric int32) error {
	if metric <= 0 {
		return fmt.Errorf("metric must be positive")
	}
	return m.setOverride(func() error {
		byAdj, ok := m.ovr.AdjMetric[ifName]
		if !ok {
			byAdj = make(map[string]int32)
			m.ovr.AdjMetric[ifName] = byAdj
		}
		byAdj[adjNode] = metric
		return nil
	})
}

func (m *Monitor) UnsetAdjacencyMetric(ifName, adjNode string) error {
	return m.setOverride(func() error {
		if byAdj, ok := m.ovr.AdjMetric[ifName]; ok {
			delete(byAdj, adjNode)
			if len(byAdj) == 0 {
				delete(m.ovr.AdjMetric, ifName)
			}
		}
		return nil
	})
}

// GetInterfaces reports tracked interfaces with their dampening state.
func (m *Monitor) GetInterfaces() ([]state.InterfaceInfo, error) {
	return state.DispatchWait(m.loop, func() ([]state.InterfaceInfo, error) {
		out := make([]state.InterfaceInfo, 0, len(m.ifaces))
		for _, st := range m.ifaces {
			info := st.info
			info.IsActive = st.active
			info.BackoffMs = int64(st.backoff.TimeUntilRetry() / time.Millisecond)
			out = append(out, info)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].IfName < out[j].IfName })
		return out, nil
	})
}

// GetAdjacencies reports the current adjacency set across areas.
func (m *Monitor) GetAdjacencies() ([]state.Adjacency, error) {
	return state.DispatchWait(m.loop, func() ([]state.Adjacency, error) {
		out := make([]state.Adjacency, 0, len(m.adjs))
		for _, a := range m.adjs {
			adj := a.adj
			adj.IsOverloaded = m.ovr.IfOverloaded[adj.IfName]
			adj.Metric = m.currentMetric(adj)
			out = append(out, adj)
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].OtherNodeName < out[j].OtherNodeName
		})
		return out, nil
	})
}

// GracefulShutdown relays the restart announcement to discovery.
func (m *Monitor) GracefulShutdown() {
	m.spark.GracefulShutdown()
}
