// Package ctrl is the operator-facing API over every subsystem: synchronous
// request/response plus server-streaming store subscriptions. Transport
// framing is external; this surface is consumed in-process.
package ctrl

import (
	"errors"
	"runtime"

	"github.com/arbornet/arbor/configstore"
	"github.com/arbornet/arbor/decision"
	"github.com/arbornet/arbor/fib"
	"github.com/arbornet/arbor/kvstore"
	"github.com/arbornet/arbor/linkmonitor"
	"github.com/arbornet/arbor/prefixmgr"
	"github.com/arbornet/arbor/spark"
	"github.com/arbornet/arbor/state"
)

// DaemonVersion identifies the running release.
const DaemonVersion = "1.4.0"

type Handler struct {
	env    *state.Env
	cs     *configstore.Store
	stores map[string]*kvstore.Store
	lm     *linkmonitor.Monitor
	pm     *prefixmgr.Manager
	dec    *decision.Decision
	fib    *fib.Fib
	spark  *spark.Spark
}

func NewHandler(env *state.Env, cs *configstore.Store, stores map[string]*kvstore.Store,
	lm *linkmonitor.Monitor, pm *prefixmgr.Manager, dec *decision.Decision,
	f *fib.Fib, sp *spark.Spark) *Handler {
	return &Handler{
		env:    env,
		cs:     cs,
		stores: stores,
		lm:     lm,
		pm:     pm,
		dec:    dec,
		fib:    f,
		spark:  sp,
	}
}

func (h *Handler) store(area string) (*kvstore.Store, *Error) {
	if area == "" && len(h.env.Cfg.Areas) > 0 {
		area = h.env.Cfg.Areas[0]
	}
	s, ok := h.stores[area]
	if !ok {
		return nil, notFound("no store for area %q", area)
	}
	return s, nil
}

// identity

func (h *Handler) GetMyNodeName() string { return h.env.Cfg.NodeName }

func (h *Handler) GetDaemonVersion() string {
	return DaemonVersion
}

type BuildInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func (h *Handler) GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   DaemonVersion,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// prefixes

func (h *Handler) AdvertisePrefixes(entries []state.PrefixEntry) error {
	return failureOrNil(h.pm.AdvertisePrefixes(entries))
}

func (h *Handler) WithdrawPrefixes(entries []state.PrefixEntry) error {
	return failureOrNil(h.pm.WithdrawPrefixes(entries))
}

func (h *Handler) WithdrawPrefixesByType(t state.PrefixType) error {
	return failureOrNil(h.pm.WithdrawPrefixesByType(t))
}

func (h *Handler) SyncPrefixesByType(t state.PrefixType, entries []state.PrefixEntry) error {
	return failureOrNil(h.pm.SyncPrefixesByType(t, entries))
}

func (h *Handler) GetPrefixes() ([]state.PrefixEntry, error) {
	out, err := h.pm.GetPrefixes()
	return out, failureOrNil(err)
}

func (h *Handler) GetPrefixesByType(t state.PrefixType) ([]state.PrefixEntry, error) {
	out, err := h.pm.GetPrefixesByType(t)
	return out, failureOrNil(err)
}

// routes

func (h *Handler) GetRouteDb() (state.RouteDatabase, error) {
	out, err := h.fib.GetRouteDb()
	return out, failureOrNil(err)
}

func (h *Handler) GetRouteDbComputed(node string) (state.RouteDatabase, error) {
	out, err := h.dec.GetRouteDatabaseComputed(node)
	return out, failureOrNil(err)
}

func (h *Handler) GetPerfDb() ([]state.PerfEvents, error) {
	out, err := h.fib.GetPerfDb()
	return out, failureOrNil(err)
}

// decision inputs

func (h *Handler) GetDecisionAdjacencyDbs() (map[string]state.AdjacencyDatabase, error) {
	out, err := h.dec.GetAdjacencyDatabases()
	return out, failureOrNil(err)
}

func (h *Handler) GetDecisionPrefixDbs() (map[string]state.PrefixDatabase, error) {
	out, err := h.dec.GetPrefixDatabases()
	return out, failureOrNil(err)
}

// replicated store

func (h *Handler) SetKvStoreKeyVals(area string, params state.SetKeysParams) error {
	s, terr := h.store(area)
	if terr != nil {
		return terr
	}
	return failureOrNil(s.SetKeys(params))
}

func (h *Handler) SetKvStoreKeyValsOneWay(area string, params state.SetKeysParams) error {
	s, terr := h.store(area)
	if terr != nil {
		return terr
	}
	s.SetKeysOneWay(params)
	return nil
}

func (h *Handler) GetKvStoreKeyVals(area string, keys []string) (map[string]state.Value, error) {
	s, terr := h.store(area)
	if terr != nil {
		return nil, terr
	}
	out, err := s.GetKeys(keys)
	return out, failureOrNil(err)
}

func (h *Handler) GetKvStoreKeyValsFiltered(area string, params state.KeyDumpParams) (state.Publication, error) {
	s, terr := h.store(area)
	if terr != nil {
		return state.Publication{}, terr
	}
	out, err := s.DumpKeys(params)
	return out, failureOrNil(err)
}

func (h *Handler) GetKvStoreHashFiltered(area string, prefix string) (state.Publication, error) {
	s, terr := h.store(area)
	if terr != nil {
		return state.Publication{}, terr
	}
	out, err := s.DumpHashes(prefix)
	return out, failureOrNil(err)
}

func (h *Handler) ProcessKvStoreDualMessage(area, from string, msgs *kvstore.DualMessages) error {
	s, terr := h.store(area)
	if terr != nil {
		return terr
	}
	return failureOrNil(s.ProcessDualMessages(from, msgs))
}

func (h *Handler) UpdateFloodTopologyChild(area, root, child string, enable bool) error {
	s, terr := h.store(area)
	if terr != nil {
		return terr
	}
	return failureOrNil(s.UpdateFloodTopologyChild(root, child, enable))
}

func (h *Handler) GetSpanningTreeInfos(area string) (state.SptInfos, error) {
	s, terr := h.store(area)
	if terr != nil {
		return state.SptInfos{}, terr
	}
	out, err := s.SptInfos()
	return out, failureOrNil(err)
}

func (h *Handler) AddUpdateKvStorePeers(area string, peers map[string]state.PeerSpec) error {
	s, terr := h.store(area)
	if terr != nil {
		return terr
	}
	return failureOrNil(s.AddPeers(peers))
}

func (h *Handler) DeleteKvStorePeers(area string, names []string) error {
	s, terr := h.store(area)
	if terr != nil {
		return terr
	}
	return failureOrNil(s.DelPeers(names))
}

func (h *Handler) GetKvStorePeers(area string) (map[string]state.PeerSpec, error) {
	s, terr := h.store(area)
	if terr != nil {
		return nil, terr
	}
	out, err := s.GetPeers()
	return out, failureOrNil(err)
}

func (h *Handler) SubscribeKvStore(area string) (<-chan state.Publication, func(), error) {
	s, terr := h.store(area)
	if terr != nil {
		return nil, nil, terr
	}
	ch, cancel := s.Subscribe()
	return ch, cancel, nil
}

func (h *Handler) SubscribeAndGetKvStore(area string) (state.Publication, <-chan state.Publication, func(), error) {
	s, terr := h.store(area)
	if terr != nil {
		return state.Publication{}, nil, nil, terr
	}
	snap, ch, cancel, err := s.SubscribeAndGet()
	return snap, ch, cancel, failureOrNil(err)
}

// link monitor

func (h *Handler) SetNodeOverload() error   { return failureOrNil(h.lm.SetNodeOverload(true)) }
func (h *Handler) UnsetNodeOverload() error { return failureOrNil(h.lm.SetNodeOverload(false)) }

func (h *Handler) SetInterfaceOverload(ifName string) error {
	return failureOrNil(h.lm.SetInterfaceOverload(ifName, true))
}

func (h *Handler) UnsetInterfaceOverload(ifName string) error {
	return failureOrNil(h.lm.SetInterfaceOverload(ifName, false))
}

func (h *Handler) SetInterfaceMetric(ifName string, metric int32) error {
	return failureOrNil(h.lm.SetInterfaceMetric(ifName, metric))
}

func (h *Handler) UnsetInterfaceMetric(ifName string) error {
	return failureOrNil(h.lm.UnsetInterfaceMetric(ifName))
}

func (h *Handler) SetAdjacencyMetric(ifName, adjNode string, metric int32) error {
	return failureOrNil(h.lm.SetAdjacencyMetric(ifName, adjNode, metric))
}

func (h *Handler) UnsetAdjacencyMetric(ifName, adjNode string) error {
	return failureOrNil(h.lm.UnsetAdjacencyMetric(ifName, adjNode))
}

func (h *Handler) GetInterfaces() ([]state.InterfaceInfo, error) {
	out, err := h.lm.GetInterfaces()
	return out, failureOrNil(err)
}

// config store

func (h *Handler) SetConfigKey(key string, value []byte) error {
	return failureOrNil(h.cs.SetConfigKey(key, value))
}

func (h *Handler) GetConfigKey(key string) ([]byte, error) {
	v, err := h.cs.GetConfigKey(key)
	if errors.Is(err, configstore.ErrNotFound) {
		return nil, notFound("config key %q", key)
	}
	return v, failureOrNil(err)
}

func (h *Handler) EraseConfigKey(key string) error {
	err := h.cs.EraseConfigKey(key)
	if errors.Is(err, configstore.ErrNotFound) {
		return notFound("config key %q", key)
	}
	return failureOrNil(err)
}

// health

type HealthCheckerInfo struct {
	Neighbors map[string]map[string]string `json:"neighbors"`
}

func (h *Handler) GetHealthCheckerInfo() (HealthCheckerInfo, error) {
	states, err := h.spark.GetNeighbors()
	if err != nil {
		return HealthCheckerInfo{}, failure(err)
	}
	out := HealthCheckerInfo{Neighbors: make(map[string]map[string]string)}
	for ifName, m := range states {
		out.Neighbors[ifName] = make(map[string]string, len(m))
		for node, st := range m {
			out.Neighbors[ifName][node] = st.String()
		}
	}
	return out, nil
}

func failureOrNil(err error) error {
	if err == nil {
		return nil
	}
	return failure(err)
}
