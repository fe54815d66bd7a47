package state

import (
	"bytes"
	"hash/fnv"
	"net/netip"
)

// TTLInfinity marks a record that never expires.
const TTLInfinity = int64(-1)

// Value is a single replicated record. Version is monotonic per key and
// scoped to the originator; Hash is a digest of (Version, Originator, Value)
// used for cheap staleness comparison during full sync.
type Value struct {
	Version    uint64 `json:"version"`
	Originator string `json:"originator"`
	Value      []byte `json:"value,omitempty"`
	TTLMs      int64  `json:"ttl_ms"`
	TTLVersion uint64 `json:"ttl_version"`
	Hash       int64  `json:"hash,omitempty"`
}

// HashValue computes the content digest stored in Value.Hash.
func HashValue(version uint64, originator string, value []byte) int64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(version >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(originator))
	h.Write(value)
	return int64(h.Sum64())
}

func (v Value) WithHash() Value {
	v.Hash = HashValue(v.Version, v.Originator, v.Value)
	return v
}

// CompareValues orders two records by (version, originator, value-hash,
// value-bytes). Returns >0 if a is strictly newer, <0 if b is, 0 if the
// tuples are equal. TTL-only records (nil Value) compare equal on the value
// dimension; the caller resolves ties with TTLVersion.
func CompareValues(a, b Value) int {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return 1
		}
		return -1
	}
	if a.Originator != b.Originator {
		if a.Originator > b.Originator {
			return 1
		}
		return -1
	}
	if a.Value == nil || b.Value == nil {
		return 0
	}
	ah, bh := a.Hash, b.Hash
	if ah == 0 {
		ah = HashValue(a.Version, a.Originator, a.Value)
	}
	if bh == 0 {
		bh = HashValue(b.Version, b.Originator, b.Value)
	}
	if ah != bh {
		if ah > bh {
			return 1
		}
		return -1
	}
	return bytes.Compare(a.Value, b.Value)
}

// Publication is a batch of records flooded between stores. NodeIDs is the
// path vector used to suppress flood loops.
type Publication struct {
	Area        string           `json:"area,omitempty"`
	KeyVals     map[string]Value `json:"key_vals"`
	ExpiredKeys []string         `json:"expired_keys,omitempty"`
	NodeIDs     []string         `json:"node_ids,omitempty"`
}

// SetKeysParams is the input of a key-set operation.
type SetKeysParams struct {
	KeyVals map[string]Value
	// NodeIDs carries the flood path vector when the set comes off the wire.
	NodeIDs []string
}

// KeyDumpParams filters a dump. Empty fields match everything.
type KeyDumpParams struct {
	Prefix        string
	OriginatorIDs []string
	// KeyValHashes, when set, restricts the dump to keys the caller is stale
	// on: a key is returned only if absent here or if the stored tuple is
	// newer than the one supplied.
	KeyValHashes map[string]Value
}

// PeerSpec addresses one replication peer.
type PeerSpec struct {
	PubAddr string `json:"pub_addr"`
	CmdAddr string `json:"cmd_addr"`
}

// Adjacency is a single directed neighbor relation, owned by the link
// monitor and replicated as part of an AdjacencyDatabase.
type Adjacency struct {
	OtherNodeName string     `json:"other_node_name"`
	IfName        string     `json:"if_name"`
	OtherIfName   string     `json:"other_if_name"`
	Metric        int32      `json:"metric"`
	AdjLabel      int32      `json:"adj_label"`
	IsOverloaded  bool       `json:"is_overloaded"`
	RttUs         int64      `json:"rtt_us"`
	Timestamp     int64      `json:"timestamp"`
	Weight        int64      `json:"weight"`
	NextHopV6     netip.Addr `json:"next_hop_v6"`
	NextHopV4     netip.Addr `json:"next_hop_v4,omitempty"`
}

type AdjacencyDatabase struct {
	ThisNodeName string      `json:"this_node_name"`
	IsOverloaded bool        `json:"is_overloaded"`
	Adjacencies  []Adjacency `json:"adjacencies"`
	NodeLabel    int32       `json:"node_label"`
	Area         string      `json:"area"`
}

// PrefixType identifies the source of a prefix advertisement. Lower
// precedence value wins during route selection.
type PrefixType int32

const (
	PrefixTypeLoopback PrefixType = iota + 1
	PrefixTypeDefault
	PrefixTypeBgp
	PrefixTypePrefixAllocator
	PrefixTypeBreeze
	PrefixTypeRib
	PrefixTypeClient
)

func (t PrefixType) String() string {
	switch t {
	case PrefixTypeLoopback:
		return "LOOPBACK"
	case PrefixTypeDefault:
		return "DEFAULT"
	case PrefixTypeBgp:
		return "BGP"
	case PrefixTypePrefixAllocator:
		return "PREFIX_ALLOCATOR"
	case PrefixTypeBreeze:
		return "BREEZE"
	case PrefixTypeRib:
		return "RIB"
	case PrefixTypeClient:
		return "CLIENT"
	}
	return "UNKNOWN"
}

type ForwardingType int32

const (
	ForwardingTypeIP ForwardingType = iota
	ForwardingTypeSrMpls
)

type ForwardingAlgorithm int32

const (
	AlgorithmSpEcmp ForwardingAlgorithm = iota
	AlgorithmKsp2EdEcmp
)

// CompareOp controls how a metric entity behaves when it is present on one
// candidate but absent on the other.
type CompareOp int32

const (
	OpWinIfPresent CompareOp = iota
	OpWinIfNotPresent
	OpIgnoreIfNotPresent
)

type MetricEntity struct {
	ID       int64     `json:"id"`
	Priority int64     `json:"priority"`
	Op       CompareOp `json:"op"`
	Metric   []int64   `json:"metric"`
}

type MetricVector struct {
	Entities []MetricEntity `json:"entities"`
}

type PrefixEntry struct {
	Prefix              netip.Prefix        `json:"prefix"`
	Type                PrefixType          `json:"type"`
	Data                []byte              `json:"data,omitempty"`
	ForwardingType      ForwardingType      `json:"forwarding_type"`
	ForwardingAlgorithm ForwardingAlgorithm `json:"forwarding_algorithm"`
	Ephemeral           bool                `json:"ephemeral,omitempty"`
	MetricVector        *MetricVector       `json:"metric_vector,omitempty"`
}

type PrefixDatabase struct {
	ThisNodeName string        `json:"this_node_name"`
	Area         string        `json:"area"`
	Entries      []PrefixEntry `json:"entries"`
	// DeletePrefix marks a tombstone advertisement; the entries are being
	// withdrawn and the record garbage-collects via TTL.
	DeletePrefix bool `json:"delete_prefix,omitempty"`
}

type MplsAction int32

const (
	MplsActionPush MplsAction = iota
	MplsActionSwap
	MplsActionPhp
	MplsActionPopAndLookup
)

// MaxMplsLabel bounds the 20-bit label space.
const MaxMplsLabel = (1 << 20) - 1

func IsValidMplsLabel(label int32) bool {
	return label > 0 && label <= MaxMplsLabel
}

type MplsActionInfo struct {
	Action     MplsAction `json:"action"`
	SwapLabel  int32      `json:"swap_label,omitempty"`
	PushLabels []int32    `json:"push_labels,omitempty"`
}

type NextHop struct {
	Address             netip.Addr      `json:"address"`
	IfName              string          `json:"if_name"`
	Metric              int32           `json:"metric"`
	Mpls                *MplsActionInfo `json:"mpls,omitempty"`
	UseNonShortestRoute bool            `json:"use_non_shortest_route,omitempty"`
}

type UnicastRoute struct {
	Dest     netip.Prefix `json:"dest"`
	NextHops []NextHop    `json:"next_hops"`
}

type MplsRoute struct {
	TopLabel int32     `json:"top_label"`
	NextHops []NextHop `json:"next_hops"`
}

type PerfEvent struct {
	NodeName   string `json:"node_name"`
	EventDescr string `json:"event_descr"`
	UnixTsMs   int64  `json:"unix_ts_ms"`
}

type PerfEvents struct {
	Events []PerfEvent `json:"events"`
}

func (p *PerfEvents) Add(node, descr string, tsMs int64) {
	p.Events = append(p.Events, PerfEvent{NodeName: node, EventDescr: descr, UnixTsMs: tsMs})
}

type RouteDatabase struct {
	ThisNodeName  string         `json:"this_node_name"`
	UnicastRoutes []UnicastRoute `json:"unicast_routes"`
	MplsRoutes    []MplsRoute    `json:"mpls_routes"`
	PerfEvents    *PerfEvents    `json:"perf_events,omitempty"`
}

// RouteDatabaseDelta is the decision engine's output unit: the change set
// relative to the previously emitted database.
type RouteDatabaseDelta struct {
	UnicastRoutesToUpdate []UnicastRoute
	UnicastRoutesToDelete []netip.Prefix
	MplsRoutesToUpdate    []MplsRoute
	MplsRoutesToDelete    []int32
	PerfEvents            *PerfEvents
}

func (d *RouteDatabaseDelta) Empty() bool {
	return len(d.UnicastRoutesToUpdate) == 0 && len(d.UnicastRoutesToDelete) == 0 &&
		len(d.MplsRoutesToUpdate) == 0 && len(d.MplsRoutesToDelete) == 0
}

// NeighborEventType enumerates what the discovery layer reports upward.
type NeighborEventType int32

const (
	NeighborUp NeighborEventType = iota
	NeighborDown
	NeighborRestarting
	NeighborRestarted
	NeighborRttChange
)

func (t NeighborEventType) String() string {
	switch t {
	case NeighborUp:
		return "NEIGHBOR_UP"
	case NeighborDown:
		return "NEIGHBOR_DOWN"
	case NeighborRestarting:
		return "NEIGHBOR_RESTARTING"
	case NeighborRestarted:
		return "NEIGHBOR_RESTARTED"
	case NeighborRttChange:
		return "NEIGHBOR_RTT_CHANGE"
	}
	return "UNKNOWN"
}

// NeighborEvent crosses the spark → link-monitor channel.
type NeighborEvent struct {
	Type           NeighborEventType
	NodeName       string
	IfName         string
	NeighborIfName string
	Area           string
	V4Addr         netip.Addr
	V6Addr         netip.Addr
	CtrlPort       int
	KvPort         int
	RttUs          int64
	Label          int32
}

// InterfaceInfo is the link monitor's view of one local interface.
type InterfaceInfo struct {
	IfName    string
	IfIndex   int
	IsUp      bool
	V4Addrs   []netip.Prefix
	V6Addrs   []netip.Prefix
	IsActive  bool // up and out of flap dampening
	BackoffMs int64
}

// SptInfo describes the spanning tree computed for one flood root.
type SptInfo struct {
	Root     string   `json:"root"`
	Passive  bool     `json:"passive"`
	Cost     int64    `json:"cost"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
}

type SptInfos struct {
	Infos         map[string]SptInfo `json:"infos"`
	FloodRootID   string             `json:"flood_root_id,omitempty"`
	FloodPeers    []string           `json:"flood_peers,omitempty"`
	SupportsFlood bool               `json:"supports_flood"`
}
