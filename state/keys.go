package state

import (
	"fmt"
	"net/netip"
	"strings"
)

// Replicated-store key conventions. Routing keys (adj:, prefix:) are the only
// ones the decision engine reads; allocation and config keys live under
// disjoint markers.
const (
	AdjDbMarker      = "adj:"
	PrefixDbMarker   = "prefix:"
	StaticCfgMarker  = "cfg:"
	FibConvergedKey  = "fibConverged:"
	AllocationMarker = "alloc:"
)

// AdjacencyDbKey builds the key under which a node's adjacency database is
// replicated. Area-scoped when area is non-empty.
func AdjacencyDbKey(node, area string) string {
	if area == "" {
		return AdjDbMarker + node
	}
	return fmt.Sprintf("%s%s:%s", AdjDbMarker, node, area)
}

// PrefixDbKey builds the single-key form prefix:<node>:<area>.
func PrefixDbKey(node, area string) string {
	return fmt.Sprintf("%s%s:%s", PrefixDbMarker, node, area)
}

// PerPrefixKey builds the per-prefix form prefix:<node>:<area>:[<ip>/<plen>].
func PerPrefixKey(node, area string, prefix netip.Prefix) string {
	return fmt.Sprintf("%s%s:%s:[%s]", PrefixDbMarker, node, area, prefix)
}

// ParseAdjacencyKey extracts (node, area) from an adjacency key. The area is
// empty for the unscoped form.
func ParseAdjacencyKey(key string) (node, area string, ok bool) {
	rest, found := strings.CutPrefix(key, AdjDbMarker)
	if !found || rest == "" {
		return "", "", false
	}
	node, area, found = strings.Cut(rest, ":")
	if !found {
		return rest, "", true
	}
	return node, area, true
}

// ParsePrefixKey extracts (node, area, prefix) from either prefix key form.
// prefix is the zero value for the single-key form.
func ParsePrefixKey(key string) (node, area string, prefix netip.Prefix, ok bool) {
	rest, found := strings.CutPrefix(key, PrefixDbMarker)
	if !found || rest == "" {
		return
	}
	node, rest, found = strings.Cut(rest, ":")
	if !found || node == "" {
		return "", "", netip.Prefix{}, false
	}
	area, rest, found = strings.Cut(rest, ":")
	if !found {
		return node, area, netip.Prefix{}, area != ""
	}
	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return "", "", netip.Prefix{}, false
	}
	p, err := netip.ParsePrefix(rest[1 : len(rest)-1])
	if err != nil {
		return "", "", netip.Prefix{}, false
	}
	return node, area, p, true
}

// IsRoutingKey reports whether the decision engine cares about this key.
func IsRoutingKey(key string) bool {
	return strings.HasPrefix(key, AdjDbMarker) || strings.HasPrefix(key, PrefixDbMarker)
}
