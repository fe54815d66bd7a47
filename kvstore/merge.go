package kvstore

import (
	"github.com/arbornet/arbor/state"
)

// MergeResult reports what a merge changed.
type MergeResult struct {
	// Updated holds keys whose stored value was replaced or newly inserted;
	// these must be flooded onward.
	Updated map[string]state.Value
	// TTLRefreshed holds keys whose TTL was refreshed without a value
	// change; these are not reflooded.
	TTLRefreshed []string
	// Stale holds keys for which the sender is behind: the newer local
	// value, to be sent back to the sender.
	Stale map[string]state.Value
}

// mergeKeyValues applies a batch of incoming records against the local map
// in place, under the tuple order (version, originator, value-hash). The
// merge is commutative and associative over that tuple: replaying batches in
// any order converges to the same map.
//
// A record without value bytes is a TTL-only update. It may refresh the TTL
// of an identical tuple but never replaces stored bytes and never installs a
// key the store does not hold.
func mergeKeyValues(local map[string]state.Value, incoming map[string]state.Value) MergeResult {
	res := MergeResult{
		Updated: make(map[string]state.Value),
		Stale:   make(map[string]state.Value),
	}
	for key, in := range incoming {
		loc, exists := local[key]
		if !exists {
			if in.Value == nil {
				// TTL refresh for a record we never held.
				continue
			}
			local[key] = in.WithHash()
			res.Updated[key] = local[key]
			continue
		}
		switch cmp := state.CompareValues(in, loc); {
		case cmp > 0:
			if in.Value == nil {
				// Newer tuple but no bytes to adopt; wait for the full
				// record to arrive.
				continue
			}
			local[key] = in.WithHash()
			res.Updated[key] = local[key]
		case cmp == 0:
			if in.TTLVersion > loc.TTLVersion {
				loc.TTLVersion = in.TTLVersion
				loc.TTLMs = in.TTLMs
				local[key] = loc
				res.TTLRefreshed = append(res.TTLRefreshed, key)
			}
		default:
			res.Stale[key] = loc
		}
	}
	return res
}

// staleOn returns the subset of local keys on which the supplied digest is
// stale or missing, as full values.
func staleOn(local map[string]state.Value, digest map[string]state.Value) map[string]state.Value {
	out := make(map[string]state.Value)
	for key, loc := range local {
		d, ok := digest[key]
		if !ok || state.CompareValues(loc, d) > 0 {
			out[key] = loc
		}
	}
	return out
}

// digestOf strips values down to (version, originator, hash) triplets.
func digestOf(local map[string]state.Value) map[string]state.Value {
	out := make(map[string]state.Value, len(local))
	for key, v := range local {
		out[key] = state.Value{
			Version:    v.Version,
			Originator: v.Originator,
			TTLVersion: v.TTLVersion,
			TTLMs:      v.TTLMs,
			Hash:       v.Hash,
		}
	}
	return out
}
