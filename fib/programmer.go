package fib

import (
	"net/netip"
	"sync"

	"github.com/arbornet/arbor/state"
)

// Programmer is the platform route-programming surface the agent drives.
// The real driver (netlink, vendor SDK) lives outside this tree.
type Programmer interface {
	AddUnicastRoute(route state.UnicastRoute) error
	DeleteUnicastRoute(prefix netip.Prefix) error
	AddMplsRoute(route state.MplsRoute) error
	DeleteMplsRoute(label int32) error
	GetUnicastRoutes() ([]state.UnicastRoute, error)
	GetMplsRoutes() ([]state.MplsRoute, error)
}

// MemProgrammer is an in-memory Programmer: the default when no platform
// driver is supplied, and the one tests use. It records unicast add and
// delete calls in Calls so tests can assert programming order; MPLS calls
// are not recorded.
type MemProgrammer struct {
	mu      sync.Mutex
	unicast map[netip.Prefix]state.UnicastRoute
	mpls    map[int32]state.MplsRoute
	Calls   []string

	// FailPrefixes simulates per-route programming failures.
	FailPrefixes map[netip.Prefix]bool
}

func NewMemProgrammer() *MemProgrammer {
	return &MemProgrammer{
		unicast: make(map[netip.Prefix]state.UnicastRoute),
		mpls:    make(map[int32]state.MplsRoute),
	}
}

func (m *MemProgrammer) AddUnicastRoute(route state.UnicastRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPrefixes[route.Dest] {
		m.Calls = append(m.Calls, "fail-add "+route.Dest.String())
		return errProgramming
	}
	m.unicast[route.Dest] = route
	m.Calls = append(m.Calls, "add "+route.Dest.String())
	return nil
}

func (m *MemProgrammer) DeleteUnicastRoute(prefix netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unicast, prefix)
	m.Calls = append(m.Calls, "del "+prefix.String())
	return nil
}

func (m *MemProgrammer) AddMplsRoute(route state.MplsRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mpls[route.TopLabel] = route
	return nil
}

func (m *MemProgrammer) DeleteMplsRoute(label int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mpls, label)
	return nil
}

func (m *MemProgrammer) GetUnicastRoutes() ([]state.UnicastRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.UnicastRoute, 0, len(m.unicast))
	for _, r := range m.unicast {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemProgrammer) GetMplsRoutes() ([]state.MplsRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.MplsRoute, 0, len(m.mpls))
	for _, r := range m.mpls {
		out = append(out, r)
	}
	return out, nil
}
