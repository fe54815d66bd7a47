package linkmonitor

import (
	"sync"

	"github.com/arbornet/arbor/state"
)

// LinkEvent reports a platform link or address change.
type LinkEvent struct {
	Info state.InterfaceInfo
}

// LinkProvider abstracts the platform's interface inventory. The real
// netlink-backed provider lives outside this tree.
type LinkProvider interface {
	ListInterfaces() ([]state.InterfaceInfo, error)
	Events() <-chan LinkEvent
	Close() error
}

// MockLinkProvider drives the monitor in tests.
type MockLinkProvider struct {
	mu     sync.Mutex
	ifaces map[string]state.InterfaceInfo
	events chan LinkEvent
}

func NewMockLinkProvider(ifaces ...state.InterfaceInfo) *MockLinkProvider {
	m := &MockLinkProvider{
		ifaces: make(map[string]state.InterfaceInfo),
		events: make(chan LinkEvent, 64),
	}
	for _, i := range ifaces {
		m.ifaces[i.IfName] = i
	}
	return m
}

func (m *MockLinkProvider) ListInterfaces() ([]state.InterfaceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.InterfaceInfo, 0, len(m.ifaces))
	for _, i := range m.ifaces {
		out = append(out, i)
	}
	return out, nil
}

func (m *MockLinkProvider) Events() <-chan LinkEvent { return m.events }

func (m *MockLinkProvider) Close() error { return nil }

// SetLink injects a link state change.
func (m *MockLinkProvider) SetLink(info state.InterfaceInfo) {
	m.mu.Lock()
	m.ifaces[info.IfName] = info
	m.mu.Unlock()
	m.events <- LinkEvent{Info: info}
}
