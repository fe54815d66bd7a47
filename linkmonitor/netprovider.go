package linkmonitor

import (
	"context"
	"net"
	"net/netip"
	"reflect"
	"time"

	"github.com/arbornet/arbor/state"
)

// NetProvider is a stdlib-backed LinkProvider that polls the interface
// table. A netlink-backed provider can replace it on platforms that need
// sub-second link detection.
type NetProvider struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan LinkEvent
	known  map[string]state.InterfaceInfo
}

const pollInterval = 5 * time.Second

func NewNetProvider(ctx context.Context) *NetProvider {
	ctx, cancel := context.WithCancel(ctx)
	p := &NetProvider{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan LinkEvent, 64),
		known:  make(map[string]state.InterfaceInfo),
	}
	go p.poll()
	return p
}

func (p *NetProvider) Events() <-chan LinkEvent { return p.events }

func (p *NetProvider) Close() error {
	p.cancel()
	return nil
}

func (p *NetProvider) ListInterfaces() ([]state.InterfaceInfo, error) {
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]state.InterfaceInfo, 0, len(ifis))
	for _, ifi := range ifis {
		out = append(out, snapshot(ifi))
	}
	return out, nil
}

func snapshot(ifi net.Interface) state.InterfaceInfo {
	info := state.InterfaceInfo{
		IfName:  ifi.Name,
		IfIndex: ifi.Index,
		IsUp:    ifi.Flags&net.FlagUp != 0,
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return info
	}
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ones, _ := n.Mask.Size()
		prefix := netip.PrefixFrom(addr.Unmap(), ones)
		if addr.Unmap().Is4() {
			info.V4Addrs = append(info.V4Addrs, prefix)
		} else {
			info.V6Addrs = append(info.V6Addrs, prefix)
		}
	}
	return info
}

func (p *NetProvider) poll() {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			current, err := p.ListInterfaces()
			if err != nil {
				continue
			}
			seen := make(map[string]bool, len(current))
			for _, info := range current {
				seen[info.IfName] = true
				prev, ok := p.known[info.IfName]
				if !ok || !reflect.DeepEqual(prev, info) {
					p.known[info.IfName] = info
					p.emit(LinkEvent{Info: info})
				}
			}
			for name, prev := range p.known {
				if !seen[name] {
					delete(p.known, name)
					prev.IsUp = false
					p.emit(LinkEvent{Info: prev})
				}
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *NetProvider) emit(ev LinkEvent) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}
