package spark

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/arbornet/arbor/state"
	"golang.org/x/net/ipv6"
)

// RecvPacket is one datagram off the wire, annotated with what validation
// needs.
type RecvPacket struct {
	IfName   string
	Src      netip.Addr
	HopLimit int
	Data     []byte
}

// Transport abstracts the per-interface multicast socket so the neighbor
// machinery is testable without raw sockets.
type Transport interface {
	AddInterface(ifName string, ifIndex int) error
	RemoveInterface(ifName string) error
	Send(ifName string, data []byte) error
	Packets() <-chan RecvPacket
	Close() error
}

// udpTransport joins the fixed link-local group on each interface with one
// UDP6 socket per interface. Hop limit is forced to the maximum on both
// unicast and multicast sends; receivers check it against spoofing.
type udpTransport struct {
	env  *state.Env
	port int

	mu      sync.Mutex
	sockets map[string]*ifaceSocket
	packets chan RecvPacket
	closed  bool
}

type ifaceSocket struct {
	ifName string
	conn   *ipv6.PacketConn
	raw    net.PacketConn
	group  *net.UDPAddr
	ifi    *net.Interface
}

func NewUDPTransport(env *state.Env, port int) Transport {
	return &udpTransport{
		env:     env,
		port:    port,
		sockets: make(map[string]*ifaceSocket),
		packets: make(chan RecvPacket, 1024),
	}
}

func (t *udpTransport) Packets() <-chan RecvPacket { return t.packets }

func (t *udpTransport) AddInterface(ifName string, ifIndex int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sockets[ifName]; ok {
		return nil
	}
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return fmt.Errorf("interface %s: %w", ifName, err)
	}
	lc := net.ListenConfig{}
	raw, err := lc.ListenPacket(t.env.Context, "udp6", fmt.Sprintf("[::]:%d", t.port))
	if err != nil {
		return fmt.Errorf("bind %s: %w", ifName, err)
	}
	pc := ipv6.NewPacketConn(raw)
	group := &net.UDPAddr{IP: net.ParseIP(state.SparkMcastGroup), Port: t.port}
	if err := pc.JoinGroup(ifi, group); err != nil {
		raw.Close()
		return fmt.Errorf("join group on %s: %w", ifName, err)
	}
	if err := pc.SetMulticastInterface(ifi); err != nil {
		raw.Close()
		return err
	}
	// Maximum hop limit on both paths; receipt below the maximum is
	// rejected as spoofed.
	if err := pc.SetMulticastHopLimit(255); err != nil {
		raw.Close()
		return err
	}
	if err := pc.SetHopLimit(255); err != nil {
		raw.Close()
		return err
	}
	pc.SetMulticastLoopback(false)
	if err := pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagInterface, true); err != nil {
		raw.Close()
		return err
	}
	sock := &ifaceSocket{ifName: ifName, conn: pc, raw: raw, group: group, ifi: ifi}
	t.sockets[ifName] = sock
	go t.readLoop(sock)
	return nil
}

func (t *udpTransport) readLoop(sock *ifaceSocket) {
	buf := make([]byte, 65536)
	for {
		n, cm, src, err := sock.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		hop := 0
		if cm != nil {
			hop = cm.HopLimit
		}
		var srcAddr netip.Addr
		if udp, ok := src.(*net.UDPAddr); ok {
			srcAddr, _ = netip.AddrFromSlice(udp.IP)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.packets <- RecvPacket{IfName: sock.ifName, Src: srcAddr, HopLimit: hop, Data: data}:
		case <-t.env.Context.Done():
			return
		}
	}
}

func (t *udpTransport) RemoveInterface(ifName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sock, ok := t.sockets[ifName]
	if !ok {
		return nil
	}
	delete(t.sockets, ifName)
	sock.conn.LeaveGroup(sock.ifi, sock.group)
	return sock.raw.Close()
}

func (t *udpTransport) Send(ifName string, data []byte) error {
	t.mu.Lock()
	sock, ok := t.sockets[ifName]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no socket for interface %s", ifName)
	}
	cm := &ipv6.ControlMessage{IfIndex: sock.ifi.Index}
	_, err := sock.conn.WriteTo(data, cm, sock.group)
	return err
}

func (t *udpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for name, sock := range t.sockets {
		sock.conn.LeaveGroup(sock.ifi, sock.group)
		sock.raw.Close()
		delete(t.sockets, name)
	}
	return nil
}
