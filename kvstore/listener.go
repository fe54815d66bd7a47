package kvstore

import (
	"net"
	"sync"

	"github.com/arbornet/arbor/perf"
	"github.com/arbornet/arbor/state"
)

// Listener accepts inbound peer links and routes their frames to the store
// serving the link's area. One listener serves every area on the node.
type Listener struct {
	env *state.Env
	ln  net.Listener

	mu     sync.RWMutex
	stores map[string]*Store
}

func NewListener(env *state.Env, addr string) (*Listener, error) {
	cfg := net.ListenConfig{}
	ln, err := cfg.Listen(env.Context, "tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		env:    env,
		ln:     ln,
		stores: make(map[string]*Store),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }

func (l *Listener) Register(s *Store) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stores[s.Area()] = s
}

func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) acceptLoop() {
	for l.env.Context.Err() == nil {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.env.Context.Err() != nil {
				return
			}
			l.env.Log.Warn("failed to accept peer link", "err", err)
			continue
		}
		go l.serve(conn)
	}
}

// serve identifies the remote via its hello frame, then feeds everything
// else into the area's store. Replies ride the same connection.
func (l *Listener) serve(conn net.Conn) {
	defer conn.Close()
	hello, err := recvFrame(conn)
	if err != nil || hello.Type != msgHello || hello.From == "" {
		perf.KvMalformedMsgs.Add(1)
		return
	}
	l.mu.RLock()
	store := l.stores[hello.Area]
	l.mu.RUnlock()
	if store == nil {
		perf.KvMalformedMsgs.Add(1)
		l.env.Log.Debug("peer link for unknown area", "area", hello.Area, "from", hello.From)
		return
	}
	if hello.FloodRoot != nil {
		store.loop.Dispatch(func() error {
			store.dual.peerHello(hello.From, *hello.FloodRoot)
			return nil
		})
	}

	var wmu sync.Mutex
	reply := func(m *wireMsg) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := sendFrame(conn, m); err != nil {
			perf.KvPeerIOErrors.Add(1)
			conn.Close()
		}
	}
	for {
		m, err := recvFrame(conn)
		if err != nil {
			return
		}
		if m.Area != hello.Area {
			perf.KvMalformedMsgs.Add(1)
			continue
		}
		store.handleWire(hello.From, m, reply)
	}
}
