package kvstore

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arbornet/arbor/perf"
	"github.com/arbornet/arbor/state"
	"github.com/google/uuid"
)

// peer is one replication session. The session goroutine owns the
// connection; sync bookkeeping fields (initialSynced, syncSession) are owned
// by the store loop.
type peer struct {
	store *Store
	name  string
	spec  state.PeerSpec

	ctx    context.Context
	cancel context.CancelFunc
	out    chan *wireMsg

	backoff *state.Backoff

	mu   sync.Mutex
	conn net.Conn

	// store-loop owned
	initialSynced bool
	syncSession   string
}

func newPeer(s *Store, name string, spec state.PeerSpec) *peer {
	ctx, cancel := context.WithCancel(s.env.Context)
	return &peer{
		store:   s,
		name:    name,
		spec:    spec,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan *wireMsg, 512),
		backoff: state.NewBackoff(s.cfg.SyncMinBackoff(), s.cfg.SyncMaxBackoff()),
	}
}

// send enqueues a frame toward the peer. Frames are dropped when the session
// is backed up; a later full sync repairs any gap.
func (p *peer) send(m *wireMsg) {
	select {
	case p.out <- m:
	default:
		perf.KvPeerSendDrops.Add(1)
	}
}

func (p *peer) stop() {
	p.cancel()
	p.closeConn()
}

func (p *peer) closeConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *peer) setConn(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = c
}

// run dials, syncs and pumps frames until the peer is removed. Transient I/O
// failures retry under the shared backoff primitive.
func (p *peer) run() {
	log := p.store.env.Log.With("peer", p.name, "area", p.store.area)
	for p.ctx.Err() == nil {
		if wait := p.backoff.TimeUntilRetry(); wait > 0 {
			select {
			case <-time.After(wait):
			case <-p.ctx.Done():
				return
			}
		}
		d := net.Dialer{Timeout: state.DefaultRPCTimeout}
		conn, err := d.DialContext(p.ctx, "tcp", p.spec.PubAddr)
		if err != nil {
			perf.KvPeerIOErrors.Add(1)
			p.backoff.ReportError()
			log.Debug("peer dial failed", "err", err)
			continue
		}
		p.setConn(conn)
		p.session(conn, log)
		p.closeConn()
		p.store.loop.Dispatch(func() error {
			p.initialSynced = false
			p.store.dual.peerDown(p.name)
			return nil
		})
		p.backoff.ReportError()
	}
}

func (p *peer) session(conn net.Conn, log *slog.Logger) {
	hello := &wireMsg{
		Type: msgHello,
		Area: p.store.area,
		From: p.store.env.Cfg.NodeName,
	}
	if p.store.cfg.EnableFloodOptimization {
		root := p.store.cfg.IsFloodRoot
		hello.FloodRoot = &root
	}
	if err := sendFrame(conn, hello); err != nil {
		perf.KvPeerIOErrors.Add(1)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case m := <-p.out:
				if err := sendFrame(conn, m); err != nil {
					perf.KvPeerIOErrors.Add(1)
					conn.Close()
					return
				}
			case <-p.ctx.Done():
				return
			}
		}
	}()

	p.startFullSync()

	reply := func(m *wireMsg) { p.send(m) }
	for {
		m, err := recvFrame(conn)
		if err != nil {
			log.Debug("peer link closed", "err", err)
			conn.Close()
			<-writerDone
			return
		}
		if m.Area != p.store.area {
			perf.KvMalformedMsgs.Add(1)
			continue
		}
		p.store.handleWire(p.name, m, reply)
	}
}

// startFullSync issues a digest request and arms the sync deadline: a peer
// stuck past the timeout has its link torn down and re-initialized.
func (p *peer) startFullSync() {
	p.store.loop.Dispatch(func() error {
		session := uuid.NewString()
		p.syncSession = session
		p.send(&wireMsg{
			Type: msgFullSyncReq,
			Area: p.store.area,
			From: p.store.env.Cfg.NodeName,
			SyncReq: &fullSyncRequest{
				SessionID: session,
				Digest:    digestOf(p.store.db),
			},
		})
		p.store.loop.ScheduleTask(func() error {
			if p.syncSession == session && !p.initialSynced {
				perf.KvSyncTimeouts.Add(1)
				p.closeConn()
			}
			return nil
		}, p.store.cfg.SyncTimeout())
		return nil
	})
}

// finishSync runs on the store loop when the sync response for the current
// session has been merged.
func (p *peer) finishSync(session string) {
	if session != p.syncSession {
		return
	}
	if !p.initialSynced {
		p.initialSynced = true
		p.store.dual.peerUp(p.name)
	}
	p.backoff.ReportSuccess()
}
