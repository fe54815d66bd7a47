// Package spark implements neighbor discovery and liveness: a link-local
// multicast hello protocol with a negotiate/handshake phase, heartbeat-based
// hold timers, graceful-restart handling and passive RTT measurement from
// reflected hello timestamps.
package spark

import (
	"net/netip"
	"slices"
	"time"

	"github.com/arbornet/arbor/perf"
	"github.com/arbornet/arbor/state"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const fastInitHellos = 10

type sparkInterface struct {
	name      string
	index     int
	v4Subnets []netip.Prefix
	v6Addr    netip.Addr

	seqNum    uint64
	fastLeft  int
	neighbors map[string]*neighbor
	removed   bool
}

type Spark struct {
	env  *state.Env
	loop *state.Loop
	cfg  state.SparkCfg

	transport Transport
	events    chan state.NeighborEvent
	ifaces    map[string]*sparkInterface
	labels    *labelAllocator
	limiters  *ttlcache.Cache[string, *rate.Limiter]

	start time.Time
}

func New(env *state.Env, transport Transport) *Spark {
	s := &Spark{
		env:       env,
		loop:      state.NewLoop(env, "spark"),
		cfg:       env.Cfg.Spark,
		transport: transport,
		events:    make(chan state.NeighborEvent, 512),
		ifaces:    make(map[string]*sparkInterface),
		labels:    newLabelAllocator(env.Cfg.Spark.AdjLabelBase, env.Cfg.Spark.AdjLabelTop),
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
		),
		start: time.Now(),
	}
	go s.limiters.Start()
	go s.loop.Run()
	go s.rxLoop()
	return s
}

// Events is the stream consumed by the link monitor.
func (s *Spark) Events() <-chan state.NeighborEvent { return s.events }

func (s *Spark) Stop() {
	s.limiters.Stop()
	s.transport.Close()
}

func (s *Spark) nowUs() int64 {
	return time.Since(s.start).Microseconds()
}

// AddInterface begins discovery on a local interface.
func (s *Spark) AddInterface(info state.InterfaceInfo) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		if _, ok := s.ifaces[info.IfName]; ok {
			return struct{}{}, nil
		}
		if err := s.transport.AddInterface(info.IfName, info.IfIndex); err != nil {
			return struct{}{}, err
		}
		var v6 netip.Addr
		if len(info.V6Addrs) > 0 {
			v6 = info.V6Addrs[0].Addr()
		}
		iface := &sparkInterface{
			name:      info.IfName,
			index:     info.IfIndex,
			v4Subnets: info.V4Addrs,
			v6Addr:    v6,
			fastLeft:  fastInitHellos,
			neighbors: make(map[string]*neighbor),
		}
		s.ifaces[info.IfName] = iface
		s.scheduleHello(iface)
		s.loop.RepeatTask(func() error {
			s.sendHeartbeat(iface)
			return nil
		}, s.cfg.Heartbeat())
		return struct{}{}, nil
	})
	return err
}

// RemoveInterface stops discovery and tears down all adjacencies on it.
func (s *Spark) RemoveInterface(ifName string) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		iface, ok := s.ifaces[ifName]
		if !ok {
			return struct{}{}, nil
		}
		iface.removed = true
		for _, n := range iface.neighbors {
			if n.state == StateEstablished || n.state == StateRestart {
				s.neighborDown(iface, n)
			} else {
				n.stopAllTimers()
			}
		}
		delete(s.ifaces, ifName)
		return struct{}{}, s.transport.RemoveInterface(ifName)
	})
	return err
}

// GetNeighbors reports the current per-interface neighbor states.
func (s *Spark) GetNeighbors() (map[string]map[string]NeighborState, error) {
	return state.DispatchWait(s.loop, func() (map[string]map[string]NeighborState, error) {
		out := make(map[string]map[string]NeighborState)
		for ifName, iface := range s.ifaces {
			m := make(map[string]NeighborState)
			for name, n := range iface.neighbors {
				m[name] = n.state
			}
			out[ifName] = m
		}
		return out, nil
	})
}

// GracefulShutdown announces an impending restart so neighbors keep
// forwarding state while this node is away.
func (s *Spark) GracefulShutdown() {
	for i := 0; i < state.GracefulRestartHellos; i++ {
		done := make(chan struct{})
		s.loop.Dispatch(func() error {
			for _, iface := range s.ifaces {
				s.sendHello(iface, true)
			}
			close(done)
			return nil
		})
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// hello cadence: fast-init burst on bring-up, then steady keep-alive, both
// jittered ±25%.

func (s *Spark) scheduleHello(iface *sparkInterface) {
	interval := s.cfg.KeepAlive()
	if iface.fastLeft > 0 {
		interval = s.cfg.FastInit()
		iface.fastLeft--
	}
	interval = jitter(interval, iface.seqNum)
	s.loop.ScheduleTask(func() error {
		if iface.removed {
			return nil
		}
		s.sendHello(iface, false)
		s.scheduleHello(iface)
		return nil
	}, interval)
}

// jitter spreads an interval over [0.75, 1.25)×d, varying with seq so
// neighbors do not phase-lock.
func jitter(d time.Duration, seq uint64) time.Duration {
	span := int64(d) / 2
	if span == 0 {
		return d
	}
	off := int64(seq*2654435761) % span
	if off < 0 {
		off += span
	}
	return time.Duration(int64(d)*3/4 + off)
}

func (s *Spark) sendHello(iface *sparkInterface, restarting bool) {
	iface.seqNum++
	infos := make(map[string]ReflectedNeighborInfo, len(iface.neighbors))
	for name, n := range iface.neighbors {
		infos[name] = ReflectedNeighborInfo{
			SeqNum:   n.seqNum,
			SentTsUs: n.sentTsUs,
			RecvTsUs: n.recvTsUs,
		}
	}
	hello := &HelloMsg{
		NodeName:        s.env.Cfg.NodeName,
		Domain:          s.env.Cfg.Domain,
		IfName:          iface.name,
		SeqNum:          iface.seqNum,
		Version:         state.SparkVersion,
		SentTsUs:        s.nowUs(),
		NeighborInfos:   infos,
		SolicitResponse: iface.fastLeft > 0,
		Restarting:      restarting,
		FloodOptSupport: s.env.Cfg.KvStore.EnableFloodOptimization,
		Areas:           s.env.Cfg.Areas,
	}
	s.txPacket(iface, &Packet{Type: pktHello, Hello: hello})
	perf.SparkHellosSent.Add(1)
}

func (s *Spark) sendHandshake(iface *sparkInterface, n *neighbor) {
	var v4 netip.Addr
	if s.env.Cfg.EnableV4 && len(iface.v4Subnets) > 0 {
		v4 = iface.v4Subnets[0].Addr()
	}
	hs := &HandshakeMsg{
		NodeName:          s.env.Cfg.NodeName,
		IsAdjEstablished:  n.state == StateEstablished,
		HoldTimeMs:        int64(s.cfg.HoldTime() / time.Millisecond),
		GracefulRestartMs: int64(s.cfg.GracefulRestart() / time.Millisecond),
		V4Addr:            v4,
		V6Addr:            iface.v6Addr,
		Area:              s.commonArea(n),
		CtrlPort:          state.DefaultCtrlPort,
		KvPort:            state.DefaultKvPort,
	}
	s.txPacket(iface, &Packet{Type: pktHandshake, Handshake: hs})
}

func (s *Spark) sendHeartbeat(iface *sparkInterface) {
	if iface.removed {
		return
	}
	established := false
	for _, n := range iface.neighbors {
		if n.state == StateEstablished {
			established = true
			break
		}
	}
	if !established {
		return
	}
	iface.seqNum++
	s.txPacket(iface, &Packet{Type: pktHeartbeat, Heartbeat: &HeartbeatMsg{
		NodeName: s.env.Cfg.NodeName,
		SeqNum:   iface.seqNum,
	}})
}

func (s *Spark) txPacket(iface *sparkInterface, p *Packet) {
	data, err := encodePacket(p)
	if err != nil {
		s.env.Log.Error("failed to encode packet", "err", err)
		return
	}
	if err := s.transport.Send(iface.name, data); err != nil {
		s.env.Log.Debug("send failed", "if", iface.name, "err", err)
	}
}

// rxLoop pulls datagrams off the transport and funnels them to the loop.
func (s *Spark) rxLoop() {
	for {
		select {
		case pkt, ok := <-s.transport.Packets():
			if !ok {
				return
			}
			s.loop.Dispatch(func() error {
				s.processPacket(pkt)
				return nil
			})
		case <-s.env.Context.Done():
			return
		}
	}
}

func (s *Spark) allowed(ifName string, src netip.Addr) bool {
	key := ifName + "|" + src.String()
	item := s.limiters.Get(key)
	if item == nil {
		lim := rate.NewLimiter(rate.Limit(s.cfg.MaxHelloPps), s.cfg.MaxHelloPps)
		s.limiters.Set(key, lim, ttlcache.DefaultTTL)
		return lim.Allow()
	}
	return item.Value().Allow()
}

func (s *Spark) processPacket(pkt RecvPacket) {
	iface, ok := s.ifaces[pkt.IfName]
	if !ok {
		return
	}
	// Anything below the maximum hop limit has been forwarded and cannot be
	// a link-local neighbor.
	if pkt.HopLimit != 255 {
		perf.SparkHopLimitDrops.Add(1)
		return
	}
	if !s.allowed(pkt.IfName, pkt.Src) {
		perf.SparkRateLimited.Add(1)
		return
	}
	p, err := decodePacket(pkt.Data)
	if err != nil {
		perf.SparkPacketDrops.Add(1)
		return
	}
	switch p.Type {
	case pktHello:
		if p.Hello != nil {
			s.processHello(iface, p.Hello)
		}
	case pktHandshake:
		if p.Handshake != nil {
			s.processHandshake(iface, p.Handshake)
		}
	case pktHeartbeat:
		if p.Heartbeat != nil {
			s.processHeartbeat(iface, p.Heartbeat)
		}
	default:
		perf.SparkPacketDrops.Add(1)
	}
}

func (s *Spark) processHello(iface *sparkInterface, hello *HelloMsg) {
	perf.SparkHellosRecv.Add(1)
	if hello.NodeName == s.env.Cfg.NodeName {
		// Our own multicast came back.
		return
	}
	if hello.Domain != s.env.Cfg.Domain {
		perf.SparkDomainDrops.Add(1)
		return
	}
	if hello.Version < state.SparkLowestSupportedVersion {
		perf.SparkVersionDrops.Add(1)
		return
	}

	recvTs := s.nowUs()
	n, ok := iface.neighbors[hello.NodeName]
	if !ok {
		n = &neighbor{
			nodeName: hello.NodeName,
			ifName:   iface.name,
			state:    StateIdle,
			rtt:      NewStepDetector(),
			holdTime: s.cfg.HoldTime(),
			grTime:   s.cfg.GracefulRestart(),
		}
		iface.neighbors[hello.NodeName] = n
	}
	n.seqNum = hello.SeqNum
	n.sentTsUs = hello.SentTsUs
	n.recvTsUs = recvTs
	n.remoteIfName = hello.IfName
	n.areas = hello.Areas

	info, hasInfo := hello.NeighborInfos[s.env.Cfg.NodeName]
	if hasInfo {
		s.updateRtt(iface, n, hello, info, recvTs)
	}

	if hello.SolicitResponse && iface.fastLeft == 0 {
		// The neighbor is in fast discovery; answer right away so it can
		// see its own reflection without waiting a keep-alive. Our own
		// fast-init hellos already cover the converse case.
		s.sendHello(iface, false)
	}

	switch {
	case hello.Restarting:
		s.helloRestart(iface, n)
	case hasInfo:
		s.helloWithInfo(iface, n)
	default:
		s.helloNoInfo(iface, n)
	}
}

func (s *Spark) helloWithInfo(iface *sparkInterface, n *neighbor) {
	switch n.state {
	case StateIdle:
		n.state = StateWarm
	case StateWarm:
		n.state = StateNegotiate
		s.startNegotiate(iface, n)
	case StateEstablished:
		s.refreshHold(iface, n)
	case StateRestart:
		n.state = StateEstablished
		n.stopTimer(&n.grTimer)
		s.refreshHold(iface, n)
		s.emit(state.NeighborRestarted, iface, n)
	}
}

func (s *Spark) helloNoInfo(iface *sparkInterface, n *neighbor) {
	switch n.state {
	case StateIdle:
		n.state = StateWarm
	case StateEstablished:
		// The neighbor no longer sees us; the adjacency is gone.
		s.neighborDown(iface, n)
	}
}

func (s *Spark) helloRestart(iface *sparkInterface, n *neighbor) {
	if n.state != StateEstablished {
		return
	}
	n.state = StateRestart
	n.stopTimer(&n.holdTimer)
	n.grTimer = s.loop.ScheduleTask(func() error {
		if n.state == StateRestart {
			s.neighborDown(iface, n)
		}
		return nil
	}, n.grTime)
	s.emit(state.NeighborRestarting, iface, n)
}

func (s *Spark) startNegotiate(iface *sparkInterface, n *neighbor) {
	s.sendHandshake(iface, n)
	var cycle func() error
	cycle = func() error {
		if n.state != StateNegotiate {
			return nil
		}
		s.sendHandshake(iface, n)
		n.handshakeTimer = s.loop.ScheduleTask(cycle, s.cfg.Handshake())
		return nil
	}
	n.handshakeTimer = s.loop.ScheduleTask(cycle, s.cfg.Handshake())
	n.negotiateTimer = s.loop.ScheduleTask(func() error {
		if n.state == StateNegotiate {
			n.state = StateWarm
			n.stopTimer(&n.handshakeTimer)
		}
		return nil
	}, state.DefaultNegotiateHold)
}

// commonArea intersects our areas with the neighbor's; adjacency requires
// exactly one common area.
func (s *Spark) commonArea(n *neighbor) string {
	var common []string
	for _, a := range s.env.Cfg.Areas {
		if slices.Contains(n.areas, a) {
			common = append(common, a)
		}
	}
	if len(common) == 1 {
		return common[0]
	}
	return ""
}

func (s *Spark) processHandshake(iface *sparkInterface, hs *HandshakeMsg) {
	n, ok := iface.neighbors[hs.NodeName]
	if !ok || n.state != StateNegotiate {
		return
	}
	area := s.commonArea(n)
	if area == "" || (hs.Area != "" && hs.Area != area) {
		s.env.Log.Warn("adjacency refused: no single common area",
			"neighbor", hs.NodeName, "if", iface.name, "ours", s.env.Cfg.Areas, "theirs", n.areas)
		return
	}
	if s.env.Cfg.EnableV4 && s.cfg.V4SubnetValidation {
		if !hs.V4Addr.IsValid() || !v4InSubnets(hs.V4Addr, iface.v4Subnets) {
			perf.SparkSubnetDrops.Add(1)
			s.env.Log.Warn("adjacency refused: v4 address outside interface subnet",
				"neighbor", hs.NodeName, "if", iface.name, "v4", hs.V4Addr)
			return
		}
	}

	n.area = area
	n.v4Addr = hs.V4Addr
	n.v6Addr = hs.V6Addr
	n.ctrlPort = hs.CtrlPort
	n.kvPort = hs.KvPort
	// Hold time floors at our own configuration.
	if hs.HoldTimeMs > 0 {
		negotiated := time.Duration(hs.HoldTimeMs) * time.Millisecond
		if negotiated < n.holdTime {
			n.holdTime = negotiated
		}
	}
	if hs.GracefulRestartMs > 0 {
		n.grTime = time.Duration(hs.GracefulRestartMs) * time.Millisecond
	}

	label, err := s.labels.allocate(iface.name+"/"+n.nodeName, iface.index)
	if err != nil {
		s.env.Log.Warn("adjacency refused: no label available", "neighbor", hs.NodeName, "err", err)
		return
	}
	n.label = label
	n.state = StateEstablished
	n.stopTimer(&n.negotiateTimer)
	n.stopTimer(&n.handshakeTimer)
	s.refreshHold(iface, n)
	// Answer once more so the peer can finish its own negotiation.
	if !hs.IsAdjEstablished {
		s.sendHandshake(iface, n)
	}
	s.emit(state.NeighborUp, iface, n)
}

func (s *Spark) processHeartbeat(iface *sparkInterface, hb *HeartbeatMsg) {
	n, ok := iface.neighbors[hb.NodeName]
	if !ok || n.state != StateEstablished {
		return
	}
	s.refreshHold(iface, n)
}

func (s *Spark) refreshHold(iface *sparkInterface, n *neighbor) {
	n.stopTimer(&n.holdTimer)
	n.holdTimer = s.loop.ScheduleTask(func() error {
		if n.state == StateEstablished {
			s.neighborDown(iface, n)
		}
		return nil
	}, n.holdTime)
}

func (s *Spark) neighborDown(iface *sparkInterface, n *neighbor) {
	n.stopAllTimers()
	n.state = StateIdle
	if n.label != 0 {
		s.labels.release(n.label)
	}
	s.emit(state.NeighborDown, iface, n)
	n.label = 0
}

// updateRtt derives a round-trip sample from reflected timestamps and feeds
// the step detector.
func (s *Spark) updateRtt(iface *sparkInterface, n *neighbor, hello *HelloMsg, info ReflectedNeighborInfo, recvTs int64) {
	mySent := info.SentTsUs
	nbrRecv := info.RecvTsUs
	nbrSent := hello.SentTsUs
	myRecv := recvTs
	if mySent <= 0 || nbrRecv <= 0 {
		return
	}
	if myRecv < mySent || nbrSent < nbrRecv {
		// Out-of-order reflection; not a usable sample.
		return
	}
	rttUs := (myRecv - mySent) - (nbrSent - nbrRecv)
	if rttUs <= 0 {
		return
	}
	// Round to milliseconds, minimum 1ms.
	rttUs = ((rttUs + 500) / 1000) * 1000
	if rttUs < 1000 {
		rttUs = 1000
	}
	stepped := n.rtt.AddSample(rttUs)
	n.rttUs = n.rtt.Mean()
	if stepped && n.state == StateEstablished {
		s.emit(state.NeighborRttChange, iface, n)
	}
}

func (s *Spark) emit(t state.NeighborEventType, iface *sparkInterface, n *neighbor) {
	ev := state.NeighborEvent{
		Type:           t,
		NodeName:       n.nodeName,
		IfName:         iface.name,
		NeighborIfName: n.remoteIfName,
		Area:           n.area,
		V4Addr:         n.v4Addr,
		V6Addr:         n.v6Addr,
		CtrlPort:       n.ctrlPort,
		KvPort:         n.kvPort,
		RttUs:          n.rttUs,
		Label:          n.label,
	}
	select {
	case s.events <- ev:
	default:
		s.env.Log.Warn("neighbor event dropped, consumer is stuck", "event", t.String())
	}
}

func v4InSubnets(addr netip.Addr, subnets []netip.Prefix) bool {
	for _, p := range subnets {
		if p.Addr().Is4() && p.Contains(addr) {
			return true
		}
	}
	return false
}
