package spark

import (
	"encoding/json"
	"net/netip"
)

// Packet type tags.
const (
	pktHello     = "hello"
	pktHandshake = "handshake"
	pktHeartbeat = "heartbeat"
)

// ReflectedNeighborInfo echoes a neighbor's own hello back to it: the last
// sequence number seen, the send timestamp that neighbor stamped, and our
// local receive timestamp. The neighbor combines these with its clock to
// measure RTT without clock sync.
type ReflectedNeighborInfo struct {
	SeqNum   uint64 `json:"seq_num"`
	SentTsUs int64  `json:"sent_ts_us"`
	RecvTsUs int64  `json:"recv_ts_us"`
}

type HelloMsg struct {
	NodeName        string                           `json:"node_name"`
	Domain          string                           `json:"domain"`
	IfName          string                           `json:"if_name"`
	SeqNum          uint64                           `json:"seq_num"`
	Version         int32                            `json:"version"`
	SentTsUs        int64                            `json:"sent_ts_us"`
	NeighborInfos   map[string]ReflectedNeighborInfo `json:"neighbor_infos,omitempty"`
	SolicitResponse bool                             `json:"solicit_response,omitempty"`
	Restarting      bool                             `json:"restarting,omitempty"`
	FloodOptSupport bool                             `json:"flood_opt_support,omitempty"`
	Areas           []string                         `json:"areas,omitempty"`
}

type HandshakeMsg struct {
	NodeName            string     `json:"node_name"`
	IsAdjEstablished    bool       `json:"is_adj_established"`
	HoldTimeMs          int64      `json:"hold_time_ms"`
	GracefulRestartMs   int64      `json:"graceful_restart_ms"`
	V4Addr              netip.Addr `json:"v4_addr,omitempty"`
	V6Addr              netip.Addr `json:"v6_addr"`
	Area                string     `json:"area"`
	CtrlPort            int        `json:"ctrl_port"`
	KvPort              int        `json:"kv_port"`
}

type HeartbeatMsg struct {
	NodeName string `json:"node_name"`
	SeqNum   uint64 `json:"seq_num"`
}

// Packet is the single datagram envelope; exactly one payload is set.
type Packet struct {
	Type      string        `json:"type"`
	Hello     *HelloMsg     `json:"hello,omitempty"`
	Handshake *HandshakeMsg `json:"handshake,omitempty"`
	Heartbeat *HeartbeatMsg `json:"heartbeat,omitempty"`
}

func encodePacket(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}

func decodePacket(b []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
