package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/arbornet/arbor/state"
)

// Frame types exchanged between stores over peer links.
const (
	msgHello        = "hello"
	msgPublication  = "pub"
	msgFullSyncReq  = "sync_req"
	msgFullSyncResp = "sync_resp"
	msgDual         = "dual"
)

const maxFrameSize = 8 << 20

// wireMsg is the single envelope for all peer traffic. Exactly one payload
// field is set, selected by Type.
type wireMsg struct {
	Type string `json:"type"`
	Area string `json:"area"`
	From string `json:"from"`

	Pub      *state.Publication `json:"pub,omitempty"`
	SyncReq  *fullSyncRequest   `json:"sync_req,omitempty"`
	SyncResp *fullSyncResponse  `json:"sync_resp,omitempty"`
	Dual     *DualMessages      `json:"dual,omitempty"`

	// FloodRoot advertises flood-optimization support on hello.
	FloodRoot *bool `json:"flood_root,omitempty"`
}

// fullSyncRequest carries the requester's digest: hash-only values (no
// bytes) for every key it holds.
type fullSyncRequest struct {
	SessionID string                 `json:"session_id"`
	Digest    map[string]state.Value `json:"digest"`
}

// fullSyncResponse returns the values the requester is stale on plus the
// responder's own digest so the requester can push back what it is missing.
type fullSyncResponse struct {
	SessionID string                 `json:"session_id"`
	KeyVals   map[string]state.Value `json:"key_vals"`
	Digest    map[string]state.Value `json:"digest"`
}

// DualMessages is a batch of spanning-tree maintenance messages.
type DualMessages struct {
	Messages []DualMessage `json:"messages"`
}

type DualMsgType string

const (
	DualHello  DualMsgType = "HELLO"
	DualUpdate DualMsgType = "UPDATE"
	DualQuery  DualMsgType = "QUERY"
	DualReply  DualMsgType = "REPLY"
)

type DualMessage struct {
	Type DualMsgType `json:"type"`
	Root string      `json:"root"`
	// Dist is the sender's reported distance to Root; dualInfinity when
	// unreachable.
	Dist int64 `json:"dist"`
	// Parent is the sender's chosen successor toward Root, used by the
	// receiver to maintain its child set.
	Parent string `json:"parent,omitempty"`
	// FloodRoot is set on HELLO when the sender is configured as a root.
	FloodRoot bool `json:"flood_root,omitempty"`
}

// sendFrame writes one length-prefixed frame. The framing matches the ctl
// link codec used elsewhere in the tree: u32 big-endian length, then payload.
func sendFrame(c net.Conn, m *wireMsg) error {
	out, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if len(out) == 0 || len(out) > maxFrameSize {
		return errors.New("frame size is invalid")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(out)))
	if _, err := c.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.Write(out)
	return err
}

func recvFrame(c net.Conn) (*wireMsg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > maxFrameSize {
		return nil, errors.New("frame size is invalid")
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c, data); err != nil {
		return nil, err
	}
	var m wireMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
