package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/cordial/internal/wire"
)

// WaitKind names what a suspended flow is parked on.
type WaitKind string

const (
	WaitNone    WaitKind = ""
	WaitReceive WaitKind = "receive"
	WaitTimer   WaitKind = "timer"
	WaitChild   WaitKind = "child"
)

// SessionState is the durable per-session bookkeeping carried in a
// checkpoint: identity, peer, and both direction's sequence counters.
type SessionState struct {
	ID          wire.SessionID `json:"id"`
	Peer        wire.NodeID    `json:"peer"`
	PeerFlow    string         `json:"peer_flow"`
	PeerVersion int            `json:"peer_version"`

	// Initiator marks the side that opened the session; its first message
	// carries the session-init header.
	Initiator bool `json:"initiator"`
	InitSent  bool `json:"init_sent"`

	// NextSendSeq is the sequence number the next outgoing message will
	// carry. NextRecvSeq is the sequence number the next in-order inbound
	// message must carry; anything below it is a duplicate.
	NextSendSeq uint64 `json:"next_send_seq"`
	NextRecvSeq uint64 `json:"next_recv_seq"`

	Closed bool `json:"closed,omitempty"`
}

// Effect is a pending externally visible action recorded in the checkpoint
// before being issued. Recovery re-issues it verbatim; the receiver's
// sequence-number deduplication turns at-least-once replay into an
// exactly-once effect.
type Effect struct {
	Peer     wire.NodeID    `json:"peer"`
	Session  wire.SessionID `json:"session"`
	Seq      uint64         `json:"seq"`
	Envelope []byte         `json:"envelope"`
}

// Wakeup is a resume input persisted into a parent's checkpoint when the
// event that satisfies its suspension arrives while it is parked - today
// that is a sub-flow's terminal outcome, which would otherwise be lost when
// the child's own checkpoint is deleted.
type Wakeup struct {
	Kind    WaitKind `json:"kind"`
	Payload []byte   `json:"payload,omitempty"`
	Err     string   `json:"err,omitempty"`
}

// PendingChild records a sub-flow the parent has committed to starting but
// whose own first checkpoint may not have landed yet. Recovery recreates
// the child from this record if its checkpoint is missing, so the
// parent-waits-on-child edge can never dangle.
type PendingChild struct {
	ID      ID              `json:"id"`
	Logic   string          `json:"logic"`
	Version int             `json:"version"`
	Locals  json.RawMessage `json:"locals"`
}

// Checkpoint is the durable snapshot of one suspended flow: resumption
// point, locals, open sessions, what it waits on, and any effect still to
// be (re)issued.
type Checkpoint struct {
	FlowID  ID     `json:"flow_id"`
	Logic   string `json:"logic"`
	Version int    `json:"version"`
	Status  Status `json:"status"`

	// Step is the tag execution resumes at; Locals is the Logic value
	// serialized whole.
	Step   string          `json:"step"`
	Locals json.RawMessage `json:"locals"`

	Sessions []SessionState `json:"sessions,omitempty"`

	Waiting     WaitKind       `json:"waiting,omitempty"`
	WaitSession wire.SessionID `json:"wait_session,omitempty"`
	WaitUntil   time.Time      `json:"wait_until,omitzero"`

	// Parent/Child link sub-flow instances to their caller.
	Parent       ID            `json:"parent,omitempty"`
	Child        ID            `json:"child,omitempty"`
	PendingChild *PendingChild `json:"pending_child,omitempty"`

	Wakeup *Wakeup `json:"wakeup,omitempty"`
	Effect *Effect `json:"effect,omitempty"`
}

// Encode serializes the checkpoint for the store.
func (c Checkpoint) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", c.FlowID, err)
	}
	return b, nil
}

// DecodeCheckpoint deserializes a stored checkpoint. A decode failure means
// the snapshot is corrupt; recovery quarantines the flow rather than guess.
func DecodeCheckpoint(b []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(b, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.FlowID == "" || c.Logic == "" {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: missing flow id or logic name")
	}
	return c, nil
}
