// Package wire defines the shared message vocabulary of the node: session
// envelopes carried over the message transport, the uniqueness
// request/result protocol payloads, and canonical digests used wherever two
// parties must agree byte-for-byte on what a request says.
package wire

import (
	"encoding/json"
	"fmt"
)

// NodeID identifies a node on the network.
type NodeID string

// SessionID identifies one flow session. Generated by the initiating side
// and shared by both endpoints; each direction keeps its own sequence
// counter.
type SessionID string

// Kind discriminates session envelope types.
type Kind string

const (
	// KindData carries an application payload.
	KindData Kind = "data"

	// KindClose signals orderly session shutdown by the sender.
	KindClose Kind = "close"

	// KindAbort signals unilateral session abort; the reason surfaces as an
	// error on the peer's receive.
	KindAbort Kind = "abort"

	// KindReject signals that session establishment failed on the
	// responding node (no matching responder factory, version mismatch).
	KindReject Kind = "reject"
)

// SessionInit rides on the first envelope of a new session and tells the
// responding node which responder flow to start.
type SessionInit struct {
	InitiatingFlow string `json:"initiating_flow"`
	Version        int    `json:"version"`
	Initiator      NodeID `json:"initiator"`
}

// Envelope is the unit carried in a transport message's payload. The
// session id and sequence number travel alongside it as transport-level
// fields, not inside the envelope.
type Envelope struct {
	Kind    Kind         `json:"kind"`
	Init    *SessionInit `json:"init,omitempty"`
	Payload []byte       `json:"payload,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// EncodeEnvelope serializes an envelope for transport.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope deserializes a transport payload into an envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case KindData, KindClose, KindAbort, KindReject:
	default:
		return Envelope{}, fmt.Errorf("decode envelope: unknown kind %q", env.Kind)
	}
	return env, nil
}
