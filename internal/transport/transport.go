// Package transport defines the messaging interfaces the node consumes and
// in-memory implementations of both.
//
// Two distinct transports exist:
//
//   - Transport: reliable, per-session ordered, at-least-once point-to-point
//     delivery between nodes. The flow layer's session sequence numbers
//     deduplicate the retransmissions this contract permits.
//
//   - Cluster: reliable point-to-point messaging between consensus replicas.
//     No ordering guarantee is required - the consensus protocol itself
//     establishes order.
//
// The in-memory implementations are the ones used by tests and the
// single-process demo; a production deployment substitutes a real message
// bus behind the same interfaces.
package transport

import "github.com/roach88/cordial/internal/wire"

// Message is one delivery from the message transport.
type Message struct {
	Session wire.SessionID
	Seq     uint64
	Payload []byte
}

// Handler consumes deliveries. Called sequentially per subscriber; the
// transport guarantees nondecreasing Seq per session and at-least-once
// delivery, nothing more.
type Handler func(msg Message)

// Transport is the point-to-point message bus between nodes.
//
// Send is asynchronous: a nil error means the message was accepted for
// delivery, not that it was delivered. A non-nil error is transient
// (the bus is unavailable) and the caller may retry with the same sequence
// number - receivers deduplicate.
type Transport interface {
	Send(node wire.NodeID, session wire.SessionID, seq uint64, payload []byte) error
	Subscribe(h Handler)
}

// ClusterHandler consumes replica-to-replica messages.
type ClusterHandler func(from string, payload []byte)

// Cluster is the consensus-cluster transport consumed by the Raft and BFT
// backends. Point-to-point, reliable while both endpoints are up, no
// ordering guarantee.
type Cluster interface {
	Send(to string, payload []byte) error
	Subscribe(h ClusterHandler)
}
