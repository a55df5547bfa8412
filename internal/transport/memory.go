package transport

import (
	"fmt"
	"sync"

	"github.com/roach88/cordial/internal/wire"
)

// Network is an in-memory message bus connecting any number of node
// endpoints in one process. It honors the Transport contract - reliable,
// nondecreasing seq per session, at-least-once - and adds fault-injection
// knobs for tests: duplicate deliveries, transient send failures and node
// disconnection (messages queue while a node is down and are redelivered
// when it resubscribes).
type Network struct {
	mu        sync.Mutex
	endpoints map[wire.NodeID]*Endpoint
	dupEvery  int
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithDuplicateEvery makes the network deliver every n-th message twice,
// exercising receiver-side deduplication. Zero disables duplication.
func WithDuplicateEvery(n int) NetworkOption {
	return func(net *Network) {
		net.dupEvery = n
	}
}

// NewNetwork creates an empty in-memory network.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{endpoints: make(map[wire.NodeID]*Endpoint)}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Node returns the endpoint for id, creating it on first use.
func (n *Network) Node(id wire.NodeID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[id]
	if !ok {
		ep = newEndpoint(n, id)
		n.endpoints[id] = ep
	}
	return ep
}

// Disconnect simulates a node going down: its handler is dropped and
// inbound messages queue until the node subscribes again.
func (n *Network) Disconnect(id wire.NodeID) {
	n.Node(id).disconnect()
}

// Endpoint is one node's attachment to the network. It implements
// Transport.
type Endpoint struct {
	net *Network
	id  wire.NodeID

	mu        sync.Mutex
	handler   Handler
	inbox     []Message
	recvCount int
	failSends int
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newEndpoint(net *Network, id wire.NodeID) *Endpoint {
	ep := &Endpoint{
		net:    net,
		id:     id,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go ep.deliverLoop()
	return ep
}

// Send queues a message for the target node. Returns a transient error if
// send-failure injection is armed on this endpoint.
func (e *Endpoint) Send(node wire.NodeID, session wire.SessionID, seq uint64, payload []byte) error {
	e.mu.Lock()
	if e.failSends > 0 {
		e.failSends--
		e.mu.Unlock()
		return fmt.Errorf("transport unavailable: send from %s to %s", e.id, node)
	}
	e.mu.Unlock()

	target := e.net.Node(node)
	target.enqueue(Message{Session: session, Seq: seq, Payload: payload})
	return nil
}

// Subscribe installs the delivery handler, flushing any queued messages.
// A resubscribe after Disconnect models node restart: everything queued
// while down is redelivered.
func (e *Endpoint) Subscribe(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
	e.notify()
}

// FailNextSends arms transient-failure injection: the next n Send calls
// from this endpoint return an error. Used by retry/backoff tests.
func (e *Endpoint) FailNextSends(n int) {
	e.mu.Lock()
	e.failSends = n
	e.mu.Unlock()
}

// Pending returns the number of undelivered messages queued at this
// endpoint. Used by tests.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbox)
}

func (e *Endpoint) enqueue(msg Message) {
	e.mu.Lock()
	e.recvCount++
	e.inbox = append(e.inbox, msg)
	if e.net.dupEvery > 0 && e.recvCount%e.net.dupEvery == 0 {
		// At-least-once: deliver this one twice.
		e.inbox = append(e.inbox, msg)
	}
	e.mu.Unlock()
	e.notify()
}

// Close stops the delivery goroutine. Further sends to this endpoint queue
// forever; used when tearing down a test network.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Endpoint) disconnect() {
	e.mu.Lock()
	e.handler = nil
	e.mu.Unlock()
}

func (e *Endpoint) notify() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// deliverLoop drains the inbox onto the handler, one message at a time. A
// dedicated goroutine keeps delivery asynchronous with respect to Send, so
// a handler that itself sends cannot deadlock the network.
func (e *Endpoint) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}

		for {
			e.mu.Lock()
			if len(e.inbox) == 0 || e.handler == nil {
				e.mu.Unlock()
				break
			}
			msg := e.inbox[0]
			e.inbox[0] = Message{}
			e.inbox = e.inbox[1:]
			h := e.handler
			e.mu.Unlock()

			h(msg)
		}
	}
}
