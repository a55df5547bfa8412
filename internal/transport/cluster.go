package transport

import (
	"fmt"
	"sync"
)

// ClusterNetwork is an in-memory consensus-cluster transport. Replicas join
// by id; messages are delivered point-to-point with no ordering guarantee
// beyond per-sender FIFO (which the Cluster contract does not promise and
// the consensus protocols do not rely on).
//
// Crash injection: Stop(id) makes a replica silently drop everything it
// receives, modeling a crashed cluster member.
type ClusterNetwork struct {
	mu      sync.Mutex
	members map[string]*ClusterEndpoint
}

// NewClusterNetwork creates an empty cluster network.
func NewClusterNetwork() *ClusterNetwork {
	return &ClusterNetwork{members: make(map[string]*ClusterEndpoint)}
}

// Join attaches a replica to the cluster and returns its endpoint.
func (c *ClusterNetwork) Join(id string) *ClusterEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.members[id]
	if !ok {
		ep = newClusterEndpoint(c, id)
		c.members[id] = ep
	}
	return ep
}

// Stop simulates a replica crash: all messages to and from id are dropped
// until Restart.
func (c *ClusterNetwork) Stop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep, ok := c.members[id]; ok {
		ep.setDown(true)
	}
}

// Restart brings a stopped replica back. It resumes with whatever in-memory
// state its consumer kept; messages dropped while down are gone.
func (c *ClusterNetwork) Restart(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep, ok := c.members[id]; ok {
		ep.setDown(false)
	}
}

func (c *ClusterNetwork) lookup(id string) (*ClusterEndpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.members[id]
	return ep, ok
}

type clusterMsg struct {
	from    string
	payload []byte
}

// ClusterEndpoint is one replica's attachment to the cluster network. It
// implements Cluster.
type ClusterEndpoint struct {
	net *ClusterNetwork
	id  string

	mu      sync.Mutex
	handler ClusterHandler
	inbox   []clusterMsg
	down    bool
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newClusterEndpoint(net *ClusterNetwork, id string) *ClusterEndpoint {
	ep := &ClusterEndpoint{
		net:    net,
		id:     id,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go ep.deliverLoop()
	return ep
}

// Send delivers payload to the replica named to. Messages to or from a
// stopped replica vanish, like packets to a crashed process.
func (e *ClusterEndpoint) Send(to string, payload []byte) error {
	e.mu.Lock()
	down := e.down
	e.mu.Unlock()
	if down {
		return fmt.Errorf("cluster: replica %s is down", e.id)
	}

	target, ok := e.net.lookup(to)
	if !ok {
		return fmt.Errorf("cluster: unknown replica %s", to)
	}
	target.enqueue(clusterMsg{from: e.id, payload: payload})
	return nil
}

// Subscribe installs the replica's message handler.
func (e *ClusterEndpoint) Subscribe(h ClusterHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
	e.notify()
}

// Close stops the delivery goroutine.
func (e *ClusterEndpoint) Close() {
	e.once.Do(func() { close(e.done) })
}

func (e *ClusterEndpoint) setDown(down bool) {
	e.mu.Lock()
	e.down = down
	if down {
		e.inbox = nil
	}
	e.mu.Unlock()
}

func (e *ClusterEndpoint) enqueue(msg clusterMsg) {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return
	}
	e.inbox = append(e.inbox, msg)
	e.mu.Unlock()
	e.notify()
}

func (e *ClusterEndpoint) notify() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *ClusterEndpoint) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}

		for {
			e.mu.Lock()
			if len(e.inbox) == 0 || e.handler == nil || e.down {
				e.mu.Unlock()
				break
			}
			msg := e.inbox[0]
			e.inbox[0] = clusterMsg{}
			e.inbox = e.inbox[1:]
			h := e.handler
			e.mu.Unlock()

			h(msg.from, msg.payload)
		}
	}
}
