// Package raft implements the crash-fault-tolerant uniqueness backend: a
// replicated log with leader election and majority commit.
//
// Consensus-state updates are proposed as log entries to the leader. An
// entry is decided once replicated to a majority of the cluster; every
// replica then applies decided entries in identical log order, so the
// uniqueness check-and-set is deterministic cluster-wide regardless of
// which replica a client talks to. The backend tolerates minority crash
// failures and is unavailable while a leader election is in progress.
//
// Scope: the log and vote state live in memory. A crashed replica that
// restarts rejoins as an empty follower and is repaired by the leader's
// log replication; durability of the DECIDED state is the majority's job,
// which is exactly the crash-fault-tolerance contract.
package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/roach88/cordial/internal/transport"
	"github.com/roach88/cordial/internal/uniq"
)

type role int

const (
	roleFollower role = iota
	roleCandidate
	roleLeader
)

func (r role) String() string {
	switch r {
	case roleLeader:
		return "leader"
	case roleCandidate:
		return "candidate"
	default:
		return "follower"
	}
}

type msgType string

const (
	msgRequestVote   msgType = "request_vote"
	msgVoteReply     msgType = "vote_reply"
	msgAppendEntries msgType = "append_entries"
	msgAppendReply   msgType = "append_reply"
	msgClientRequest msgType = "client_request"
	msgClientReply   msgType = "client_reply"
)

// entry is one replicated log record: a uniqueness request plus the replica
// that owes the client an answer.
type entry struct {
	Term   uint64       `json:"term"`
	Req    uniq.Request `json:"req"`
	Origin string       `json:"origin"`
}

// message is the single envelope for all replica-to-replica traffic.
type message struct {
	Type msgType `json:"type"`
	Term uint64  `json:"term"`
	From string  `json:"from"`

	// Elections.
	LastLogIndex uint64 `json:"last_log_index,omitempty"`
	LastLogTerm  uint64 `json:"last_log_term,omitempty"`
	Granted      bool   `json:"granted,omitempty"`

	// Replication.
	PrevLogIndex uint64  `json:"prev_log_index,omitempty"`
	PrevLogTerm  uint64  `json:"prev_log_term,omitempty"`
	Entries      []entry `json:"entries,omitempty"`
	LeaderCommit uint64  `json:"leader_commit,omitempty"`
	Success      bool    `json:"success,omitempty"`
	MatchIndex   uint64  `json:"match_index,omitempty"`

	// Client forwarding.
	Req    *uniq.Request `json:"req,omitempty"`
	Origin string        `json:"origin,omitempty"`
	TxID   uniq.TxID     `json:"tx_id,omitempty"`
	Result *uniq.Result  `json:"result,omitempty"`
}

// Replica is one member of the Raft uniqueness cluster. It implements
// uniq.Provider: clients call Commit on their local replica, which forwards
// to the leader as needed.
type Replica struct {
	id      string
	members []string
	cluster transport.Cluster
	state   uniq.StateStore

	heartbeat      time.Duration
	electionMin    time.Duration
	electionMax    time.Duration
	requestTimeout time.Duration

	mu               sync.Mutex
	role             role
	term             uint64
	votedFor         string
	leader           string
	votes            map[string]bool
	log              []entry
	commitIndex      uint64
	lastApplied      uint64
	nextIndex        map[string]uint64
	matchIndex       map[string]uint64
	waiters          map[uniq.TxID][]chan uniq.Result
	electionDeadline time.Time

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Option configures a Replica.
type Option func(*Replica)

// WithTimeouts overrides the heartbeat interval and the randomized election
// timeout range. Tests shrink these for fast elections.
func WithTimeouts(heartbeat, electionMin, electionMax time.Duration) Option {
	return func(r *Replica) {
		r.heartbeat = heartbeat
		r.electionMin = electionMin
		r.electionMax = electionMax
	}
}

// WithRequestTimeout bounds how long Commit waits for a verdict before
// reporting a retryable timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Replica) { r.requestTimeout = d }
}

// NewReplica creates and starts a cluster member. members lists every
// replica id including this one.
func NewReplica(id string, members []string, cluster transport.Cluster, state uniq.StateStore, opts ...Option) *Replica {
	r := &Replica{
		id:             id,
		members:        members,
		cluster:        cluster,
		state:          state,
		heartbeat:      25 * time.Millisecond,
		electionMin:    100 * time.Millisecond,
		electionMax:    200 * time.Millisecond,
		requestTimeout: 2 * time.Second,
		votes:          make(map[string]bool),
		nextIndex:      make(map[string]uint64),
		matchIndex:     make(map[string]uint64),
		waiters:        make(map[uniq.TxID][]chan uniq.Result),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resetElectionDeadlineLocked()

	cluster.Subscribe(r.handle)
	r.wg.Add(1)
	go r.tickLoop()
	return r
}

// Close stops the replica's timers. In-flight waiters resolve by timeout.
func (r *Replica) Close() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

// Leader returns the leader this replica currently believes in, if any.
func (r *Replica) Leader() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader, r.leader != ""
}

// Commit implements uniq.Provider. It blocks until the entry for this
// request is decided and applied, or until the timeout; a timed-out request
// surfaces as a retryable error and its eventual resolution still lands in
// consensus state.
func (r *Replica) Commit(ctx context.Context, req uniq.Request) (uniq.Result, error) {
	if err := req.Validate(); err != nil {
		return uniq.Result{}, err
	}

	ch := make(chan uniq.Result, 1)
	r.mu.Lock()
	r.waiters[req.TxID] = append(r.waiters[req.TxID], ch)
	r.mu.Unlock()

	if err := r.submit(req); err != nil {
		r.dropWaiter(req.TxID, ch)
		return uniq.Result{}, err
	}

	timeout := time.NewTimer(r.requestTimeout)
	defer timeout.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		r.dropWaiter(req.TxID, ch)
		return uniq.Result{}, &uniq.Error{Code: uniq.ErrCodeTimeout, Message: ctx.Err().Error(), TxID: req.TxID}
	case <-timeout.C:
		r.dropWaiter(req.TxID, ch)
		return uniq.Result{}, &uniq.Error{Code: uniq.ErrCodeTimeout, Message: "no verdict before timeout", TxID: req.TxID}
	}
}

// submit routes a request toward the leader: append locally when we are the
// leader, forward when we know one, fail retryably when we do not.
func (r *Replica) submit(req uniq.Request) error {
	r.mu.Lock()
	if r.role == roleLeader {
		r.log = append(r.log, entry{Term: r.term, Req: req, Origin: r.id})
		r.mu.Unlock()
		r.broadcastAppend()
		return nil
	}
	leader := r.leader
	r.mu.Unlock()

	if leader == "" {
		return &uniq.Error{Code: uniq.ErrCodeUnavailable, Message: "no leader elected", TxID: req.TxID}
	}
	if err := r.send(leader, message{Type: msgClientRequest, From: r.id, Req: &req, Origin: r.id}); err != nil {
		return &uniq.Error{Code: uniq.ErrCodeUnavailable, Message: fmt.Sprintf("leader unreachable: %v", err), TxID: req.TxID}
	}
	return nil
}

func (r *Replica) dropWaiter(tx uniq.TxID, ch chan uniq.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.waiters[tx]
	for i, c := range chans {
		if c == ch {
			r.waiters[tx] = append(chans[:i:i], chans[i+1:]...)
			break
		}
	}
	if len(r.waiters[tx]) == 0 {
		delete(r.waiters, tx)
	}
}

func (r *Replica) tickLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeat / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		switch r.role {
		case roleLeader:
			r.mu.Unlock()
			r.broadcastAppend()
		default:
			if time.Now().After(r.electionDeadline) {
				r.startElectionLocked()
			}
			r.mu.Unlock()
		}
	}
}

func (r *Replica) resetElectionDeadlineLocked() {
	span := r.electionMax - r.electionMin
	jitter := time.Duration(rand.Int63n(int64(span) + 1))
	r.electionDeadline = time.Now().Add(r.electionMin + jitter)
}

// startElectionLocked begins a new term as candidate. Callers hold r.mu.
func (r *Replica) startElectionLocked() {
	r.role = roleCandidate
	r.term++
	r.votedFor = r.id
	r.leader = ""
	r.votes = map[string]bool{r.id: true}
	r.resetElectionDeadlineLocked()

	lastIndex, lastTerm := r.lastLogLocked()
	term := r.term
	slog.Debug("starting election", "replica", r.id, "term", term)

	msg := message{
		Type:         msgRequestVote,
		Term:         term,
		From:         r.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range r.members {
		if peer != r.id {
			go r.send(peer, msg)
		}
	}
}

func (r *Replica) lastLogLocked() (index, term uint64) {
	if len(r.log) == 0 {
		return 0, 0
	}
	return uint64(len(r.log)), r.log[len(r.log)-1].Term
}

// handle is the cluster transport subscription handler.
func (r *Replica) handle(from string, payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("raft: dropping undecodable message", "replica", r.id, "from", from, "error", err)
		return
	}

	switch msg.Type {
	case msgRequestVote:
		r.onRequestVote(msg)
	case msgVoteReply:
		r.onVoteReply(msg)
	case msgAppendEntries:
		r.onAppendEntries(msg)
	case msgAppendReply:
		r.onAppendReply(msg)
	case msgClientRequest:
		if msg.Req != nil {
			r.onClientRequest(*msg.Req, msg.Origin)
		}
	case msgClientReply:
		if msg.Result != nil {
			r.resolve(msg.TxID, *msg.Result)
		}
	}
}

// stepDownLocked adopts a higher term observed in any message.
func (r *Replica) stepDownLocked(term uint64) {
	r.term = term
	r.role = roleFollower
	r.votedFor = ""
	r.resetElectionDeadlineLocked()
}

func (r *Replica) onRequestVote(msg message) {
	r.mu.Lock()
	if msg.Term > r.term {
		r.stepDownLocked(msg.Term)
	}

	granted := false
	if msg.Term == r.term && (r.votedFor == "" || r.votedFor == msg.From) {
		lastIndex, lastTerm := r.lastLogLocked()
		upToDate := msg.LastLogTerm > lastTerm ||
			(msg.LastLogTerm == lastTerm && msg.LastLogIndex >= lastIndex)
		if upToDate {
			granted = true
			r.votedFor = msg.From
			r.resetElectionDeadlineLocked()
		}
	}
	reply := message{Type: msgVoteReply, Term: r.term, From: r.id, Granted: granted}
	r.mu.Unlock()

	r.send(msg.From, reply)
}

func (r *Replica) onVoteReply(msg message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Term > r.term {
		r.stepDownLocked(msg.Term)
		return
	}
	if r.role != roleCandidate || msg.Term != r.term || !msg.Granted {
		return
	}

	r.votes[msg.From] = true
	if len(r.votes) < r.majority() {
		return
	}

	r.role = roleLeader
	r.leader = r.id
	lastIndex, _ := r.lastLogLocked()
	for _, peer := range r.members {
		r.nextIndex[peer] = lastIndex + 1
		r.matchIndex[peer] = 0
	}
	slog.Info("raft leader elected", "replica", r.id, "term", r.term)
	go r.broadcastAppend()
}

func (r *Replica) majority() int {
	return len(r.members)/2 + 1
}

// broadcastAppend sends each follower the entries it is missing (or a bare
// heartbeat) from the leader's log.
func (r *Replica) broadcastAppend() {
	r.mu.Lock()
	if r.role != roleLeader {
		r.mu.Unlock()
		return
	}
	term := r.term
	commit := r.commitIndex

	type outbound struct {
		peer string
		msg  message
	}
	var out []outbound
	for _, peer := range r.members {
		if peer == r.id {
			continue
		}
		next := r.nextIndex[peer]
		if next == 0 {
			next = 1
		}
		var prevTerm uint64
		if next > 1 {
			prevTerm = r.log[next-2].Term
		}
		entries := make([]entry, len(r.log[next-1:]))
		copy(entries, r.log[next-1:])
		out = append(out, outbound{peer: peer, msg: message{
			Type:         msgAppendEntries,
			Term:         term,
			From:         r.id,
			PrevLogIndex: next - 1,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: commit,
		}})
	}
	r.mu.Unlock()

	for _, o := range out {
		r.send(o.peer, o.msg)
	}
}

func (r *Replica) onAppendEntries(msg message) {
	r.mu.Lock()
	if msg.Term > r.term {
		r.stepDownLocked(msg.Term)
	}
	if msg.Term < r.term {
		reply := message{Type: msgAppendReply, Term: r.term, From: r.id, Success: false}
		r.mu.Unlock()
		r.send(msg.From, reply)
		return
	}

	// Valid leader for this term.
	r.role = roleFollower
	r.leader = msg.From
	r.resetElectionDeadlineLocked()

	// Log consistency check.
	if msg.PrevLogIndex > uint64(len(r.log)) ||
		(msg.PrevLogIndex > 0 && r.log[msg.PrevLogIndex-1].Term != msg.PrevLogTerm) {
		reply := message{Type: msgAppendReply, Term: r.term, From: r.id, Success: false, MatchIndex: 0}
		r.mu.Unlock()
		r.send(msg.From, reply)
		return
	}

	// Truncate conflicts, append the rest.
	for i, e := range msg.Entries {
		idx := msg.PrevLogIndex + uint64(i) + 1
		if idx <= uint64(len(r.log)) {
			if r.log[idx-1].Term != e.Term {
				r.log = r.log[:idx-1]
				r.log = append(r.log, e)
			}
			continue
		}
		r.log = append(r.log, e)
	}

	if msg.LeaderCommit > r.commitIndex {
		last := uint64(len(r.log))
		if msg.LeaderCommit < last {
			r.commitIndex = msg.LeaderCommit
		} else {
			r.commitIndex = last
		}
	}
	match := uint64(len(r.log))
	reply := message{Type: msgAppendReply, Term: r.term, From: r.id, Success: true, MatchIndex: match}
	r.applyCommittedLocked()
	r.mu.Unlock()

	r.send(msg.From, reply)
}

func (r *Replica) onAppendReply(msg message) {
	r.mu.Lock()
	if msg.Term > r.term {
		r.stepDownLocked(msg.Term)
		r.mu.Unlock()
		return
	}
	if r.role != roleLeader || msg.Term != r.term {
		r.mu.Unlock()
		return
	}

	if !msg.Success {
		// Follower log diverges: back up and retry on the next heartbeat.
		if r.nextIndex[msg.From] > 1 {
			r.nextIndex[msg.From]--
		}
		r.mu.Unlock()
		return
	}

	r.matchIndex[msg.From] = msg.MatchIndex
	r.nextIndex[msg.From] = msg.MatchIndex + 1

	// Advance commitIndex to the highest entry of the current term
	// replicated on a majority.
	for n := uint64(len(r.log)); n > r.commitIndex; n-- {
		if r.log[n-1].Term != r.term {
			break
		}
		count := 1 // self
		for _, peer := range r.members {
			if peer != r.id && r.matchIndex[peer] >= n {
				count++
			}
		}
		if count >= r.majority() {
			r.commitIndex = n
			break
		}
	}
	r.applyCommittedLocked()
	r.mu.Unlock()
}

// applyCommittedLocked applies decided entries in log order. Identical on
// every replica; the leader additionally answers the origin replica.
// Callers hold r.mu.
func (r *Replica) applyCommittedLocked() {
	for r.lastApplied < r.commitIndex {
		r.lastApplied++
		e := r.log[r.lastApplied-1]

		res, err := uniq.Apply(context.Background(), r.state, e.Req)
		if err != nil {
			slog.Error("raft apply failed", "replica", r.id, "index", r.lastApplied, "tx", e.Req.TxID, "error", err)
			continue
		}
		slog.Debug("raft applied", "replica", r.id, "index", r.lastApplied, "tx", e.Req.TxID, "verdict", res.Verdict)

		if r.role != roleLeader {
			continue
		}
		if e.Origin == r.id {
			r.resolveLocked(e.Req.TxID, res)
			continue
		}
		reply := message{Type: msgClientReply, Term: r.term, From: r.id, TxID: e.Req.TxID, Result: &res}
		go r.send(e.Origin, reply)
	}
}

func (r *Replica) onClientRequest(req uniq.Request, origin string) {
	r.mu.Lock()
	if r.role == roleLeader {
		r.log = append(r.log, entry{Term: r.term, Req: req, Origin: origin})
		r.mu.Unlock()
		r.broadcastAppend()
		return
	}
	leader := r.leader
	r.mu.Unlock()

	// Not the leader anymore: forward along if we know who is. Otherwise
	// the origin's client times out and retries - never silently resolved.
	if leader != "" && leader != r.id {
		r.send(leader, message{Type: msgClientRequest, From: r.id, Req: &req, Origin: origin})
	}
}

func (r *Replica) resolve(tx uniq.TxID, res uniq.Result) {
	r.mu.Lock()
	r.resolveLocked(tx, res)
	r.mu.Unlock()
}

func (r *Replica) resolveLocked(tx uniq.TxID, res uniq.Result) {
	for _, ch := range r.waiters[tx] {
		ch <- res
	}
	delete(r.waiters, tx)
}

func (r *Replica) send(to string, msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("raft: encode %s: %w", msg.Type, err)
	}
	if err := r.cluster.Send(to, payload); err != nil {
		slog.Debug("raft send failed", "replica", r.id, "to", to, "type", msg.Type, "error", err)
		return err
	}
	return nil
}
