// Package bft implements the Byzantine-fault-tolerant uniqueness backend:
// a three-phase commit protocol over a cluster of 3f+1 replicas that
// tolerates up to f arbitrary (malicious or crashed) members.
//
// A client broadcasts its request to every replica. The primary of the
// current view assigns it a sequence number and announces it (pre-prepare);
// replicas echo agreement on that assignment (prepare, 2f matching), then
// promise execution (commit, 2f+1 matching), and finally apply decided
// requests in sequence order against their local consensus state. Every
// replica answers the client directly; the client accepts a verdict once
// f+1 replicas report the same one, which guarantees at least one honest
// replica stands behind it.
//
// A primary that stops making progress is rotated out: replicas that see a
// request linger unexecuted vote for the next view, and 2f+1 votes install
// the new primary, which re-proposes everything still pending. Re-proposal
// is safe because the consensus-state update is idempotent per transaction.
package bft

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cordial/internal/transport"
	"github.com/roach88/cordial/internal/uniq"
	"github.com/roach88/cordial/internal/wire"
)

type msgType string

const (
	msgRequest    msgType = "request"
	msgPrePrepare msgType = "pre_prepare"
	msgPrepare    msgType = "prepare"
	msgCommit     msgType = "commit"
	msgReply      msgType = "reply"
	msgViewChange msgType = "view_change"
)

// message is the envelope for all protocol traffic.
type message struct {
	Type msgType `json:"type"`
	View uint64  `json:"view"`
	Seq  uint64  `json:"seq,omitempty"`
	From string  `json:"from"`

	Digest string        `json:"digest,omitempty"`
	Req    *uniq.Request `json:"req,omitempty"`
	Origin string        `json:"origin,omitempty"`

	TxID   uniq.TxID    `json:"tx_id,omitempty"`
	Result *uniq.Result `json:"result,omitempty"`
}

// slot tracks one sequence number through the three phases.
type slot struct {
	view     uint64
	digest   string
	req      uniq.Request
	origin   string
	proposed bool
	prepares map[string]bool
	commits  map[string]bool
	prepared bool
	decided  bool
	executed bool
}

// pending is a client request a replica has seen but not yet executed. It
// feeds both the primary's proposal queue and the view-change trigger.
type pending struct {
	req    uniq.Request
	origin string
	since  time.Time
}

// replyQuorum collects client-side replies until f+1 replicas agree. Local
// callers waiting on the same transaction share the vote table; each caller
// gets its own channel so one timing out does not starve the others.
type replyQuorum struct {
	votes map[string]map[string]bool // result key -> replica ids
	chs   []chan uniq.Result
}

// Replica is one member of the BFT uniqueness cluster. It implements
// uniq.Provider for local clients and participates in the replica protocol.
type Replica struct {
	id      string
	members []string
	f       int
	cluster transport.Cluster
	state   uniq.StateStore

	progressTimeout time.Duration
	requestTimeout  time.Duration

	mu          sync.Mutex
	view        uint64
	nextSeq     uint64
	executedSeq uint64
	slots       map[uint64]*slot
	pending     map[string]*pending // request digest -> pending
	viewVotes   map[uint64]map[string]bool
	waiters     map[uniq.TxID]*replyQuorum

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Option configures a Replica.
type Option func(*Replica)

// WithProgressTimeout sets how long a request may linger unexecuted before
// the replica votes to rotate the primary.
func WithProgressTimeout(d time.Duration) Option {
	return func(r *Replica) { r.progressTimeout = d }
}

// WithRequestTimeout bounds how long Commit waits for a reply quorum.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Replica) { r.requestTimeout = d }
}

// NewReplica creates and starts a cluster member. members lists every
// replica id including this one; the cluster must have 3f+1 members.
func NewReplica(id string, members []string, f int, cluster transport.Cluster, state uniq.StateStore, opts ...Option) (*Replica, error) {
	if len(members) < 3*f+1 {
		return nil, fmt.Errorf("bft: %d replicas cannot tolerate f=%d faults, need %d", len(members), f, 3*f+1)
	}
	r := &Replica{
		id:              id,
		members:         members,
		f:               f,
		cluster:         cluster,
		state:           state,
		progressTimeout: 500 * time.Millisecond,
		requestTimeout:  3 * time.Second,
		slots:           make(map[uint64]*slot),
		pending:         make(map[string]*pending),
		viewVotes:       make(map[uint64]map[string]bool),
		waiters:         make(map[uniq.TxID]*replyQuorum),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	cluster.Subscribe(r.handle)
	r.wg.Add(1)
	go r.watchdog()
	return r, nil
}

// Close stops the replica's watchdog. In-flight waiters resolve by timeout.
func (r *Replica) Close() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

// primaryLocked returns the id of the current view's primary.
func (r *Replica) primaryLocked() string {
	return r.members[int(r.view)%len(r.members)]
}

// Commit implements uniq.Provider. The request is broadcast to every
// replica; the verdict is accepted once f+1 of them agree on it, so a
// minority of lying replicas cannot forge an outcome.
func (r *Replica) Commit(ctx context.Context, req uniq.Request) (uniq.Result, error) {
	if err := req.Validate(); err != nil {
		return uniq.Result{}, err
	}

	ch := make(chan uniq.Result, 1)
	r.mu.Lock()
	q, ok := r.waiters[req.TxID]
	if !ok {
		q = &replyQuorum{votes: make(map[string]map[string]bool)}
		r.waiters[req.TxID] = q
	}
	q.chs = append(q.chs, ch)
	r.mu.Unlock()

	msg := message{Type: msgRequest, From: r.id, Req: &req, Origin: r.id}
	payload, err := json.Marshal(msg)
	if err != nil {
		return uniq.Result{}, fmt.Errorf("bft: encode request: %w", err)
	}
	for _, peer := range r.members {
		if peer == r.id {
			continue
		}
		if err := r.cluster.Send(peer, payload); err != nil {
			slog.Debug("bft request send failed", "replica", r.id, "to", peer, "error", err)
		}
	}
	r.onRequest(req, r.id)

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
		return uniq.Result{}, &uniq.Error{Code: uniq.ErrCodeTimeout, Message: "no reply quorum before timeout", TxID: req.TxID}
	}
}

// dropWaiter detaches a timed-out caller. The vote table goes with the last
// channel so a later resubmission starts a fresh quorum.
func (r *Replica) dropWaiter(tx uniq.TxID, ch chan uniq.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.waiters[tx]
	if !ok {
		return
	}
	for i, c := range q.chs {
		if c == ch {
			q.chs = append(q.chs[:i:i], q.chs[i+1:]...)
			break
		}
	}
	if len(q.chs) == 0 {
		delete(r.waiters, tx)
	}
}

func (r *Replica) watchdog() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.progressTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		stuck := false
		now := time.Now()
		for _, p := range r.pending {
			if now.Sub(p.since) > r.progressTimeout {
				stuck = true
				break
			}
		}
		var vote *message
		var proposals []message
		if stuck {
			next := r.view + 1
			if r.viewVotes[next] == nil {
				r.viewVotes[next] = make(map[string]bool)
			}
			if !r.viewVotes[next][r.id] {
				r.viewVotes[next][r.id] = true
				vote = &message{Type: msgViewChange, View: next, From: r.id}
				slog.Warn("bft voting for view change", "replica", r.id, "view", next)
			}
			// Adopt the vote's view immediately: a replica that suspects the
			// primary stops following it. Every honest stuck replica times
			// out the same way, so they converge on the next view.
			r.adoptViewLocked(next)
			proposals = r.proposePendingLocked()
		}
		r.mu.Unlock()

		if vote != nil {
			r.broadcast(*vote)
		}
		for _, m := range proposals {
			r.broadcast(m)
			r.handleOwn(m)
		}
	}
}

func (r *Replica) handle(from string, payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("bft: dropping undecodable message", "replica", r.id, "from", from, "error", err)
		return
	}
	// Trust the transport's sender identity over the claimed one. A faulty
	// replica can lie about content but not about who it is.
	msg.From = from

	switch msg.Type {
	case msgRequest:
		if msg.Req != nil {
			r.onRequest(*msg.Req, msg.Origin)
		}
	case msgPrePrepare:
		r.onPrePrepare(msg)
	case msgPrepare:
		r.onPhase(msg, false)
	case msgCommit:
		r.onPhase(msg, true)
	case msgReply:
		if msg.Result != nil {
			r.onReply(msg.From, msg.TxID, *msg.Result)
		}
	case msgViewChange:
		r.onViewChange(msg)
	}
}

// onRequest records a client request. The primary additionally proposes it.
// A request whose digest was already executed is answered directly: replicas
// no longer hold it pending, so consensus would never produce another reply.
func (r *Replica) onRequest(req uniq.Request, origin string) {
	digest := hex.EncodeToString(requestDigest(req))

	r.mu.Lock()
	if r.executedDigestLocked(digest) {
		// Re-running the idempotent state update reproduces the verdict
		// recorded at execution, so a resubmission gets the same answer.
		res, err := uniq.Apply(context.Background(), r.state, req)
		if err != nil {
			slog.Error("bft re-apply failed", "replica", r.id, "tx", req.TxID, "error", err)
			r.mu.Unlock()
			return
		}
		if origin == r.id {
			r.onReplyLocked(r.id, req.TxID, res)
			r.mu.Unlock()
			return
		}
		reply := message{Type: msgReply, View: r.view, From: r.id, TxID: req.TxID, Result: &res}
		r.mu.Unlock()
		r.sendReply(origin, reply)
		return
	}
	if _, seen := r.pending[digest]; !seen {
		r.pending[digest] = &pending{req: req, origin: origin, since: time.Now()}
	}
	var proposal *message
	if r.primaryLocked() == r.id {
		proposal = r.proposeLocked(digest)
	}
	r.mu.Unlock()

	if proposal != nil {
		r.broadcast(*proposal)
		r.handleOwn(*proposal)
	}
}

// proposeLocked assigns the next sequence number to a pending request and
// builds its pre-prepare. Callers hold r.mu.
func (r *Replica) proposeLocked(digest string) *message {
	p, ok := r.pending[digest]
	if !ok {
		return nil
	}
	for _, s := range r.slots {
		if s.digest == digest && s.view == r.view {
			return nil // already proposed in this view
		}
	}

	r.nextSeq++
	seq := r.nextSeq
	s := r.slotLocked(seq)
	s.view = r.view
	s.digest = digest
	s.req = p.req
	s.origin = p.origin
	s.proposed = true

	return &message{
		Type:   msgPrePrepare,
		View:   r.view,
		Seq:    seq,
		From:   r.id,
		Digest: digest,
		Req:    &p.req,
		Origin: p.origin,
	}
}

func (r *Replica) slotLocked(seq uint64) *slot {
	s, ok := r.slots[seq]
	if !ok {
		s = &slot{prepares: make(map[string]bool), commits: make(map[string]bool)}
		r.slots[seq] = s
	}
	return s
}

func (r *Replica) onPrePrepare(msg message) {
	r.mu.Lock()
	if msg.View != r.view || msg.From != r.primaryLocked() || msg.Req == nil {
		r.mu.Unlock()
		return
	}
	// A lying primary cannot smuggle a request under a false digest.
	if hex.EncodeToString(requestDigest(*msg.Req)) != msg.Digest {
		slog.Warn("bft pre-prepare digest mismatch", "replica", r.id, "primary", msg.From, "seq", msg.Seq)
		r.mu.Unlock()
		return
	}

	s := r.slotLocked(msg.Seq)
	if s.proposed && s.digest != msg.Digest {
		// Primary equivocation on this sequence number. Refuse.
		slog.Warn("bft primary equivocation", "replica", r.id, "seq", msg.Seq)
		r.mu.Unlock()
		return
	}
	s.view = msg.View
	s.digest = msg.Digest
	s.req = *msg.Req
	s.origin = msg.Origin
	s.proposed = true
	if msg.Seq > r.nextSeq {
		r.nextSeq = msg.Seq
	}
	if _, seen := r.pending[msg.Digest]; !seen && !s.executed {
		r.pending[msg.Digest] = &pending{req: *msg.Req, origin: msg.Origin, since: time.Now()}
	}

	prep := message{Type: msgPrepare, View: msg.View, Seq: msg.Seq, From: r.id, Digest: msg.Digest}
	r.mu.Unlock()

	r.broadcast(prep)
	r.handleOwn(prep)
}

// onPhase advances a slot through prepare (2f matching from distinct
// replicas) and commit (2f+1 matching) phases.
func (r *Replica) onPhase(msg message, commit bool) {
	r.mu.Lock()
	s := r.slotLocked(msg.Seq)
	if s.proposed && s.digest != msg.Digest {
		r.mu.Unlock()
		return
	}

	var followUp *message
	if commit {
		s.commits[msg.From] = true
		if !s.decided && s.proposed && len(s.commits) >= 2*r.f+1 {
			s.decided = true
			r.executeReadyLocked()
		}
	} else {
		s.prepares[msg.From] = true
		if !s.prepared && s.proposed && len(s.prepares) >= 2*r.f {
			s.prepared = true
			followUp = &message{Type: msgCommit, View: s.view, Seq: msg.Seq, From: r.id, Digest: s.digest}
		}
	}
	r.mu.Unlock()

	if followUp != nil {
		r.broadcast(*followUp)
		r.handleOwn(*followUp)
	}
}

// executeReadyLocked applies decided slots in strict sequence order and
// answers each request's origin. Callers hold r.mu.
func (r *Replica) executeReadyLocked() {
	for {
		s, ok := r.slots[r.executedSeq+1]
		if !ok || !s.decided || s.executed {
			return
		}
		r.executedSeq++
		s.executed = true
		delete(r.pending, s.digest)

		res, err := uniq.Apply(context.Background(), r.state, s.req)
		if err != nil {
			slog.Error("bft apply failed", "replica", r.id, "seq", r.executedSeq, "tx", s.req.TxID, "error", err)
			continue
		}
		slog.Debug("bft executed", "replica", r.id, "seq", r.executedSeq, "tx", s.req.TxID, "verdict", res.Verdict)

		if s.origin == r.id {
			r.onReplyLocked(r.id, s.req.TxID, res)
			continue
		}
		reply := message{Type: msgReply, View: s.view, From: r.id, TxID: s.req.TxID, Result: &res}
		go r.sendReply(s.origin, reply)
	}
}

func (r *Replica) sendReply(origin string, reply message) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := r.cluster.Send(origin, payload); err != nil {
		slog.Debug("bft reply send failed", "replica", r.id, "to", origin, "error", err)
	}
}

func (r *Replica) executedDigestLocked(digest string) bool {
	for _, s := range r.slots {
		if s.executed && s.digest == digest {
			return true
		}
	}
	return false
}

func (r *Replica) onViewChange(msg message) {
	r.mu.Lock()
	if msg.View <= r.view {
		r.mu.Unlock()
		return
	}
	if r.viewVotes[msg.View] == nil {
		r.viewVotes[msg.View] = make(map[string]bool)
	}
	r.viewVotes[msg.View][msg.From] = true
	if len(r.viewVotes[msg.View]) < 2*r.f+1 {
		r.mu.Unlock()
		return
	}
	r.adoptViewLocked(msg.View)
	proposals := r.proposePendingLocked()
	r.mu.Unlock()

	for _, m := range proposals {
		r.broadcast(m)
		r.handleOwn(m)
	}
}

// proposePendingLocked builds pre-prepares for everything still pending if
// this replica is the current view's primary. Re-proposal of a request
// decided in an earlier view is safe: re-execution of an already-applied
// transaction reproduces the recorded verdict. Callers hold r.mu.
func (r *Replica) proposePendingLocked() []message {
	if r.primaryLocked() != r.id {
		return nil
	}
	var proposals []message
	for digest := range r.pending {
		if m := r.proposeLocked(digest); m != nil {
			proposals = append(proposals, *m)
		}
	}
	return proposals
}

// adoptViewLocked installs view v if it is newer. Callers hold r.mu.
func (r *Replica) adoptViewLocked(v uint64) {
	if v <= r.view {
		return
	}
	r.view = v
	for _, p := range r.pending {
		p.since = time.Now()
	}
	slog.Info("bft view installed", "replica", r.id, "view", v, "primary", r.primaryLocked())
}

// onReply is the client-side quorum counter. A verdict is surfaced once f+1
// distinct replicas report byte-identical results.
func (r *Replica) onReply(from string, tx uniq.TxID, res uniq.Result) {
	r.mu.Lock()
	r.onReplyLocked(from, tx, res)
	r.mu.Unlock()
}

func (r *Replica) onReplyLocked(from string, tx uniq.TxID, res uniq.Result) {
	q, ok := r.waiters[tx]
	if !ok {
		return
	}
	key := resultKey(res)
	if q.votes[key] == nil {
		q.votes[key] = make(map[string]bool)
	}
	q.votes[key][from] = true
	if len(q.votes[key]) >= r.f+1 {
		for _, ch := range q.chs {
			select {
			case ch <- res:
			default:
			}
		}
		delete(r.waiters, tx)
	}
}

func resultKey(res uniq.Result) string {
	return fmt.Sprintf("%s|%s|%s", res.Verdict, res.ConflictTx, res.ConflictRef)
}

func requestDigest(req uniq.Request) []byte {
	d := wire.RequestDigest(req)
	return d[:]
}

func (r *Replica) broadcast(msg message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("bft: encode message", "replica", r.id, "type", msg.Type, "error", err)
		return
	}
	for _, peer := range r.members {
		if peer == r.id {
			continue
		}
		if err := r.cluster.Send(peer, payload); err != nil {
			slog.Debug("bft send failed", "replica", r.id, "to", peer, "type", msg.Type, "error", err)
		}
	}
}

// handleOwn feeds a replica's own protocol message back into its state
// machine, since broadcast skips self-delivery.
func (r *Replica) handleOwn(msg message) {
	switch msg.Type {
	case msgPrePrepare:
		r.onPrePrepare(msg)
	case msgPrepare:
		r.onPhase(msg, false)
	case msgCommit:
		r.onPhase(msg, true)
	}
}
