package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/roach88/cordial/internal/wire"
)

// ID uniquely identifies a flow instance on a node.
type ID string

// Status is a flow instance's lifecycle state.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunnable  Status = "RUNNABLE"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IDGenerator produces flow and session identifiers.
// Implemented by UUIDv7Generator (production) and testutil.FixedIDs (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers. Stateless and
// safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Logic is resumable flow business logic.
//
// Implementations are plain structs whose exported fields are the flow's
// locals; the manager serializes the whole value as the checkpoint's local
// state. Step must be deterministic given (locals, ctx inputs) and must not
// block: anything that waits is expressed as an Outcome.
type Logic interface {
	// Name is the flow's protocol identity, e.g. "cordial/ping". Responder
	// dispatch and recovery both key on it.
	Name() string

	// Version is the flow's protocol version.
	Version() int

	// Step executes the step named by ctx.Step ("" on first entry) and
	// returns what to do next. Returning an error fails the flow.
	Step(ctx *Context) (Outcome, error)
}

// Context carries a single step's inputs and collects its immediate,
// non-suspending actions (opening sessions, reporting progress).
type Context struct {
	// FlowID is the running instance's id.
	FlowID ID

	// Step is the tag of the step being executed; empty on first entry.
	Step string

	// Received holds the payload that satisfied the Receive this step is
	// resuming from, if any.
	Received []byte

	// ChildResult and ChildErr report the terminal outcome of the sub-flow
	// this step is resuming from, if any. A failed child does not
	// automatically fail the parent - the step decides.
	ChildResult []byte
	ChildErr    error

	opener   func(peer wire.NodeID, toFlow string, version int) wire.SessionID
	progress func(message string)
}

// NewContext builds a step context. Owned by the manager; logic only reads
// the exported fields and calls Open/Progress.
func NewContext(
	flowID ID,
	step string,
	opener func(peer wire.NodeID, toFlow string, version int) wire.SessionID,
	progress func(message string),
) *Context {
	return &Context{FlowID: flowID, Step: step, opener: opener, progress: progress}
}

// Open establishes a session to the named flow on a counterparty node and
// returns its id. Opening is local and immediate: the session-init header
// rides on the first message sent, so no suspension happens here.
func (c *Context) Open(peer wire.NodeID, toFlow string, version int) wire.SessionID {
	return c.opener(peer, toFlow, version)
}

// Progress records a progress event visible to flow-progress subscribers.
func (c *Context) Progress(message string) {
	c.progress(message)
}

// OutcomeKind discriminates what a step asks for next.
type OutcomeKind int

const (
	// OutcomeDone completes the flow with a result.
	OutcomeDone OutcomeKind = iota + 1
	// OutcomeSend checkpoints, then sends a payload on a session, then
	// continues to the next step without parking.
	OutcomeSend
	// OutcomeReceive parks the flow until the next in-order message on a
	// session arrives.
	OutcomeReceive
	// OutcomeSleep parks the flow until a timer fires.
	OutcomeSleep
	// OutcomeSubFlow starts a child flow and parks until it terminates.
	OutcomeSubFlow
	// OutcomeClose checkpoints, signals orderly close on a session, then
	// continues.
	OutcomeClose
)

// Outcome is a step's decision: terminal result, checkpointed effect, or
// suspension. Next names the step to resume at (ignored for Done).
type Outcome struct {
	Kind     OutcomeKind
	Next     string
	Session  wire.SessionID
	Payload  []byte
	Duration time.Duration
	Sub      Logic
}

// Done completes the flow with result.
func Done(result []byte) Outcome {
	return Outcome{Kind: OutcomeDone, Payload: result}
}

// Send emits payload on session, then continues at next.
func Send(session wire.SessionID, payload []byte, next string) Outcome {
	return Outcome{Kind: OutcomeSend, Session: session, Payload: payload, Next: next}
}

// Receive parks until the next message on session, delivered to next via
// ctx.Received.
func Receive(session wire.SessionID, next string) Outcome {
	return Outcome{Kind: OutcomeReceive, Session: session, Next: next}
}

// Sleep parks for d, then resumes at next.
func Sleep(d time.Duration, next string) Outcome {
	return Outcome{Kind: OutcomeSleep, Duration: d, Next: next}
}

// Call starts sub as a child flow and parks until it terminates; its result
// or failure is delivered to next via ctx.ChildResult / ctx.ChildErr.
func Call(sub Logic, next string) Outcome {
	return Outcome{Kind: OutcomeSubFlow, Sub: sub, Next: next}
}

// Close signals orderly shutdown of session, then continues at next.
func Close(session wire.SessionID, next string) Outcome {
	return Outcome{Kind: OutcomeClose, Session: session, Next: next}
}
