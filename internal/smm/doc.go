// Package smm implements the flow state machine manager: the component
// that owns every flow instance on the node, schedules their execution over
// a bounded worker pool, persists checkpoints, and recovers flows after a
// restart.
//
// ARCHITECTURE:
//
// Cooperative Scheduling:
// Many flow instances exist concurrently but only as many run business
// logic simultaneously as there are workers. A flow is, at any instant,
// either executing on exactly one worker or suspended. Workers pull
// runnable flow ids from a FIFO queue and drive each flow's explicit step
// dispatcher until it parks or terminates. A configurable cap bounds how
// many flows may be RUNNABLE at once; flows beyond the cap stay suspended
// on a waitlist until a slot frees (backpressure).
//
// Checkpoint-Before-Suspend:
// Every externally visible action is recorded in a checkpoint that is
// durably written BEFORE the action is issued and before the flow may
// suspend past it. If the process crashes between the write and the
// action, recovery replays the action with the same session sequence
// number, and the receiver's deduplication makes the observed effect
// exactly-once.
//
// Error Handling:
// An unhandled error in flow logic fails the instance: the error resolves
// the flow's result, open sessions receive an explicit abort so the peer
// fails too (no silent half-open sessions), and the checkpoint is deleted.
// Transient transport failures are retried with backoff WITHOUT advancing
// the checkpoint; only an exhausted retry budget surfaces as a business
// error. A missing responder factory is a protocol error answered with a
// session rejection, never a crash.
//
// Locking discipline: the manager's single mutex guards scheduling state
// (instance table, session routing, admission accounting). It is never
// held across logic steps, checkpoint writes, or transport sends.
package smm
