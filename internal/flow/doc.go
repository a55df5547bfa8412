// Package flow defines the resumable flow model: business logic expressed
// as an explicit state machine that the manager can suspend, checkpoint and
// resume at any step boundary.
//
// ARCHITECTURE:
//
// Flow As Data:
// There is no captured call stack. A flow is a Logic value whose exported
// fields are its locals, plus a step tag naming where execution resumes.
// Step(ctx) runs the current step and returns an Outcome saying what the
// flow wants next: send on a session, receive from one, sleep, run a
// sub-flow, close a session, or finish. The manager drives the dispatch
// loop; the Logic never blocks.
//
// Because the whole continuation is (step tag + locals), the checkpoint is
// simply that data serialized, and recovery is: reconstruct the Logic via
// its registered constructor, unmarshal the locals, resume at the step tag.
//
// Suspension points are exactly the Outcome kinds that wait: Receive,
// Sleep, SubFlow. Send is a checkpointed effect but does not park the flow.
// No lock may be held across a suspension point - any state needed after
// resumption must live in the Logic's fields, where the checkpoint
// captures it.
//
// CHECKPOINT-BEFORE-SUSPEND:
// A checkpoint reflecting state after effect E becomes durable before E's
// externally visible action is issued, and always before the flow suspends
// past E. On crash between the write and the action, recovery replays the
// action with the same session sequence number and the receiver's
// deduplication makes the effect exactly-once.
package flow
