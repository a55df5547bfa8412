// Package uniq implements the uniqueness provider: the consensus-backed
// arbiter that decides, for every consumable resource reference, which
// single transaction gets to consume it.
//
// ARCHITECTURE:
//
// Pluggable Backends:
// A Provider answers Commit(request) with a terminal verdict. Three
// interchangeable backends exist, selected by cluster configuration at
// construction time:
//   - Single (this package): one authoritative replica, per-reference
//     mutual exclusion, no fault tolerance.
//   - Raft (uniq/raft): leader-replicated log, majority commit, tolerates
//     minority crash failures.
//   - BFT (uniq/bft): PBFT-style three-phase agreement, tolerates up to f
//     arbitrary replica failures out of 3f+1.
//
// CRITICAL INVARIANT — Write-Once Consensus State:
// Once a resource reference maps to a committing transaction id, the
// mapping never changes. Across all concurrent and sequential Commit calls
// cluster-wide, at most one call ever returns Committed for a transaction
// consuming a given reference; every other call referencing it returns
// Conflicted pointing at the committing transaction. This is the
// double-spend-prevention guarantee and it is enforced by the StateStore
// (write-once PutAll) underneath every backend.
//
// Request Lifecycle:
// PENDING -> {COMMITTED | CONFLICTED}, terminal either way. A request that
// times out before reaching a terminal state surfaces as a retryable error,
// never a silent drop. Resubmission with the same transaction id is
// idempotent: references already consumed by that same transaction count
// as free, so the original verdict is reproduced.
//
// Conflicts are verdicts, not errors. Callers receive Conflicted as a
// normal Result and treat it as a business decision.
package uniq
