package harness

import (
	"fmt"

	"github.com/roach88/cordial/internal/flow"
	"github.com/roach88/cordial/internal/uniq"
)

// checkVerdict validates a terminal uniqueness result against the step's
// expect clause.
func checkVerdict(step TxStep, res uniq.Result, result *Result) {
	switch step.Expect {
	case ExpectCommitted:
		if res.Verdict != uniq.VerdictCommitted {
			result.AddError(fmt.Sprintf("tx %s: expected committed, got %s (conflict with %s)",
				step.Tx, res.Verdict, res.ConflictTx))
		}
	case ExpectConflicted:
		if res.Verdict != uniq.VerdictConflicted {
			result.AddError(fmt.Sprintf("tx %s: expected conflicted, got %s", step.Tx, res.Verdict))
			return
		}
		if step.ConflictWith != "" && res.ConflictTx != uniq.TxID(step.ConflictWith) {
			result.AddError(fmt.Sprintf("tx %s: expected conflict with %s, got %s",
				step.Tx, step.ConflictWith, res.ConflictTx))
		}
	case ExpectRejected:
		result.AddError(fmt.Sprintf("tx %s: expected rejection, got verdict %s", step.Tx, res.Verdict))
	}
}

// checkError validates a failed request flow against the step's expect
// clause. A rejected transaction surfaces as a session error on the client:
// the notary aborts the session instead of answering.
func checkError(step TxStep, err error, result *Result) {
	if step.Expect == ExpectRejected {
		if !flow.IsSessionError(err) {
			result.AddError(fmt.Sprintf("tx %s: expected session-level rejection, got: %v", step.Tx, err))
		}
		return
	}
	result.AddError(fmt.Sprintf("tx %s: expected %s, request failed: %v", step.Tx, step.Expect, err))
}
