package harness

// Trace event types.
const (
	EventSent    = "sent"
	EventEchoed  = "echoed"
	EventVerdict = "verdict"
	EventError   = "error"
)

// TraceEvent is one observable step of a scenario execution. Seq is a
// logical clock value, not wall time, so traces are comparable across runs.
type TraceEvent struct {
	Type    string `json:"type"`
	Node    string `json:"node,omitempty"`
	Tx      string `json:"tx,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Verdict string `json:"verdict,omitempty"`
	Seq     int64  `json:"seq"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause matched.
	Pass bool `json:"pass"`

	// Trace contains all recorded events in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expect-clause violations. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records an expectation failure and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// AddEvent appends a trace event.
func (r *Result) AddEvent(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
