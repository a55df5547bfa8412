package flow

import "sync"

// ProgressEvent is one entry in a flow's progress stream.
type ProgressEvent struct {
	Seq      int64  `json:"seq"`
	FlowID   ID     `json:"flow_id"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal"`
}

// ProgressTracker records a flow's progress events and fans them out to
// subscribers. Subscriptions are restartable: a new subscriber first
// replays the full history, then follows live events until the terminal
// event closes the stream.
type ProgressTracker struct {
	mu     sync.Mutex
	flowID ID
	seq    int64
	events []ProgressEvent
	subs   []chan ProgressEvent
	done   bool
}

// NewProgressTracker creates a tracker for one flow.
func NewProgressTracker(flowID ID) *ProgressTracker {
	return &ProgressTracker{flowID: flowID}
}

// Publish appends a progress event and delivers it to live subscribers.
// Delivery never blocks: a subscriber that stopped draining has its events
// dropped rather than wedging the publishing flow and every other
// subscriber. Terminal closes every subscription after delivery; further
// publishes are ignored.
func (t *ProgressTracker) Publish(message string, terminal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.seq++
	ev := ProgressEvent{Seq: t.seq, FlowID: t.flowID, Message: message, Terminal: terminal}
	t.events = append(t.events, ev)
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	if terminal {
		for _, ch := range t.subs {
			close(ch)
		}
		t.subs = nil
		t.done = true
	}
}

// Subscribe returns a channel that replays history and then follows live
// events. The channel closes after the terminal event. The returned channel
// is buffered generously; a subscriber that lets the buffer fill misses the
// overflowing events and should resubscribe for the full history.
func (t *ProgressTracker) Subscribe() <-chan ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan ProgressEvent, len(t.events)+64)
	for _, ev := range t.events {
		ch <- ev
	}
	if t.done {
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

// Events returns a snapshot of the history so far. Used by tests and the
// CLI inspector.
func (t *ProgressTracker) Events() []ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProgressEvent, len(t.events))
	copy(out, t.events)
	return out
}
