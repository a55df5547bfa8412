package flow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressTracker_ReplayThenFollow(t *testing.T) {
	tr := NewProgressTracker("flow-0001")
	tr.Publish("started", false)
	tr.Publish("request sent", false)

	// A late subscriber first replays history.
	ch := tr.Subscribe()
	assert.Equal(t, "started", (<-ch).Message)
	assert.Equal(t, "request sent", (<-ch).Message)

	// Then follows live events until the terminal one closes the stream.
	tr.Publish("done", true)
	ev := <-ch
	assert.Equal(t, "done", ev.Message)
	assert.True(t, ev.Terminal)

	_, open := <-ch
	assert.False(t, open)
}

func TestProgressTracker_SubscribeAfterTerminal(t *testing.T) {
	tr := NewProgressTracker("flow-0001")
	tr.Publish("started", false)
	tr.Publish("done", true)

	ch := tr.Subscribe()
	var got []ProgressEvent
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.True(t, got[1].Terminal)
}

func TestProgressTracker_PublishAfterTerminalIgnored(t *testing.T) {
	tr := NewProgressTracker("flow-0001")
	tr.Publish("done", true)
	tr.Publish("too late", false)

	events := tr.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].Message)
}

func TestProgressTracker_EventsIsSnapshot(t *testing.T) {
	tr := NewProgressTracker("flow-0001")
	tr.Publish("one", false)

	events := tr.Events()
	tr.Publish("two", false)
	assert.Len(t, events, 1)
	assert.Len(t, tr.Events(), 2)
}

func TestProgressTracker_StalledSubscriberDoesNotBlockPublish(t *testing.T) {
	tr := NewProgressTracker("flow-0001")
	stalled := tr.Subscribe() // never drained

	const total = 200
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < total; i++ {
			tr.Publish(fmt.Sprintf("tick %d", i), false)
		}
		tr.Publish("done", true)
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	// History is complete even though the stalled channel overflowed.
	require.Len(t, tr.Events(), total+1)

	var got int
	for range stalled {
		got++
	}
	assert.Greater(t, got, 0)
	assert.Less(t, got, total+1, "overflowing events should have been dropped")
}
