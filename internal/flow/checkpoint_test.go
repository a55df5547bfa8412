package flow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	cp := Checkpoint{
		FlowID:  "flow-0001",
		Logic:   "cordial/notarize",
		Version: 1,
		Status:  StatusSuspended,
		Step:    "await",
		Locals:  json.RawMessage(`{"notary":"n1"}`),
		Sessions: []SessionState{{
			ID:          "sess-0001",
			Peer:        "notary-1",
			PeerFlow:    "cordial/notarize",
			PeerVersion: 1,
			Initiator:   true,
			InitSent:    true,
			NextSendSeq: 3,
			NextRecvSeq: 2,
		}},
		Waiting:     WaitReceive,
		WaitSession: "sess-0001",
		Effect: &Effect{
			Peer:     "notary-1",
			Session:  "sess-0001",
			Seq:      2,
			Envelope: []byte(`{"kind":"data"}`),
		},
	}

	b, err := cp.Encode()
	require.NoError(t, err)

	got, err := DecodeCheckpoint(b)
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func TestCheckpoint_TimerAndChildFields(t *testing.T) {
	wake := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cp := Checkpoint{
		FlowID:    "flow-0002",
		Logic:     "cordial/retry",
		Version:   1,
		Status:    StatusSuspended,
		Step:      "retry",
		Locals:    json.RawMessage(`{}`),
		Waiting:   WaitTimer,
		WaitUntil: wake,
		Parent:    "flow-0001",
		PendingChild: &PendingChild{
			ID:      "flow-0003",
			Logic:   "cordial/sub",
			Version: 1,
			Locals:  json.RawMessage(`{"n":1}`),
		},
	}

	b, err := cp.Encode()
	require.NoError(t, err)

	got, err := DecodeCheckpoint(b)
	require.NoError(t, err)
	assert.True(t, got.WaitUntil.Equal(wake))
	require.NotNil(t, got.PendingChild)
	assert.Equal(t, ID("flow-0003"), got.PendingChild.ID)
	assert.Equal(t, ID("flow-0001"), got.Parent)
}

func TestCheckpoint_ZeroTimerOmitted(t *testing.T) {
	cp := Checkpoint{
		FlowID: "flow-0001",
		Logic:  "cordial/ping",
		Status: StatusSuspended,
		Locals: json.RawMessage(`{}`),
	}
	b, err := cp.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "wait_until")
}

func TestDecodeCheckpoint_Corrupt(t *testing.T) {
	_, err := DecodeCheckpoint([]byte("{corrupt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode checkpoint")
}

func TestDecodeCheckpoint_MissingIdentity(t *testing.T) {
	_, err := DecodeCheckpoint([]byte(`{"flow_id":"flow-0001"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing flow id or logic name")

	_, err = DecodeCheckpoint([]byte(`{"logic":"cordial/ping"}`))
	require.Error(t, err)
}
