// Package checkpoint provides durable storage for suspended-flow snapshots.
//
// The store is a key-value collection keyed by flow id. Save is an atomic
// overwrite: a reader never observes a torn snapshot, and after a crash the
// store holds either the previous checkpoint or the new one, never a mix.
// This is the property the flow manager's checkpoint-before-suspend
// protocol depends on.
package checkpoint

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no checkpoint exists for a flow.
var ErrNotFound = errors.New("checkpoint not found")

// Record pairs a flow id with its serialized checkpoint.
type Record struct {
	FlowID string
	Data   []byte
}

// Store is the durable checkpoint persistence consumed by the flow manager.
type Store interface {
	// Save atomically writes or overwrites the checkpoint for flowID.
	Save(ctx context.Context, flowID string, data []byte) error

	// Load reads the checkpoint for flowID. Returns ErrNotFound if absent.
	Load(ctx context.Context, flowID string) ([]byte, error)

	// Delete removes the checkpoint for flowID. Deleting an absent
	// checkpoint is not an error (terminal transitions are idempotent).
	Delete(ctx context.Context, flowID string) error

	// LoadAll returns every stored checkpoint, in unspecified order.
	// Called once at node startup by recovery.
	LoadAll(ctx context.Context) ([]Record, error)

	Close() error
}
