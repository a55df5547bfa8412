package testutil

import (
	"fmt"
	"sync"
)

// FixedIDs generates sequential, predictable flow and session identifiers.
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario with the same FixedIDs produces byte-identical traces.
//
// Implements flow.IDGenerator.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewFixedIDs creates a generator producing "<prefix>-0001", "<prefix>-0002"
// and so on. An empty prefix defaults to "test".
func NewFixedIDs(prefix string) *FixedIDs {
	if prefix == "" {
		prefix = "test"
	}
	return &FixedIDs{prefix: prefix}
}

// Generate returns the next identifier in sequence.
func (g *FixedIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%04d", g.prefix, g.next)
}

// Reset restarts the sequence. After Reset(), the next identifier is
// "<prefix>-0001" again.
func (g *FixedIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = 0
}
