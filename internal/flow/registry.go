package flow

import (
	"fmt"
	"sync"

	"github.com/roach88/cordial/internal/wire"
)

// PlatformVersion is the node's platform protocol version. Core responder
// factories are pinned to it.
const PlatformVersion = 1

// FactoryKind distinguishes responder factory provenance.
type FactoryKind string

const (
	// FactoryCore factories ship with the node and are pinned to
	// PlatformVersion.
	FactoryCore FactoryKind = "core"

	// FactoryApp factories come from loaded extensions and declare their
	// own protocol version.
	FactoryApp FactoryKind = "app"
)

// Constructor builds a zero-valued Logic for checkpoint decoding. Every
// Logic type that can appear in a checkpoint must be registered.
type Constructor func() Logic

// ResponderFunc builds the responding Logic for an inbound session. The
// session is already established; its id and peer are handed in so the
// logic can receive on it immediately.
type ResponderFunc func(session wire.SessionID, peer wire.NodeID) Logic

type registryKey struct {
	name    string
	version int
}

type responderEntry struct {
	kind FactoryKind
	fn   ResponderFunc
}

// Registry maps flow identities to constructors (for recovery) and
// responder factories (for session dispatch).
//
// One instance is owned by the manager: created at node start, append-only
// thereafter. Lookups are read-mostly and safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[registryKey]Constructor
	responders   map[registryKey]responderEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[registryKey]Constructor),
		responders:   make(map[registryKey]responderEntry),
	}
}

// Register makes a Logic type reconstructible at recovery. The key is taken
// from the constructed zero value's Name/Version. Registering the same
// identity twice is an error.
func (r *Registry) Register(c Constructor) error {
	probe := c()
	key := registryKey{name: probe.Name(), version: probe.Version()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.constructors[key]; dup {
		return fmt.Errorf("flow %s v%d already registered", key.name, key.version)
	}
	r.constructors[key] = c
	return nil
}

// RegisterResponder installs the responder factory for an initiating flow
// identity and version. At most one factory per (identity, version);
// a duplicate registration is an error regardless of kind.
//
// Core factories must be pinned to PlatformVersion.
func (r *Registry) RegisterResponder(initiating string, version int, kind FactoryKind, fn ResponderFunc) error {
	if kind == FactoryCore && version != PlatformVersion {
		return fmt.Errorf("core responder for %s must use platform version %d, got %d",
			initiating, PlatformVersion, version)
	}
	key := registryKey{name: initiating, version: version}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.responders[key]; dup {
		return fmt.Errorf("responder for %s v%d already registered", initiating, version)
	}
	r.responders[key] = responderEntry{kind: kind, fn: fn}
	return nil
}

// Constructor looks up the recovery constructor for a flow identity.
func (r *Registry) Constructor(name string, version int) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[registryKey{name: name, version: version}]
	return c, ok
}

// Responder looks up the responder factory for an initiating flow identity.
// Absence is a protocol error the caller turns into a session rejection.
func (r *Registry) Responder(initiating string, version int) (ResponderFunc, FactoryKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.responders[registryKey{name: initiating, version: version}]
	if !ok {
		return nil, "", false
	}
	return e.fn, e.kind, true
}
