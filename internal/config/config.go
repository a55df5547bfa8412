// Package config loads and validates node configuration from YAML.
package config

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "5s" or "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Backend names a uniqueness consensus backend.
type Backend string

const (
	BackendSingle Backend = "single"
	BackendRaft   Backend = "raft"
	BackendBFT    Backend = "bft"
)

// Config is a node's full configuration.
type Config struct {
	Node   Node    `yaml:"node"`
	Notary *Notary `yaml:"notary,omitempty"`
}

// Node configures the flow state machine manager.
type Node struct {
	// Name is this node's network identity.
	Name string `yaml:"name"`

	// DataDir holds the checkpoint database. Empty means in-memory
	// checkpoints (tests, demos).
	DataDir string `yaml:"data_dir,omitempty"`

	// Workers is the scheduler's worker pool size. 0 means the default.
	Workers int `yaml:"workers,omitempty"`

	// MaxRunnable caps concurrently runnable flows. 0 means the default.
	MaxRunnable int `yaml:"max_runnable,omitempty"`
}

// Notary configures the uniqueness service hosted by this node. Absent on
// nodes that only consume notarization.
type Notary struct {
	// Backend selects the consensus protocol.
	Backend Backend `yaml:"backend"`

	// Validating turns on independent transaction validation before any
	// uniqueness request is forwarded to the provider.
	Validating bool `yaml:"validating,omitempty"`

	// Replicas lists the consensus cluster member ids, this node included.
	// Required for raft and bft, ignored by single.
	Replicas []string `yaml:"replicas,omitempty"`

	// Faults is f, the number of Byzantine replicas tolerated. BFT only;
	// the cluster needs 3f+1 replicas.
	Faults int `yaml:"faults,omitempty"`

	// RequestTimeout bounds how long a commit waits for a verdict.
	// 0 means the backend default.
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`

	// SigningKey is the hex-encoded ed25519 seed for the attestation key.
	// Empty means a fresh key per process start.
	SigningKey string `yaml:"signing_key,omitempty"`
}

// Load reads and parses a config file. Unknown fields are rejected so typos
// fail loudly instead of silently falling back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Node.Workers < 0 {
		return fmt.Errorf("node.workers must be non-negative")
	}
	if c.Node.MaxRunnable < 0 {
		return fmt.Errorf("node.max_runnable must be non-negative")
	}
	if c.Notary == nil {
		return nil
	}
	return c.Notary.validate(c.Node.Name)
}

func (n *Notary) validate(nodeName string) error {
	switch n.Backend {
	case BackendSingle:
		if len(n.Replicas) > 0 {
			return fmt.Errorf("notary.replicas is meaningless for the single backend")
		}
	case BackendRaft:
		if len(n.Replicas) < 3 {
			return fmt.Errorf("notary.replicas needs at least 3 members for raft, got %d", len(n.Replicas))
		}
		if !contains(n.Replicas, nodeName) {
			return fmt.Errorf("notary.replicas must include this node (%s)", nodeName)
		}
	case BackendBFT:
		if n.Validating {
			return fmt.Errorf("notary.validating is not supported with the bft backend")
		}
		if n.Faults < 1 {
			return fmt.Errorf("notary.faults must be at least 1 for bft")
		}
		if len(n.Replicas) < 3*n.Faults+1 {
			return fmt.Errorf("notary.replicas needs %d members for f=%d, got %d",
				3*n.Faults+1, n.Faults, len(n.Replicas))
		}
		if !contains(n.Replicas, nodeName) {
			return fmt.Errorf("notary.replicas must include this node (%s)", nodeName)
		}
	case "":
		return fmt.Errorf("notary.backend is required")
	default:
		return fmt.Errorf("unknown notary.backend %q (want single, raft or bft)", n.Backend)
	}

	if n.RequestTimeout < 0 {
		return fmt.Errorf("notary.request_timeout must be non-negative")
	}
	if n.SigningKey != "" {
		if _, err := n.Key(); err != nil {
			return err
		}
	}
	return nil
}

// Key decodes the configured attestation key seed, or returns (nil, nil)
// when no key is configured.
func (n *Notary) Key() (ed25519.PrivateKey, error) {
	if n.SigningKey == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(n.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("notary.signing_key is not valid hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("notary.signing_key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
