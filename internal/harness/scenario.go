package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cordial/internal/config"
)

// Scenario defines a conformance test scenario: a message exchange between
// two nodes followed by a series of notarization requests.
type Scenario struct {
	// Name uniquely identifies this scenario. It is also the golden file
	// name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend selects the uniqueness consensus backend: single, raft or bft.
	Backend config.Backend `yaml:"backend"`

	// Validating puts the notary in validating mode. Transactions must then
	// carry a payload.
	Validating bool `yaml:"validating,omitempty"`

	// Exchange drives the echo protocol between the client and server
	// nodes. Optional.
	Exchange []ExchangeStep `yaml:"exchange,omitempty"`

	// Transactions drives notarization requests, in order.
	Transactions []TxStep `yaml:"transactions"`
}

// ExchangeStep sends one payload through the echo protocol and expects it
// back unchanged.
type ExchangeStep struct {
	Payload string `yaml:"payload"`
}

// TxStep submits one uniqueness request and validates its verdict.
type TxStep struct {
	// Tx is the transaction id.
	Tx string `yaml:"tx"`

	// Identity is the signing identity named in the request.
	Identity string `yaml:"identity"`

	// Refs lists the resource references the transaction consumes.
	Refs []string `yaml:"refs"`

	// Payload is the full transaction body, required in validating mode.
	Payload string `yaml:"payload,omitempty"`

	// Expect is the expected outcome: "committed", "conflicted", or
	// "rejected" (validating notary refused the transaction).
	Expect string `yaml:"expect"`

	// ConflictWith is the transaction id the conflict must point at.
	// Only meaningful with expect: conflicted.
	ConflictWith string `yaml:"conflict_with,omitempty"`
}

// Expected outcome values.
const (
	ExpectCommitted  = "committed"
	ExpectConflicted = "conflicted"
	ExpectRejected   = "rejected"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently passing.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses raw scenario YAML bytes.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Backend {
	case config.BackendSingle, config.BackendRaft, config.BackendBFT:
	case "":
		return fmt.Errorf("backend is required")
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if s.Validating && s.Backend == config.BackendBFT {
		return fmt.Errorf("validating mode is not supported with the bft backend")
	}
	if len(s.Transactions) == 0 && len(s.Exchange) == 0 {
		return fmt.Errorf("scenario must drive at least one exchange or transaction")
	}

	for i, step := range s.Exchange {
		if step.Payload == "" {
			return fmt.Errorf("exchange[%d]: payload is required", i)
		}
	}
	seen := make(map[string]bool)
	for i, tx := range s.Transactions {
		if tx.Tx == "" {
			return fmt.Errorf("transactions[%d]: tx is required", i)
		}
		if tx.Identity == "" {
			return fmt.Errorf("transactions[%d]: identity is required", i)
		}
		if len(tx.Refs) == 0 {
			return fmt.Errorf("transactions[%d]: refs list is required and must be non-empty", i)
		}
		switch tx.Expect {
		case ExpectCommitted:
			if tx.ConflictWith != "" {
				return fmt.Errorf("transactions[%d]: conflict_with requires expect: conflicted", i)
			}
		case ExpectConflicted:
			if tx.ConflictWith != "" && !seen[tx.ConflictWith] {
				return fmt.Errorf("transactions[%d]: conflict_with names unknown transaction %q", i, tx.ConflictWith)
			}
		case ExpectRejected:
			if !s.Validating {
				return fmt.Errorf("transactions[%d]: expect rejected requires validating mode", i)
			}
		case "":
			return fmt.Errorf("transactions[%d]: expect is required", i)
		default:
			return fmt.Errorf("transactions[%d]: unknown expect %q", i, tx.Expect)
		}
		if s.Validating && tx.Payload == "" {
			return fmt.Errorf("transactions[%d]: payload is required in validating mode", i)
		}
		seen[tx.Tx] = true
	}
	return nil
}
