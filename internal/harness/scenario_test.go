package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: demo
description: basic parse
backend: single
exchange:
  - payload: hello
transactions:
  - tx: T1
    identity: alice
    refs: [a]
    expect: committed
`))
	require.NoError(t, err)
	assert.Equal(t, "demo", s.Name)
	require.Len(t, s.Exchange, 1)
	require.Len(t, s.Transactions, 1)
	assert.Equal(t, ExpectCommitted, s.Transactions[0].Expect)
}

func TestParseScenario_UnknownFieldRejected(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: demo
description: typo in section name
backend: single
transaction:
  - tx: T1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_MissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nbackend: single\nexchange:\n  - payload: p\n",
			want: "name is required",
		},
		{
			name: "missing backend",
			yaml: "name: n\ndescription: d\nexchange:\n  - payload: p\n",
			want: "backend is required",
		},
		{
			name: "unknown backend",
			yaml: "name: n\ndescription: d\nbackend: paxos\nexchange:\n  - payload: p\n",
			want: `unknown backend "paxos"`,
		},
		{
			name: "empty scenario",
			yaml: "name: n\ndescription: d\nbackend: single\n",
			want: "at least one exchange or transaction",
		},
		{
			name: "missing expect",
			yaml: "name: n\ndescription: d\nbackend: single\ntransactions:\n  - tx: T1\n    identity: a\n    refs: [r]\n",
			want: "expect is required",
		},
		{
			name: "missing refs",
			yaml: "name: n\ndescription: d\nbackend: single\ntransactions:\n  - tx: T1\n    identity: a\n    expect: committed\n",
			want: "refs list is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseScenario_ConflictWithUnknownTx(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: n
description: d
backend: single
transactions:
  - tx: T2
    identity: bob
    refs: [a]
    expect: conflicted
    conflict_with: T1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transaction "T1"`)
}

func TestParseScenario_ConflictWithOnCommitted(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: n
description: d
backend: single
transactions:
  - tx: T1
    identity: alice
    refs: [a]
    expect: committed
    conflict_with: T0
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict_with requires expect: conflicted")
}

func TestParseScenario_RejectedRequiresValidating(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: n
description: d
backend: single
transactions:
  - tx: T1
    identity: alice
    refs: [a]
    expect: rejected
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires validating mode")
}

func TestParseScenario_ValidatingBFTUnsupported(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: n
description: d
backend: bft
validating: true
transactions:
  - tx: T1
    identity: alice
    refs: [a]
    payload: p
    expect: committed
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported with the bft backend")
}

func TestParseScenario_ValidatingRequiresPayload(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: n
description: d
backend: single
validating: true
transactions:
  - tx: T1
    identity: alice
    refs: [a]
    expect: committed
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload is required in validating mode")
}

func TestLoadScenario_AllTestdataParses(t *testing.T) {
	for _, name := range []string{"notarize-basic", "notarize-raft", "notarize-bft", "notarize-validating"} {
		t.Run(name, func(t *testing.T) {
			s := loadTestScenario(t, name)
			assert.Equal(t, name, s.Name)
		})
	}
}
