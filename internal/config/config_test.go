package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
node:
  name: notary-1
  data_dir: /var/lib/cordial
  workers: 8
  max_runnable: 256
notary:
  backend: raft
  replicas: [notary-1, notary-2, notary-3]
  request_timeout: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, "notary-1", cfg.Node.Name)
	assert.Equal(t, "/var/lib/cordial", cfg.Node.DataDir)
	assert.Equal(t, 8, cfg.Node.Workers)
	assert.Equal(t, 256, cfg.Node.MaxRunnable)
	require.NotNil(t, cfg.Notary)
	assert.Equal(t, BackendRaft, cfg.Notary.Backend)
	assert.Equal(t, []string{"notary-1", "notary-2", "notary-3"}, cfg.Notary.Replicas)
	assert.Equal(t, 5*time.Second, cfg.Notary.RequestTimeout.Std())
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte("node:\n  name: node-a\n"))
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Node.Name)
	assert.Nil(t, cfg.Notary)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("node:\n  name: node-a\n  worker_count: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing node name",
			yaml:    "node: {}\n",
			wantErr: "node.name is required",
		},
		{
			name:    "negative workers",
			yaml:    "node:\n  name: a\n  workers: -1\n",
			wantErr: "node.workers",
		},
		{
			name:    "missing backend",
			yaml:    "node:\n  name: a\nnotary: {}\n",
			wantErr: "notary.backend is required",
		},
		{
			name:    "unknown backend",
			yaml:    "node:\n  name: a\nnotary:\n  backend: paxos\n",
			wantErr: `unknown notary.backend "paxos"`,
		},
		{
			name:    "single with replicas",
			yaml:    "node:\n  name: a\nnotary:\n  backend: single\n  replicas: [a, b]\n",
			wantErr: "meaningless for the single backend",
		},
		{
			name:    "raft too small",
			yaml:    "node:\n  name: a\nnotary:\n  backend: raft\n  replicas: [a, b]\n",
			wantErr: "at least 3 members",
		},
		{
			name:    "raft without self",
			yaml:    "node:\n  name: a\nnotary:\n  backend: raft\n  replicas: [b, c, d]\n",
			wantErr: "must include this node (a)",
		},
		{
			name:    "bft without faults",
			yaml:    "node:\n  name: a\nnotary:\n  backend: bft\n  replicas: [a, b, c, d]\n",
			wantErr: "notary.faults must be at least 1",
		},
		{
			name:    "bft too small",
			yaml:    "node:\n  name: a\nnotary:\n  backend: bft\n  faults: 1\n  replicas: [a, b, c]\n",
			wantErr: "needs 4 members for f=1",
		},
		{
			name:    "bft cannot validate",
			yaml:    "node:\n  name: a\nnotary:\n  backend: bft\n  validating: true\n  faults: 1\n  replicas: [a, b, c, d]\n",
			wantErr: "not supported with the bft backend",
		},
		{
			name:    "bft without self",
			yaml:    "node:\n  name: a\nnotary:\n  backend: bft\n  faults: 1\n  replicas: [b, c, d, e]\n",
			wantErr: "must include this node (a)",
		},
		{
			name:    "negative request timeout",
			yaml:    "node:\n  name: a\nnotary:\n  backend: single\n  request_timeout: -1s\n",
			wantErr: "request_timeout",
		},
		{
			name:    "malformed duration",
			yaml:    "node:\n  name: a\nnotary:\n  backend: single\n  request_timeout: soon\n",
			wantErr: `invalid duration "soon"`,
		},
		{
			name:    "bad signing key",
			yaml:    "node:\n  name: a\nnotary:\n  backend: single\n  signing_key: not-hex\n",
			wantErr: "not valid hex",
		},
		{
			name: "valid single validating",
			yaml: "node:\n  name: a\nnotary:\n  backend: single\n  validating: true\n",
		},
		{
			name: "valid bft f=1",
			yaml: "node:\n  name: a\nnotary:\n  backend: bft\n  faults: 1\n  replicas: [a, b, c, d]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNotaryKey(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	n := &Notary{SigningKey: hex.EncodeToString(seed)}
	key, err := n.Key()
	require.NoError(t, err)
	assert.Equal(t, ed25519.NewKeyFromSeed(seed), key)

	// No key configured means no key, not an error.
	key, err = (&Notary{}).Key()
	require.NoError(t, err)
	assert.Nil(t, key)

	// Wrong seed length.
	_, err = (&Notary{SigningKey: "deadbeef"}).Key()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be 32 bytes")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  name: node-a\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Node.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
