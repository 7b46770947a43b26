package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
network: regtest
address: 127.0.0.1:18444
timeout_secs: 3
node_network_limited: "0x409"
node_network: 1
threads: 2
blocks_per_inv: 50
retries: 2
server_mode: true
mempool_capacity: 10
initial_timestamp: 1690000000
wallets:
  - name: main
    addresses: [mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "regtest", cfg.Network)
	assert.Equal(t, ServiceFlags(0x409), cfg.LocalServices)
	assert.Equal(t, ServiceFlags(1), cfg.PeerServices)
	assert.Equal(t, 2, cfg.Threads)
	assert.Equal(t, int64(1690000000), cfg.InitialTime)
	assert.True(t, cfg.ServerMode)
	require.Len(t, cfg.Wallets, 1)
	assert.Equal(t, "main", cfg.Wallets[0].Name)
	assert.Equal(t, "3s", cfg.Timeout().String())
	// untouched keys keep their defaults
	assert.Equal(t, "/chainnode:0.1.0/", cfg.UserAgent)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NODE_THREADS", "3")
	t.Setenv("NODE_SERVER_MODE", "1")
	t.Setenv("NODE_ADDRESS", "10.0.0.2:18333")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Threads)
	assert.True(t, cfg.ServerMode)
	assert.Equal(t, "10.0.0.2:18333", cfg.Address)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "threads: 0\n"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeConfig(t, "node_network: 0xzz\n"))
	assert.Error(t, err)

	t.Setenv("NODE_RETRIES", "many")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestServiceFlagsParsing(t *testing.T) {
	for raw, want := range map[string]ServiceFlags{"0x400": 0x400, "1033": 1033, "0X1": 1} {
		got, err := parseServiceFlags(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestValidateUserAgent(t *testing.T) {
	cfg := Default()
	cfg.UserAgent = "chainnode 0.1"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}
