package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen_host: "127.0.0.1"
listen_port: 1884
max_packet_size: 1048576
keepalive_grace_multiplier: 2.0
stats_publish_interval_secs: 5
outbound_highwater_bytes: 4194304
allow_anonymous: false
storage:
  backend: "none"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigParsesFields(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	opts, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1", opts.ListenHost)
	require.Equal(t, 1884, opts.ListenPort)
	require.Equal(t, 1048576, opts.MaxPacketSize)
	require.Equal(t, 2.0, opts.KeepaliveGrace)
	require.Equal(t, 5, opts.StatsPublishSecs)
	require.Equal(t, 4194304, opts.OutboundHighwater)
	require.False(t, opts.AllowAnonymous)
	require.Nil(t, opts.Persistence)
}

func TestLoadConfigDefaultsListenAddress(t *testing.T) {
	path := writeConfig(t, "allow_anonymous: true\n")
	opts, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", opts.ListenHost)
	require.Equal(t, 1883, opts.ListenPort)
}

func TestLoadConfigUnknownStorageBackend(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: \"nope\"\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfigBoltBackend(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	path := writeConfig(t, "storage:\n  backend: \"bolt\"\n  path: \""+dbPath+"\"\n")
	opts, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, opts.Persistence)
}
