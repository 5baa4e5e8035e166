package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "localhost:9000", cfg.Server.AdvertiseAddr)
	assert.Equal(t, "localhost_9000", cfg.Cluster.NodeID)
	assert.Equal(t, 1500*time.Millisecond, cfg.Overseer.StateUpdateDelay)
	assert.Equal(t, 4*time.Second, cfg.Update.LeaderTimeout)
	assert.Equal(t, 65536, cfg.Update.Buckets)
	assert.False(t, cfg.Cluster.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 10.0.0.5
  port: 9100
cluster:
  enabled: true
  node_id: n1
  bootstrap: true
overseer:
  state_update_delay: 250ms
cores:
  - collection: books
    name: books_shard1
    num_shards: 2
  - collection: books
    shard: shard2
    name: books_shard2
`)
	t.Setenv("SHARDEX_UPDATE_LEADER_TIMEOUT", "9s")
	t.Setenv("SHARDEX_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9100", cfg.Server.AdvertiseAddr)
	assert.Equal(t, "10.0.0.5:10100", cfg.Cluster.BindAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Overseer.StateUpdateDelay)
	assert.Equal(t, 9*time.Second, cfg.Update.LeaderTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Cores, 2)
	assert.Equal(t, 2, cfg.Cores[0].NumShards)
	assert.Equal(t, "shard2", cfg.Cores[1].Shard)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"cluster without node id": "cluster:\n  enabled: true\n",
		"bad port":                "server:\n  port: 70000\n",
		"core without name":       "cores:\n  - collection: books\n",
		"duplicate core": `
cores:
  - {collection: books, name: a}
  - {collection: films, name: a}
`,
		"in memory cluster": "storage:\n  in_memory: true\ncluster:\n  enabled: true\n  node_id: n1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMissingFileIsAnError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestOverridesFeedDerivedValues(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9100\n")
	cfg, err := LoadConfigWithOverrides(path, map[string]any{
		"server.host":     "10.0.0.9",
		"server.port":     9200,
		"cluster.enabled": true,
		"cluster.node_id": "n9",
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:9200", cfg.Server.AdvertiseAddr)
	assert.Equal(t, "10.0.0.9:10200", cfg.Cluster.BindAddr)
	assert.Equal(t, "n9", cfg.Cluster.NodeID)
}
