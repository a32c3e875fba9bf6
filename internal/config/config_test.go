package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/meshsync/testutil"
)

func TestLoad(t *testing.T) {
	path := testutil.TempFile(t, testutil.TempDir(t), "meshsync.yaml", `
node:
  name: node-a
  data_dir: /var/lib/meshsync
cluster:
  bind: ":7946"
  seeds: ["10.0.0.2:7946", "10.0.0.3:7946"]
transport:
  listen: ":8480"
  advertise: "10.0.0.1:8480"
  compress: true
  max_message_size: 8MiB
mutex:
  driver: s3
  lease: 5m
  acquire_timeout: 20s
  s3:
    bucket: meshsync-locks
    region: eu-west-1
    endpoint: http://minio:9000
journal:
  driver: badger
sync:
  dirs:
    - cluster: /cluster/shared
      local: /srv/shared
    - cluster: /cluster/docs
  chunk_size: 128KiB
  retry_delay: 2s
  max_attempts: 5
  initial_scan: false
  rescan_interval: 1m
replication:
  response_timeout: 45s
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.Name)
	assert.Equal(t, []string{"10.0.0.2:7946", "10.0.0.3:7946"}, cfg.Cluster.Seeds)
	assert.Equal(t, "10.0.0.1:8480", cfg.AdvertiseAddr())
	assert.True(t, cfg.Transport.Compress)
	assert.Equal(t, ByteSize(8<<20), cfg.Transport.MaxMessageSize)
	assert.Equal(t, MutexS3, cfg.Mutex.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Mutex.Lease.Std())
	assert.Equal(t, 20*time.Second, cfg.Mutex.AcquireTimeout.Std())
	assert.Equal(t, "meshsync/locks", cfg.Mutex.S3.Prefix)
	assert.Equal(t, "/var/lib/meshsync/journal", cfg.Journal.Path)
	assert.Equal(t, ByteSize(128<<10), cfg.Sync.ChunkSize)
	assert.Equal(t, 2*time.Second, cfg.Sync.RetryDelay.Std())
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.False(t, *cfg.Sync.InitialScan)
	assert.Equal(t, time.Minute, cfg.Sync.RescanInterval.Std())
	assert.Equal(t, 45*time.Second, cfg.Replication.ResponseTimeout.Std())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, map[string]string{
		"/cluster/shared": "/srv/shared",
		"/cluster/docs":   "/cluster/docs",
	}, cfg.Roots())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
node:
  name: solo
  data_dir: /data
sync:
  dirs:
    - cluster: /cluster/shared
`))
	require.NoError(t, err)

	assert.Equal(t, ":8480", cfg.Transport.Listen)
	assert.Equal(t, "127.0.0.1:8480", cfg.AdvertiseAddr())
	assert.Equal(t, 1000, cfg.Transport.RateLimit)
	assert.Equal(t, 100, cfg.Transport.RateBurst)
	assert.Equal(t, ByteSize(16<<20), cfg.Transport.MaxMessageSize)
	assert.Equal(t, MutexMemory, cfg.Mutex.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Mutex.Lease.Std())
	assert.Equal(t, 10*time.Second, cfg.Mutex.AcquireTimeout.Std())
	assert.Equal(t, "sqlite", cfg.Journal.Driver)
	assert.Equal(t, "/data/journal.db", cfg.Journal.Path)
	assert.Equal(t, 4096, cfg.Journal.CacheSize)
	assert.Equal(t, ByteSize(64<<10), cfg.Sync.ChunkSize)
	assert.Equal(t, time.Second, cfg.Sync.RetryDelay.Std())
	assert.Equal(t, 10, cfg.Sync.MaxAttempts)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Sync.Debounce.Std())
	assert.True(t, *cfg.Sync.InitialScan)
	assert.Equal(t, 5*time.Minute, cfg.Sync.RescanInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Replication.ResponseTimeout.Std())
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Parse([]byte(`
node:
  name: solo
  data_dir: ~/.meshsync
sync:
  dirs:
    - cluster: /cluster/shared
      local: ~/shared
`))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".meshsync"), cfg.Node.DataDir)
	assert.Equal(t, filepath.Join(home, ".meshsync", "journal.db"), cfg.Journal.Path)
	assert.Equal(t, filepath.Join(home, "shared"), cfg.Sync.Dirs[0].Local)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/meshsync.yaml")
	assert.Error(t, err)
}

func TestParse_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "sync:\n  retry_delay: soon\n",
			wantErr: `invalid duration "soon"`,
		},
		{
			name:    "bad size",
			content: "sync:\n  chunk_size: lots\n",
			wantErr: `invalid size "lots"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func validConfig() *Config {
	cfg := &Config{
		Node: NodeConfig{Name: "node-a", DataDir: "/data"},
		Sync: SyncConfig{Dirs: []SyncDir{{Cluster: "/cluster/shared", Local: "/srv/shared"}}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{
			name:    "no sync dirs",
			modify:  func(c *Config) { c.Sync.Dirs = nil },
			wantErr: "Config.Sync.Dirs",
		},
		{
			name:    "relative cluster dir",
			modify:  func(c *Config) { c.Sync.Dirs[0].Cluster = "shared" },
			wantErr: "sync.dirs[0].cluster must be an absolute path",
		},
		{
			name: "duplicate local dir",
			modify: func(c *Config) {
				c.Sync.Dirs = append(c.Sync.Dirs, SyncDir{Cluster: "/cluster/other", Local: "/srv/shared"})
			},
			wantErr: "duplicate local dir",
		},
		{
			name:    "unknown mutex driver",
			modify:  func(c *Config) { c.Mutex.Driver = "etcd" },
			wantErr: "Config.Mutex.Driver",
		},
		{
			name:    "s3 without bucket",
			modify:  func(c *Config) { c.Mutex.Driver = MutexS3 },
			wantErr: "mutex.s3.bucket is required",
		},
		{
			name:    "memory mutex with gossip",
			modify:  func(c *Config) { c.Cluster.Bind = ":7946" },
			wantErr: "mutex.driver memory only works without gossip",
		},
		{
			name:    "lease shorter than acquire timeout",
			modify:  func(c *Config) { c.Mutex.Lease = Duration(time.Second) },
			wantErr: "mutex.lease must be longer",
		},
		{
			name:    "chunk too large",
			modify:  func(c *Config) { c.Sync.ChunkSize = c.Transport.MaxMessageSize },
			wantErr: "sync.chunk_size",
		},
		{
			name:    "seeds without bind",
			modify:  func(c *Config) { c.Cluster.Seeds = []string{"10.0.0.2:7946"} },
			wantErr: "cluster.seeds requires cluster.bind",
		},
		{
			name:    "bad listen address",
			modify:  func(c *Config) { c.Transport.Listen = "nowhere" },
			wantErr: "Config.Transport.Listen",
		},
		{
			name:    "bad node name",
			modify:  func(c *Config) { c.Node.Name = "node a" },
			wantErr: "Config.Node.Name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestByteSizeMarshal(t *testing.T) {
	out, err := ByteSize(64 << 10).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "64 KiB", out)

	d, err := Duration(90 * time.Second).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", d)
}
