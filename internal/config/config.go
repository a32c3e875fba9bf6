// Package config handles configuration loading and validation for meshsync.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Duration is a time.Duration written as a string, e.g. "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ByteSize is a size written for humans, e.g. "64KiB" or "16MB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	Name    string `yaml:"name" validate:"required,hostname_rfc1123"`
	DataDir string `yaml:"data_dir" validate:"required"` // Journal and lock file (default: ~/.meshsync)
}

// ClusterConfig holds gossip membership settings. An empty bind address runs
// the node without gossip, alone or with in-process peers.
type ClusterConfig struct {
	Bind  string   `yaml:"bind" validate:"omitempty,hostname_port"`
	Seeds []string `yaml:"seeds" validate:"dive,hostname_port"`
}

// TransportConfig holds settings of the HTTP message transport and API.
type TransportConfig struct {
	Listen         string   `yaml:"listen" validate:"required,hostname_port"`
	Advertise      string   `yaml:"advertise" validate:"omitempty,hostname_port"` // Address peers use (default: listen)
	Compress       bool     `yaml:"compress"`
	RateLimit      int      `yaml:"rate_limit" validate:"gte=1"`
	RateBurst      int      `yaml:"rate_burst" validate:"gte=1"`
	MaxMessageSize ByteSize `yaml:"max_message_size" validate:"gte=1024"`
}

// S3Config holds settings of the S3 lock bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxRetries      int    `yaml:"max_retries" validate:"gte=0"`
}

// Mutex drivers.
const (
	MutexMemory = "memory"
	MutexS3     = "s3"
)

// MutexConfig holds settings of the distributed mutex.
type MutexConfig struct {
	Driver         string   `yaml:"driver" validate:"oneof=memory s3"`
	Lease          Duration `yaml:"lease" validate:"gt=0"`
	AcquireTimeout Duration `yaml:"acquire_timeout" validate:"gt=0"`
	S3             S3Config `yaml:"s3"`
}

// JournalConfig holds settings of the checksum journal.
type JournalConfig struct {
	Driver    string `yaml:"driver" validate:"oneof=sqlite badger"`
	Path      string `yaml:"path"` // default: <data_dir>/journal.db (sqlite) or <data_dir>/journal (badger)
	CacheSize int    `yaml:"cache_size" validate:"gte=0"`
}

// SyncDir maps a cluster-wide directory onto a local one.
type SyncDir struct {
	Cluster string `yaml:"cluster" validate:"required"` // name shared by every node
	Local   string `yaml:"local"`                       // where it lives on this node (default: cluster)
}

// SyncConfig holds settings of change detection and the replication trigger.
type SyncConfig struct {
	Dirs        []SyncDir `yaml:"dirs" validate:"required,min=1,dive"`
	ChunkSize   ByteSize  `yaml:"chunk_size" validate:"gte=1"`
	RetryDelay  Duration  `yaml:"retry_delay" validate:"gt=0"`
	MaxAttempts int       `yaml:"max_attempts" validate:"gte=1"`
	Workers     int       `yaml:"workers" validate:"gte=1"`
	Debounce    Duration  `yaml:"debounce" validate:"gte=0"`
	InitialScan *bool     `yaml:"initial_scan"` // default: true
	// RescanInterval is the period of full rescans, which pick up changes
	// the OS watch missed (default: 5m).
	RescanInterval Duration `yaml:"rescan_interval" validate:"gte=0"`
}

// ReplicationConfig holds settings of cluster requests.
type ReplicationConfig struct {
	ResponseTimeout Duration `yaml:"response_timeout" validate:"gt=0"`
}

// MetricsConfig holds settings of the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the configuration of a meshsync node.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Transport   TransportConfig   `yaml:"transport"`
	Mutex       MutexConfig       `yaml:"mutex"`
	Journal     JournalConfig     `yaml:"journal"`
	Sync        SyncConfig        `yaml:"sync"`
	Replication ReplicationConfig `yaml:"replication"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// Load loads configuration from a YAML file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields and expands "~/" in paths.
func (c *Config) ApplyDefaults() {
	if c.Node.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Node.Name = strings.ToLower(strings.Split(host, ".")[0])
		}
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "~/.meshsync"
	}
	c.Node.DataDir = expandHome(c.Node.DataDir)

	if c.Transport.Listen == "" {
		c.Transport.Listen = ":8480"
	}
	if c.Transport.RateLimit == 0 {
		c.Transport.RateLimit = 1000
	}
	if c.Transport.RateBurst == 0 {
		c.Transport.RateBurst = 100
	}
	if c.Transport.MaxMessageSize == 0 {
		c.Transport.MaxMessageSize = 16 << 20
	}

	if c.Mutex.Driver == "" {
		c.Mutex.Driver = MutexMemory
	}
	if c.Mutex.Lease == 0 {
		c.Mutex.Lease = Duration(15 * time.Minute)
	}
	if c.Mutex.AcquireTimeout == 0 {
		c.Mutex.AcquireTimeout = Duration(10 * time.Second)
	}
	if c.Mutex.S3.Prefix == "" {
		c.Mutex.S3.Prefix = "meshsync/locks"
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "sqlite"
	}
	if c.Journal.Path == "" {
		name := "journal.db"
		if c.Journal.Driver == "badger" {
			name = "journal"
		}
		c.Journal.Path = filepath.Join(c.Node.DataDir, name)
	}
	c.Journal.Path = expandHome(c.Journal.Path)
	if c.Journal.CacheSize == 0 {
		c.Journal.CacheSize = 4096
	}

	for i := range c.Sync.Dirs {
		c.Sync.Dirs[i].Cluster = filepath.Clean(c.Sync.Dirs[i].Cluster)
		if c.Sync.Dirs[i].Local == "" {
			c.Sync.Dirs[i].Local = c.Sync.Dirs[i].Cluster
		}
		c.Sync.Dirs[i].Local = filepath.Clean(expandHome(c.Sync.Dirs[i].Local))
	}
	if c.Sync.ChunkSize == 0 {
		c.Sync.ChunkSize = 64 << 10
	}
	if c.Sync.RetryDelay == 0 {
		c.Sync.RetryDelay = Duration(time.Second)
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 10
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = Duration(50 * time.Millisecond)
	}
	if c.Sync.InitialScan == nil {
		scan := true
		c.Sync.InitialScan = &scan
	}
	if c.Sync.RescanInterval == 0 {
		c.Sync.RescanInterval = Duration(5 * time.Minute)
	}

	if c.Replication.ResponseTimeout == 0 {
		c.Replication.ResponseTimeout = Duration(30 * time.Second)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	clusterDirs := make(map[string]bool)
	localDirs := make(map[string]bool)
	for i, d := range c.Sync.Dirs {
		if !filepath.IsAbs(d.Cluster) {
			return fmt.Errorf("sync.dirs[%d].cluster must be an absolute path", i)
		}
		if !filepath.IsAbs(d.Local) {
			return fmt.Errorf("sync.dirs[%d].local must be an absolute path", i)
		}
		if clusterDirs[d.Cluster] {
			return fmt.Errorf("sync.dirs[%d]: duplicate cluster dir %q", i, d.Cluster)
		}
		if localDirs[d.Local] {
			return fmt.Errorf("sync.dirs[%d]: duplicate local dir %q", i, d.Local)
		}
		clusterDirs[d.Cluster] = true
		localDirs[d.Local] = true
	}

	if c.Mutex.Driver == MutexS3 && c.Mutex.S3.Bucket == "" {
		return fmt.Errorf("mutex.s3.bucket is required when mutex.driver is s3")
	}
	if c.Mutex.Driver == MutexMemory && c.Cluster.Bind != "" {
		return fmt.Errorf("mutex.driver memory only works without gossip; set mutex.driver to s3 or clear cluster.bind")
	}
	if c.Mutex.Lease.Std() <= c.Mutex.AcquireTimeout.Std() {
		return fmt.Errorf("mutex.lease must be longer than mutex.acquire_timeout")
	}
	if c.Sync.ChunkSize >= c.Transport.MaxMessageSize/2 {
		return fmt.Errorf("sync.chunk_size must be less than half of transport.max_message_size")
	}
	if c.Cluster.Bind == "" && len(c.Cluster.Seeds) > 0 {
		return fmt.Errorf("cluster.seeds requires cluster.bind")
	}
	return nil
}

// AdvertiseAddr returns the address peers use to reach this node's HTTP API.
func (c *Config) AdvertiseAddr() string {
	if c.Transport.Advertise != "" {
		return c.Transport.Advertise
	}
	host, port, err := net.SplitHostPort(c.Transport.Listen)
	if err != nil || host != "" {
		return c.Transport.Listen
	}
	return net.JoinHostPort("127.0.0.1", port)
}

// Roots returns the cluster dir to local dir mapping of the sync dirs.
func (c *Config) Roots() map[string]string {
	roots := make(map[string]string, len(c.Sync.Dirs))
	for _, d := range c.Sync.Dirs {
		roots[d.Cluster] = d.Local
	}
	return roots
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
