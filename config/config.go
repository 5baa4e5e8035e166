package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"shardex/pkg/core"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Storage  StorageConfig     `mapstructure:"storage"`
	Cluster  ClusterConfig     `mapstructure:"cluster"`
	Overseer OverseerConfig    `mapstructure:"overseer"`
	Update   UpdateConfig      `mapstructure:"update"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Metrics  MetricsConfig     `mapstructure:"metrics"`
	Cores    []core.Descriptor `mapstructure:"cores"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// AdvertiseAddr is the address other nodes use to reach this one; it is
	// the node's base URL. Defaults to host:port.
	AdvertiseAddr  string        `mapstructure:"advertise_addr"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// StorageConfig contains storage-related configuration
type StorageConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// ClusterConfig contains clustering configuration
type ClusterConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	NodeID        string        `mapstructure:"node_id"`
	BindAddr      string        `mapstructure:"bind_addr"`
	Bootstrap     bool          `mapstructure:"bootstrap"`
	JoinAddresses []string      `mapstructure:"join_addresses"`
	DataDir       string        `mapstructure:"data_dir"`
	ApplyTimeout  time.Duration `mapstructure:"apply_timeout"`
	LiveNodeTTL   time.Duration `mapstructure:"live_node_ttl"`
}

// OverseerConfig tunes the cluster-state loop.
type OverseerConfig struct {
	StateUpdateDelay time.Duration `mapstructure:"state_update_delay"`
}

// UpdateConfig tunes replication and the cores.
type UpdateConfig struct {
	Buckets          int           `mapstructure:"buckets"`
	ForwardTimeout   time.Duration `mapstructure:"forward_timeout"`
	SubShardTimeout  time.Duration `mapstructure:"sub_shard_timeout"`
	LeaderTimeout    time.Duration `mapstructure:"leader_timeout"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	RegisterTimeout  time.Duration `mapstructure:"register_timeout"`
	ElectionInterval time.Duration `mapstructure:"election_interval"`
	StateRefresh     time.Duration `mapstructure:"state_refresh"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the admin HTTP listener that serves metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment. Environment
// variables use the SHARDEX_ prefix with dots replaced by underscores, e.g.
// SHARDEX_SERVER_PORT.
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWithOverrides(configPath, nil)
}

// LoadConfigWithOverrides loads configuration like LoadConfig, then applies
// overrides (keyed like "server.port") before validation, so values derived
// from them, such as the advertise address, follow the overrides.
func LoadConfigWithOverrides(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/shardex")
	}

	setDefaults(v)

	v.SetEnvPrefix("SHARDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.advertise_addr", "")
	v.SetDefault("server.max_message_size", 4*1024*1024)
	v.SetDefault("server.dial_timeout", "2s")
	v.SetDefault("server.shutdown_grace", "30s")

	// Storage defaults
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.in_memory", false)

	// Cluster defaults
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.node_id", "")
	v.SetDefault("cluster.bind_addr", "")
	v.SetDefault("cluster.bootstrap", false)
	v.SetDefault("cluster.join_addresses", []string{})
	v.SetDefault("cluster.data_dir", "./cluster")
	v.SetDefault("cluster.apply_timeout", "5s")
	v.SetDefault("cluster.live_node_ttl", "15s")

	v.SetDefault("overseer.state_update_delay", "1500ms")

	// Update defaults
	v.SetDefault("update.buckets", 65536)
	v.SetDefault("update.forward_timeout", "30s")
	v.SetDefault("update.sub_shard_timeout", "10s")
	v.SetDefault("update.leader_timeout", "4s")
	v.SetDefault("update.recovery_timeout", "60s")
	v.SetDefault("update.register_timeout", "30s")
	v.SetDefault("update.election_interval", "1s")
	v.SetDefault("update.state_refresh", "500ms")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 8080)
	v.SetDefault("metrics.path", "/metrics")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	config.Storage.DataDir = filepath.Clean(config.Storage.DataDir)

	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if config.Server.AdvertiseAddr == "" {
		config.Server.AdvertiseAddr = fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	}

	if config.Cluster.Enabled {
		config.Cluster.DataDir = filepath.Clean(config.Cluster.DataDir)

		if config.Cluster.NodeID == "" {
			return fmt.Errorf("cluster.node_id is required when clustering is enabled")
		}
		if config.Storage.InMemory {
			return fmt.Errorf("storage.in_memory cannot be used with clustering")
		}
		if config.Cluster.BindAddr == "" {
			config.Cluster.BindAddr = fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port+1000)
		}
	}
	if config.Cluster.NodeID == "" {
		config.Cluster.NodeID = strings.ReplaceAll(config.Server.AdvertiseAddr, ":", "_")
	}

	if config.Metrics.Enabled && (config.Metrics.Port < 1 || config.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if config.Update.Buckets < 1 {
		return fmt.Errorf("update.buckets must be positive")
	}

	seen := make(map[string]bool, len(config.Cores))
	for i, c := range config.Cores {
		if c.Collection == "" || c.Name == "" {
			return fmt.Errorf("cores[%d]: collection and name are required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("cores[%d]: duplicate core name %q", i, c.Name)
		}
		seen[c.Name] = true
	}

	return nil
}

// GetDefaultConfig returns a default configuration
func GetDefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	_ = validateConfig(&config)

	return &config
}
