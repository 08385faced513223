package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults used when the config file is absent or a field is unset.
const (
	DefaultPath           = "/etc/hostvol/config.yml"
	DefaultDBPath         = "/etc/hostvol/tenants.db"
	DefaultMetaDBPath     = "/etc/hostvol/metadata.db"
	DefaultDatastoreRoot  = "/vmfs/volumes"
	DefaultMetricsAddr    = "127.0.0.1:9411"
	DefaultSocketPath     = "/run/hostvol.sock"
	DefaultReconfigureTTL = 2 * time.Minute
	DefaultRemoveRetries  = 5
	DefaultRemoveDelay    = time.Second
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the service configuration loaded from YAML.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogJSON selects JSON output instead of console output.
	LogJSON bool `yaml:"log_json"`

	// DBPath is the location of the tenant/authorization store.
	DBPath string `yaml:"db_path"`
	// MetaDBPath is the location of the per-volume metadata store.
	MetaDBPath string `yaml:"meta_db_path"`
	// DatastoreRoot is the directory under which datastores are mounted.
	DatastoreRoot string `yaml:"datastore_root"`

	// MetricsAddr is the listen address for the prometheus endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// SocketPath is the unix socket volume requests arrive on.
	SocketPath string `yaml:"socket_path"`

	// ReconfigureTimeout bounds a single hypervisor reconfiguration task.
	ReconfigureTimeout Duration `yaml:"reconfigure_timeout"`

	// RemoveRetries and RemoveRetryDelay bound the retry loop around
	// backing-object deletion when the platform reports the file busy.
	RemoveRetries    int      `yaml:"remove_retries"`
	RemoveRetryDelay Duration `yaml:"remove_retry_delay"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		DBPath:             DefaultDBPath,
		MetaDBPath:         DefaultMetaDBPath,
		DatastoreRoot:      DefaultDatastoreRoot,
		MetricsAddr:        DefaultMetricsAddr,
		SocketPath:         DefaultSocketPath,
		ReconfigureTimeout: Duration(DefaultReconfigureTTL),
		RemoveRetries:      DefaultRemoveRetries,
		RemoveRetryDelay:   Duration(DefaultRemoveDelay),
	}
}

// Load reads the YAML config at path, applying defaults for unset fields.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.MetaDBPath == "" {
		c.MetaDBPath = d.MetaDBPath
	}
	if c.SocketPath == "" {
		c.SocketPath = d.SocketPath
	}
	if c.DatastoreRoot == "" {
		c.DatastoreRoot = d.DatastoreRoot
	}
	if c.ReconfigureTimeout <= 0 {
		c.ReconfigureTimeout = d.ReconfigureTimeout
	}
	if c.RemoveRetries <= 0 {
		c.RemoveRetries = d.RemoveRetries
	}
	if c.RemoveRetryDelay <= 0 {
		c.RemoveRetryDelay = d.RemoveRetryDelay
	}
}
