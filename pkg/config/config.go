package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"postbox/pkg/delivery"
	"postbox/pkg/health"
	"postbox/pkg/utils"
)

const (
	// EnvPrefix prefixes every environment override, e.g. POSTBOX_DELIVERY_WORKERS.
	EnvPrefix = "POSTBOX"
	// FileName is the config file looked up in the data dir (.json, .yaml and .toml all work).
	FileName = "postbox"

	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

type Config struct {
	Node        NodeConfig      `mapstructure:"node" json:"node"`
	Listen      string          `mapstructure:"listen" json:"listen"`
	MetricsAddr string          `mapstructure:"metrics_addr" json:"metrics_addr"`
	DataDir     string          `mapstructure:"data_dir" json:"data_dir"`
	LogLevel    string          `mapstructure:"log_level" json:"log_level"`
	Store       StoreConfig     `mapstructure:"store" json:"store"`
	Delivery    DeliveryConfig  `mapstructure:"delivery" json:"delivery"`
	Health      HealthConfig    `mapstructure:"health" json:"health"`
	Receiver    ReceiverConfig  `mapstructure:"receiver" json:"receiver"`
	Directory   DirectoryConfig `mapstructure:"directory" json:"directory"`
	TLS         TLSConfig       `mapstructure:"tls" json:"tls"`
}

// NodeConfig identifies this node to its peers.
type NodeConfig struct {
	BaseURL  string `mapstructure:"base_url" json:"base_url"`
	Identity string `mapstructure:"identity" json:"identity"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
	DSN    string `mapstructure:"dsn" json:"dsn,omitempty"`
	Path   string `mapstructure:"path" json:"path,omitempty"`
}

type DeliveryConfig struct {
	Workers        int           `mapstructure:"workers" json:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts" json:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size" json:"batch_size"`
	UserAgent      string        `mapstructure:"user_agent" json:"user_agent"`
}

type HealthConfig struct {
	BaseInterval     time.Duration `mapstructure:"base_interval" json:"base_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval" json:"max_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
}

type ReceiverConfig struct {
	// MaxBodySize accepts human-friendly sizes such as "512KB" or "1MiB".
	MaxBodySize string `mapstructure:"max_body_size" json:"max_body_size"`
}

type DirectoryConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// TLSConfig covers both directions: CAPath extends the roots trusted for
// outbound deliveries, CertFile and KeyFile switch the receiver to HTTPS.
type TLSConfig struct {
	CAPath   string `mapstructure:"ca_path" json:"ca_path,omitempty"`
	CertFile string `mapstructure:"cert_file" json:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" json:"key_file,omitempty"`
}

// DefaultDataDir resolves the data directory from POSTBOX_DATA_DIR,
// XDG_DATA_HOME or the home directory, in that order.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "postbox")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".postbox"
	}
	return filepath.Join(home, ".postbox")
}

func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Listen:      ":8080",
		MetricsAddr: ":9090",
		DataDir:     dataDir,
		LogLevel:    "info",
		Store: StoreConfig{
			Driver: DriverBadger,
		},
		Delivery: DeliveryConfig{
			Workers:        delivery.DefaultWorkers,
			PollInterval:   delivery.DefaultPollInterval,
			AttemptTimeout: delivery.DefaultAttemptTimeout,
			MaxAttempts:    delivery.DefaultMaxAttempts,
			BatchSize:      delivery.DefaultBatchSize,
			UserAgent:      "postbox",
		},
		Health: HealthConfig{
			BaseInterval:     health.DefaultBaseInterval,
			MaxInterval:      health.DefaultMaxInterval,
			FailureThreshold: health.DefaultFailureThreshold,
		},
		Receiver: ReceiverConfig{
			MaxBodySize: "1MiB",
		},
	}
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"listen":       "listen",
	"metrics-addr": "metrics_addr",
	"data-dir":     "data_dir",
	"log-level":    "log_level",
	"store":        "store.driver",
	"dsn":          "store.dsn",
	"workers":      "delivery.workers",
	"directory":    "directory.path",
	"base-url":     "node.base_url",
	"identity":     "node.identity",
}

// Load builds the configuration from defaults, the config file, POSTBOX_*
// environment variables and flags, later sources winning. An empty path
// looks for postbox.{json,yaml,toml} in the data dir and tolerates its
// absence; an explicit path must exist.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Store.Driver == DriverBadger && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "badger")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides apply to keys that are
// absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node.base_url", d.Node.BaseURL)
	v.SetDefault("node.identity", d.Node.Identity)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("delivery.workers", d.Delivery.Workers)
	v.SetDefault("delivery.poll_interval", d.Delivery.PollInterval)
	v.SetDefault("delivery.attempt_timeout", d.Delivery.AttemptTimeout)
	v.SetDefault("delivery.max_attempts", d.Delivery.MaxAttempts)
	v.SetDefault("delivery.batch_size", d.Delivery.BatchSize)
	v.SetDefault("delivery.user_agent", d.Delivery.UserAgent)
	v.SetDefault("health.base_interval", d.Health.BaseInterval)
	v.SetDefault("health.max_interval", d.Health.MaxInterval)
	v.SetDefault("health.failure_threshold", d.Health.FailureThreshold)
	v.SetDefault("receiver.max_body_size", d.Receiver.MaxBodySize)
	v.SetDefault("directory.path", d.Directory.Path)
	v.SetDefault("tls.ca_path", d.TLS.CAPath)
	v.SetDefault("tls.cert_file", d.TLS.CertFile)
	v.SetDefault("tls.key_file", d.TLS.KeyFile)
}

func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.Node.BaseURL != "" {
		u, err := url.Parse(c.Node.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid node.base_url %q", c.Node.BaseURL)
		}
	}

	switch c.Store.Driver {
	case DriverMemory, DriverBadger:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Delivery.Workers < 1 {
		return fmt.Errorf("delivery.workers must be positive, got %d", c.Delivery.Workers)
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1, got %d", c.Delivery.MaxAttempts)
	}
	if c.Delivery.BatchSize < 1 {
		return fmt.Errorf("delivery.batch_size must be positive, got %d", c.Delivery.BatchSize)
	}
	if c.Delivery.PollInterval <= 0 || c.Delivery.AttemptTimeout <= 0 {
		return errors.New("delivery intervals must be positive")
	}

	if err := c.Health.Policy().Validate(); err != nil {
		return fmt.Errorf("invalid health config: %w", err)
	}

	if _, err := c.Receiver.MaxBodyBytes(); err != nil {
		return fmt.Errorf("invalid receiver.max_body_size: %w", err)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	return nil
}

func (h HealthConfig) Policy() health.BackoffPolicy {
	return health.BackoffPolicy{
		BaseInterval:     h.BaseInterval,
		MaxInterval:      h.MaxInterval,
		FailureThreshold: h.FailureThreshold,
	}
}

func (d DeliveryConfig) QueueConfig() delivery.Config {
	return delivery.Config{
		MaxAttempts:    d.MaxAttempts,
		AttemptTimeout: d.AttemptTimeout,
	}
}

func (d DeliveryConfig) PoolConfig() delivery.PoolConfig {
	return delivery.PoolConfig{
		Workers:      d.Workers,
		PollInterval: d.PollInterval,
		BatchSize:    d.BatchSize,
	}
}

func (r ReceiverConfig) MaxBodyBytes() (int64, error) {
	n, err := utils.ParseDataSize(r.MaxBodySize)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", n)
	}
	return n, nil
}
