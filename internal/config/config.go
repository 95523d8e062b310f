// Package config loads the control plane configuration from a YAML file
// with environment overrides. The resulting Config is injected into every
// component; nothing reads it through a global.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// Duration is a time.Duration that YAML-encodes as a human string ("90s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Listen      Listen      `yaml:"listen"`
	Store       Store       `yaml:"store"`
	ObjectStore ObjectStore `yaml:"object_store"`
	Compiler    Compiler    `yaml:"compiler"`
	Node        Node        `yaml:"node"`
	Rollout     Rollout     `yaml:"rollout"`
	Drift       Drift       `yaml:"drift"`
	Dispatcher  Dispatcher  `yaml:"dispatcher"`
	Webhook     Webhook     `yaml:"webhook"`
	Auth        Auth        `yaml:"auth"`
	Log         Log         `yaml:"log"`
}

type Listen struct {
	// API is the bind address of the node and operator HTTP API.
	API string `yaml:"api"`
	// Management is the bind address of /metrics, /healthz and /readyz.
	Management string `yaml:"management"`
}

type Store struct {
	// Driver selects the store implementation: bolt or postgres.
	Driver string `yaml:"driver"`
	// Path is the bolt database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

type ObjectStore struct {
	// Driver selects the artifact store: fs or s3.
	Driver string `yaml:"driver"`
	FS     FS     `yaml:"fs"`
	S3     S3     `yaml:"s3"`
}

type FS struct {
	Dir string `yaml:"dir"`
	// BaseURL prefixes presigned download URLs; an external file server is
	// expected to serve Dir below it.
	BaseURL string `yaml:"base_url"`
	// Secret keys the HMAC on presigned URLs. Generated when empty.
	Secret string `yaml:"secret"`
}

type S3 struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// AccessKeyID/SecretAccessKey set static credentials, as self-hosted
	// S3-compatible stores usually need. Empty falls back to the default
	// AWS credential chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type Compiler struct {
	// ValidatorCommand is the external KDL validator argv. Empty disables
	// external validation.
	ValidatorCommand []string `yaml:"validator_command"`
	// Compression picks the archive codec: zstd or gzip.
	Compression string `yaml:"compression"`
	// Sign controls Ed25519 signing of compiled archives. Signing is
	// skipped with a note in compiler output when the org has no usable
	// key.
	Sign bool `yaml:"sign"`
}

type Node struct {
	PollInterval   Duration `yaml:"poll_interval"`
	StaleThreshold Duration `yaml:"stale_threshold"`
	TokenTTL       Duration `yaml:"token_ttl"`
	DownloadURLTTL Duration `yaml:"download_url_ttl"`
	// HeartbeatRetention/EventRetention cap stored rows per node.
	HeartbeatRetention int `yaml:"heartbeat_retention"`
	EventRetention     int `yaml:"event_retention"`
}

type Rollout struct {
	TickInterval        Duration `yaml:"tick_interval"`
	DefaultStepDeadline Duration `yaml:"default_step_deadline"`
	// RelaxedZeroUnavailable makes max_unavailable=0 require only the
	// online nodes of a step instead of every node.
	RelaxedZeroUnavailable bool `yaml:"relaxed_zero_unavailable"`
}

type Drift struct {
	ScanInterval        Duration `yaml:"scan_interval"`
	RemediationCooldown Duration `yaml:"remediation_cooldown"`
}

type Dispatcher struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
}

type Webhook struct {
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type Auth struct {
	// KeyEncryptionSecret is a base64 32-byte secret sealing signing key
	// private halves at rest. Empty stores them unsealed.
	KeyEncryptionSecret string `yaml:"key_encryption_secret"`
	// SystemUserID attributes engine-created rollouts (auto-remediation,
	// auto-rollback).
	SystemUserID string `yaml:"system_user_id"`
}

type Log struct {
	Development bool `yaml:"development"`
	Level       int  `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen: Listen{
			API:        ":8080",
			Management: ":9090",
		},
		Store: Store{
			Driver: "bolt",
			Path:   "sentinel.db",
		},
		ObjectStore: ObjectStore{
			Driver: "fs",
			FS:     FS{Dir: "bundles"},
		},
		Compiler: Compiler{
			Compression: "zstd",
			Sign:        true,
		},
		Node: Node{
			PollInterval:       Duration{durations.DefaultPollInterval},
			StaleThreshold:     Duration{durations.NodeStaleThreshold},
			TokenTTL:           Duration{durations.NodeTokenTTL},
			DownloadURLTTL:     Duration{durations.DownloadURLTTL},
			HeartbeatRetention: 100,
			EventRetention:     500,
		},
		Rollout: Rollout{
			TickInterval:        Duration{durations.RolloutTickInterval},
			DefaultStepDeadline: Duration{durations.DefaultStepDeadline},
		},
		Drift: Drift{
			ScanInterval:        Duration{durations.DriftScanInterval},
			RemediationCooldown: Duration{durations.RemediationCooldown},
		},
		Dispatcher: Dispatcher{
			Workers:     4,
			MaxAttempts: 5,
		},
		Webhook: Webhook{
			Timeout:     Duration{durations.WebhookTimeout},
			MaxAttempts: 5,
		},
		Auth: Auth{
			SystemUserID: "system",
		},
	}
}

// Read loads path over the defaults, then applies environment overrides.
// An empty path loads defaults plus environment only.
func Read(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SENTINEL_API_ADDR"); v != "" {
		cfg.Listen.API = v
	}
	if v := os.Getenv("SENTINEL_MANAGEMENT_ADDR"); v != "" {
		cfg.Listen.Management = v
	}
	if v := os.Getenv("SENTINEL_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SENTINEL_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SENTINEL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SENTINEL_KEY_ENCRYPTION_SECRET"); v != "" {
		cfg.Auth.KeyEncryptionSecret = v
	}
	if v := os.Getenv("SENTINEL_DISPATCHER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.Workers = n
		}
	}
}

// ApplyDataDir rebases the embedded store file and the fs artifact
// directory below dir. Absolute paths from the file are left alone; the
// relative defaults move.
func (c *Config) ApplyDataDir(dir string) {
	if c.Store.Path != "" && !filepath.IsAbs(c.Store.Path) {
		c.Store.Path = filepath.Join(dir, c.Store.Path)
	}
	if c.ObjectStore.FS.Dir != "" && !filepath.IsAbs(c.ObjectStore.FS.Dir) {
		c.ObjectStore.FS.Dir = filepath.Join(dir, c.ObjectStore.FS.Dir)
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required with the bolt driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required with the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.ObjectStore.Driver {
	case "fs":
		if c.ObjectStore.FS.Dir == "" {
			return fmt.Errorf("object_store.fs.dir is required with the fs driver")
		}
	case "s3":
		if c.ObjectStore.S3.Bucket == "" {
			return fmt.Errorf("object_store.s3.bucket is required with the s3 driver")
		}
	default:
		return fmt.Errorf("unknown object_store.driver %q", c.ObjectStore.Driver)
	}
	switch c.Compiler.Compression {
	case "zstd", "gzip":
	default:
		return fmt.Errorf("unknown compiler.compression %q", c.Compiler.Compression)
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive")
	}
	return nil
}
