// Package config loads the single validated configuration object of the backup service.
//
// Configuration is read once at startup from a TOML file and may be overridden by
// command line flags afterwards. Validate checks structure only: credentials are
// deliberately not checked here, their absence surfaces as interfaces.ErrAuth on the
// first remote call so the service can start and serve the primary store without them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ruteri/coaching-backup/backup"
	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/storage"
)

// ErrInvalidConfig is returned by Load and Validate for structurally invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration read from strings such as "10s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration object.
type Config struct {
	Remote  RemoteConfig  `toml:"remote"`
	Backup  BackupConfig  `toml:"backup"`
	Primary PrimaryConfig `toml:"primary"`
}

// RemoteConfig selects the remote object store and the credentials used for it.
type RemoteConfig struct {
	// URI selects the driver: drive://, s3://bucket/prefix, file:///dir or memory://name.
	URI        string `toml:"uri"`
	FolderName string `toml:"folder_name"`

	ProjectID    string `toml:"project_id"`
	ClientEmail  string `toml:"client_email"`
	PrivateKeyID string `toml:"private_key_id"`
	PrivateKey   string `toml:"private_key"`

	// PrivateKeyFile is read on every credential request so rotated keys are picked up.
	PrivateKeyFile string `toml:"private_key_file"`

	// CredentialsFile is a Google service-account JSON key.
	CredentialsFile string `toml:"credentials_file"`

	// VaultAddress and VaultPath read credentials from a Vault KV v2 secret.
	// The token is taken from VAULT_TOKEN.
	VaultAddress string `toml:"vault_address"`
	VaultPath    string `toml:"vault_path"`

	Scopes []string `toml:"scopes"`

	OperationTimeout Duration `toml:"operation_timeout"`
	FolderCacheTTL   Duration `toml:"folder_cache_ttl"`
}

// BackupConfig tunes the orchestrator and the data manager queue.
type BackupConfig struct {
	SyncAttemptTimeout     Duration `toml:"sync_attempt_timeout"`
	PollInterval           Duration `toml:"poll_interval"`
	InitialBackoff         Duration `toml:"initial_backoff"`
	MaxBackoff             Duration `toml:"max_backoff"`
	MaxAttempts            int      `toml:"max_attempts"`
	QueueCapacity          int      `toml:"queue_capacity"`
	ReadinessRetryInterval Duration `toml:"readiness_retry_interval"`
	QuotaRecheckInterval   Duration `toml:"quota_recheck_interval"`
	ShutdownDrainTimeout   Duration `toml:"shutdown_drain_timeout"`
	ManagerQueueSize       int      `toml:"manager_queue_size"`
}

// PrimaryConfig selects the authoritative store.
type PrimaryConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	def := backup.DefaultConfig()
	remote := storage.DefaultRemoteStoreConfig()

	return &Config{
		Remote: RemoteConfig{
			URI:              "drive://",
			FolderName:       def.FolderName,
			Scopes:           append([]string(nil), storage.DefaultDriveScopes...),
			OperationTimeout: Duration{remote.OperationTimeout},
			FolderCacheTTL:   Duration{remote.FolderCacheTTL},
		},
		Backup: BackupConfig{
			SyncAttemptTimeout:     Duration{def.SyncAttemptTimeout},
			PollInterval:           Duration{def.PollInterval},
			InitialBackoff:         Duration{def.InitialBackoff},
			MaxBackoff:             Duration{def.MaxBackoff},
			MaxAttempts:            def.MaxAttempts,
			QueueCapacity:          def.QueueCapacity,
			ReadinessRetryInterval: Duration{def.ReadinessRetryInterval},
			QuotaRecheckInterval:   Duration{def.QuotaRecheckInterval},
			ShutdownDrainTimeout:   Duration{def.ShutdownDrainTimeout},
			ManagerQueueSize:       256,
		},
		Primary: PrimaryConfig{
			Driver: "sqlite",
			DSN:    "file:coaching.db?_foreign_keys=on",
		},
	}
}

// Load reads path over the defaults and validates the result.
// An empty path yields the validated defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: could not decode %s: %v", ErrInvalidConfig, path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural fields. Credential fields are not inspected.
func (c *Config) Validate() error {
	if _, err := interfaces.NewStorageBackendLocation(c.Remote.URI); err != nil {
		return fmt.Errorf("%w: remote.uri: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(c.Remote.FolderName) == "" {
		return fmt.Errorf("%w: remote.folder_name is required", ErrInvalidConfig)
	}
	if (c.Remote.VaultAddress == "") != (c.Remote.VaultPath == "") {
		return fmt.Errorf("%w: remote.vault_address and remote.vault_path must be set together", ErrInvalidConfig)
	}

	durations := []struct {
		name  string
		value Duration
	}{
		{"remote.operation_timeout", c.Remote.OperationTimeout},
		{"remote.folder_cache_ttl", c.Remote.FolderCacheTTL},
		{"backup.sync_attempt_timeout", c.Backup.SyncAttemptTimeout},
		{"backup.poll_interval", c.Backup.PollInterval},
		{"backup.initial_backoff", c.Backup.InitialBackoff},
		{"backup.max_backoff", c.Backup.MaxBackoff},
		{"backup.readiness_retry_interval", c.Backup.ReadinessRetryInterval},
		{"backup.quota_recheck_interval", c.Backup.QuotaRecheckInterval},
		{"backup.shutdown_drain_timeout", c.Backup.ShutdownDrainTimeout},
	}
	for _, d := range durations {
		if d.value.Duration <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name)
		}
	}
	if c.Backup.MaxBackoff.Duration < c.Backup.InitialBackoff.Duration {
		return fmt.Errorf("%w: backup.max_backoff must not be below backup.initial_backoff", ErrInvalidConfig)
	}

	if c.Backup.MaxAttempts < 1 {
		return fmt.Errorf("%w: backup.max_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Backup.QueueCapacity < 1 {
		return fmt.Errorf("%w: backup.queue_capacity must be at least 1", ErrInvalidConfig)
	}
	if c.Backup.ManagerQueueSize < 1 {
		return fmt.Errorf("%w: backup.manager_queue_size must be at least 1", ErrInvalidConfig)
	}

	switch c.Primary.Driver {
	case "sqlite":
		if c.Primary.DSN == "" {
			return fmt.Errorf("%w: primary.dsn is required for sqlite", ErrInvalidConfig)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unsupported primary.driver %q", ErrInvalidConfig, c.Primary.Driver)
	}
	return nil
}

// RemoteStoreConfig converts the remote section for storage.NewRemoteStore.
func (c *Config) RemoteStoreConfig() storage.RemoteStoreConfig {
	return storage.RemoteStoreConfig{
		FolderName:       c.Remote.FolderName,
		OperationTimeout: c.Remote.OperationTimeout.Duration,
		FolderCacheTTL:   c.Remote.FolderCacheTTL.Duration,
	}
}

// OrchestratorConfig converts the backup section for backup.NewOrchestrator.
func (c *Config) OrchestratorConfig() backup.Config {
	cfg := backup.DefaultConfig()
	cfg.FolderName = c.Remote.FolderName
	cfg.SyncAttemptTimeout = c.Backup.SyncAttemptTimeout.Duration
	cfg.PollInterval = c.Backup.PollInterval.Duration
	cfg.InitialBackoff = c.Backup.InitialBackoff.Duration
	cfg.MaxBackoff = c.Backup.MaxBackoff.Duration
	cfg.MaxAttempts = c.Backup.MaxAttempts
	cfg.QueueCapacity = c.Backup.QueueCapacity
	cfg.ReadinessRetryInterval = c.Backup.ReadinessRetryInterval.Duration
	cfg.QuotaRecheckInterval = c.Backup.QuotaRecheckInterval.Duration
	cfg.ShutdownDrainTimeout = c.Backup.ShutdownDrainTimeout.Duration
	return cfg
}
