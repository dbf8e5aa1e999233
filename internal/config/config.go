// Package config handles configuration loading, validation, and migration
// for the kernel daemon and its CLI collaborators.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version. Loaded configs
// older than this are migrated in place by MigrateConfig.
const Version = 5

// Config holds the daemon configuration.
type Config struct {
	Version int `toml:"version"`

	Watch       WatchConfig       `toml:"watch"`
	Frame       FrameConfig       `toml:"frame"`
	Bucket      BucketConfig      `toml:"bucket"`
	Checkpoint  CheckpointConfig  `toml:"checkpoint"`
	Retention   RetentionConfig   `toml:"retention"`
	Storage     StorageConfig     `toml:"storage"`
	WAL         WALConfig         `toml:"wal"`
	Signing     SigningConfig     `toml:"signing"`
	Attestation AttestationConfig `toml:"attestation"`
	KeyHierarchy KeyHierarchyConfig `toml:"key_hierarchy"`
	Vault       VaultConfig       `toml:"vault"`
	BreakGlass  BreakGlassConfig  `toml:"break_glass"`
	Logging     LoggingConfig     `toml:"logging"`
	Monitoring  MonitoringConfig  `toml:"monitoring"`
}

// WatchConfig governs internal/watcher's filesystem watches: the policy
// file and the vault directory, not raw media (the kernel never watches
// media sources directly; those are external ingestion backends).
type WatchConfig struct {
	Paths           []string `toml:"paths"`
	IncludePatterns []string `toml:"include_patterns"`
	ExcludePatterns []string `toml:"exclude_patterns"`
	DebounceMs      int      `toml:"debounce_ms"`
	FollowSymlinks  bool     `toml:"follow_symlinks"`
	Recursive       bool     `toml:"recursive"`
}

// FrameConfig sizes the in-memory ring buffer raw frames live in before
// being discarded (spec.md §4.1): never persisted, never exported whole.
type FrameConfig struct {
	BufferSeconds int `toml:"buffer_seconds"`
	MaxFrames     int `toml:"max_frames"`
}

// BucketConfig sets the non-linkability window (spec.md §4.5): a fresh
// bucket key is generated, and the prior one destroyed, every SizeMinutes.
type BucketConfig struct {
	SizeMinutes int `toml:"size_minutes"`
}

// CheckpointConfig sets the cadence the kernel checks after each sealed
// event and bucket rotation to trigger a checkpoint (its checkpointLocked):
// every EveryEvents events or EveryBuckets bucket rotations, whichever comes
// first. internal/wal's heartbeat separately triggers one every interval.
type CheckpointConfig struct {
	EveryEvents  int64 `toml:"every_events"`
	EveryBuckets int   `toml:"every_buckets"`
}

// RetentionConfig bounds how long sealed events are kept once a
// checkpoint covers them (spec.md §4.7).
type RetentionConfig struct {
	Seconds int64 `toml:"seconds"`
}

// VaultConfig locates the raw-media export vault and selects its DEK-wrap
// crypto mode (spec.md §4.6, §9).
type VaultConfig struct {
	Path       string `toml:"path"`
	CryptoMode string `toml:"crypto_mode"` // classical, pq, or hybrid
}

// BreakGlassConfig locates the trustee policy document.
type BreakGlassConfig struct {
	PolicyPath string `toml:"policy_path"`
}

// StorageConfig configures the sealed-event/receipts/checkpoint/policy
// SQLite store (internal/store).
type StorageConfig struct {
	Path           string `toml:"path"`
	Secure         bool   `toml:"secure"`
	MaxConnections int    `toml:"max_connections"`
	BusyTimeoutMs  int    `toml:"busy_timeout_ms"`
}

// WALConfig configures the heartbeat/checkpoint-cadence tracker
// (internal/wal), adapted from the teacher's write-ahead-log heartbeat.
type WALConfig struct {
	Enabled             bool   `toml:"enabled"`
	Path                string `toml:"path"`
	MaxSizeBytes        int64  `toml:"max_size_bytes"`
	SyncMode            string `toml:"sync_mode"`
	CheckpointThreshold int    `toml:"checkpoint_threshold"`
	RetentionHours      int    `toml:"retention_hours"`
}

// SigningConfig locates the device's Ed25519 signing key, the only key
// that ever signs a sealed log entry, checkpoint, or break-glass receipt.
type SigningConfig struct {
	KeyPath         string `toml:"key_path"`
	PublicKeyPath   string `toml:"public_key_path"`
	Algorithm       string `toml:"algorithm"`
	KeyRotationDays int    `toml:"key_rotation_days"`
}

// AttestationConfig configures optional TPM-backed sealing of the device
// identity key (internal/attestation), falling back to a software PUF
// derivation when no TPM is present.
type AttestationConfig struct {
	TPMEnabled  bool   `toml:"tpm_enabled"`
	TPMPath     string `toml:"tpm_path"`
	TPMPCRs     []int  `toml:"tpm_pcrs"`
	PUFSeedPath string `toml:"puf_seed_path"`
}

// KeyHierarchyConfig configures the two-tier key derivation (spec.md
// §4.5): Tier 0 is the persistent device identity, Tier 1 the per-bucket
// key destroyed at bucket rotation.
type KeyHierarchyConfig struct {
	Enabled                bool   `toml:"enabled"`
	Version                int    `toml:"version"`
	IdentityPath           string `toml:"identity_path"`
	TierZeroReverifyHours  int    `toml:"tier_zero_reverify_hours"`
}

// LoggingConfig configures the structured logger (internal/logging).
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Output     string `toml:"output"`
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// MonitoringConfig exposes the kernel's internal/metrics and internal/health
// state over a local HTTP listener: /healthz, /readyz, and /metrics. Off by
// default, since most deployments run pwkd headless on-device.
type MonitoringConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Watch: WatchConfig{
			Paths:           []string{paths.ConfigDir, filepath.Dir(paths.VaultDir)},
			IncludePatterns: []string{"*.toml", "*.envelope"},
			DebounceMs:      250,
			Recursive:       false,
		},
		Frame: FrameConfig{
			BufferSeconds: 30,
			MaxFrames:     300,
		},
		Bucket: BucketConfig{
			SizeMinutes: 10,
		},
		Checkpoint: CheckpointConfig{
			EveryEvents:  500,
			EveryBuckets: 6,
		},
		Retention: RetentionConfig{
			Seconds: 30 * 24 * 3600,
		},
		Storage: StorageConfig{
			Path:           paths.DatabaseFile,
			Secure:         true,
			MaxConnections: 1,
			BusyTimeoutMs:  5000,
		},
		WAL: WALConfig{
			Enabled:             true,
			Path:                filepath.Join(paths.DataDir, "wal"),
			MaxSizeBytes:        64 * 1024 * 1024,
			SyncMode:            "normal",
			CheckpointThreshold: 500,
			RetentionHours:      24,
		},
		Signing: SigningConfig{
			KeyPath:         paths.SigningKeyFile,
			PublicKeyPath:   paths.PublicKeyFile,
			Algorithm:       "ed25519",
			KeyRotationDays: 0,
		},
		Attestation: AttestationConfig{
			TPMEnabled:  false,
			TPMPath:     "/dev/tpmrm0",
			PUFSeedPath: paths.PUFSeedFile,
		},
		KeyHierarchy: KeyHierarchyConfig{
			Enabled:               true,
			Version:               1,
			IdentityPath:          paths.IdentityFile,
			TierZeroReverifyHours: 24,
		},
		Vault: VaultConfig{
			Path:       paths.VaultDir,
			CryptoMode: "classical",
		},
		BreakGlass: BreakGlassConfig{
			PolicyPath: filepath.Join(paths.DataDir, "breakglass_policy.toml"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "file",
			FilePath:   filepath.Join(paths.LogDir, "pwkd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return GetDefaultPaths().ConfigFile
}

// WitnessdDir returns the kernel's base data directory. The name is kept
// for continuity with the directory-layout helpers in defaults.go.
func WitnessdDir() string {
	return PlatformDataDir()
}

// Load reads configuration from the specified path. If the file doesn't
// exist, returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for errors, delegating to
// ValidateConfig's per-section checks.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Signing.KeyPath),
		c.Vault.Path,
		filepath.Dir(c.BreakGlass.PolicyPath),
	}
	if c.WAL.Enabled {
		dirs = append(dirs, c.WAL.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Clone returns a deep-enough copy of the config for Merge to mutate
// without aliasing slices the original still holds.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Watch.Paths = append([]string(nil), c.Watch.Paths...)
	clone.Watch.IncludePatterns = append([]string(nil), c.Watch.IncludePatterns...)
	clone.Watch.ExcludePatterns = append([]string(nil), c.Watch.ExcludePatterns...)
	clone.Attestation.TPMPCRs = append([]int(nil), c.Attestation.TPMPCRs...)
	return &clone
}

// ApplyEnvOverrides layers environment variables over the loaded config,
// matching spec.md §6's env surface (DEVICE_KEY_SEED is read directly by
// cmd/pwkd, not here, since it is a secret that never belongs on a Config
// struct that might get logged or serialized).
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WITNESS_VAULT_PATH"); v != "" {
		c.Vault.Path = v
	}
	if v := os.Getenv("WITNESS_CONFIG"); v != "" {
		// The config path itself is consumed by the caller before Load
		// runs; recorded here only so ApplyEnvOverrides has a single,
		// predictable place documenting every env var spec.md §6 names.
		_ = v
	}
	if v := os.Getenv("PWKD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PWKD_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PWKD_CHECKPOINT_EVERY_EVENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Checkpoint.EveryEvents = n
		}
	}
}
