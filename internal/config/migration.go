package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult reports what MigrateConfig did.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	BackupPath  string
	Applied     []string
}

// MigrateConfig upgrades cfg to the current schema Version in place,
// applying each intermediate migration step in order and writing a
// timestamped backup of configPath before the first write.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return &MigrationResult{FromVersion: cfg.Version, ToVersion: cfg.Version}, nil
	}

	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: backup before migration: %w", err)
		}
		result.BackupPath = backup
	}

	for cfg.Version < Version {
		name, err := applyMigration(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: migrate from v%d: %w", cfg.Version, err)
		}
		result.Applied = append(result.Applied, name)
	}

	if configPath != "" {
		if err := SaveConfig(cfg, configPath); err != nil {
			return nil, fmt.Errorf("config: save migrated config: %w", err)
		}
	}

	return result, nil
}

func applyMigration(cfg *Config) (string, error) {
	switch cfg.Version {
	case 0, 1:
		migrateV1ToV2(cfg)
		cfg.Version = 2
		return "v1_to_v2", nil
	case 2:
		migrateV2ToV3(cfg)
		cfg.Version = 3
		return "v2_to_v3", nil
	case 3:
		migrateV3ToV4(cfg)
		cfg.Version = 4
		return "v3_to_v4", nil
	case 4:
		migrateV4ToV5(cfg)
		cfg.Version = 5
		return "v4_to_v5", nil
	default:
		return "", fmt.Errorf("no migration defined from version %d", cfg.Version)
	}
}

// migrateV1ToV2 fills in storage and signing defaults that v1 configs
// (flat database_path/signing_key_path fields) never had structured.
func migrateV1ToV2(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
	}
	if cfg.Storage.BusyTimeoutMs == 0 {
		cfg.Storage.BusyTimeoutMs = defaults.Storage.BusyTimeoutMs
	}
	if cfg.Signing.KeyPath == "" {
		cfg.Signing.KeyPath = defaults.Signing.KeyPath
	}
	if cfg.Signing.Algorithm == "" {
		cfg.Signing.Algorithm = "ed25519"
	}
}

// migrateV2ToV3 turns on the WAL-driven checkpoint cadence tracker.
func migrateV2ToV3(cfg *Config) {
	if cfg.WAL.Path == "" {
		cfg.WAL = DefaultConfig().WAL
	}
	if cfg.Checkpoint.EveryEvents == 0 && cfg.Checkpoint.EveryBuckets == 0 {
		cfg.Checkpoint.EveryEvents = 500
		cfg.Checkpoint.EveryBuckets = 6
	}
}

// migrateV3ToV4 enables the two-tier key hierarchy and fills in vault
// and break-glass defaults that earlier versions predate.
func migrateV3ToV4(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.KeyHierarchy.IdentityPath == "" {
		cfg.KeyHierarchy = defaults.KeyHierarchy
	}
	if cfg.Vault.Path == "" {
		cfg.Vault = defaults.Vault
	}
	if cfg.BreakGlass.PolicyPath == "" {
		cfg.BreakGlass = defaults.BreakGlass
	}
	if cfg.Retention.Seconds == 0 {
		cfg.Retention = defaults.Retention
	}
}

// migrateV4ToV5 turns on the monitoring HTTP endpoint's defaults; it stays
// disabled unless the operator's config already opted in.
func migrateV4ToV5(cfg *Config) {
	if cfg.Monitoring.ListenAddr == "" {
		cfg.Monitoring.ListenAddr = DefaultConfig().Monitoring.ListenAddr
	}
}

func backupConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return "", err
	}
	return backupPath, nil
}

// MigrateLegacyConfig imports a flat legacy config (the pre-Version
// pwkd.toml shape: database_path, signing_key_path, watch_paths at
// the top level) into the current nested Config.
func MigrateLegacyConfig(data map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := data["database_path"].(string); ok && v != "" {
		cfg.Storage.Path = v
	}
	if v, ok := data["signing_key_path"].(string); ok && v != "" {
		cfg.Signing.KeyPath = v
	}
	if v, ok := data["log_path"].(string); ok && v != "" {
		cfg.Logging.FilePath = v
	}
	if raw, ok := data["watch_paths"].([]interface{}); ok {
		paths := make([]string, 0, len(raw))
		for _, p := range raw {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
		cfg.Watch.Paths = paths
	}
	if v, ok := data["interval"].(float64); ok {
		cfg.Watch.DebounceMs = int(v) * 1000
	}

	return cfg, nil
}

// SaveConfig writes cfg to path, choosing an encoding by file extension.
func SaveConfig(cfg *Config, path string) error {
	switch filepath.Ext(path) {
	case ".toml", "":
		return encodeToTOML(cfg, path)
	case ".yaml", ".yml":
		return encodeToYAML(cfg, path)
	case ".json":
		return encodeToJSON(cfg, path)
	default:
		return fmt.Errorf("config: unsupported extension %q", filepath.Ext(path))
	}
}

func encodeToTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode toml: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

func encodeToYAML(cfg *Config, path string) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

func encodeToJSON(cfg *Config, path string) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode json: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// GetMigrationHistory reads the recorded list of applied migrations.
func GetMigrationHistory() ([]MigrationResult, error) {
	path := filepath.Join(WitnessdDir(), "migration_history.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// SaveMigrationHistory appends a migration result to the recorded history.
func SaveMigrationHistory(result *MigrationResult) error {
	history, err := GetMigrationHistory()
	if err != nil {
		return err
	}
	history = append(history, *result)

	dir := WitnessdDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "migration_history.json"), raw, 0o600)
}
