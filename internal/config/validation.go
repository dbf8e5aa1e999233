package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"pwk/internal/security"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsWarning reports whether this error is advisory rather than fatal.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

// ValidationErrors collects every problem found in one validation pass.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Errors returns only the non-warning entries.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if !err.Warning {
			out = append(out, err)
		}
	}
	return out
}

// Warnings returns only the advisory entries.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.Warning {
			out = append(out, err)
		}
	}
	return out
}

// HasErrors reports whether any non-warning entry is present.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

func requiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "is required"}
}

func rangeError(field string, got, min, max interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %v and %v, got %v", min, max, got)}
}

// ErrInvalidConfig is returned by Validate when any non-warning issue is found.
var ErrInvalidConfig = fmt.Errorf("config: invalid configuration")

// ValidateConfig checks every section of a Config and returns the
// accumulated ValidationErrors, or nil if everything not marked a
// warning passed.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateFrame(&c.Frame)...)
	errs = append(errs, validateBucket(&c.Bucket)...)
	errs = append(errs, validateCheckpoint(&c.Checkpoint)...)
	errs = append(errs, validateRetention(&c.Retention)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateWAL(&c.WAL)...)
	errs = append(errs, validateSigning(&c.Signing)...)
	errs = append(errs, validateAttestation(&c.Attestation)...)
	errs = append(errs, validateKeyHierarchy(&c.KeyHierarchy)...)
	errs = append(errs, validateVault(&c.Vault)...)
	errs = append(errs, validateBreakGlass(&c.BreakGlass)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if errs.HasErrors() {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, errs.Errors().Error())
	}
	return nil
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors
	if len(w.Paths) == 0 {
		errs = append(errs, &ValidationError{Field: "watch.paths", Message: "no paths configured; policy/vault changes won't be noticed", Warning: true})
	}
	for _, p := range w.Paths {
		if !filepath.IsAbs(p) {
			errs = append(errs, &ValidationError{Field: "watch.paths", Message: fmt.Sprintf("%q should be an absolute path", p), Warning: true})
		}
	}
	for _, p := range w.IncludePatterns {
		if !isValidGlobPattern(p) {
			errs = append(errs, &ValidationError{Field: "watch.include_patterns", Message: fmt.Sprintf("invalid glob %q", p)})
		}
	}
	if w.DebounceMs < 0 {
		errs = append(errs, rangeError("watch.debounce_ms", w.DebounceMs, 0, "∞"))
	}
	return errs
}

func validateFrame(f *FrameConfig) ValidationErrors {
	var errs ValidationErrors
	if f.BufferSeconds <= 0 {
		errs = append(errs, rangeError("frame.buffer_seconds", f.BufferSeconds, 1, "∞"))
	}
	if f.MaxFrames <= 0 {
		errs = append(errs, rangeError("frame.max_frames", f.MaxFrames, 1, "∞"))
	}
	return errs
}

func validateBucket(b *BucketConfig) ValidationErrors {
	var errs ValidationErrors
	if b.SizeMinutes <= 0 {
		errs = append(errs, rangeError("bucket.size_minutes", b.SizeMinutes, 1, "∞"))
	}
	return errs
}

func validateCheckpoint(cp *CheckpointConfig) ValidationErrors {
	var errs ValidationErrors
	if cp.EveryEvents <= 0 && cp.EveryBuckets <= 0 {
		errs = append(errs, requiredFieldError("checkpoint.every_events or checkpoint.every_buckets"))
	}
	if cp.EveryEvents < 0 {
		errs = append(errs, rangeError("checkpoint.every_events", cp.EveryEvents, 0, "∞"))
	}
	if cp.EveryBuckets < 0 {
		errs = append(errs, rangeError("checkpoint.every_buckets", cp.EveryBuckets, 0, "∞"))
	}
	return errs
}

func validateRetention(r *RetentionConfig) ValidationErrors {
	var errs ValidationErrors
	if r.Seconds <= 0 {
		errs = append(errs, rangeError("retention.seconds", r.Seconds, 1, "∞"))
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, requiredFieldError("storage.path"))
	} else if err := validatePathField("storage.path", s.Path); err != nil {
		errs = append(errs, err)
	}
	if s.MaxConnections > 1 {
		errs = append(errs, &ValidationError{Field: "storage.max_connections", Message: "store is single-writer; values above 1 are ignored", Warning: true})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, rangeError("storage.busy_timeout_ms", s.BusyTimeoutMs, 0, "∞"))
	}
	return errs
}

func validateWAL(w *WALConfig) ValidationErrors {
	var errs ValidationErrors
	if !w.Enabled {
		return errs
	}
	if w.Path == "" {
		errs = append(errs, requiredFieldError("wal.path"))
	}
	if w.MaxSizeBytes <= 0 {
		errs = append(errs, rangeError("wal.max_size_bytes", w.MaxSizeBytes, 1, "∞"))
	}
	switch w.SyncMode {
	case "normal", "full", "off":
	default:
		errs = append(errs, &ValidationError{Field: "wal.sync_mode", Message: fmt.Sprintf("unknown sync mode %q", w.SyncMode)})
	}
	return errs
}

func validateSigning(s *SigningConfig) ValidationErrors {
	var errs ValidationErrors
	if s.KeyPath == "" {
		errs = append(errs, requiredFieldError("signing.key_path"))
	} else if err := validatePathField("signing.key_path", s.KeyPath); err != nil {
		errs = append(errs, err)
	}
	if s.Algorithm != "" && s.Algorithm != "ed25519" {
		errs = append(errs, &ValidationError{Field: "signing.algorithm", Message: "only ed25519 is supported"})
	}
	if s.KeyRotationDays < 0 {
		errs = append(errs, rangeError("signing.key_rotation_days", s.KeyRotationDays, 0, "∞"))
	}
	return errs
}

func validateAttestation(a *AttestationConfig) ValidationErrors {
	var errs ValidationErrors
	if a.TPMEnabled && a.TPMPath == "" {
		errs = append(errs, requiredFieldError("attestation.tpm_path"))
	}
	if a.PUFSeedPath == "" {
		errs = append(errs, requiredFieldError("attestation.puf_seed_path"))
	}
	return errs
}

func validateKeyHierarchy(k *KeyHierarchyConfig) ValidationErrors {
	var errs ValidationErrors
	if !k.Enabled {
		errs = append(errs, &ValidationError{Field: "key_hierarchy.enabled", Message: "disabling the two-tier hierarchy removes bucket non-linkability", Warning: true})
		return errs
	}
	if k.IdentityPath == "" {
		errs = append(errs, requiredFieldError("key_hierarchy.identity_path"))
	}
	if k.TierZeroReverifyHours < 0 {
		errs = append(errs, rangeError("key_hierarchy.tier_zero_reverify_hours", k.TierZeroReverifyHours, 0, "∞"))
	}
	return errs
}

func validateVault(v *VaultConfig) ValidationErrors {
	var errs ValidationErrors
	if v.Path == "" {
		errs = append(errs, requiredFieldError("vault.path"))
	} else if err := validatePathField("vault.path", v.Path); err != nil {
		errs = append(errs, err)
	}
	switch v.CryptoMode {
	case "classical", "pq", "hybrid":
	default:
		errs = append(errs, &ValidationError{Field: "vault.crypto_mode", Message: fmt.Sprintf("unknown crypto mode %q, want classical/pq/hybrid", v.CryptoMode)})
	}
	return errs
}

func validateBreakGlass(b *BreakGlassConfig) ValidationErrors {
	var errs ValidationErrors
	if b.PolicyPath == "" {
		errs = append(errs, requiredFieldError("break_glass.policy_path"))
	} else if err := validatePathField("break_glass.policy_path", b.PolicyPath); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", l.Level)})
	}
	switch l.Format {
	case "json", "text":
	default:
		errs = append(errs, &ValidationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", l.Format)})
	}
	switch l.Output {
	case "file", "stdout", "stderr":
	default:
		errs = append(errs, &ValidationError{Field: "logging.output", Message: fmt.Sprintf("unknown output %q", l.Output)})
	}
	if l.Output == "file" && l.FilePath == "" {
		errs = append(errs, requiredFieldError("logging.file_path"))
	}
	if l.MaxSizeMB < 0 {
		errs = append(errs, rangeError("logging.max_size_mb", l.MaxSizeMB, 0, "∞"))
	}
	return errs
}

// pathValidator rejects traversal sequences and null bytes in config-file
// path fields. Every path here comes from an operator-editable TOML file,
// so a path like "../../etc/cron.d/evil" slipped into storage.path or
// vault.path is worth catching at load time rather than at whatever file
// operation eventually follows it. Symlinks are allowed: config paths
// routinely point at bind mounts and symlinked data directories.
var pathValidator = &security.PathValidator{AllowSymlinks: true, MaxPathLength: 4096}

func validatePathField(field, path string) *ValidationError {
	if path == "" {
		return nil
	}
	if _, err := pathValidator.ValidatePath(path); err != nil {
		return &ValidationError{Field: field, Message: err.Error()}
	}
	return nil
}

func isValidGlobPattern(pattern string) bool {
	_, err := filepath.Match(pattern, "probe")
	return err == nil
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
