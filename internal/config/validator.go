package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateStore(&cfg.Store)
	v.validateSupervisor(&cfg.Supervisor)
	v.validateIntegrity(&cfg.Integrity)
	v.validateDiagnostics(&cfg.Diagnostics)
	v.validateBootstrap(&cfg.Bootstrap)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	switch cfg.Backend {
	case "memory":
		return
	case "sqlite", "file":
	default:
		v.addError("store.backend", cfg.Backend, "must be one of: sqlite, file, memory")
		return
	}

	if cfg.Path == "" {
		v.addError("store.path", cfg.Path, "required for "+cfg.Backend+" backend")
	} else if !isValidPath(cfg.Path) {
		v.addError("store.path", cfg.Path, "invalid file path")
	}
	if cfg.BackupPath != "" && !isValidPath(cfg.BackupPath) {
		v.addError("store.backup_path", cfg.BackupPath, "invalid file path")
	}
}

func (v *Validator) validateSupervisor(cfg *SupervisorConfig) {
	if cfg.MaxAttempts < 1 {
		v.addError("supervisor.max_attempts", cfg.MaxAttempts, "must be at least 1")
	}
	if cfg.Backoff < 0 {
		v.addError("supervisor.backoff", cfg.Backoff, "must not be negative")
	}
	if cfg.RecentCrashWindow <= 0 {
		v.addError("supervisor.recent_crash_window", cfg.RecentCrashWindow, "must be positive")
	}
	for i, pattern := range cfg.CorruptedKeys {
		if _, err := path.Match(pattern, ""); err != nil {
			v.addError(fmt.Sprintf("supervisor.corrupted_keys[%d]", i), pattern, "malformed pattern")
		}
	}
	if cfg.SafeModeFile != "" && !isValidPath(cfg.SafeModeFile) {
		v.addError("supervisor.safe_mode_file", cfg.SafeModeFile, "invalid file path")
	}
}

func (v *Validator) validateIntegrity(cfg *IntegrityConfig) {
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 1 {
		v.addError("integrity.memory_threshold", cfg.MemoryThreshold, "must be in (0, 1]")
	}
	if cfg.ProbeTimeout <= 0 {
		v.addError("integrity.probe_timeout", cfg.ProbeTimeout, "must be positive")
	}
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	if cfg.SampleInterval <= 0 {
		v.addError("diagnostics.sample_interval", cfg.SampleInterval, "must be positive")
	}
	if cfg.Retention < 1 {
		v.addError("diagnostics.retention", cfg.Retention, "must be at least 1")
	}
	if cfg.NetworkProbeAddr != "" && cfg.NetworkTimeout <= 0 {
		v.addError("diagnostics.network_timeout", cfg.NetworkTimeout, "must be positive when a probe address is set")
	}
	if cfg.MaxReports < 1 {
		v.addError("diagnostics.max_reports", cfg.MaxReports, "must be at least 1")
	}
	if cfg.LowMemoryThreshold <= 0 || cfg.LowMemoryThreshold > 1 {
		v.addError("diagnostics.low_memory_threshold", cfg.LowMemoryThreshold, "must be in (0, 1]")
	}
	if cfg.MonitorInterval <= 0 {
		v.addError("diagnostics.monitor_interval", cfg.MonitorInterval, "must be positive")
	}
}

func (v *Validator) validateBootstrap(cfg *BootstrapConfig) {
	for i, kv := range cfg.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			v.addError(fmt.Sprintf("bootstrap.env[%d]", i), kv, "must be KEY=VALUE")
		}
	}
	if cfg.WorkDir != "" {
		if info, err := os.Stat(cfg.WorkDir); err != nil || !info.IsDir() {
			v.addError("bootstrap.work_dir", cfg.WorkDir, "must be an existing directory")
		}
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
