package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BOOTGUARD_STORE_PATH.
const EnvPrefix = "BOOTGUARD"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (BOOTGUARD_*)
// 3. Project config (.bootguard.yaml in current directory)
// 4. User config (~/.config/bootguard/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if err := l.readFirstFound(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// readFirstFound reads the project file, then the user file. Neither is
// required.
func (l *Loader) readFirstFound() error {
	candidates := []string{".bootguard.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "bootguard", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Store defaults
	l.v.SetDefault("store.backend", "sqlite")
	l.v.SetDefault("store.path", ".bootguard/store.db")
	l.v.SetDefault("store.backup_path", "")

	// Supervisor defaults
	l.v.SetDefault("supervisor.max_attempts", 3)
	l.v.SetDefault("supervisor.backoff", "500ms")
	l.v.SetDefault("supervisor.recent_crash_window", "5m")
	l.v.SetDefault("supervisor.corrupted_keys", []string{})
	l.v.SetDefault("supervisor.safe_mode_file", ".bootguard/safe-mode")

	// Integrity defaults
	l.v.SetDefault("integrity.memory_threshold", 0.9)
	l.v.SetDefault("integrity.probe_timeout", "2s")

	// Diagnostics defaults
	l.v.SetDefault("diagnostics.sample_interval", "30s")
	l.v.SetDefault("diagnostics.retention", 10)
	l.v.SetDefault("diagnostics.snapshot_on_record", true)
	l.v.SetDefault("diagnostics.network_probe_addr", "")
	l.v.SetDefault("diagnostics.network_timeout", "1s")
	l.v.SetDefault("diagnostics.report_dir", ".bootguard/reports")
	l.v.SetDefault("diagnostics.max_reports", 10)
	l.v.SetDefault("diagnostics.report_env", false)
	l.v.SetDefault("diagnostics.low_memory_threshold", 0.85)
	l.v.SetDefault("diagnostics.monitor_interval", "30s")

	// Bootstrap defaults
	l.v.SetDefault("bootstrap.full_command", "")
	l.v.SetDefault("bootstrap.safe_command", "")
	l.v.SetDefault("bootstrap.background_commands", []string{})
	l.v.SetDefault("bootstrap.work_dir", "")
	l.v.SetDefault("bootstrap.env", []string{})
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}
