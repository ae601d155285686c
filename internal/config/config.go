// Package config loads bootguard configuration from defaults, a YAML file,
// BOOTGUARD_* environment variables and bound CLI flags.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Integrity   IntegrityConfig   `mapstructure:"integrity"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Bootstrap   BootstrapConfig   `mapstructure:"bootstrap"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the persistent key-value store.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	BackupPath string `mapstructure:"backup_path"`
}

// SupervisorConfig configures the launch sequence.
type SupervisorConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Backoff           time.Duration `mapstructure:"backoff"`
	RecentCrashWindow time.Duration `mapstructure:"recent_crash_window"`
	CorruptedKeys     []string      `mapstructure:"corrupted_keys"`
	SafeModeFile      string        `mapstructure:"safe_mode_file"`
}

// IntegrityConfig configures the integrity probes.
type IntegrityConfig struct {
	MemoryThreshold float64       `mapstructure:"memory_threshold"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
}

// DiagnosticsConfig configures sampling, the pressure monitor and reports.
type DiagnosticsConfig struct {
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	Retention          int           `mapstructure:"retention"`
	SnapshotOnRecord   bool          `mapstructure:"snapshot_on_record"`
	NetworkProbeAddr   string        `mapstructure:"network_probe_addr"`
	NetworkTimeout     time.Duration `mapstructure:"network_timeout"`
	ReportDir          string        `mapstructure:"report_dir"`
	MaxReports         int           `mapstructure:"max_reports"`
	ReportEnv          bool          `mapstructure:"report_env"`
	LowMemoryThreshold float64       `mapstructure:"low_memory_threshold"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
}

// BootstrapConfig configures the command-based initializer.
type BootstrapConfig struct {
	FullCommand        string   `mapstructure:"full_command"`
	SafeCommand        string   `mapstructure:"safe_command"`
	BackgroundCommands []string `mapstructure:"background_commands"`
	WorkDir            string   `mapstructure:"work_dir"`
	Env                []string `mapstructure:"env"`
}
