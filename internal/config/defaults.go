package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/bootguard/internal/fsutil"
)

// DefaultConfigFile is the project config file name.
const DefaultConfigFile = ".bootguard.yaml"

// DefaultConfigYAML is written by `bootguard init`. It mirrors the loader
// defaults.
const DefaultConfigYAML = `# bootguard configuration
#
# Every value can be overridden with a BOOTGUARD_* environment variable,
# e.g. BOOTGUARD_SUPERVISOR_MAX_ATTEMPTS=5.

log:
  level: info
  format: auto   # auto | text | json

store:
  backend: sqlite   # sqlite | file | memory
  path: .bootguard/store.db

supervisor:
  max_attempts: 3
  backoff: 500ms
  recent_crash_window: 5m
  # path.Match patterns removed before a safe-mode start ('*' stops at '/')
  corrupted_keys: []
  # touching this file forces safe mode for the next attempt
  safe_mode_file: .bootguard/safe-mode

integrity:
  memory_threshold: 0.9
  probe_timeout: 2s

diagnostics:
  sample_interval: 30s
  retention: 10
  snapshot_on_record: true
  network_probe_addr: ""   # host:port; empty disables the reachability probe
  network_timeout: 1s
  report_dir: .bootguard/reports
  max_reports: 10
  report_env: false
  low_memory_threshold: 0.85
  monitor_interval: 30s

bootstrap:
  full_command: ""
  safe_command: ""   # empty reuses full_command with BOOTGUARD_SAFE_MODE=1
  background_commands: []
  work_dir: ""
  env: []
`

// WriteDefault writes DefaultConfigYAML to path. An existing file is kept
// unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration already exists at %s, use --force to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, []byte(DefaultConfigYAML), 0o644); err != nil { //nolint:gosec // Config file needs to be readable
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
