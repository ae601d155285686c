package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/bootguard/internal/supervisor"
)

type testEnv struct {
	dir        string
	configPath string
}

// newTestEnv writes a config using the file store under a temp dir. Memory
// thresholds are set to 1 so host pressure never changes the outcome.
func newTestEnv(t *testing.T, fullCommand, safeCommand string, maxAttempts int) testEnv {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
log:
  level: error
  format: json
store:
  backend: file
  path: %[1]s/store.json
supervisor:
  max_attempts: %[4]d
  backoff: 0s
  safe_mode_file: %[1]s/safe-mode
integrity:
  memory_threshold: 1
diagnostics:
  sample_interval: 1h
  monitor_interval: 1h
  low_memory_threshold: 1
  report_dir: %[1]s/reports
bootstrap:
  full_command: %[2]q
  safe_command: %[3]q
`, filepath.ToSlash(dir), fullCommand, safeCommand, maxAttempts)

	path := filepath.Join(dir, "bootguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return testEnv{dir: dir, configPath: path}
}

func resetFlags() {
	cfgFile = ""
	launchSafe = false
	launchMetrics = false
	launchWait = false
	diagLimit = 20
	diagJSON = false
	diagExportFormat = diagnostics.FormatJSON
	initForce = false
	sampleInterval = 0
	sampleCount = 0
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append(args, "--config", e.configPath)...)
}

func requireUnix(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"true", "false", "touch"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2026-01-15")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "bootguard v1.2.3")
	assert.Contains(t, out, "commit: abc123def")
	assert.Contains(t, out, "built:  2026-01-15")
	assert.Equal(t, "v1.2.3", GetVersion())
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created")
	assert.FileExists(t, filepath.Join(dir, ".bootguard.yaml"))

	_, err = execute(t, "init")
	assert.Error(t, err)

	_, err = execute(t, "init", "--force")
	assert.NoError(t, err)
}

func TestConfigErrors(t *testing.T) {
	_, err := execute(t, "doctor", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	env := newTestEnv(t, "", "", 3)
	bad := filepath.Join(env.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("supervisor:\n  max_attempts: 0\n"), 0o600))
	_, err = execute(t, "doctor", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validating config")
}

func TestLaunch_Succeeds(t *testing.T) {
	requireUnix(t)
	env := newTestEnv(t, "true", "", 3)

	out, err := env.run(t, "launch", "--metrics")
	require.NoError(t, err)

	status := decodeStatus(t, out)
	assert.Equal(t, "succeeded", string(status.Phase))
	assert.Equal(t, 1, status.LastAttempts)
	assert.False(t, status.SafeMode)
	assert.Contains(t, out, "bootguard_launch_attempts_total")
}

func TestLaunch_FailsAfterAllAttempts(t *testing.T) {
	requireUnix(t)
	env := newTestEnv(t, "false", "", 2)

	out, err := env.run(t, "launch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch failed after 2 attempts")

	status := decodeStatus(t, out)
	assert.Equal(t, "failed", string(status.Phase))

	out, err = env.run(t, "diagnostics", "analyze", "--json")
	require.NoError(t, err)
	var summary diagnostics.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.NativeErrors)

	out, err = env.run(t, "diagnostics", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "initialization_failure")
}

func TestLaunch_SafeFlagRunsSafeCommand(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "safe-ran")
	env := newTestEnv(t, "false", "touch "+marker, 3)

	out, err := env.run(t, "launch", "--safe")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", string(decodeStatus(t, out).Phase))
	assert.FileExists(t, marker)
}

func TestLaunch_SignalFileForcesSafeModeAndIsConsumed(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "safe-ran")
	env := newTestEnv(t, "false", "touch "+marker, 3)
	signalFile := filepath.Join(env.dir, "safe-mode")
	require.NoError(t, os.WriteFile(signalFile, nil, 0o600))

	_, err := env.run(t, "launch")
	require.NoError(t, err)
	assert.FileExists(t, marker)
	assert.NoFileExists(t, signalFile)
}

// failingWriter panics on the first write.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	panic("stdout exploded")
}

func TestLaunch_PanicAfterLaunchIsRecorded(t *testing.T) {
	requireUnix(t)
	env := newTestEnv(t, "true", "", 1)

	resetFlags()
	rootCmd.SetOut(failingWriter{})
	rootCmd.SetErr(failingWriter{})
	rootCmd.SetArgs([]string{"launch", "--config", env.configPath})
	assert.PanicsWithValue(t, "stdout exploded", func() {
		_ = rootCmd.Execute()
	})

	out, err := env.run(t, "diagnostics", "list", "--json")
	require.NoError(t, err)
	var records []core.CrashRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))

	var uncaught []core.CrashRecord
	for _, r := range records {
		if r.Type == core.CrashUncaughtError {
			uncaught = append(uncaught, r)
		}
	}
	require.Len(t, uncaught, 1)
	assert.True(t, uncaught[0].IsFatal)
	assert.Contains(t, uncaught[0].Message, "stdout exploded")
	assert.NotEmpty(t, uncaught[0].StackTrace)
}

func TestDiagnostics_ExportAndLastReport(t *testing.T) {
	requireUnix(t)
	env := newTestEnv(t, "false", "", 1)
	_, err := env.run(t, "launch")
	require.Error(t, err)

	out, err := env.run(t, "diagnostics", "export", "--format", "yaml")
	require.NoError(t, err)
	path := strings.TrimSpace(out)
	assert.True(t, strings.HasSuffix(path, ".yaml"), path)
	assert.FileExists(t, path)

	out, err = env.run(t, "diagnostics", "last-report")
	require.NoError(t, err)
	assert.Contains(t, out, "Report generated")
	assert.Contains(t, out, "initialization_failure")
}

func TestDiagnostics_Clear(t *testing.T) {
	requireUnix(t)
	env := newTestEnv(t, "false", "", 1)
	_, err := env.run(t, "launch")
	require.Error(t, err)

	out, err := env.run(t, "diagnostics", "clear")
	require.NoError(t, err)
	assert.NotContains(t, out, "Removed 0 entries")

	out, err = env.run(t, "diagnostics", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No crash records.")

	out, err = env.run(t, "diagnostics", "snapshots")
	require.NoError(t, err)
	assert.Contains(t, out, "No snapshots.")
}

func TestDiagnostics_LastReportWithoutReports(t *testing.T) {
	env := newTestEnv(t, "", "", 1)
	_, err := env.run(t, "diagnostics", "last-report")
	assert.Error(t, err)
}

func TestDoctor(t *testing.T) {
	env := newTestEnv(t, "", "", 1)

	out, err := env.run(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "Integrity")
	assert.Contains(t, out, "Snapshot")
	assert.Contains(t, out, "Resources")
	assert.Contains(t, out, "not probed")
}

func TestSample_Count(t *testing.T) {
	env := newTestEnv(t, "", "", 1)

	out, err := env.run(t, "sample", "--interval", "10ms", "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "memory=")
	assert.Contains(t, out, "Stored")

	out, err = env.run(t, "diagnostics", "snapshots")
	require.NoError(t, err)
	assert.NotContains(t, out, "No snapshots.")
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"line one\nline two", 40, "line one line two"},
		{"abc", 2, "abc"},
		{"héllo wörld", 8, "héllo..."},
		{"ñññññ", 5, "ñññññ"},
	}
	for _, tt := range tests {
		got := TruncateString(tt.in, tt.max)
		assert.Equal(t, tt.want, got, tt.in)
		assert.True(t, utf8.ValidString(got), tt.in)
	}
}

func decodeStatus(t *testing.T, out string) supervisor.StatusView {
	t.Helper()
	start := strings.Index(out, "{")
	require.GreaterOrEqual(t, start, 0, "no JSON in output: %s", out)

	var status supervisor.StatusView
	dec := json.NewDecoder(strings.NewReader(out[start:]))
	require.NoError(t, dec.Decode(&status))
	return status
}
