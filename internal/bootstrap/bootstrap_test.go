package bootstrap

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/hooks"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// Compile-time interface checks.
var (
	_ core.Bootstrapper = (*CommandBootstrapper)(nil)
	_ core.Bootstrapper = Funcs{}
)

func TestFuncs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert.NoError(t, Funcs{}.RunFull(ctx))
	assert.NoError(t, Funcs{}.RunSafe(ctx))

	boom := errors.New("boom")
	f := Funcs{
		Full: func(context.Context) error { return boom },
		Safe: func(context.Context) error { return nil },
	}
	assert.ErrorIs(t, f.RunFull(ctx), boom)
	assert.NoError(t, f.RunSafe(ctx))
}

func TestRunner_Preflight(t *testing.T) {
	t.Parallel()
	requireShell(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	tests := []struct {
		name    string
		workDir string
		argv    []string
		wantErr bool
	}{
		{"ok", dir, []string{"sh", "-c", "true"}, false},
		{"empty", dir, nil, true},
		{"unknown program", dir, []string{"definitely-not-a-real-binary-xyz"}, true},
		{"missing work dir", filepath.Join(dir, "missing"), []string{"sh"}, true},
		{"work dir is a file", file, []string{"sh"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRunner(tt.workDir, nil, nil).Preflight(tt.argv)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunner_Run(t *testing.T) {
	t.Parallel()
	requireShell(t)
	dir := t.TempDir()
	r := NewRunner(dir, []string{"BOOTGUARD_TEST_VAR=hello"}, nil)

	out := filepath.Join(dir, "out")
	err := r.Run(context.Background(), "write", []string{"sh", "-c", `echo "$BOOTGUARD_TEST_VAR $EXTRA" > out`}, "EXTRA=world")
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))
	assert.Equal(t, 0, r.Active())
}

func TestRunner_RunFailureIncludesStderr(t *testing.T) {
	t.Parallel()
	requireShell(t)
	r := NewRunner("", nil, nil)

	err := r.Run(context.Background(), "migrate", []string{"sh", "-c", "echo 'schema locked' >&2; exit 3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate")
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "schema locked")
}

func TestRunner_RunHonorsContext(t *testing.T) {
	t.Parallel()
	requireShell(t)
	r := NewRunner("", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Run(ctx, "hang", []string{"sh", "-c", "exec sleep 30"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLineTail(t *testing.T) {
	t.Parallel()
	tail := &lineTail{max: 2}
	for _, l := range []string{"a", "  ", "b", "c"} {
		tail.add(l)
	}
	assert.Equal(t, "b | c", tail.String())
}

func TestCommandBootstrapper_RunSafeSetsEnv(t *testing.T) {
	t.Parallel()
	requireShell(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "init.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo \"safe=$"+SafeModeEnv+"\" > result\n"), 0o600))

	b := NewCommandBootstrapper(NewRunner(dir, nil, nil), Commands{Full: "sh " + script}, hooks.NewSignals(), nil)

	require.NoError(t, b.RunSafe(context.Background()))
	data, err := os.ReadFile(filepath.Join(dir, "result"))
	require.NoError(t, err)
	assert.Equal(t, "safe=1\n", string(data), "falls back to the full command")

	require.NoError(t, b.RunFull(context.Background()))
	data, err = os.ReadFile(filepath.Join(dir, "result"))
	require.NoError(t, err)
	assert.Equal(t, "safe=\n", string(data))
}

func TestCommandBootstrapper_EmptyCommandsSucceed(t *testing.T) {
	t.Parallel()
	b := NewCommandBootstrapper(NewRunner("", nil, nil), Commands{}, hooks.NewSignals(), nil)
	assert.NoError(t, b.RunFull(context.Background()))
	assert.NoError(t, b.RunSafe(context.Background()))
}

func TestCommandBootstrapper_FullFailureSkipsBackground(t *testing.T) {
	t.Parallel()
	requireShell(t)
	dir := t.TempDir()
	b := NewCommandBootstrapper(NewRunner(dir, nil, nil), Commands{
		Full:       "sh -c false",
		Background: []string{"touch started"},
	}, hooks.NewSignals(), nil)

	require.Error(t, b.RunFull(context.Background()))
	b.Wait()
	assert.NoFileExists(t, filepath.Join(dir, "started"))
}

type rejectionSpy struct {
	mu   sync.Mutex
	errs []error
}

func (s *rejectionSpy) Handle(err error, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func TestCommandBootstrapper_BackgroundDoesNotGate(t *testing.T) {
	t.Parallel()
	requireShell(t)
	dir := t.TempDir()
	signals := hooks.NewSignals()
	spy := &rejectionSpy{}
	signals.SetRejectionHandler(spy)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "slow.sh"), []byte("sleep 2\nexit 4\n"), 0o600))

	b := NewCommandBootstrapper(NewRunner(dir, nil, nil), Commands{
		Full:       "sh -c true",
		Background: []string{"touch warmed", "sh slow.sh"},
	}, signals, nil)

	start := time.Now()
	require.NoError(t, b.RunFull(context.Background()), "background failure must not fail the launch")
	assert.Less(t, time.Since(start), 2*time.Second)

	b.Wait()
	signals.Wait()
	assert.FileExists(t, filepath.Join(dir, "warmed"))

	spy.mu.Lock()
	defer spy.mu.Unlock()
	require.Len(t, spy.errs, 1)
	assert.True(t, core.IsCategory(spy.errs[0], core.ErrCatRejection))
	assert.Contains(t, spy.errs[0].Error(), "background[1]")
}
