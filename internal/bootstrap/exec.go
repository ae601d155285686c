package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
)

// stderrTail is how many trailing stderr lines are kept for error messages.
const stderrTail = 5

// Runner executes initialization commands with their output streamed to the
// log.
type Runner struct {
	workDir string
	env     []string
	logger  *logging.Logger

	active atomic.Int32
}

// NewRunner creates a runner. env entries (KEY=VALUE) are added to the
// process environment of every command.
func NewRunner(workDir string, env []string, logger *logging.Logger) *Runner {
	return &Runner{
		workDir: workDir,
		env:     env,
		logger:  logging.OrNop(logger).WithComponent("bootstrap"),
	}
}

// Active returns how many commands are running.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Preflight checks that argv can be started: the program resolves on PATH and
// the working directory exists.
func (r *Runner) Preflight(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("resolving %s: %w", argv[0], err)
	}
	if r.workDir != "" {
		info, err := os.Stat(r.workDir)
		if err != nil {
			return fmt.Errorf("work dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("work dir %s is not a directory", r.workDir)
		}
	}
	return nil
}

// Run executes argv and waits for it. extraEnv is appended after the runner's
// own environment. A panic while supervising the command is returned as an
// error.
func (r *Runner) Run(ctx context.Context, name string, argv []string, extraEnv ...string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: command supervision panicked: %v", name, p)
		}
	}()

	if err := r.Preflight(argv); err != nil {
		return fmt.Errorf("%s: preflight: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // commands come from the operator's config
	cmd.Dir = r.workDir
	cmd.Env = append(append(os.Environ(), r.env...), extraEnv...)

	pipes, err := preparePipes(cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer pipes.Cleanup()

	r.active.Add(1)
	defer r.active.Add(-1)

	log := r.logger.With("step", name, "path", argv[0])
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: starting: %w", name, err)
	}

	var wg sync.WaitGroup
	tail := &lineTail{max: stderrTail}
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(pipes.Stdout, func(line string) { log.Debug(line, "stream", "stdout") })
	}()
	go func() {
		defer wg.Done()
		streamLines(pipes.Stderr, func(line string) {
			tail.add(line)
			log.Debug(line, "stream", "stderr")
		})
	}()
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)
	if waitErr != nil {
		log.Warn("command failed",
			"error", waitErr,
			"duration", duration,
			"stderr_tail", tail.String())
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, waitErr, msg)
		}
		return fmt.Errorf("%s: %w", name, waitErr)
	}

	log.Info("command completed", "exit_code", 0, "duration", duration)
	return nil
}

// pipeSet holds a command's output pipes. Cleanup must run even when Start
// fails and is safe to call more than once.
type pipeSet struct {
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
	cleaned bool
}

func preparePipes(cmd *exec.Cmd) (*pipeSet, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	return &pipeSet{Stdout: stdout, Stderr: stderr}, nil
}

func (p *pipeSet) Cleanup() {
	if p.cleaned {
		return
	}
	p.cleaned = true
	// Already closed after a successful Wait; closing again is harmless.
	_ = p.Stdout.Close()
	_ = p.Stderr.Close()
}

func streamLines(pipe io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Ignore scanner errors - the pipe closes abruptly when the context kills the process
}

// lineTail keeps the last max lines written to it.
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}
