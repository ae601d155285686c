// Package supervisor drives the launch sequence: crash history and integrity
// decide between full and safe initialization, failed attempts are retried
// with a fixed backoff, and the outcome is reported as a single bool.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/kvstore"
	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
	"github.com/hugo-lorenzo-mato/bootguard/internal/metrics"
)

// Defaults.
const (
	DefaultMaxAttempts       = 3
	DefaultBackoff           = 500 * time.Millisecond
	DefaultRecentCrashWindow = 5 * time.Minute
)

// Checker verifies the store and memory headroom. *integrity.Checker
// implements it.
type Checker interface {
	Check(ctx context.Context) core.IntegrityResult
	ProbeStorage(ctx context.Context) error
}

// History reads and writes crash records. *diagnostics.Aggregator implements it.
type History interface {
	RecentCrash(ctx context.Context, within time.Duration) core.Outcome[*core.CrashRecord]
	RecordEvent(ctx context.Context, record core.CrashRecord) core.Outcome[string]
}

// HookInstaller installs the exception hook chain. *hooks.Chain implements it.
type HookInstaller interface {
	Install(onCaught func(err error, fatal bool)) bool
}

// Deps are the collaborators a Supervisor drives. Hooks may be nil.
type Deps struct {
	Store        core.KVStore
	Checker      Checker
	History      History
	Hooks        HookInstaller
	Bootstrapper core.Bootstrapper
}

// Config tunes the launch sequence.
type Config struct {
	MaxAttempts       int
	Backoff           time.Duration
	RecentCrashWindow time.Duration

	// CorruptedKeys are path.Match patterns deleted before a safe-mode
	// initialization.
	CorruptedKeys []string
}

// DefaultConfig returns the default launch configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       DefaultMaxAttempts,
		Backoff:           DefaultBackoff,
		RecentCrashWindow: DefaultRecentCrashWindow,
	}
}

// StatusView is a read-only copy of the launch state.
type StatusView struct {
	Phase              core.LaunchPhase `json:"phase"`
	AttemptCount       int              `json:"attempt_count"`
	MaxAttempts        int              `json:"max_attempts"`
	SafeMode           bool             `json:"safe_mode"`
	LastCrashTimestamp *time.Time       `json:"last_crash_timestamp,omitempty"`

	// LastAttempts is how many attempts the last finished sequence used.
	LastAttempts int    `json:"last_attempts"`
	LastError    string `json:"last_error,omitempty"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// WithSleep replaces the backoff sleep. fn must return ctx.Err() when ctx is
// done before d elapses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) {
		s.sleep = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// Supervisor owns one launch state machine.
type Supervisor struct {
	deps    Deps
	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	phase        core.LaunchPhase
	attemptCount int
	safeMode     bool
	lastCrash    *time.Time
	running      bool
	terminal     bool
	lastAttempts int
	lastError    string
}

// New creates a supervisor in the Idle phase.
func New(deps Deps, cfg Config, opts ...Option) (*Supervisor, error) {
	switch {
	case deps.Store == nil:
		return nil, core.ErrConfig("supervisor needs a store")
	case deps.Checker == nil:
		return nil, core.ErrConfig("supervisor needs an integrity checker")
	case deps.History == nil:
		return nil, core.ErrConfig("supervisor needs a crash history")
	case deps.Bootstrapper == nil:
		return nil, core.ErrConfig("supervisor needs a bootstrapper")
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.RecentCrashWindow <= 0 {
		cfg.RecentCrashWindow = DefaultRecentCrashWindow
	}

	s := &Supervisor{
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepContext,
		phase: core.PhaseIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("supervisor")
	return s, nil
}

// Launch runs the launch sequence and reports whether the application came
// up. It returns false immediately while another sequence is running and
// after a terminal failure, until Reset.
//
// ctx only shortens the backoff between attempts; an attempt that has started
// runs to completion. Cancellation during backoff ends the sequence as a
// terminal failure.
func (s *Supervisor) Launch(ctx context.Context) bool {
	s.mu.Lock()
	if running, terminal := s.running, s.terminal; running || terminal {
		s.mu.Unlock()
		s.logger.Warn("launch refused", "running", running, "terminal", terminal)
		return false
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		attempt := s.beginAttempt()
		log := s.logger.WithAttempt(attempt, s.cfg.MaxAttempts)

		err := s.runAttempt(context.WithoutCancel(ctx), log)
		if err == nil {
			s.succeed(attempt)
			log.Info("launch succeeded")
			return true
		}

		if s.fail(attempt, err) {
			log.Error("launch failed, attempts exhausted", "error", err)
			s.metrics.LaunchFinished(false)
			return false
		}
		log.Warn("launch attempt failed, retrying in safe mode",
			"error", err,
			"backoff", s.cfg.Backoff)

		if err := s.sleep(ctx, s.cfg.Backoff); err != nil {
			s.abort(attempt, err)
			log.Error("launch cancelled during backoff", "error", err)
			s.metrics.LaunchFinished(false)
			return false
		}
	}
}

func (s *Supervisor) beginAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptCount++
	s.phase = core.PhaseLaunching
	return s.attemptCount
}

// runAttempt runs one attempt from crash lookup to post-init verification.
// Panics from collaborators fail the attempt.
func (s *Supervisor) runAttempt(ctx context.Context, log *logging.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attempt panicked: %v", r)
		}
	}()

	// Crash history
	recent := s.deps.History.RecentCrash(ctx, s.cfg.RecentCrashWindow)
	if recent.Degraded {
		log.Warn("crash history unavailable", "error", recent.Err)
	}
	if crash := recent.Value; crash != nil {
		ts := crash.Timestamp
		s.mu.Lock()
		s.lastCrash = &ts
		s.mu.Unlock()
		s.enterSafeMode("recent crash", "crash_id", crash.ID, "crash_type", crash.Type)
	}

	// Integrity
	s.setPhase(core.PhaseVerifyingIntegrity)
	result := s.deps.Checker.Check(ctx)
	s.metrics.IntegrityCheck("storage", result.StorageOK)
	s.metrics.IntegrityCheck("memory", result.MemoryOK)
	if result.MemoryRatio != nil {
		s.metrics.ObserveMemory(*result.MemoryRatio)
	}
	if !result.StorageOK {
		return core.ErrStorage(core.CodeProbeFailed, "store failed the integrity check").
			WithDetail("reasons", result.Reasons)
	}
	if !result.MemoryOK {
		s.enterSafeMode("memory pressure", "reasons", result.Reasons)
	}

	if s.deps.Hooks != nil {
		s.deps.Hooks.Install(s.onCaught)
	}

	// Initialization
	s.setPhase(core.PhaseInitializing)
	safe := s.IsSafeMode()
	s.metrics.LaunchAttempt(safe)
	if bootErr := s.initialize(ctx, safe, log); bootErr != nil {
		s.recordInitFailure(ctx, bootErr, log)
		return bootErr
	}

	// Post-init verification
	s.setPhase(core.PhaseVerifyingResult)
	if err := s.deps.Checker.ProbeStorage(ctx); err != nil {
		s.metrics.IntegrityCheck("post_init", false)
		return core.ErrIntegrity(core.CodePostInitCheck, "store unusable after initialization").WithCause(err)
	}
	s.metrics.IntegrityCheck("post_init", true)
	return nil
}

func (s *Supervisor) initialize(ctx context.Context, safe bool, log *logging.Logger) error {
	if !safe {
		log.Info("running full initialization")
		return runBootstrap(ctx, "full", s.deps.Bootstrapper.RunFull)
	}

	deleted, err := kvstore.DeleteMatching(ctx, s.deps.Store, s.cfg.CorruptedKeys)
	if err != nil {
		log.Warn("failed to clear suspect state", "error", err)
	} else if len(deleted) > 0 {
		log.Info("cleared suspect state", "keys", len(deleted))
	}

	log.Info("running safe initialization")
	return runBootstrap(ctx, "safe", s.deps.Bootstrapper.RunSafe)
}

func runBootstrap(ctx context.Context, mode string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e := core.ErrInitialization(fmt.Sprintf("%s initialization panicked: %v", mode, r))
			e.Code = core.CodeInitPanicked
			err = e
		}
	}()
	if err := fn(ctx); err != nil {
		return core.ErrInitialization(mode + " initialization failed").WithCause(err)
	}
	return nil
}

func (s *Supervisor) recordInitFailure(ctx context.Context, cause error, log *logging.Logger) {
	record := core.NewCrashRecord(core.CrashInitializationFailure, cause.Error(), false, s.now())
	if out := s.deps.History.RecordEvent(ctx, record); !out.OK() {
		log.Warn("initialization failure not fully recorded", "error", out.Err)
	}
}

// onCaught reacts to failures seen by the hook chain. A fatal failure means
// the next launch cannot trust the current state.
func (s *Supervisor) onCaught(err error, fatal bool) {
	if !fatal {
		return
	}
	s.enterSafeMode("fatal uncaught failure", "error", err)
}

func (s *Supervisor) succeed(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = core.PhaseSucceeded
	s.lastAttempts = attempt
	s.lastError = ""
	s.attemptCount = 0
	s.safeMode = false
	s.metrics.SetSafeMode(false)
	s.metrics.LaunchFinished(true)
}

// fail records a failed attempt and reports whether the budget is spent. With
// attempts left the next one is forced into safe mode.
func (s *Supervisor) fail(attempt int, err error) (exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = core.PhaseFailed
	s.lastError = err.Error()
	if attempt >= s.cfg.MaxAttempts {
		s.terminal = true
		s.lastAttempts = attempt
		return true
	}
	s.safeMode = true
	s.metrics.SetSafeMode(true)
	return false
}

func (s *Supervisor) abort(attempt int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = core.PhaseFailed
	s.terminal = true
	s.lastAttempts = attempt
	s.lastError = fmt.Sprintf("%s (backoff interrupted: %v)", s.lastError, err)
}

func (s *Supervisor) setPhase(p core.LaunchPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Supervisor) enterSafeMode(reason string, args ...any) {
	s.mu.Lock()
	was := s.safeMode
	s.safeMode = true
	s.mu.Unlock()

	s.metrics.SetSafeMode(true)
	if !was {
		s.logger.Warn("entering safe mode", append([]any{"reason", reason}, args...)...)
	}
}

// ForceSafeMode makes the next initialization use the safe path. It holds
// until a successful launch or Reset.
func (s *Supervisor) ForceSafeMode() {
	s.enterSafeMode("forced")
}

// Reset returns a supervisor to Idle and clears attempts, safe mode and the
// last crash timestamp. It is ignored while a sequence is running and reports
// whether it took effect.
func (s *Supervisor) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("reset ignored while a launch is running")
		return false
	}
	s.phase = core.PhaseIdle
	s.attemptCount = 0
	s.safeMode = false
	s.lastCrash = nil
	s.terminal = false
	s.metrics.SetSafeMode(false)
	return true
}

// Status returns a copy of the launch state.
func (s *Supervisor) Status() StatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := StatusView{
		Phase:        s.phase,
		AttemptCount: s.attemptCount,
		MaxAttempts:  s.cfg.MaxAttempts,
		SafeMode:     s.safeMode,
		LastAttempts: s.lastAttempts,
		LastError:    s.lastError,
	}
	if s.lastCrash != nil {
		ts := *s.lastCrash
		view.LastCrashTimestamp = &ts
	}
	return view
}

// IsSafeMode reports whether the next initialization takes the safe path.
func (s *Supervisor) IsSafeMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safeMode
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
