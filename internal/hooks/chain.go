package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
)

// recordTimeout bounds the store write made while handling a failure.
const recordTimeout = 2 * time.Second

// Recorder persists crash records. *diagnostics.Aggregator implements it.
type Recorder interface {
	RecordEvent(ctx context.Context, record core.CrashRecord) core.Outcome[string]
}

// Chain installs crash-recording handlers on a Signals source. Installed
// handlers wrap whatever was there before and always forward to it.
type Chain struct {
	signals  *Signals
	recorder Recorder
	now      func() time.Time
	logger   *logging.Logger

	mu sync.Mutex
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithChainClock sets the clock used to stamp records.
func WithChainClock(now func() time.Time) ChainOption {
	return func(c *Chain) {
		c.now = now
	}
}

// WithChainLogger sets the logger.
func WithChainLogger(l *logging.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = l
	}
}

// NewChain creates a chain that records into recorder. A nil signals uses the
// process-wide source.
func NewChain(signals *Signals, recorder Recorder, opts ...ChainOption) *Chain {
	if signals == nil {
		signals = Process()
	}
	c := &Chain{
		signals:  signals,
		recorder: recorder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).WithComponent("hooks")
	return c
}

// Install wraps the current uncaught and rejection handlers. Each wrapper runs
// record, onCaught and the previous handler, in that order. A slot that
// already carries this chain's wrapper is left alone, so repeated installs do
// not stack. It reports whether anything was installed.
func (c *Chain) Install(onCaught func(err error, fatal bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	installed := false
	slots := []struct {
		kind core.CrashType
		get  func() Handler
		set  func(Handler) Handler
	}{
		{core.CrashUncaughtError, c.signals.UncaughtHandler, c.signals.SetUncaughtHandler},
		{core.CrashUnhandledRejection, c.signals.RejectionHandler, c.signals.SetRejectionHandler},
	}
	for _, slot := range slots {
		current := slot.get()
		if c.owns(current) {
			c.logger.Debug("hook already installed", "kind", slot.kind)
			continue
		}
		slot.set(c.wrap(slot.kind, onCaught, current))
		installed = true
	}
	if installed {
		c.logger.Info("exception hooks installed")
	}
	return installed
}

// Installed reports whether this chain's wrapper is reachable from both slots.
func (c *Chain) Installed() bool {
	return c.owns(c.signals.UncaughtHandler()) && c.owns(c.signals.RejectionHandler())
}

// Uninstall restores the previous handlers where this chain's wrapper is still
// the outermost one. Wrappers installed on top of it by someone else are left
// in place.
func (c *Chain) Uninstall() {
	c.mu.Lock()
	defer c.mu.Unlock()

	restore := func(get func() Handler, set func(Handler) Handler) {
		if w, ok := get().(*wrapper); ok && w.owner == c {
			set(w.previous)
		}
	}
	restore(c.signals.UncaughtHandler, c.signals.SetUncaughtHandler)
	restore(c.signals.RejectionHandler, c.signals.SetRejectionHandler)
}

// owns walks h and the handlers it forwards to looking for this chain's marker.
func (c *Chain) owns(h Handler) bool {
	for h != nil {
		w, ok := h.(*wrapper)
		if !ok {
			return false
		}
		if w.owner == c {
			return true
		}
		h = w.previous
	}
	return false
}

func (c *Chain) wrap(kind core.CrashType, onCaught func(error, bool), previous Handler) *wrapper {
	w := &wrapper{owner: c, kind: kind, previous: previous, logger: c.logger}
	w.steps = []step{
		{name: "record", run: func(err error, fatal bool) { c.record(kind, err, fatal) }},
	}
	if onCaught != nil {
		w.steps = append(w.steps, step{name: "notify", run: onCaught})
	}
	if previous != nil {
		w.steps = append(w.steps, step{name: "forward", run: previous.Handle})
	}
	return w
}

func (c *Chain) record(kind core.CrashType, err error, fatal bool) {
	if c.recorder == nil {
		return
	}
	record := core.NewCrashRecord(kind, err.Error(), fatal, c.now())
	record.StackTrace = StackOf(err)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if out := c.recorder.RecordEvent(ctx, record); !out.OK() {
		c.logger.Warn("crash record degraded", "kind", kind, "error", out.Err)
	}
}

type step struct {
	name string
	run  func(err error, fatal bool)
}

// wrapper is the handler installed by a Chain. owner is the idempotency
// marker.
type wrapper struct {
	owner    *Chain
	kind     core.CrashType
	steps    []step
	previous Handler
	logger   *logging.Logger
}

// Handle runs every step. A failing step is logged and never stops the ones
// after it.
func (w *wrapper) Handle(err error, fatal bool) {
	for _, s := range w.steps {
		w.runStep(s, err, fatal)
	}
}

func (w *wrapper) runStep(s step, err error, fatal bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("hook step panicked", "kind", w.kind, "step", s.name, "panic", r)
		}
	}()
	s.run(err, fatal)
}

// Previous returns the handler this wrapper forwards to.
func (w *wrapper) Previous() Handler {
	return w.previous
}
