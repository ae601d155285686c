// Package integrity probes the persistent store and host memory headroom
// before and after application initialization.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
)

const (
	// DefaultMemoryThreshold is the used-memory ratio above which the memory
	// probe fails.
	DefaultMemoryThreshold = 0.9

	// DefaultProbeTimeout bounds one storage roundtrip.
	DefaultProbeTimeout = 2 * time.Second

	cleanupTimeout = time.Second
)

// MemoryProbe returns the current used-memory ratio in [0,1]. ok is false when
// the platform cannot provide one.
type MemoryProbe func(ctx context.Context) (ratio float64, ok bool)

// SystemMemory reads the host-wide used-memory ratio through gopsutil.
func SystemMemory(ctx context.Context) (float64, bool) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm == nil || vm.Total == 0 {
		return 0, false
	}
	return vm.UsedPercent / 100, true
}

// Config tunes the checker.
type Config struct {
	MemoryThreshold float64
	ProbeTimeout    time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MemoryThreshold: DefaultMemoryThreshold,
		ProbeTimeout:    DefaultProbeTimeout,
	}
}

// Checker runs the storage and memory probes. It holds no state between
// calls and is safe for concurrent use.
type Checker struct {
	store  core.KVStore
	memory MemoryProbe
	cfg    Config
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithMemoryProbe replaces the platform memory reading.
func WithMemoryProbe(p MemoryProbe) Option {
	return func(c *Checker) {
		c.memory = p
	}
}

// WithClock replaces time.Now for the probe payload.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Checker) {
		c.logger = l
	}
}

// NewChecker creates a checker over store.
func NewChecker(store core.KVStore, cfg Config, opts ...Option) *Checker {
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 1 {
		cfg.MemoryThreshold = DefaultMemoryThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	c := &Checker{
		store:  store,
		memory: SystemMemory,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).WithComponent("integrity")
	return c
}

// Check runs both probes. It never fails: probe errors become reasons and a
// false flag on the affected field.
func (c *Checker) Check(ctx context.Context) core.IntegrityResult {
	result := core.IntegrityResult{StorageOK: true, MemoryOK: true}

	if err := c.ProbeStorage(ctx); err != nil {
		result.StorageOK = false
		result.Reasons = append(result.Reasons, "storage: "+err.Error())
	}

	ratio, ok := c.readMemory(ctx)
	if ok {
		r := ratio
		result.MemoryRatio = &r
		if ratio > c.cfg.MemoryThreshold {
			result.MemoryOK = false
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("memory: usage %.0f%% exceeds %.0f%%", ratio*100, c.cfg.MemoryThreshold*100))
		}
	}

	if !result.OK() {
		c.logger.Warn("integrity check failed",
			"storage_ok", result.StorageOK,
			"memory_ok", result.MemoryOK,
			"reasons", result.Reasons)
	} else {
		c.logger.Debug("integrity check passed")
	}
	return result
}

// ProbeStorage performs one write/read/compare/delete roundtrip on a unique
// scratch key. The key is removed even when the probe fails or panics.
func (c *Checker) ProbeStorage(ctx context.Context) (err error) {
	key := core.NamespaceIntegrity + core.NewID()
	want := strconv.FormatInt(c.now().UnixNano(), 10) + ":" + key

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = core.ErrStorage(core.CodeProbeFailed, fmt.Sprintf("probe panicked: %v", r))
		}
		c.cleanup(ctx, key)
	}()

	if err := ctx.Err(); err != nil {
		return core.ErrStorage(core.CodeProbeFailed, "probe cancelled").WithCause(err)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- core.ErrStorage(core.CodeProbeFailed, fmt.Sprintf("probe panicked: %v", r))
			}
		}()
		done <- c.roundtrip(probeCtx, key, want)
	}()

	select {
	case err = <-done:
		if err != nil && errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return c.timeoutError()
		}
		return err
	case <-probeCtx.Done():
		// A late write can land after the deferred delete; sweep again once
		// the roundtrip goroutine gives up.
		go func() {
			<-done
			c.cleanup(ctx, key)
		}()
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return c.timeoutError()
		}
		return core.ErrStorage(core.CodeProbeFailed, "probe cancelled").WithCause(probeCtx.Err())
	}
}

func (c *Checker) timeoutError() error {
	return core.ErrStorage(core.CodeProbeTimeout,
		fmt.Sprintf("roundtrip exceeded %s", c.cfg.ProbeTimeout)).WithCause(context.DeadlineExceeded)
}

func (c *Checker) roundtrip(ctx context.Context, key, want string) error {
	if err := c.store.Set(ctx, key, want); err != nil {
		return core.ErrStorage(core.CodeProbeFailed, "write failed").WithCause(err)
	}
	got, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return core.ErrStorage(core.CodeProbeFailed, "read failed").WithCause(err)
	}
	if !ok {
		return core.ErrStorage(core.CodeProbeMismatch, "written key not found")
	}
	if got != want {
		return core.ErrStorage(core.CodeProbeMismatch, "read back value differs from written value")
	}
	return nil
}

// cleanup deletes the scratch key on a detached context so a cancelled or
// timed-out caller still releases it.
func (c *Checker) cleanup(ctx context.Context, key string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("scratch key cleanup panicked", "key", key, "panic", r)
		}
	}()
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.store.Delete(cleanupCtx, key); err != nil {
		c.logger.Warn("failed to delete scratch key", "key", key, "error", err)
	}
}

func (c *Checker) readMemory(ctx context.Context) (ratio float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("memory probe panicked", "panic", r)
			ratio, ok = 0, false
		}
	}()
	if c.memory == nil {
		return 0, false
	}
	ratio, ok = c.memory(ctx)
	if !ok || ratio < 0 || ratio > 1 {
		return 0, false
	}
	return ratio, true
}
