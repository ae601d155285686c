package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
)

// RuntimeStats captures process-level readings at a point in time.
type RuntimeStats struct {
	Goroutines  int
	HeapAllocMB float64
	OpenFDs     int
	MaxFDs      int
	Uptime      time.Duration
}

var processStart = time.Now()

// TakeRuntimeStats reads the Go runtime and descriptor table.
func TakeRuntimeStats() RuntimeStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	openFDs, maxFDs := CountFDs()
	return RuntimeStats{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(memStats.HeapAlloc) / 1024 / 1024,
		OpenFDs:     openFDs,
		MaxFDs:      maxFDs,
		Uptime:      time.Since(processStart),
	}
}

// EventRecorder persists crash records. *Aggregator implements it.
type EventRecorder interface {
	RecordEvent(ctx context.Context, record core.CrashRecord) core.Outcome[string]
}

// MonitorConfig tunes the pressure monitor.
type MonitorConfig struct {
	// Interval between memory readings.
	Interval time.Duration

	// Threshold is the used-memory ratio that counts as low memory.
	Threshold float64
}

// PressureMonitor turns low-memory conditions into MemoryWarning crash
// records. It fires once when usage crosses the threshold and re-arms after
// usage drops back below it.
type PressureMonitor struct {
	memory   func(ctx context.Context) (float64, bool)
	recorder EventRecorder
	cfg      MonitorConfig
	now      func() time.Time
	logger   *logging.Logger

	mu    sync.Mutex
	armed bool

	// Control
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool
}

// NewPressureMonitor creates a monitor reading memory from probe and
// reporting to recorder.
func NewPressureMonitor(
	probe func(ctx context.Context) (float64, bool),
	recorder EventRecorder,
	cfg MonitorConfig,
	logger *logging.Logger,
) *PressureMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.85
	}
	return &PressureMonitor{
		memory:   probe,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
		logger:   logging.OrNop(logger).WithComponent("pressure"),
		armed:    true,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins periodic readings until ctx is done or Stop is called.
// Calling Start more than once has no effect.
func (m *PressureMonitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (m *PressureMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
	if m.started.Load() {
		<-m.done
	}
}

// Poll takes one reading and reports whether a warning was recorded.
func (m *PressureMonitor) Poll(ctx context.Context) (warned bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("memory reading panicked", "panic", r)
			warned = false
		}
	}()

	if m.memory == nil {
		return false
	}
	ratio, ok := m.memory(ctx)
	if !ok {
		return false
	}

	m.mu.Lock()
	if ratio <= m.cfg.Threshold {
		m.armed = true
		m.mu.Unlock()
		return false
	}
	if !m.armed {
		m.mu.Unlock()
		return false
	}
	m.armed = false
	m.mu.Unlock()

	msg := fmt.Sprintf("low memory: %.0f%% used (threshold %.0f%%)", ratio*100, m.cfg.Threshold*100)
	m.logger.Warn("memory pressure", "ratio", ratio, "threshold", m.cfg.Threshold)

	if m.recorder != nil {
		record := core.NewCrashRecord(core.CrashMemoryWarning, msg, false, m.now())
		if out := m.recorder.RecordEvent(ctx, record); !out.OK() {
			m.logger.Warn("memory warning record degraded", "error", out.Err)
		}
	}
	return true
}
