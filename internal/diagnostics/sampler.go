package diagnostics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
)

// DefaultSampleInterval is used when StartPeriodicSampling gets a
// non-positive interval.
const DefaultSampleInterval = 30 * time.Second

// Sampler is a running periodic sampling loop.
type Sampler struct {
	interval time.Duration
	onSample func(core.Outcome[StoredSnapshot])

	samples atomic.Int64

	stopCh  chan struct{}
	done    chan struct{}
	stopped atomic.Bool
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// OnSample registers a callback invoked after each stored sample.
func OnSample(fn func(core.Outcome[StoredSnapshot])) SamplerOption {
	return func(s *Sampler) {
		s.onSample = fn
	}
}

// StartPeriodicSampling stores one snapshot immediately and then one every
// interval until ctx is done or Stop is called. Each sample is a single store
// write followed by a prune, so cancellation never leaves a partial record.
func (a *Aggregator) StartPeriodicSampling(ctx context.Context, interval time.Duration, opts ...SamplerOption) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	s := &Sampler{
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	a.logger.Debug("periodic sampling started", "interval", interval)
	go func() {
		defer close(s.done)
		defer a.logger.Debug("periodic sampling stopped", "samples", s.samples.Load())

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sample(ctx, a)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sample(ctx, a)
			}
		}
	}()
	return s
}

func (s *Sampler) sample(ctx context.Context, a *Aggregator) {
	if ctx.Err() != nil || s.stopped.Load() {
		return
	}
	out := a.StoreSnapshot(ctx)
	if out.Value.Key != "" {
		s.samples.Add(1)
	}
	if s.onSample != nil {
		s.onSample(out)
	}
}

// Stop ends the loop and waits for an in-flight sample to finish. It is safe
// to call more than once.
func (s *Sampler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
	<-s.done
}

// Done is closed once the loop has exited.
func (s *Sampler) Done() <-chan struct{} {
	return s.done
}

// Samples returns the number of snapshots stored so far.
func (s *Sampler) Samples() int64 {
	return s.samples.Load()
}
