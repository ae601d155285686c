package diagnostics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/testutil"
)

func TestSampler_StoresAndPrunes(t *testing.T) {
	store := testutil.NewMockStore()
	agg := NewAggregator(store, Config{Retention: 3}, WithProbes(fakeProbes()))

	var mu sync.Mutex
	var outcomes []core.Outcome[StoredSnapshot]
	sampler := agg.StartPeriodicSampling(t.Context(), 5*time.Millisecond, OnSample(func(o core.Outcome[StoredSnapshot]) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}))

	require.Eventually(t, func() bool { return sampler.Samples() >= 6 }, 5*time.Second, 5*time.Millisecond)
	sampler.Stop()

	assert.Len(t, store.Keys(core.NamespacePerf), 3)
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(outcomes), 6)
	for _, o := range outcomes {
		assert.True(t, o.OK())
	}
}

func TestSampler_StopIsIdempotent(t *testing.T) {
	agg := NewAggregator(testutil.NewMockStore(), Config{}, WithProbes(fakeProbes()))
	sampler := agg.StartPeriodicSampling(context.Background(), time.Hour)

	sampler.Stop()
	sampler.Stop()

	select {
	case <-sampler.Done():
	default:
		t.Fatal("loop should have exited")
	}
	after := sampler.Samples()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, sampler.Samples(), "no samples after Stop")
}

func TestSampler_ContextCancel(t *testing.T) {
	agg := NewAggregator(testutil.NewMockStore(), Config{}, WithProbes(fakeProbes()))
	ctx, cancel := context.WithCancel(context.Background())
	sampler := agg.StartPeriodicSampling(ctx, time.Hour)

	cancel()
	select {
	case <-sampler.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit on cancellation")
	}
	sampler.Stop()
}

func TestSampler_DefaultInterval(t *testing.T) {
	agg := NewAggregator(testutil.NewMockStore(), Config{}, WithProbes(fakeProbes()))
	sampler := agg.StartPeriodicSampling(context.Background(), 0)
	defer sampler.Stop()
	assert.Equal(t, DefaultSampleInterval, sampler.interval)
}
