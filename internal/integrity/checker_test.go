package integrity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/testutil"
)

func fixedMemory(ratio float64, ok bool) MemoryProbe {
	return func(context.Context) (float64, bool) { return ratio, ok }
}

func TestCheck_Passes(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore()
	c := NewChecker(store, DefaultConfig(), WithMemoryProbe(fixedMemory(0.4, true)))

	result := c.Check(context.Background())

	assert.True(t, result.OK())
	assert.Empty(t, result.Reasons)
	require.NotNil(t, result.MemoryRatio)
	assert.InDelta(t, 0.4, *result.MemoryRatio, 1e-9)
	assert.Empty(t, store.Keys(core.NamespaceIntegrity), "scratch key must be removed")
}

func TestCheck_ScratchKeyRemovedOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*testutil.MockStore)
		code  string
	}{
		{
			name: "mismatch",
			setup: func(s *testutil.MockStore) {
				s.WithGetFunc(func(_, v string) (string, error) { return v + "-corrupt", nil })
			},
			code: core.CodeProbeMismatch,
		},
		{
			name: "read error",
			setup: func(s *testutil.MockStore) {
				s.WithGetFunc(func(string, string) (string, error) { return "", testutil.ErrTest })
			},
			code: core.CodeProbeFailed,
		},
		{
			name: "read panics",
			setup: func(s *testutil.MockStore) {
				s.WithGetFunc(func(string, string) (string, error) { panic("disk on fire") })
			},
			code: core.CodeProbeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMockStore()
			tt.setup(store)
			c := NewChecker(store, DefaultConfig(), WithMemoryProbe(fixedMemory(0.1, true)))

			err := c.ProbeStorage(context.Background())
			require.Error(t, err)
			var de *core.DomainError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.code, de.Code)
			assert.Equal(t, core.ErrCatStorage, de.Category)

			result := c.Check(context.Background())
			assert.False(t, result.StorageOK)
			assert.True(t, result.MemoryOK)
			assert.Len(t, result.Reasons, 1)
			assert.Empty(t, store.Keys(core.NamespaceIntegrity))
		})
	}
}

func TestCheck_WriteFailure(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore().FailNextSets(core.NamespaceIntegrity, 1, testutil.ErrTest)
	c := NewChecker(store, DefaultConfig(), WithMemoryProbe(fixedMemory(0.1, true)))

	result := c.Check(context.Background())
	assert.False(t, result.StorageOK)
	assert.Contains(t, result.Reasons[0], "write failed")
	assert.Equal(t, 1, store.CallCount("Delete"), "cleanup runs even when the write failed")

	assert.True(t, c.Check(context.Background()).StorageOK, "only the first write was faulty")
}

func TestCheck_Timeout(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore().WithDelay(time.Second)
	c := NewChecker(store, Config{ProbeTimeout: 20 * time.Millisecond}, WithMemoryProbe(fixedMemory(0.1, true)))

	start := time.Now()
	err := c.ProbeStorage(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var de *core.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, core.CodeProbeTimeout, de.Code)
	assert.Empty(t, store.Keys(core.NamespaceIntegrity))
}

func TestCheck_Memory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probe  MemoryProbe
		wantOK bool
		ratio  bool
	}{
		{"below threshold", fixedMemory(0.5, true), true, true},
		{"at threshold", fixedMemory(0.9, true), true, true},
		{"above threshold", fixedMemory(0.95, true), false, true},
		{"unobtainable", fixedMemory(0, false), true, false},
		{"out of range", fixedMemory(1.7, true), true, false},
		{"nil probe", nil, true, false},
		{"panicking probe", func(context.Context) (float64, bool) { panic("boom") }, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(testutil.NewMockStore(), DefaultConfig(), WithMemoryProbe(tt.probe))
			result := c.Check(context.Background())
			assert.True(t, result.StorageOK)
			assert.Equal(t, tt.wantOK, result.MemoryOK)
			assert.Equal(t, tt.ratio, result.MemoryRatio != nil)
			if !tt.wantOK {
				assert.Contains(t, result.Reasons[0], "memory")
			}
		})
	}
}

func TestCheck_CustomThreshold(t *testing.T) {
	t.Parallel()
	c := NewChecker(testutil.NewMockStore(), Config{MemoryThreshold: 0.5}, WithMemoryProbe(fixedMemory(0.6, true)))
	assert.False(t, c.Check(context.Background()).MemoryOK)
}

func TestCheck_CancelledContextStillCleansUp(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore()
	c := NewChecker(store, DefaultConfig(), WithMemoryProbe(fixedMemory(0.1, true)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := c.Check(ctx)

	assert.False(t, result.StorageOK)
	assert.Empty(t, store.Keys(core.NamespaceIntegrity))
}

func TestProbeStorage_UniqueKeys(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore()
	c := NewChecker(store, DefaultConfig(), WithMemoryProbe(fixedMemory(0.1, true)))

	require.NoError(t, c.ProbeStorage(context.Background()))
	require.NoError(t, c.ProbeStorage(context.Background()))

	var keys []string
	for _, call := range store.Calls() {
		if call.Method == "Set" {
			keys = append(keys, call.Args.(string))
		}
	}
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
}
