package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
)

type captured struct {
	mu     sync.Mutex
	errs   []error
	fatals []bool
}

func (c *captured) Handle(err error, fatal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
	c.fatals = append(c.fatals, fatal)
}

func (c *captured) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

func TestSignals_Slots(t *testing.T) {
	t.Parallel()
	s := NewSignals()
	assert.Nil(t, s.UncaughtHandler())
	assert.False(t, s.ReportError(errors.New("nobody listening"), false))

	first := &captured{}
	assert.Nil(t, s.SetUncaughtHandler(first))
	second := &captured{}
	assert.Same(t, first, s.SetUncaughtHandler(second))

	assert.True(t, s.ReportError(errors.New("boom"), true))
	assert.Zero(t, first.len())
	require.Equal(t, 1, second.len())
	assert.True(t, second.fatals[0])
}

func TestSignals_ReportNilIsIgnored(t *testing.T) {
	t.Parallel()
	s := NewSignals()
	h := &captured{}
	s.SetUncaughtHandler(h)
	s.SetRejectionHandler(h)

	assert.False(t, s.ReportError(nil, true))
	assert.False(t, s.ReportRejection(nil))
	assert.Zero(t, h.len())
}

func TestSignals_RecoverReportsAndRepanics(t *testing.T) {
	t.Parallel()
	s := NewSignals()
	h := &captured{}
	s.SetUncaughtHandler(h)

	assert.PanicsWithValue(t, "kaboom", func() {
		defer s.Recover()
		panic("kaboom")
	})

	require.Equal(t, 1, h.len())
	assert.True(t, h.fatals[0])
	var pe *PanicError
	require.ErrorAs(t, h.errs[0], &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.Contains(t, StackOf(h.errs[0]), "goroutine")
}

func TestSignals_RecoverWithoutPanic(t *testing.T) {
	t.Parallel()
	s := NewSignals()
	h := &captured{}
	s.SetUncaughtHandler(h)

	assert.NotPanics(t, func() {
		defer s.Recover()
	})
	assert.Zero(t, h.len())
}

func TestSignals_GoReportsUnobservedFailures(t *testing.T) {
	t.Parallel()
	s := NewSignals()
	h := &captured{}
	s.SetRejectionHandler(h)
	ctx := context.Background()

	s.Go(ctx, "ok", func(context.Context) error { return nil })
	s.Go(ctx, "warmup", func(context.Context) error { return errors.New("cache miss") })
	s.Go(ctx, "indexer", func(context.Context) error { panic("bad index") })
	s.Go(ctx, "cancelled", func(context.Context) error { return context.Canceled })
	s.Wait()

	require.Equal(t, 2, h.len())
	for i, err := range h.errs {
		assert.True(t, core.IsCategory(err, core.ErrCatRejection), "error %d: %v", i, err)
		assert.False(t, h.fatals[i])
	}
	var messages []string
	for _, err := range h.errs {
		messages = append(messages, err.Error())
	}
	assert.Contains(t, messages[0]+messages[1], "warmup failed")
	assert.Contains(t, messages[0]+messages[1], "indexer panicked")
}

func TestStackOf_PlainError(t *testing.T) {
	t.Parallel()
	assert.Empty(t, StackOf(errors.New("plain")))
}

func TestProcess_IsShared(t *testing.T) {
	assert.Same(t, Process(), Process())
}
