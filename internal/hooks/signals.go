// Package hooks routes process failures into crash records. Signals holds
// the replaceable handler slots; Chain installs recording wrappers that always
// forward to the handler they replaced.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
)

// Handler receives a failure raised inside the process.
type Handler interface {
	Handle(err error, fatal bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(err error, fatal bool)

// Handle calls f.
func (f HandlerFunc) Handle(err error, fatal bool) {
	f(err, fatal)
}

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackOf returns the stack attached to err by a recovered panic, if any.
func StackOf(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	return ""
}

// Signals is the process-level failure source. It owns two replaceable
// handler slots: one for uncaught failures and one for asynchronous failures
// nobody observed.
type Signals struct {
	mu        sync.RWMutex
	uncaught  Handler
	rejection Handler

	tasks sync.WaitGroup
}

// NewSignals creates a signal source with empty slots.
func NewSignals() *Signals {
	return &Signals{}
}

var process = NewSignals()

// Process returns the signal source shared by the whole process.
func Process() *Signals {
	return process
}

// UncaughtHandler returns the handler currently installed for uncaught
// failures, or nil.
func (s *Signals) UncaughtHandler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uncaught
}

// SetUncaughtHandler replaces the uncaught handler and returns the previous one.
func (s *Signals) SetUncaughtHandler(h Handler) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.uncaught
	s.uncaught = h
	return prev
}

// RejectionHandler returns the handler installed for unobserved async
// failures, or nil.
func (s *Signals) RejectionHandler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rejection
}

// SetRejectionHandler replaces the rejection handler and returns the previous one.
func (s *Signals) SetRejectionHandler(h Handler) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.rejection
	s.rejection = h
	return prev
}

// ReportError delivers err to the uncaught handler. It reports whether a
// handler was installed.
func (s *Signals) ReportError(err error, fatal bool) bool {
	if err == nil {
		return false
	}
	h := s.UncaughtHandler()
	if h == nil {
		return false
	}
	h.Handle(err, fatal)
	return true
}

// ReportRejection delivers err to the rejection handler. It reports whether a
// handler was installed.
func (s *Signals) ReportRejection(err error) bool {
	if err == nil {
		return false
	}
	h := s.RejectionHandler()
	if h == nil {
		return false
	}
	h.Handle(err, false)
	return true
}

// Recover reports a panic in the calling goroutine as a fatal uncaught
// failure, then re-panics. It must be deferred directly:
//
//	defer signals.Recover()
func (s *Signals) Recover() {
	if r := recover(); r != nil {
		s.ReportError(&PanicError{Value: r, Stack: string(debug.Stack())}, true)
		panic(r)
	}
}

// Go runs fn in its own goroutine. Nobody waits on its result, so a returned
// error or a panic is delivered to the rejection handler. Cancellation of ctx
// is not treated as a failure.
func (s *Signals) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				s.ReportRejection(core.ErrRejection(name + " panicked").
					WithCause(&PanicError{Value: r, Stack: string(debug.Stack())}))
			}
		}()

		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		s.ReportRejection(core.ErrRejection(name + " failed").WithCause(err))
	}()
}

// Wait blocks until every task started with Go has returned.
func (s *Signals) Wait() {
	s.tasks.Wait()
}
