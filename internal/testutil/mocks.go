package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
)

// MockCall records a call to a mock.
type MockCall struct {
	Method    string
	Args      interface{}
	Timestamp time.Time
}

type callRecorder struct {
	mu    sync.Mutex
	calls []MockCall
}

func (r *callRecorder) record(method string, args interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, MockCall{
		Method:    method,
		Args:      args,
		Timestamp: time.Now(),
	})
}

// Calls returns all recorded calls.
func (r *callRecorder) Calls() []MockCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]MockCall, len(r.calls))
	copy(result, r.calls)
	return result
}

// CallCount returns the number of calls to a method.
func (r *callRecorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, c := range r.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// =============================================================================
// MockStore
// =============================================================================

// MockStore is an in-memory core.KVStore with fault injection.
type MockStore struct {
	callRecorder

	mu   sync.Mutex
	data map[string]string

	setFunc    func(key, value string) error
	getFunc    func(key, value string) (string, error)
	deleteFunc func(key string) error
	listErr    error
	delay      time.Duration
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{data: make(map[string]string)}
}

// WithSetFunc intercepts every Set. A non-nil error fails the write.
func (m *MockStore) WithSetFunc(fn func(key, value string) error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setFunc = fn
	return m
}

// WithGetFunc intercepts every successful Get and may rewrite the value.
func (m *MockStore) WithGetFunc(fn func(key, value string) (string, error)) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getFunc = fn
	return m
}

// WithDeleteFunc intercepts every Delete.
func (m *MockStore) WithDeleteFunc(fn func(key string) error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFunc = fn
	return m
}

// WithListError makes ListKeys fail.
func (m *MockStore) WithListError(err error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
	return m
}

// WithDelay makes Get and Set wait for d or until ctx is done.
func (m *MockStore) WithDelay(d time.Duration) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// FailNextSets fails the next n writes to keys starting with prefix.
func (m *MockStore) FailNextSets(prefix string, n int, err error) *MockStore {
	var mu sync.Mutex
	remaining := n
	return m.WithSetFunc(func(key, _ string) error {
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			return err
		}
		return nil
	})
}

func (m *MockStore) wait(ctx context.Context) error {
	m.mu.Lock()
	d := m.delay
	m.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get implements core.KVStore.
func (m *MockStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.record("Get", key)
	if err := m.wait(ctx); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	v, ok := m.data[key]
	fn := m.getFunc
	m.mu.Unlock()
	if ok && fn != nil {
		rewritten, err := fn(key, v)
		if err != nil {
			return "", false, err
		}
		v = rewritten
	}
	return v, ok, nil
}

// Set implements core.KVStore.
func (m *MockStore) Set(ctx context.Context, key, value string) error {
	m.record("Set", key)
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	fn := m.setFunc
	m.mu.Unlock()
	if fn != nil {
		if err := fn(key, value); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Delete implements core.KVStore.
func (m *MockStore) Delete(_ context.Context, key string) error {
	m.record("Delete", key)
	m.mu.Lock()
	fn := m.deleteFunc
	m.mu.Unlock()
	if fn != nil {
		if err := fn(key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// ListKeys implements core.KVStore.
func (m *MockStore) ListKeys(_ context.Context) ([]string, error) {
	m.record("ListKeys", nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteMany implements core.KVStore.
func (m *MockStore) DeleteMany(_ context.Context, keys []string) error {
	m.record("DeleteMany", keys)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Put seeds a value without recording a call or running interceptors.
func (m *MockStore) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Keys returns the stored keys with the given prefix, sorted.
func (m *MockStore) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// MockBootstrapper
// =============================================================================

// MockBootstrapper implements core.Bootstrapper and records which entry point
// ran.
type MockBootstrapper struct {
	callRecorder

	mu       sync.Mutex
	fullFunc func(ctx context.Context) error
	safeFunc func(ctx context.Context) error
}

// NewMockBootstrapper creates a bootstrapper whose entry points succeed.
func NewMockBootstrapper() *MockBootstrapper {
	return &MockBootstrapper{}
}

// WithFullFunc overrides RunFull.
func (b *MockBootstrapper) WithFullFunc(fn func(ctx context.Context) error) *MockBootstrapper {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fullFunc = fn
	return b
}

// WithSafeFunc overrides RunSafe.
func (b *MockBootstrapper) WithSafeFunc(fn func(ctx context.Context) error) *MockBootstrapper {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.safeFunc = fn
	return b
}

// WithError makes both entry points fail with err.
func (b *MockBootstrapper) WithError(err error) *MockBootstrapper {
	fail := func(context.Context) error { return err }
	return b.WithFullFunc(fail).WithSafeFunc(fail)
}

// RunFull implements core.Bootstrapper.
func (b *MockBootstrapper) RunFull(ctx context.Context) error {
	b.record("RunFull", nil)
	b.mu.Lock()
	fn := b.fullFunc
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// RunSafe implements core.Bootstrapper.
func (b *MockBootstrapper) RunSafe(ctx context.Context) error {
	b.record("RunSafe", nil)
	b.mu.Lock()
	fn := b.safeFunc
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Runs returns the total number of bootstrap invocations.
func (b *MockBootstrapper) Runs() int {
	return b.CallCount("RunFull") + b.CallCount("RunSafe")
}

// =============================================================================
// FakeClock
// =============================================================================

// FakeClock is a manually advanced clock. Sleep advances it instead of
// blocking.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock starts a clock at now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep records d and advances the clock. It returns ctx.Err() when ctx is
// already done.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// Sleeps returns every duration passed to Sleep.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// =============================================================================
// Fixtures
// =============================================================================

// NewTestRecord creates a CrashRecord with sensible defaults for tests.
// Use functional options to override specific fields.
func NewTestRecord(at time.Time, opts ...func(*core.CrashRecord)) core.CrashRecord {
	r := core.NewCrashRecord(core.CrashUncaughtError, "test failure", false, at)
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// SeedRecord stores r in its crash key.
func SeedRecord(t interface{ Fatalf(string, ...any) }, store *MockStore, r core.CrashRecord) {
	value, err := r.Encode()
	if err != nil {
		t.Fatalf("encoding record: %v", err)
	}
	store.Put(core.NamespaceCrash+r.ID, value)
}
