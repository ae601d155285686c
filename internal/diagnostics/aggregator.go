package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
	"github.com/hugo-lorenzo-mato/bootguard/internal/metrics"
)

// DefaultRetention is the number of performance snapshots kept.
const DefaultRetention = 10

// Probes supplies the readings a snapshot is built from. Nil members count as
// unavailable.
type Probes struct {
	Identity func(ctx context.Context) core.PlatformInfo
	Memory   func(ctx context.Context) (float64, bool)
	Network  func(ctx context.Context) bool
	Runtime  func() RuntimeStats
}

// DefaultProbes reads the host through gopsutil and ghw and checks
// reachability of networkAddr.
func DefaultProbes(networkAddr string, networkTimeout time.Duration) Probes {
	platform := NewPlatform()
	network := NewNetworkProbe(networkAddr, networkTimeout)
	return Probes{
		Identity: platform.Identity,
		Memory:   platform.MemoryRatio,
		Network:  network.Reachable,
		Runtime:  TakeRuntimeStats,
	}
}

// Config tunes the aggregator.
type Config struct {
	// Retention is the number of performance snapshots kept after each insert.
	Retention int

	// SnapshotOnRecord takes and links a snapshot for every recorded event.
	SnapshotOnRecord bool
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Retention:        DefaultRetention,
		SnapshotOnRecord: true,
	}
}

// Aggregator records crash and performance events in the store and answers
// questions about them. Every operation is total: failures degrade the
// returned core.Outcome and are logged, never returned as bare errors.
type Aggregator struct {
	store   core.KVStore
	probes  Probes
	cfg     Config
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithProbes replaces the snapshot readings.
func WithProbes(p Probes) Option {
	return func(a *Aggregator) {
		a.probes = p
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store core.KVStore, cfg Config, opts ...Option) *Aggregator {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	a := &Aggregator{
		store:  store,
		probes: Probes{Runtime: TakeRuntimeStats},
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrNop(a.logger).WithComponent("diagnostics")
	return a
}

// Retention returns the configured snapshot retention.
func (a *Aggregator) Retention() int {
	return a.cfg.Retention
}

// =============================================================================
// Crash records
// =============================================================================

// RecordEvent persists record under its id and returns the key. When
// configured, a snapshot is stored first and linked through SnapshotRef.
func (a *Aggregator) RecordEvent(ctx context.Context, record core.CrashRecord) (out core.Outcome[string]) {
	defer recoverInto(a, "record event", &out)

	if record.ID == "" {
		record.ID = core.NewID()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = a.now().UTC()
	}
	if err := record.Validate(); err != nil {
		a.logger.Warn("refusing invalid crash record", "error", err)
		return core.Degrade("", err)
	}

	var snapErr error
	if a.cfg.SnapshotOnRecord && record.SnapshotRef == "" {
		stored := a.StoreSnapshot(ctx)
		if stored.Value.Key != "" {
			record.SnapshotRef = stored.Value.Key
		}
		snapErr = stored.Err
	}

	value, err := record.Encode()
	if err != nil {
		a.logger.Error("failed to encode crash record", "id", record.ID, "error", err)
		return core.Degrade("", err)
	}

	key := core.NamespaceCrash + record.ID
	if err := a.store.Set(ctx, key, value); err != nil {
		a.logger.Error("failed to persist crash record",
			"id", record.ID,
			"type", record.Type,
			"error", err)
		return core.Degrade("", core.ErrStorage(core.CodeWriteFailed, "persisting crash record").WithCause(err))
	}

	a.metrics.CrashRecorded(string(record.Type))
	a.logger.Info("crash recorded",
		"id", record.ID,
		"type", record.Type,
		"fatal", record.IsFatal,
		"message", a.logger.Sanitize(record.Message))

	if snapErr != nil {
		return core.Degrade(key, snapErr)
	}
	return core.Ok(key)
}

// RecentCrash returns the newest crash record whose timestamp lies within
// `within` of now. Malformed records are skipped.
func (a *Aggregator) RecentCrash(ctx context.Context, within time.Duration) (out core.Outcome[*core.CrashRecord]) {
	defer recoverInto(a, "recent crash", &out)

	records, skipped, err := a.loadRecords(ctx)
	if err != nil {
		return core.Degrade[*core.CrashRecord](nil, err)
	}

	now := a.now()
	var newest *core.CrashRecord
	for i := range records {
		r := &records[i]
		// Either direction counts: a record slightly in the future comes
		// from a clock that was stepped back.
		if age := now.Sub(r.Timestamp); age > within || -age > within {
			continue
		}
		if newest == nil || r.Timestamp.After(newest.Timestamp) {
			newest = r
		}
	}

	if skipped > 0 {
		return core.Degrade(newest, fmt.Errorf("%d malformed crash records skipped", skipped))
	}
	return core.Ok(newest)
}

// Records returns every parsable crash record, newest first.
func (a *Aggregator) Records(ctx context.Context) (out core.Outcome[[]core.CrashRecord]) {
	defer recoverInto(a, "list records", &out)

	records, skipped, err := a.loadRecords(ctx)
	if err != nil {
		return core.Degrade[[]core.CrashRecord](nil, err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID > records[j].ID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if skipped > 0 {
		return core.Degrade(records, fmt.Errorf("%d malformed crash records skipped", skipped))
	}
	return core.Ok(records)
}

// Summary analyzes every stored crash record.
func (a *Aggregator) Summary(ctx context.Context) core.Outcome[Summary] {
	records := a.Records(ctx)
	summary := Analyze(records.Value)
	if records.Degraded {
		return core.Degrade(summary, records.Err)
	}
	return core.Ok(summary)
}

func (a *Aggregator) loadRecords(ctx context.Context) (records []core.CrashRecord, skipped int, err error) {
	keys, err := a.store.ListKeys(ctx)
	if err != nil {
		a.logger.Warn("failed to list crash records", "error", err)
		return nil, 0, fmt.Errorf("listing crash records: %w", err)
	}

	for _, key := range core.FilterPrefix(keys, core.NamespaceCrash) {
		value, ok, err := a.store.Get(ctx, key)
		if err != nil || !ok {
			skipped++
			continue
		}
		r, err := core.DecodeCrashRecord(value)
		if err != nil {
			a.logger.Debug("skipping malformed crash record", "key", key, "error", err)
			skipped++
			continue
		}
		records = append(records, r)
	}
	return records, skipped, nil
}

// =============================================================================
// Snapshots
// =============================================================================

// Snapshot gathers current readings. A failed reading leaves its field at
// nil or false and marks the outcome degraded.
func (a *Aggregator) Snapshot(ctx context.Context) core.Outcome[core.DiagnosticSnapshot] {
	snap := core.DiagnosticSnapshot{
		Timestamp: a.now().UTC(),
		KeyCounts: map[string]int{},
	}
	var errs []error

	if a.probes.Identity != nil {
		if err := a.safely("platform", func() { snap.Platform = a.probes.Identity(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}

	if a.probes.Memory != nil {
		if err := a.safely("memory", func() {
			if ratio, ok := a.probes.Memory(ctx); ok && ratio >= 0 && ratio <= 1 {
				snap.MemoryRatio = &ratio
				a.metrics.ObserveMemory(ratio)
			}
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.safely("storage", func() {
		keys, err := a.store.ListKeys(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
			return
		}
		snap.StorageHealthy = true
		for _, k := range keys {
			snap.KeyCounts[core.NamespaceOf(k)]++
		}
	}); err != nil {
		errs = append(errs, err)
	}

	if a.probes.Network != nil {
		if err := a.safely("network", func() { snap.NetworkReachable = a.probes.Network(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}

	if a.probes.Runtime != nil {
		if err := a.safely("runtime", func() {
			rt := a.probes.Runtime()
			snap.Goroutines = rt.Goroutines
			snap.HeapAllocMB = rt.HeapAllocMB
			snap.OpenFDs = rt.OpenFDs
			snap.Uptime = rt.Uptime
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return core.Degrade(snap, errors.Join(errs...))
	}
	return core.Ok(snap)
}

// StoredSnapshot is a persisted performance snapshot.
type StoredSnapshot struct {
	Key      string
	Snapshot core.DiagnosticSnapshot
	Pruned   int
}

// StoreSnapshot takes a snapshot, persists it with a single write under a
// time-ordered key and prunes the history to the retention limit.
func (a *Aggregator) StoreSnapshot(ctx context.Context) (out core.Outcome[StoredSnapshot]) {
	defer recoverInto(a, "store snapshot", &out)

	snap := a.Snapshot(ctx)
	stored := StoredSnapshot{Snapshot: snap.Value}

	value, err := snap.Value.Encode()
	if err != nil {
		return core.Degrade(stored, err)
	}
	key := core.NamespacePerf + core.NewID()
	if err := a.store.Set(ctx, key, value); err != nil {
		a.logger.Warn("failed to persist snapshot", "error", err)
		return core.Degrade(stored, fmt.Errorf("persisting snapshot: %w", err))
	}
	stored.Key = key

	pruned := a.Prune(ctx)
	stored.Pruned = pruned.Value
	a.metrics.SampleStored(pruned.Value)

	switch {
	case pruned.Degraded:
		return core.Degrade(stored, pruned.Err)
	case snap.Degraded:
		return core.Degrade(stored, snap.Err)
	}
	return core.Ok(stored)
}

// Prune deletes the oldest performance snapshots so that at most Retention
// remain. Keys embed creation time, so key order is age order.
func (a *Aggregator) Prune(ctx context.Context) (out core.Outcome[int]) {
	defer recoverInto(a, "prune", &out)

	keys, err := a.store.ListKeys(ctx)
	if err != nil {
		return core.Degrade(0, fmt.Errorf("listing snapshots: %w", err))
	}
	perf := core.FilterPrefix(keys, core.NamespacePerf)
	sort.Strings(perf)
	excess := len(perf) - a.cfg.Retention
	if excess <= 0 {
		return core.Ok(0)
	}
	if err := a.store.DeleteMany(ctx, perf[:excess]); err != nil {
		a.logger.Warn("failed to prune snapshots", "count", excess, "error", err)
		return core.Degrade(0, fmt.Errorf("pruning snapshots: %w", err))
	}
	a.logger.Debug("pruned snapshots", "count", excess)
	return core.Ok(excess)
}

// Snapshots returns the retained performance snapshots, newest first.
func (a *Aggregator) Snapshots(ctx context.Context) (out core.Outcome[[]core.DiagnosticSnapshot]) {
	defer recoverInto(a, "list snapshots", &out)

	keys, err := a.store.ListKeys(ctx)
	if err != nil {
		return core.Degrade[[]core.DiagnosticSnapshot](nil, fmt.Errorf("listing snapshots: %w", err))
	}
	perf := core.FilterPrefix(keys, core.NamespacePerf)
	sort.Sort(sort.Reverse(sort.StringSlice(perf)))

	var snaps []core.DiagnosticSnapshot
	skipped := 0
	for _, key := range perf {
		value, ok, err := a.store.Get(ctx, key)
		if err != nil || !ok {
			skipped++
			continue
		}
		s, err := core.DecodeSnapshot(value)
		if err != nil {
			skipped++
			continue
		}
		snaps = append(snaps, s)
	}
	if skipped > 0 {
		return core.Degrade(snaps, fmt.Errorf("%d malformed snapshots skipped", skipped))
	}
	return core.Ok(snaps)
}

// =============================================================================
// Reset
// =============================================================================

// ClearAll deletes every crash record and performance snapshot. It is only
// called on explicit user request.
func (a *Aggregator) ClearAll(ctx context.Context) (out core.Outcome[int]) {
	defer recoverInto(a, "clear", &out)

	keys, err := a.store.ListKeys(ctx)
	if err != nil {
		return core.Degrade(0, fmt.Errorf("listing diagnostics keys: %w", err))
	}
	var owned []string
	for _, k := range keys {
		if strings.HasPrefix(k, core.NamespaceCrash) || strings.HasPrefix(k, core.NamespacePerf) {
			owned = append(owned, k)
		}
	}
	if err := a.store.DeleteMany(ctx, owned); err != nil {
		a.logger.Error("failed to clear diagnostics", "error", err)
		return core.Degrade(0, fmt.Errorf("clearing diagnostics: %w", err))
	}
	a.logger.Info("diagnostics cleared", "keys", len(owned))
	return core.Ok(len(owned))
}

// recoverInto converts a panic inside a public operation into a degraded
// outcome. It must be deferred directly.
func recoverInto[T any](a *Aggregator, op string, out *core.Outcome[T]) {
	if r := recover(); r != nil {
		err := fmt.Errorf("%s panicked: %v", op, r)
		a.logger.Error("diagnostics operation panicked", "op", op, "panic", r)
		*out = core.Degrade(out.Value, err)
	}
}

func (a *Aggregator) safely(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s reading panicked: %v", name, r)
			a.logger.Warn("snapshot reading panicked", "reading", name, "panic", r)
		}
	}()
	fn()
	return nil
}
