package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/testutil"
)

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func fakeProbes() Probes {
	return Probes{
		Identity: func(context.Context) core.PlatformInfo {
			return core.PlatformInfo{OS: "linux", Arch: "amd64", Hostname: "test-host"}
		},
		Memory:  func(context.Context) (float64, bool) { return 0.4, true },
		Network: func(context.Context) bool { return true },
		Runtime: func() RuntimeStats { return RuntimeStats{Goroutines: 7, HeapAllocMB: 12.5} },
	}
}

func newTestAggregator(store core.KVStore, clock *testutil.FakeClock, cfg Config) *Aggregator {
	return NewAggregator(store, cfg, WithProbes(fakeProbes()), WithClock(clock.Now))
}

func TestRecordEvent_PersistsAndLinksSnapshot(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore()
	clock := testutil.NewFakeClock(testNow)
	agg := newTestAggregator(store, clock, DefaultConfig())

	record := core.NewCrashRecord(core.CrashUncaughtError, "nil map write", true, clock.Now())
	out := agg.RecordEvent(context.Background(), record)

	require.True(t, out.OK(), "unexpected degradation: %v", out.Err)
	assert.Equal(t, core.NamespaceCrash+record.ID, out.Value)

	stored, ok, err := store.Get(context.Background(), out.Value)
	require.NoError(t, err)
	require.True(t, ok)
	decoded, err := core.DecodeCrashRecord(stored)
	require.NoError(t, err)
	assert.Equal(t, "nil map write", decoded.Message)
	assert.True(t, decoded.IsFatal)
	require.NotEmpty(t, decoded.SnapshotRef)

	snapValue, ok, err := store.Get(context.Background(), decoded.SnapshotRef)
	require.NoError(t, err)
	require.True(t, ok, "snapshot referenced by the record should exist")
	snap, err := core.DecodeSnapshot(snapValue)
	require.NoError(t, err)
	assert.Equal(t, "test-host", snap.Platform.Hostname)
}

func TestRecordEvent_FillsMissingFields(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore()
	clock := testutil.NewFakeClock(testNow)
	agg := newTestAggregator(store, clock, Config{})

	out := agg.RecordEvent(context.Background(), core.CrashRecord{Type: core.CrashMemoryWarning, Message: "low"})
	require.True(t, out.OK())

	records := agg.Records(context.Background())
	require.Len(t, records.Value, 1)
	assert.NotEmpty(t, records.Value[0].ID)
	assert.Equal(t, testNow, records.Value[0].Timestamp)
	assert.Empty(t, records.Value[0].SnapshotRef, "snapshots are off in the zero config")
}

func TestRecordEvent_NeverRaises(t *testing.T) {
	t.Parallel()
	clock := testutil.NewFakeClock(testNow)

	t.Run("store write fails", func(t *testing.T) {
		store := testutil.NewMockStore().WithSetFunc(func(string, string) error { return testutil.ErrTest })
		agg := newTestAggregator(store, clock, DefaultConfig())

		out := agg.RecordEvent(context.Background(), testutil.NewTestRecord(clock.Now()))
		assert.True(t, out.Degraded)
		assert.Empty(t, out.Value)
		assert.True(t, core.IsCategory(out.Err, core.ErrCatStorage))
	})

	t.Run("invalid type", func(t *testing.T) {
		agg := newTestAggregator(testutil.NewMockStore(), clock, DefaultConfig())
		out := agg.RecordEvent(context.Background(), core.CrashRecord{Type: "bogus"})
		assert.True(t, out.Degraded)
	})

	t.Run("store panics", func(t *testing.T) {
		store := testutil.NewMockStore().WithSetFunc(func(string, string) error { panic("driver bug") })
		agg := newTestAggregator(store, clock, Config{})

		var out core.Outcome[string]
		assert.NotPanics(t, func() {
			out = agg.RecordEvent(context.Background(), testutil.NewTestRecord(clock.Now()))
		})
		assert.True(t, out.Degraded)
		assert.Contains(t, out.Err.Error(), "panicked")
	})

	t.Run("snapshot fails but record persists", func(t *testing.T) {
		store := testutil.NewMockStore().FailNextSets(core.NamespacePerf, 1, testutil.ErrTest)
		agg := newTestAggregator(store, clock, DefaultConfig())

		out := agg.RecordEvent(context.Background(), testutil.NewTestRecord(clock.Now()))
		assert.True(t, out.Degraded)
		assert.NotEmpty(t, out.Value)
		assert.Len(t, store.Keys(core.NamespaceCrash), 1)
	})
}

func TestRecentCrash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := testutil.NewFakeClock(testNow)
	store := testutil.NewMockStore()
	agg := newTestAggregator(store, clock, Config{})

	out := agg.RecentCrash(ctx, 5*time.Minute)
	require.True(t, out.OK())
	assert.Nil(t, out.Value, "no records means no recent crash")

	old := testutil.NewTestRecord(testNow.Add(-10*time.Minute), func(r *core.CrashRecord) { r.Message = "old" })
	recent := testutil.NewTestRecord(testNow.Add(-2*time.Minute), func(r *core.CrashRecord) { r.Message = "recent" })
	newer := testutil.NewTestRecord(testNow.Add(-time.Minute), func(r *core.CrashRecord) { r.Message = "newer" })
	// Seeded out of key order on purpose: the newest timestamp must win.
	testutil.SeedRecord(t, store, newer)
	testutil.SeedRecord(t, store, recent)
	testutil.SeedRecord(t, store, old)

	out = agg.RecentCrash(ctx, 5*time.Minute)
	require.True(t, out.OK())
	require.NotNil(t, out.Value)
	assert.Equal(t, "newer", out.Value.Message)

	out = agg.RecentCrash(ctx, 30*time.Second)
	assert.Nil(t, out.Value)
}

func TestRecentCrash_SkipsMalformed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := testutil.NewFakeClock(testNow)
	store := testutil.NewMockStore()
	agg := newTestAggregator(store, clock, Config{})

	store.Put(core.NamespaceCrash+"garbage", "{not json")
	store.Put(core.NamespaceCrash+"empty", `{}`)
	store.Put(core.NamespaceCrash+"badtype", `{"id":"x","type":"weird","timestamp":"2026-03-14T09:25:00Z"}`)
	valid := testutil.NewTestRecord(testNow.Add(-time.Minute))
	testutil.SeedRecord(t, store, valid)

	out := agg.RecentCrash(ctx, 5*time.Minute)
	assert.True(t, out.Degraded)
	require.NotNil(t, out.Value)
	assert.Equal(t, valid.ID, out.Value.ID)
}

func TestRecentCrash_ListFailure(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore().WithListError(testutil.ErrTest)
	agg := newTestAggregator(store, testutil.NewFakeClock(testNow), Config{})

	out := agg.RecentCrash(context.Background(), time.Minute)
	assert.True(t, out.Degraded)
	assert.Nil(t, out.Value)
}

func TestRecords_NewestFirst(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore()
	agg := newTestAggregator(store, testutil.NewFakeClock(testNow), Config{})

	for i := 3; i >= 1; i-- {
		testutil.SeedRecord(t, store, testutil.NewTestRecord(testNow.Add(-time.Duration(i)*time.Hour)))
	}

	out := agg.Records(context.Background())
	require.True(t, out.OK())
	require.Len(t, out.Value, 3)
	assert.True(t, out.Value[0].Timestamp.After(out.Value[1].Timestamp))
	assert.True(t, out.Value[1].Timestamp.After(out.Value[2].Timestamp))
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := testutil.NewMockStore()
	store.Put("app/settings", "{}")
	store.Put("app/cache/1", "x")
	store.Put(core.NamespacePerf+"1", "x")
	agg := newTestAggregator(store, testutil.NewFakeClock(testNow), Config{})

	out := agg.Snapshot(ctx)
	require.True(t, out.OK(), "unexpected degradation: %v", out.Err)

	snap := out.Value
	assert.Equal(t, testNow, snap.Timestamp)
	assert.True(t, snap.StorageHealthy)
	assert.True(t, snap.NetworkReachable)
	require.NotNil(t, snap.MemoryRatio)
	assert.InDelta(t, 0.4, *snap.MemoryRatio, 1e-9)
	assert.Equal(t, 2, snap.KeyCounts["app"])
	assert.Equal(t, 1, snap.KeyCounts[core.NamespacePerf])
	assert.Equal(t, 7, snap.Goroutines)
}

func TestSnapshot_DegradesPerField(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore().WithListError(testutil.ErrTest)
	probes := Probes{
		Identity: func(context.Context) core.PlatformInfo { panic("no /etc/os-release") },
		Memory:   func(context.Context) (float64, bool) { return 0, false },
		Network:  func(context.Context) bool { return false },
	}
	agg := NewAggregator(store, Config{}, WithProbes(probes))

	out := agg.Snapshot(context.Background())
	assert.True(t, out.Degraded)
	assert.Nil(t, out.Value.MemoryRatio)
	assert.False(t, out.Value.StorageHealthy)
	assert.False(t, out.Value.NetworkReachable)
	assert.False(t, out.Value.Timestamp.IsZero(), "the snapshot itself is still produced")
}

func TestStoreSnapshot_RetentionBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := testutil.NewMockStore()
	agg := newTestAggregator(store, testutil.NewFakeClock(testNow), DefaultConfig())

	var keys []string
	for i := 0; i < 15; i++ {
		out := agg.StoreSnapshot(ctx)
		require.True(t, out.OK(), "sample %d degraded: %v", i, out.Err)
		keys = append(keys, out.Value.Key)
	}

	remaining := store.Keys(core.NamespacePerf)
	assert.Equal(t, keys[5:], remaining, "exactly the 10 newest snapshots remain")
}

func TestPrune_CustomRetention(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore()
	for _, k := range []string{"a", "b", "c", "d"} {
		store.Put(core.NamespacePerf+k, "{}")
	}
	store.Put("app/keep", "x")
	agg := newTestAggregator(store, testutil.NewFakeClock(testNow), Config{Retention: 2})

	out := agg.Prune(context.Background())
	require.True(t, out.OK())
	assert.Equal(t, 2, out.Value)
	assert.Equal(t, []string{core.NamespacePerf + "c", core.NamespacePerf + "d"}, store.Keys(core.NamespacePerf))
	assert.Len(t, store.Keys("app/"), 1)
}

func TestSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := testutil.NewMockStore()
	clock := testutil.NewFakeClock(testNow)
	agg := newTestAggregator(store, clock, DefaultConfig())

	agg.StoreSnapshot(ctx)
	clock.Advance(time.Minute)
	agg.StoreSnapshot(ctx)
	store.Put(core.NamespacePerf+"zzz", "corrupt")

	out := agg.Snapshots(ctx)
	assert.True(t, out.Degraded)
	require.Len(t, out.Value, 2)
	assert.Equal(t, testNow.Add(time.Minute), out.Value[0].Timestamp)
}

func TestClearAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := testutil.NewMockStore()
	clock := testutil.NewFakeClock(testNow)
	agg := newTestAggregator(store, clock, DefaultConfig())

	agg.RecordEvent(ctx, testutil.NewTestRecord(clock.Now()))
	agg.StoreSnapshot(ctx)
	store.Put("app/user", "keep me")
	store.Put(core.NamespaceIntegrity+"x", "not ours")

	out := agg.ClearAll(ctx)
	require.True(t, out.OK())
	assert.Equal(t, 3, out.Value)
	assert.Empty(t, store.Keys(core.NamespaceCrash))
	assert.Empty(t, store.Keys(core.NamespacePerf))
	assert.Len(t, store.Keys("app/"), 1)
	assert.Len(t, store.Keys(core.NamespaceIntegrity), 1)
}

func TestSummary(t *testing.T) {
	t.Parallel()
	store := testutil.NewMockStore()
	agg := newTestAggregator(store, testutil.NewFakeClock(testNow), Config{})

	testutil.SeedRecord(t, store, testutil.NewTestRecord(testNow))
	testutil.SeedRecord(t, store, testutil.NewTestRecord(testNow, func(r *core.CrashRecord) {
		r.Type = core.CrashInitializationFailure
	}))

	out := agg.Summary(context.Background())
	require.True(t, out.OK())
	assert.Equal(t, 2, out.Value.Total)
	assert.Equal(t, 1, out.Value.JSErrors)
	assert.Equal(t, 1, out.Value.NativeErrors)
}
