// Package diagnostics records crash and performance events in the shared
// key-value store and answers questions about them.
//
// The package implements these components:
//
//   - Aggregator: persists CrashRecords under diag/crash/ and performance
//     snapshots under diag/perf/, prunes snapshots to a retention limit and
//     summarizes recorded crashes. Every operation returns a core.Outcome and
//     never propagates store or parse failures.
//
//   - Sampler: the periodic sampling loop started by
//     Aggregator.StartPeriodicSampling.
//
//   - PressureMonitor: polls host memory and records a MemoryWarning when
//     usage crosses a threshold.
//
//   - ReportWriter: exports the history to JSON or YAML files for offline
//     inspection, keeping a bounded number of them.
//
// Platform, NetworkProbe and TakeRuntimeStats supply the snapshot readings.
package diagnostics
