package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/bootguard/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/bootguard/internal/hooks"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Run the supervised launch sequence",
	Long: `Run the configured initialization commands under the launch supervisor.

Recent crashes, a failed integrity check or the safe-mode signal file select
the safe path. Failed attempts are retried with backoff. The final status is
printed as JSON and the command exits non-zero when every attempt failed.`,
	RunE: runLaunch,
}

var (
	launchSafe    bool
	launchMetrics bool
	launchWait    bool
)

func init() {
	rootCmd.AddCommand(launchCmd)
	launchCmd.Flags().BoolVar(&launchSafe, "safe", false, "Start in safe mode")
	launchCmd.Flags().BoolVar(&launchMetrics, "metrics", false, "Print metrics in Prometheus text format after the launch")
	launchCmd.Flags().BoolVar(&launchWait, "wait", false, "Wait for background commands before exiting")
}

func runLaunch(cmd *cobra.Command, _ []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.withSupervisor(); err != nil {
		return err
	}
	// Runs before a.Close so the chain and store still see the panic.
	defer hooks.Process().Recover()
	cfg := a.Config
	if launchSafe {
		a.Supervisor.ForceSafeMode()
	}

	// Background watchers run for the lifetime of the command.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	monitor := diagnostics.NewPressureMonitor(a.Platform.MemoryRatio, a.Aggregator, diagnostics.MonitorConfig{
		Interval:  cfg.Diagnostics.MonitorInterval,
		Threshold: cfg.Diagnostics.LowMemoryThreshold,
	}, a.Logger)
	monitor.Start(watchCtx)
	defer monitor.Stop()

	sampler := a.Aggregator.StartPeriodicSampling(watchCtx, cfg.Diagnostics.SampleInterval)
	defer sampler.Stop()

	if path := cfg.Supervisor.SafeModeFile; path != "" {
		// The watcher also checks at start, but may not be scheduled before
		// the first attempt.
		if _, err := os.Stat(path); err == nil {
			a.Supervisor.ForceSafeMode()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			a.Logger.Warn("cannot watch safe mode file", "path", path, "error", err)
		} else {
			hooks.Process().Go(watchCtx, "safe mode watcher", func(ctx context.Context) error {
				return a.Supervisor.WatchSignalFile(ctx, path)
			})
		}
	}

	ok := a.Supervisor.Launch(ctx)
	status := a.Supervisor.Status()

	if ok {
		if err := removeIfExists(cfg.Supervisor.SafeModeFile); err != nil {
			a.Logger.Warn("removing safe mode file", "error", err)
		}
		if launchWait {
			a.Bootstrapper.Wait()
		}
	}

	out := cmd.OutOrStdout()
	if err := OutputJSON(out, status); err != nil {
		return err
	}
	if launchMetrics {
		if err := a.Metrics.WriteText(out); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	if !ok {
		return fmt.Errorf("launch failed after %d attempts: %s", status.LastAttempts, status.LastError)
	}
	return nil
}
