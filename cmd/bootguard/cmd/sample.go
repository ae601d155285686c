package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/diagnostics"
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Store diagnostic snapshots periodically until interrupted",
	RunE:  runSample,
}

var (
	sampleInterval time.Duration
	sampleCount    int
)

func init() {
	rootCmd.AddCommand(sampleCmd)
	sampleCmd.Flags().DurationVar(&sampleInterval, "interval", 0, "Sampling interval (default: diagnostics.sample_interval)")
	sampleCmd.Flags().IntVar(&sampleCount, "count", 0, "Stop after this many samples (0 runs until interrupted)")
}

func runSample(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	interval := sampleInterval
	if interval <= 0 {
		interval = a.Config.Diagnostics.SampleInterval
	}

	out := cmd.OutOrStdout()
	stored := make(chan struct{}, 1)
	sampler := a.Aggregator.StartPeriodicSampling(ctx, interval, diagnostics.OnSample(func(o core.Outcome[diagnostics.StoredSnapshot]) {
		if o.Value.Key == "" {
			fmt.Fprintf(out, "%s  sample failed: %v\n", time.Now().Format(time.TimeOnly), o.Err)
			return
		}
		mem := "n/a"
		if r := o.Value.Snapshot.MemoryRatio; r != nil {
			mem = fmt.Sprintf("%.1f%%", *r*100)
		}
		fmt.Fprintf(out, "%s  memory=%s goroutines=%d pruned=%d\n",
			o.Value.Snapshot.Timestamp.Local().Format(time.TimeOnly), mem, o.Value.Snapshot.Goroutines, o.Value.Pruned)
		select {
		case stored <- struct{}{}:
		default:
		}
	}))
	defer sampler.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "Stored %d samples.\n", sampler.Samples())
			return nil
		case <-sampler.Done():
			return nil
		case <-stored:
			if sampleCount > 0 && sampler.Samples() >= int64(sampleCount) {
				sampler.Stop()
				fmt.Fprintf(out, "Stored %d samples.\n", sampler.Samples())
				return nil
			}
		}
	}
}
