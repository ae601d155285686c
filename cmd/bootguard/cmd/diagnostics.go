package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/diagnostics"
)

var diagnosticsCmd = &cobra.Command{
	Use:     "diagnostics",
	Aliases: []string{"diag"},
	Short:   "Inspect, export and clear recorded crashes and snapshots",
}

var diagListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crash records, newest first",
	RunE:  runDiagList,
}

var diagSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List stored performance snapshots, newest first",
	RunE:  runDiagSnapshots,
}

var diagAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize crash records",
	RunE:  runDiagAnalyze,
}

var diagClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every crash record and snapshot",
	RunE:  runDiagClear,
}

var diagExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a diagnostics report file",
	RunE:  runDiagExport,
}

var diagLastReportCmd = &cobra.Command{
	Use:   "last-report",
	Short: "Show the summary of the most recent report file",
	RunE:  runDiagLastReport,
}

var (
	diagLimit        int
	diagJSON         bool
	diagExportFormat string
)

func init() {
	rootCmd.AddCommand(diagnosticsCmd)
	diagnosticsCmd.AddCommand(diagListCmd, diagSnapshotsCmd, diagAnalyzeCmd, diagClearCmd, diagExportCmd, diagLastReportCmd)

	diagListCmd.Flags().IntVarP(&diagLimit, "limit", "n", 20, "Maximum number of records to show (0 for all)")
	diagListCmd.Flags().BoolVar(&diagJSON, "json", false, "Output as JSON")
	diagAnalyzeCmd.Flags().BoolVar(&diagJSON, "json", false, "Output as JSON")
	diagExportCmd.Flags().StringVarP(&diagExportFormat, "format", "f", diagnostics.FormatJSON, "Report format (json, yaml)")
}

func runDiagList(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	records := a.Aggregator.Records(cmd.Context())
	shown := records.Value
	if diagLimit > 0 && len(shown) > diagLimit {
		shown = shown[:diagLimit]
	}
	if diagJSON {
		return OutputJSON(out, shown)
	}

	if len(shown) == 0 {
		fmt.Fprintln(out, "No crash records.")
	} else {
		table := tablewriter.NewWriter(out)
		table.Header("Time", "Type", "Fatal", "Message", "Snapshot")
		for _, r := range shown {
			table.Append([]string{
				r.Timestamp.Local().Format(time.DateTime),
				string(r.Type),
				yesNo(r.IsFatal),
				TruncateString(r.Message, 60),
				shortRef(r.SnapshotRef),
			})
		}
		table.Render()
		if len(shown) < len(records.Value) {
			fmt.Fprintf(out, "Showing %d of %d records.\n", len(shown), len(records.Value))
		}
	}
	warnDegraded(out, records.Degraded, records.Err)
	return nil
}

func runDiagSnapshots(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	snaps := a.Aggregator.Snapshots(cmd.Context())
	if len(snaps.Value) == 0 {
		fmt.Fprintln(out, "No snapshots.")
		warnDegraded(out, snaps.Degraded, snaps.Err)
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Time", "Memory", "Storage", "Network", "Goroutines", "Heap MB")
	for _, s := range snaps.Value {
		mem := "n/a"
		if s.MemoryRatio != nil {
			mem = fmt.Sprintf("%.1f%%", *s.MemoryRatio*100)
		}
		table.Append([]string{
			s.Timestamp.Local().Format(time.DateTime),
			mem,
			passFail(s.StorageHealthy),
			yesNo(s.NetworkReachable),
			fmt.Sprintf("%d", s.Goroutines),
			fmt.Sprintf("%.1f", s.HeapAllocMB),
		})
	}
	table.Render()
	warnDegraded(out, snaps.Degraded, snaps.Err)
	return nil
}

func runDiagAnalyze(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	summary := a.Aggregator.Summary(cmd.Context())
	if diagJSON {
		return OutputJSON(out, summary.Value)
	}
	printSummary(out, summary.Value)
	warnDegraded(out, summary.Degraded, summary.Err)
	return nil
}

func runDiagClear(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cleared := a.Aggregator.ClearAll(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries.\n", cleared.Value)
	if cleared.Degraded {
		return fmt.Errorf("clearing diagnostics: %w", cleared.Err)
	}
	return nil
}

func runDiagExport(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	path, err := a.Reports.Export(cmd.Context(), a.Aggregator, diagExportFormat)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runDiagLastReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	report, err := diagnostics.LoadLatestReport(cfg.Diagnostics.ReportDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Report generated %s by pid %d on %s\n\n",
		report.GeneratedAt.Local().Format(time.DateTime), report.ProcessID, report.Platform.Hostname)
	printSummary(out, report.Summary)
	for _, reason := range report.Degraded {
		fmt.Fprintf(out, "incomplete: %s\n", reason)
	}
	return nil
}

func printSummary(out io.Writer, s diagnostics.Summary) {
	table := tablewriter.NewWriter(out)
	table.Header("Metric", "Value")
	table.Append([]string{"Total", fmt.Sprintf("%d", s.Total)})
	table.Append([]string{"Fatal", fmt.Sprintf("%d", s.Fatal)})
	table.Append([]string{"Memory related", fmt.Sprintf("%d", s.MemoryRelated)})
	table.Append([]string{"Application errors", fmt.Sprintf("%d", s.JSErrors)})
	table.Append([]string{"Native errors", fmt.Sprintf("%d", s.NativeErrors)})
	if s.MostFrequentType != "" {
		table.Append([]string{"Most frequent type", fmt.Sprintf("%s (%d)", s.MostFrequentType, s.MostFrequentTypeCount)})
		table.Append([]string{"Most frequent message", fmt.Sprintf("%s (%d)", TruncateString(s.MostFrequentMessage, 60), s.MostFrequentMessageCount)})
	}
	types := make([]string, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		table.Append([]string{"  " + t, fmt.Sprintf("%d", s.ByType[core.CrashType(t)])})
	}
	if s.FirstSeen != nil && s.LastSeen != nil {
		table.Append([]string{"First seen", s.FirstSeen.Local().Format(time.DateTime)})
		table.Append([]string{"Last seen", s.LastSeen.Local().Format(time.DateTime)})
	}
	table.Render()
}

func warnDegraded(out io.Writer, degraded bool, err error) {
	if degraded {
		fmt.Fprintf(out, "warning: results are incomplete: %v\n", err)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func shortRef(ref string) string {
	if ref == "" {
		return "-"
	}
	return TruncateString(ref, 24)
}
