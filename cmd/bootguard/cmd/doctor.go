package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check store integrity and host health",
	Long: `Run one integrity check and take one diagnostic snapshot without
launching anything. Exits non-zero when the store fails its probe.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	result := a.Checker.Check(ctx)
	fmt.Fprintln(out, "Integrity")
	table := tablewriter.NewWriter(out)
	table.Header("Probe", "Result", "Detail")
	table.Append([]string{"storage", passFail(result.StorageOK), reasonFor(result.Reasons, "storage")})
	memDetail := reasonFor(result.Reasons, "memory")
	if memDetail == "" && result.MemoryRatio != nil {
		memDetail = fmt.Sprintf("%.0f%% used", *result.MemoryRatio*100)
	}
	table.Append([]string{"memory", passFail(result.MemoryOK), memDetail})
	table.Render()

	snap := a.Aggregator.Snapshot(ctx)
	s := snap.Value
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Snapshot")
	table = tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	table.Append([]string{"Host", s.Platform.Hostname})
	table.Append([]string{"Platform", strings.TrimSpace(s.Platform.OS + "/" + s.Platform.Arch + " " + s.Platform.PlatformVersion)})
	if s.Platform.CPUModel != "" {
		table.Append([]string{"CPU", fmt.Sprintf("%s (%d threads)", s.Platform.CPUModel, s.Platform.CPUThreads)})
	}
	if len(s.Platform.GPUs) > 0 {
		table.Append([]string{"GPU", strings.Join(s.Platform.GPUs, ", ")})
	}
	if s.MemoryRatio != nil {
		table.Append([]string{"Memory", fmt.Sprintf("%.1f%% used", *s.MemoryRatio*100)})
	} else {
		table.Append([]string{"Memory", "unavailable"})
	}
	table.Append([]string{"Storage", passFail(s.StorageHealthy)})
	table.Append([]string{"Network", reachability(a.Config.Diagnostics.NetworkProbeAddr, s.NetworkReachable)})
	table.Append([]string{"Goroutines", fmt.Sprintf("%d", s.Goroutines)})
	table.Append([]string{"Open FDs", fmt.Sprintf("%d", s.OpenFDs)})
	for _, ns := range sortedKeys(s.KeyCounts) {
		table.Append([]string{"Keys " + ns, fmt.Sprintf("%d", s.KeyCounts[ns])})
	}
	table.Render()

	res := a.Platform.Resources(ctx, filepath.Dir(a.Config.Store.Path))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Resources")
	table = tablewriter.NewWriter(out)
	table.Header("Resource", "Used", "Total", "Percent")
	table.Append([]string{"Memory", fmt.Sprintf("%.0f MB", res.MemUsedMB), fmt.Sprintf("%.0f MB", res.MemTotalMB), fmt.Sprintf("%.1f%%", res.MemPercent)})
	table.Append([]string{"Disk " + res.DiskPath, fmt.Sprintf("%.1f GB", res.DiskUsedGB), fmt.Sprintf("%.1f GB", res.DiskTotalGB), fmt.Sprintf("%.1f%%", res.DiskPercent)})
	table.Render()
	fmt.Fprintf(out, "Load average: %.2f %.2f %.2f\n", res.LoadAvg1, res.LoadAvg5, res.LoadAvg15)

	if snap.Degraded {
		fmt.Fprintf(out, "\nSome readings are unavailable: %v\n", snap.Err)
	}

	if !result.StorageOK {
		return fmt.Errorf("store failed the integrity check")
	}
	if !result.MemoryOK {
		fmt.Fprintln(out, "\nMemory headroom is low; the next launch will use safe mode.")
	}
	return nil
}

func passFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}

func reachability(addr string, reachable bool) string {
	switch {
	case addr == "":
		return "not probed"
	case reachable:
		return "reachable (" + addr + ")"
	default:
		return "unreachable (" + addr + ")"
	}
}

// reasonFor returns the first reason reported by probe.
func reasonFor(reasons []string, probe string) string {
	for _, r := range reasons {
		if strings.HasPrefix(r, probe+":") {
			return r
		}
	}
	return ""
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
