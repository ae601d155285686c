package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/fsutil"
	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
)

// Report formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

const reportPrefix = "report-"

// Report is a self-contained export of the diagnostics history, written for
// a human or a later tool to read.
type Report struct {
	GeneratedAt time.Time                 `json:"generated_at" yaml:"generated_at"`
	ProcessID   int                       `json:"process_id" yaml:"process_id"`
	Platform    core.PlatformInfo         `json:"platform" yaml:"platform"`
	Summary     Summary                   `json:"summary" yaml:"summary"`
	Records     []core.CrashRecord        `json:"records" yaml:"records"`
	Snapshots   []core.DiagnosticSnapshot `json:"snapshots" yaml:"snapshots"`

	// Degraded lists the reasons parts of the report are incomplete.
	Degraded []string `json:"degraded,omitempty" yaml:"degraded,omitempty"`

	// Environment (redacted)
	RedactedEnv map[string]string `json:"redacted_env,omitempty" yaml:"redacted_env,omitempty"`
}

// ReportWriter builds reports from an aggregator and persists them,
// keeping at most maxFiles in dir.
type ReportWriter struct {
	dir        string
	maxFiles   int
	includeEnv bool
	logger     *logging.Logger

	mu sync.Mutex // Protects file operations
}

// NewReportWriter creates a report writer.
func NewReportWriter(dir string, maxFiles int, includeEnv bool, logger *logging.Logger) *ReportWriter {
	if maxFiles <= 0 {
		maxFiles = 10
	}
	if dir == "" {
		dir = ".bootguard/reports"
	}
	return &ReportWriter{
		dir:        dir,
		maxFiles:   maxFiles,
		includeEnv: includeEnv,
		logger:     logging.OrNop(logger).WithComponent("reports"),
	}
}

// Build assembles a report. Degraded aggregator reads are noted in
// Report.Degraded instead of failing the build.
func (w *ReportWriter) Build(ctx context.Context, agg *Aggregator) Report {
	report := Report{
		GeneratedAt: agg.now().UTC(),
		ProcessID:   os.Getpid(),
	}

	snap := agg.Snapshot(ctx)
	report.Platform = snap.Value.Platform
	if snap.Degraded {
		report.Degraded = append(report.Degraded, "snapshot: "+snap.Err.Error())
	}

	records := agg.Records(ctx)
	report.Records = records.Value
	report.Summary = Analyze(records.Value)
	if records.Degraded {
		report.Degraded = append(report.Degraded, "records: "+records.Err.Error())
	}

	snaps := agg.Snapshots(ctx)
	report.Snapshots = snaps.Value
	if snaps.Degraded {
		report.Degraded = append(report.Degraded, "snapshots: "+snaps.Err.Error())
	}

	if w.includeEnv {
		report.RedactedEnv = redactEnvironment()
	}
	return report
}

// Export builds a report and writes it in the given format.
func (w *ReportWriter) Export(ctx context.Context, agg *Aggregator, format string) (string, error) {
	return w.Write(w.Build(ctx, agg), format)
}

// Write persists report and returns the file path.
func (w *ReportWriter) Write(report Report, format string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, ext, err := encodeReport(report, format)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}

	// Millisecond stamps keep names unique and lexically ordered by age.
	filename := reportPrefix + report.GeneratedAt.UTC().Format("2006-01-02T15-04-05.000") + ext
	path := filepath.Join(w.dir, filename)
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}

	w.cleanupOldReports()
	w.logger.Info("diagnostics report written", "path", path, "records", len(report.Records))
	return path, nil
}

func encodeReport(report Report, format string) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("marshaling report: %w", err)
		}
		return data, ".json", nil
	case FormatYAML, "yml":
		data, err := yaml.Marshal(report)
		if err != nil {
			return nil, "", fmt.Errorf("marshaling report: %w", err)
		}
		return data, ".yaml", nil
	default:
		return nil, "", fmt.Errorf("unknown report format %q", format)
	}
}

// cleanupOldReports removes reports exceeding maxFiles, oldest first.
func (w *ReportWriter) cleanupOldReports() {
	names, err := listReports(w.dir)
	if err != nil {
		return
	}
	for len(names) > w.maxFiles {
		path := filepath.Join(w.dir, names[0])
		if err := os.Remove(path); err != nil {
			w.logger.Warn("failed to remove old report", "path", path, "error", err)
		}
		names = names[1:]
	}
}

// listReports returns report file names sorted oldest first.
func listReports(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), reportPrefix) {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".json", ".yaml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadLatestReport loads the most recent report from dir.
func LoadLatestReport(dir string) (*Report, error) {
	names, err := listReports(dir)
	if err != nil {
		return nil, fmt.Errorf("reading report dir: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no reports found")
	}
	newest := names[len(names)-1]

	data, err := fsutil.ReadFileScoped(filepath.Join(dir, newest))
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}

	var report Report
	if filepath.Ext(newest) == ".yaml" {
		err = yaml.Unmarshal(data, &report)
	} else {
		err = json.Unmarshal(data, &report)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return &report, nil
}

func redactEnvironment() map[string]string {
	result := make(map[string]string)
	sensitiveSubstrings := []string{
		"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL",
		"AUTH", "PRIVATE", "API_KEY", "APIKEY",
	}

	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, "BOOTGUARD_") {
			continue
		}

		keyUpper := strings.ToUpper(key)
		for _, sensitive := range sensitiveSubstrings {
			if strings.Contains(keyUpper, sensitive) {
				value = "[REDACTED]"
				break
			}
		}
		result[key] = value
	}
	return result
}
