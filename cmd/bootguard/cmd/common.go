package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/bootguard/internal/bootstrap"
	"github.com/hugo-lorenzo-mato/bootguard/internal/config"
	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
	"github.com/hugo-lorenzo-mato/bootguard/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/bootguard/internal/hooks"
	"github.com/hugo-lorenzo-mato/bootguard/internal/integrity"
	"github.com/hugo-lorenzo-mato/bootguard/internal/kvstore"
	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
	"github.com/hugo-lorenzo-mato/bootguard/internal/metrics"
	"github.com/hugo-lorenzo-mato/bootguard/internal/supervisor"
)

// app holds everything a command may need, built from one configuration.
type app struct {
	Config     *config.Config
	Logger     *logging.Logger
	Store      core.KVStore
	Metrics    *metrics.Metrics
	Platform   *diagnostics.Platform
	Checker    *integrity.Checker
	Aggregator *diagnostics.Aggregator
	Reports    *diagnostics.ReportWriter

	// Set by withSupervisor.
	Chain        *hooks.Chain
	Bootstrapper *bootstrap.CommandBootstrapper
	Supervisor   *supervisor.Supervisor
}

// loadConfig loads and validates configuration using the global viper
// instance, so bound flags take precedence.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// openApp builds the store, probes and aggregator. Close must be called.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	store, err := kvstore.Open(kvstore.Options{
		Backend:    cfg.Store.Backend,
		Path:       cfg.Store.Path,
		BackupPath: cfg.Store.BackupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	m := metrics.New()
	checker := integrity.NewChecker(store, integrity.Config{
		MemoryThreshold: cfg.Integrity.MemoryThreshold,
		ProbeTimeout:    cfg.Integrity.ProbeTimeout,
	}, integrity.WithLogger(logger))

	agg := diagnostics.NewAggregator(store, diagnostics.Config{
		Retention:        cfg.Diagnostics.Retention,
		SnapshotOnRecord: cfg.Diagnostics.SnapshotOnRecord,
	},
		diagnostics.WithProbes(diagnostics.DefaultProbes(cfg.Diagnostics.NetworkProbeAddr, cfg.Diagnostics.NetworkTimeout)),
		diagnostics.WithLogger(logger),
		diagnostics.WithMetrics(m),
	)

	return &app{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Metrics:    m,
		Platform:   diagnostics.NewPlatform(),
		Checker:    checker,
		Aggregator: agg,
		Reports: diagnostics.NewReportWriter(
			cfg.Diagnostics.ReportDir,
			cfg.Diagnostics.MaxReports,
			cfg.Diagnostics.ReportEnv,
			logger,
		),
	}, nil
}

// withSupervisor adds the hook chain, the command bootstrapper and the
// supervisor on the process-wide signal source.
func (a *app) withSupervisor() error {
	a.Chain = hooks.NewChain(hooks.Process(), a.Aggregator, hooks.WithChainLogger(a.Logger))

	bc := a.Config.Bootstrap
	runner := bootstrap.NewRunner(bc.WorkDir, bc.Env, a.Logger)
	a.Bootstrapper = bootstrap.NewCommandBootstrapper(runner, bootstrap.Commands{
		Full:       bc.FullCommand,
		Safe:       bc.SafeCommand,
		Background: bc.BackgroundCommands,
	}, hooks.Process(), a.Logger)

	sc := a.Config.Supervisor
	sup, err := supervisor.New(supervisor.Deps{
		Store:        a.Store,
		Checker:      a.Checker,
		History:      a.Aggregator,
		Hooks:        a.Chain,
		Bootstrapper: a.Bootstrapper,
	}, supervisor.Config{
		MaxAttempts:       sc.MaxAttempts,
		Backoff:           sc.Backoff,
		RecentCrashWindow: sc.RecentCrashWindow,
		CorruptedKeys:     sc.CorruptedKeys,
	},
		supervisor.WithLogger(a.Logger),
		supervisor.WithMetrics(a.Metrics),
	)
	if err != nil {
		return err
	}
	a.Supervisor = sup
	return nil
}

// Close uninstalls the hook chain and closes the store.
func (a *app) Close() {
	if a.Chain != nil {
		a.Chain.Uninstall()
	}
	if err := kvstore.Close(a.Store); err != nil {
		a.Logger.Warn("closing store", "error", err)
	}
}

// OutputJSON writes v as indented JSON.
func OutputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// TruncateString flattens s to one line and truncates it to maxLen runes.
func TruncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")

	runes := []rune(s)
	if maxLen <= 3 || len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

// removeIfExists deletes path, treating a missing file as success.
func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
