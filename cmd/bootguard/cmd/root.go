package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "bootguard",
	Short: "Resilient launch and crash-recovery supervisor",
	Long: `bootguard launches an application through a supervised sequence:
it checks recent crash history and store integrity, picks a full or safe
initialization path, retries failed attempts with backoff, and records every
caught failure for later diagnosis.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the root command and prints any error to stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// GetVersion returns the application version string.
func GetVersion() string {
	return appVersion
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .bootguard.yaml, then ~/.config/bootguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig fails early on an explicit config file that cannot be read.
// Discovery and decoding happen in loadConfig.
func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	info, err := os.Stat(cfgFile)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("reading config: %s is a directory", cfgFile)
	}
	return nil
}
