// Package cmd provides the hostaudit command-line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"hostaudit/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
	verbose    bool
)

const (
	maxInputFileSize = 32 * 1024 * 1024 // facts and event dumps are read whole
	defaultTimeout   = 2 * time.Minute
)

// NewRootCmd creates the hostaudit command. Running it without a subcommand serves.
func NewRootCmd() *cobra.Command {
	serve := newServeCmd()

	root := &cobra.Command{
		Use:   "hostaudit",
		Short: "Windows host posture auditing and security event detection",
		Long: `hostaudit evaluates host facts against compliance rules, polls the Security
event log for brute-force and privileged group activity, and serves the
results over an HTTP API with a live detection stream.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor || outputJSON {
				color.NoColor = true
			}
			config.ConfigFile = configFile
		},
		RunE: serve.RunE,
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log diagnostics to stderr")

	root.AddCommand(serve)
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newRulesCmd())
	root.AddCommand(newRescanCmd())
	root.AddCommand(newParseCmd())

	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliLogger returns a development logger with --verbose and a no-op logger otherwise.
func cliLogger() *zap.SugaredLogger {
	if !verbose {
		return zap.NewNop().Sugar()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// outputAsJSON prints v as indented JSON to stdout.
func outputAsJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// readInputFile reads a whole input file, refusing directories and oversized files.
func readInputFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxInputFileSize {
		return nil, fmt.Errorf("%s is too large (%d bytes, max %d)", path, info.Size(), maxInputFileSize)
	}
	return os.ReadFile(path)
}
