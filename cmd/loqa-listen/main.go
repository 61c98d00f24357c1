package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/telemetry"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

const defaultConfigPath = "loqa-listen.yaml"

var (
	configPath string
	logFormat  string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loqa-listen",
		Short:         "Stream microphone audio into an offline speech recognizer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")

	root.AddCommand(
		listenCmd(),
		devicesCmd(),
		modelCmd(),
		historyCmd(),
		versionCmd(),
	)
	return root
}

// loadConfig reads the config file. A missing file is tolerated only at the default path.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") && path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// newLogger writes to stderr so transcripts on stdout stay clean.
func newLogger(cfg config.Config) (*slog.Logger, error) {
	return telemetry.NewLogger(os.Stderr, logFormat, cfg.Telemetry.LogLevel)
}

// fail logs err with the best logger available and hands it back to cobra.
func fail(logger *slog.Logger, msg string, err error) error {
	if logger == nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		return err
	}
	logger.Error(msg, slog.String("error", err.Error()))
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
