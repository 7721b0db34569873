// Package commands implements the pwmp-server CLI surface.
package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/PixelWeatherProject/pwmp-server/internal/config"
	appversion "github.com/PixelWeatherProject/pwmp-server/internal/version"
)

var (
	// cfg is the loaded configuration, populated in PersistentPreRunE.
	cfg *config.Config

	// logger is the process-wide structured logger.
	logger *slog.Logger

	// configPath is the --config flag value.
	configPath string

	// debugLog is the --debug flag value; forces debug-level logging.
	debugLog bool
)

// errFirstRun signals that a default configuration was just created and
// the process should exit successfully without doing anything else.
var errFirstRun = errors.New("configuration initialized")

// rootCmd is the top-level cobra command. Without a subcommand it runs
// the server.
var rootCmd = &cobra.Command{
	Use:   "pwmp-server",
	Short: "PixelWeather Messaging Protocol server",
	Long:  "pwmp-server accepts connections from PixelWeather nodes and services the PWMP protocol against a relational store.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return bootstrap()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd.Context())
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"alternative configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false,
		"enable debug logging")

	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(databaseCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(versionCmd())
}

// bootstrap loads the configuration and sets up logging. On first run the
// default configuration is written and errFirstRun is returned.
func bootstrap() error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	firstRun := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		firstRun = true
		if err := config.WriteDefault(path); err != nil {
			return err
		}
	}

	loaded, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg = loaded

	logger = newLogger(cfg.Log)
	logger.Info("pwmp-server",
		slog.String("version", appversion.Version),
		slog.String("config", path),
	)

	if firstRun {
		logger.Info("configuration initialized", slog.String("path", path))
		return errFirstRun
	}

	return nil
}

// newLogger builds the structured logger from the log configuration.
// --debug overrides the configured level.
func newLogger(lc config.LogConfig) *slog.Logger {
	level := config.ParseLogLevel(lc.Level)
	if debugLog {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch lc.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Execute runs the root command. Exit code 0 on success (including the
// first-run configuration bootstrap), 1 on any failure path.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errFirstRun) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Version printing needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Println(appversion.Full("pwmp-server"))
		},
	}
}
