package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/eznat/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eznat",
		Short: "eznat - static address translation table",
		Long: "Translates address:port queries through a table of static NAT rules with wildcard " +
			"sources, and optionally exports concrete rules into Linux IPVS.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runOnce,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
	flags.String("rules", "", "rules file, one <source>,<destination> per line (default \"NAT\")")
	flags.String("flows", "", "flows file, one query per line (default \"FLOW\")")
	flags.String("output", "", "output file for translated flows (default \"OUTPUT\")")
	flags.String("log-level", "", "log level: debug, info, warn or error (default \"info\")")

	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newLookupCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run a translation pass and repeat it whenever an input changes",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
}

func newLookupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <address:port>...",
		Short: "Translate the given queries and print the outcomes",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLookup,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eznat version %s\n", version)
		},
	}
}

// runOnce performs a single translation pass and exits.
func runOnce(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	logger.Info("running single pass",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, cmd.Flags(), level, logger)
	if err != nil {
		return reportError(logger, "failed to create server", err)
	}

	if err := srv.RunOnce(); err != nil {
		return reportError(logger, "pass failed", err)
	}
	return nil
}

// runWatch runs passes until SIGINT or SIGTERM.
func runWatch(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	logger.Info("starting eznat watch",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, cmd.Flags(), level, logger)
	if err != nil {
		return reportError(logger, "failed to create server", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}

// runLookup prints one outcome line per query to stdout.
func runLookup(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	srv, err := server.NewServer(configPath, cmd.Flags(), level, logger)
	if err != nil {
		return reportError(logger, "failed to create server", err)
	}

	if err := srv.Lookup(args, cmd.OutOrStdout()); err != nil {
		return reportError(logger, "lookup failed", err)
	}
	return nil
}

// reportError logs err and returns it so cobra exits non-zero.
func reportError(logger *zap.Logger, msg string, err error) error {
	logger.Error(msg, zap.Error(err))
	return err
}

// newLogger creates a production zap logger with console encoding on stderr.
// The returned level is raised or lowered once the config is loaded.
func newLogger() (*zap.Logger, zap.AtomicLevel) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger, level
}
