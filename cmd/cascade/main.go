// Package main provides the cascade binary entry point: a tiered function
// execution platform that escalates invocations from sandboxed code
// through model-backed tiers up to human review.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/cascade/llm/providers"

	"github.com/spf13/cobra"

	"github.com/c360studio/cascade/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cascade"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           appName,
		Short:         "Tiered function execution platform",
		Long:          "Cascade accepts function invocations and escalates them through code, generative, agentic, and human execution tiers until one succeeds.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (overrides layered loading)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(serveCmd(&configPath, &verbose))
	root.AddCommand(versionCmd())
	root.AddCommand(initCmd())
	return root
}

func serveCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cascade HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(*verbose)
			slog.SetDefault(logger)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.Start(ctx); err != nil {
				return err
			}
			logger.Info("Cascade server started", "addr", cfg.Server.Addr)

			<-ctx.Done()
			app.Shutdown(10 * time.Second)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("%s %s (built %s)\n", appName, Version, BuildTime)
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default user config file if none exists",
		RunE: func(*cobra.Command, []string) error {
			return config.NewLoader(slog.Default()).EnsureUserConfig()
		},
	}
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
