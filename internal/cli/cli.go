// Package cli builds the servicehub command tree.
//
//	servicehub serve    API, transition and event consumers, reconciler
//	servicehub worker   consumers and reconciler only
//	servicehub version
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DEEJ4Y/servicehub/config"
	"github.com/DEEJ4Y/servicehub/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "servicehub",
		Short:         "Service marketplace listings and job scheduling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API together with the queue consumers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath, true)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run the queue consumers and reconciler without the API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath, false)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		},
	)
	return root
}

func run(ctx context.Context, configPath string, serveAPI bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := a.start(ctx, serveAPI); err != nil {
		a.shutdown()
		return err
	}
	log.Info("servicehub running",
		zap.String("version", Version),
		zap.Bool("api", serveAPI),
		zap.String("broker", cfg.Broker.Kind))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-a.serverErr:
		log.Error("http server failed", zap.Error(runErr))
	}
	a.shutdown()
	return runErr
}
