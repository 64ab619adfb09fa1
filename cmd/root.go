// Package cmd defines and implements the CLI commands for the shotfleet executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/capture"
	"github.com/4ndr3c0d3/shotfleet/internal/config"
	"github.com/4ndr3c0d3/shotfleet/internal/scheduler"
	"github.com/4ndr3c0d3/shotfleet/internal/server"
	pgstore "github.com/4ndr3c0d3/shotfleet/internal/storage/postgres"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// BatchRunner runs one scheduler plan against the remote backend.
type BatchRunner interface {
	Run(ctx context.Context, req capture.RunRequest) (scheduler.Report, error)
}

// RunLedger records batch runs. *postgres.CaptureStore satisfies it.
type RunLedger interface {
	StartRun(ctx context.Context, run pgstore.RunRecord) error
	FinishRun(ctx context.Context, id string, finishedAt time.Time, succeeded, failed int) error
}

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Config() config.Config
	Logger() *zap.Logger
	Batch() (BatchRunner, error)
	// RunLedger is nil when no database is configured.
	RunLedger() RunLedger
}

// serverApp adapts *server.App to App.
type serverApp struct{ *server.App }

func (a serverApp) Batch() (BatchRunner, error) {
	fleet, err := a.Fleet()
	if err != nil {
		return nil, err
	}
	return fleet, nil
}

func (a serverApp) RunLedger() RunLedger {
	if l := a.Ledger(); l != nil {
		return l
	}
	return nil
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

type rootOptions struct {
	configFile string
	envFile    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "shotfleet",
		Short: "Screenshots at scale through remote and local browser sessions.",
		Long: `shotfleet provisions browser sessions from a capacity-limited remote backend
or spawns local browsers, drives them over the DevTools protocol, and stores
full-page PNG screenshots. It runs as an HTTP service or as a one-shot batch.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application after flags are parsed and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration when present")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBatchCmd())

	return cmd
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
