package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/capture"
	"github.com/4ndr3c0d3/shotfleet/internal/id/uuid"
	"github.com/4ndr3c0d3/shotfleet/internal/scheduler"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
	pgstore "github.com/4ndr3c0d3/shotfleet/internal/storage/postgres"
)

type batchOptions struct {
	site        string
	tasks       int
	mode        string
	concurrency int
	fullPage    bool
}

// newBatchCmd creates the 'batch' subcommand, which screenshots one site
// many times through remote sessions.
func newBatchCmd() *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Captures one site N times through remote sessions",
		Long: `Runs the task scheduler against the remote backend. Capacity rejections are
retried with exponential backoff; every saved path is printed on its own line.
Flags left unset fall back to the batch.* configuration keys.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.site, "site", "", "site label (wikipedia, nytimes, airbnb, github, reddit) or http(s) URL")
	cmd.Flags().IntVar(&opts.tasks, "n", 0, "number of screenshots")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "sequential or concurrent")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "maximum concurrent sessions in concurrent mode")
	cmd.Flags().BoolVar(&opts.fullPage, "full-page", true, "capture beyond the viewport")
	return cmd
}

func runBatch(cmd *cobra.Command, opts *batchOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	flags := cmd.Flags()
	if !flags.Changed("site") {
		opts.site = cfg.Batch.Site
	}
	if !flags.Changed("n") {
		opts.tasks = cfg.Batch.Tasks
	}
	if !flags.Changed("mode") {
		opts.mode = cfg.Batch.Mode
	}
	if !flags.Changed("concurrency") {
		opts.concurrency = cfg.Batch.Concurrency
	}

	target, err := shot.ResolveSite(opts.site)
	if err != nil {
		return err
	}
	mode, err := scheduler.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	runner, err := appInstance.Batch()
	if err != nil {
		return err
	}
	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := appInstance.Logger().With(zap.String("run_id", runID), zap.String("label", target.Label))
	ledger := appInstance.RunLedger()
	started := time.Now().UTC()
	if ledger != nil {
		if err := ledger.StartRun(ctx, pgstore.RunRecord{
			ID:          runID,
			Label:       target.Label,
			URL:         target.URL,
			Mode:        string(mode),
			Tasks:       opts.tasks,
			Concurrency: opts.concurrency,
			StartedAt:   started,
		}); err != nil {
			logger.Warn("run ledger start failed", zap.Error(err))
		}
	}

	logger.Info("batch started",
		zap.String("url", target.URL),
		zap.Int("tasks", opts.tasks),
		zap.String("mode", string(mode)),
		zap.Int("concurrency", opts.concurrency),
	)
	report, err := runner.Run(ctx, capture.RunRequest{
		RunID:       runID,
		Target:      target,
		Tasks:       opts.tasks,
		Concurrency: opts.concurrency,
		Mode:        mode,
		FullPage:    opts.fullPage,
	})
	if err != nil {
		return fmt.Errorf("run batch: %w", err)
	}

	paths := report.Artifacts()
	failed := report.Failed()
	if ledger != nil {
		if err := ledger.FinishRun(context.WithoutCancel(ctx), runID, time.Now().UTC(), len(paths), failed); err != nil {
			logger.Warn("run ledger finish failed", zap.Error(err))
		}
	}
	for _, p := range paths {
		logger.Info("saved", zap.String("path", p))
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	for _, o := range report.Outcomes {
		if o.Err != nil {
			logger.Warn("task failed", zap.Int("index", o.Index), zap.Int("attempts", o.Attempts),
				zap.Stringer("kind", o.Kind), zap.Error(o.Err))
		}
	}
	logger.Info("batch finished",
		zap.Int("saved", len(paths)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}
