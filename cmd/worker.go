package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/email"
	"github.com/spendwise-app/spendwise/internal/jobs"
)

const pruneInterval = time.Hour

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job queue consumers",
	Long:  "Consumes every job queue: expense categorization, correction learning, bulk re-categorization, email delivery, and report generation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		processors := jobs.NewProcessors(
			env.Client,
			env.Store,
			env.Renderer.Summaries(),
			env.Orchestrator,
			email.LogSender{},
			env.Renderer,
			cfg.Email,
		)
		registry, err := jobs.NewRegistry(processors)
		if err != nil {
			return err
		}
		if err := registry.Install(env.Broker); err != nil {
			return err
		}

		go prunePeriodically(ctx, env)

		zap.L().Info("worker starting")
		if err := env.Broker.Run(ctx); err != nil {
			return err
		}

		zap.L().Info("worker drained")
		return nil
	},
}

// prunePeriodically trims old completed and failed job records per the
// retention config.
func prunePeriodically(ctx context.Context, env *appEnv) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := env.Broker.Prune(ctx); err != nil {
				zap.L().Warn("prune job records", zap.Error(err))
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
