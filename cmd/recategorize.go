package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	recatUser    string
	recatLimit   int
	recatLowOnly bool
)

var recategorizeCmd = &cobra.Command{
	Use:   "recategorize",
	Short: "Re-categorize a user's expenses synchronously",
	Long:  "Runs the bulk re-categorization pass in the foreground through the same orchestrator the job queue uses.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		progress := func(pct int) {
			zap.L().Info("re-categorization progress", zap.Int("pct", pct))
		}

		summary, err := env.Orchestrator.Run(ctx, recatUser, recatLimit, recatLowOnly, progress)
		if err != nil {
			return err
		}

		zap.L().Info("re-categorization complete",
			zap.String("user", recatUser),
			zap.Int("processed", summary.Processed),
			zap.Int("updated", summary.Updated),
			zap.Int("failed", summary.Failed),
		)
		return nil
	},
}

func init() {
	recategorizeCmd.Flags().StringVar(&recatUser, "user", "", "user id to re-categorize (required)")
	recategorizeCmd.Flags().IntVar(&recatLimit, "limit", 0, "max expenses to consider (0 = no cap)")
	recategorizeCmd.Flags().BoolVar(&recatLowOnly, "low-confidence", false, "only expenses with null or low AI confidence")
	recategorizeCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(recategorizeCmd)
}
