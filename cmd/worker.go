package main

import (
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fusionscore/internal/monitoring"
	"github.com/sells-group/fusionscore/internal/sweep"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for scheduled sweeps",
	Long: `Polls the configured task queue and executes sweep workflows. With
--schedule it also registers the cron sweep from temporal.cron.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initService(ctx, "worker", monitoring.NewMetrics(prometheus.DefaultRegisterer))
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := sweep.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		if schedule, _ := cmd.Flags().GetBool("schedule"); schedule && cfg.Temporal.Cron != "" {
			if _, err := sweep.Start(ctx, c, cfg.Temporal, sweep.Input{}); err != nil {
				zap.L().Warn("cron sweep not started", zap.Error(err))
			}
		}

		w := sweep.NewWorker(c, cfg.Temporal, sweep.NewActivities(env.Service))
		zap.L().Info("starting worker",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("namespace", cfg.Temporal.Namespace),
		)
		return sweep.RunWorker(ctx, w)
	},
}

func init() {
	workerCmd.Flags().Bool("schedule", false, "register the cron sweep from temporal.cron on start")
	rootCmd.AddCommand(workerCmd)
}
