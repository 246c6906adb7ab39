package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fusionscore/internal/recalibrate"
	"github.com/sells-group/fusionscore/internal/sweep"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recalibrate every entity with an active source",
	Long: `Runs a sweep in-process with a bounded worker pool, or with --temporal
starts the sweep workflow on the configured task queue (on the configured
cron schedule when temporal.cron is set).`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sweepID, _ := cmd.Flags().GetString("id")
		useTemporal, _ := cmd.Flags().GetBool("temporal")

		if useTemporal {
			if err := cfg.Validate("worker"); err != nil {
				return err
			}
			c, err := sweep.Dial(cfg.Temporal)
			if err != nil {
				return err
			}
			defer c.Close()

			run, err := sweep.Start(ctx, c, cfg.Temporal, sweep.Input{SweepID: sweepID, Trigger: recalibrate.TriggerSchedule})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "started workflow %s (run %s)\n", run.GetID(), run.GetRunID())
			return nil
		}

		env, err := initService(ctx, "sweep", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.Sweep(ctx, sweepID, recalibrate.TriggerManual)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		zap.L().Info("sweep finished", zap.String("sweep_id", res.SweepID))

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Sweep:\t%s\n", res.SweepID)
		_, _ = fmt.Fprintf(w, "Entities:\t%d\n", res.Entities)
		_, _ = fmt.Fprintf(w, "Failed entities:\t%d\n", res.Failed)
		formatTotals(w, res.Totals)
		return w.Flush()
	},
}

func init() {
	sweepCmd.Flags().String("id", "", "sweep ID; reusing one skips sources already audited (default: random)")
	sweepCmd.Flags().Bool("temporal", false, "start the sweep workflow instead of running in-process")
	rootCmd.AddCommand(sweepCmd)
}
