package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/recalibrate"
)

var recalibrateCmd = &cobra.Command{
	Use:   "recalibrate <entity-id>",
	Short: "Recalibrate the metric weights of an entity's sources",
	Long: `Recalibrates every active source of an entity, or one source with --source.
Each source gets one audit record. Re-running with the same --run-id skips
sources that were already audited under it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initService(ctx, "recalibrate", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		source, _ := cmd.Flags().GetString("source")
		runID, _ := cmd.Flags().GetString("run-id")
		asJSON, _ := cmd.Flags().GetBool("json")

		res, err := env.Service.Recalibrate(ctx, recalibrate.Request{
			EntityID: args[0],
			SourceID: source,
			RunID:    runID,
			Trigger:  recalibrate.TriggerManual,
		})
		if err != nil {
			return eris.Wrap(err, "recalibrate")
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	recalibrateCmd.Flags().String("source", "", "recalibrate only this source")
	recalibrateCmd.Flags().String("run-id", "", "idempotency key for the run (default: random)")
	recalibrateCmd.Flags().Bool("json", false, "print the full result as JSON")
	rootCmd.AddCommand(recalibrateCmd)
}

// formatResult writes a per-source table and run totals to out.
func formatResult(out io.Writer, res *recalibrate.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "Entity:\t%s\n\n", res.EntityID)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tMETRICS\tCONFIDENCE\tSCORE\tTIER\tERROR")
	_, _ = fmt.Fprintln(w, "------\t------\t-------\t----------\t-----\t----\t-----")
	for _, sr := range res.Sources {
		status := string(sr.Status)
		if sr.Duplicate {
			status = "skipped"
		}
		score := "-"
		if sr.Score != nil {
			score = fmt.Sprintf("%.1f", sr.Score.Score)
			if sr.Score.Origin == model.OriginBaseline {
				score += "*"
			}
		}
		errText := string(sr.ErrorKind)
		if sr.Error != "" {
			errText += ": " + truncate(sr.Error, 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\t%s\t%s\n",
			sr.SourceID, status, sr.MetricsCount, sr.Confidence, score, sr.Tier, errText)
	}
	_, _ = fmt.Fprintln(w)
	formatTotals(w, res.Totals)
	_ = w.Flush()
}

func formatTotals(w io.Writer, t recalibrate.Totals) {
	_, _ = fmt.Fprintf(w, "Sources:\t%d\n", t.Sources)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", t.Succeeded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", t.Failed)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", t.Skipped)
	_, _ = fmt.Fprintf(w, "Avg confidence:\t%.2f\n", t.AvgConfidence)
	_, _ = fmt.Fprintf(w, "Metrics:\t%d\n", t.TotalMetrics)
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", t.Elapsed.Round(time.Millisecond))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
