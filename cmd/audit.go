package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/monitoring"
	"github.com/sells-group/fusionscore/internal/store"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the recalibration audit trail",
}

// -- audit list --

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entity, _ := cmd.Flags().GetString("entity")
		source, _ := cmd.Flags().GetString("source")
		runID, _ := cmd.Flags().GetString("run-id")
		status, _ := cmd.Flags().GetString("status")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := store.AuditFilter{
			EntityID: entity,
			SourceID: source,
			RunID:    runID,
			Status:   model.AuditStatus(status),
			Limit:    limit,
		}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}

		records, err := st.ListAudit(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "audit list")
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), records)
		}
		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No audit records found.")
			return nil
		}
		formatAuditList(cmd.OutOrStdout(), records)
		return nil
	},
}

// -- audit health --

var auditHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Summarize recalibration health over a lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return err
		}
		alerts := monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"health": snap, "alerts": alerts})
		}
		formatHealth(cmd.OutOrStdout(), snap, alerts)
		return nil
	},
}

func init() {
	auditListCmd.Flags().String("entity", "", "filter by entity ID")
	auditListCmd.Flags().String("source", "", "filter by source ID")
	auditListCmd.Flags().String("run-id", "", "filter by run ID")
	auditListCmd.Flags().String("status", "", "filter by status (success, failed)")
	auditListCmd.Flags().Duration("since", 0, "only records newer than this (e.g. 24h)")
	auditListCmd.Flags().Int("limit", 50, "max number of records to display")
	auditListCmd.Flags().Bool("json", false, "print as JSON")

	auditHealthCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")
	auditHealthCmd.Flags().Bool("json", false, "print as JSON")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditHealthCmd)
	rootCmd.AddCommand(auditCmd)
}

// formatAuditList writes a tabular list of audit records to out.
func formatAuditList(out io.Writer, records []model.AuditRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tENTITY\tSOURCE\tSTATUS\tKIND\tMETRICS\tCONFIDENCE\tCREATED")
	_, _ = fmt.Fprintln(w, "---\t------\t------\t------\t----\t-------\t----------\t-------")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%.2f\t%s\n",
			truncateID(r.RunID),
			r.EntityID,
			r.SourceID,
			r.Status,
			r.ErrorKind,
			r.MetricsCount,
			r.Confidence,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func formatHealth(out io.Writer, snap *monitoring.HealthSnapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Recalibrations:\t%d\n", snap.Total)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", snap.Succeeded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d (%.1f%%)\n", snap.Failed, snap.FailureRate*100)
	for _, kind := range []model.ErrorKind{
		model.ErrorKindInputInsufficiency,
		model.ErrorKindTransientDependency,
		model.ErrorKindPersistenceFailure,
		model.ErrorKindInvariantViolation,
	} {
		if n := snap.FailuresByKind[kind]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", kind, n)
		}
	}
	_, _ = fmt.Fprintf(w, "Avg confidence:\t%.2f\n", snap.AvgConfidence)
	_, _ = fmt.Fprintf(w, "Entities:\t%d\n", snap.Entities)
	for _, a := range alerts {
		_, _ = fmt.Fprintf(w, "ALERT [%s]:\t%s\n", a.Severity, a.Message)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
