package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/fusionscore/internal/fusion"
	"github.com/sells-group/fusionscore/internal/learning"
)

var scoreCmd = &cobra.Command{
	Use:   "score <entity-id>",
	Short: "Show the fused score of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initService(cmd.Context(), "recalibrate", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		es, err := env.Service.EntityScore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), es)
		}
		formatEntityScore(cmd.OutOrStdout(), es)
		return nil
	},
}

var learningCmd = &cobra.Command{
	Use:   "learning <entity-id> <source-id>",
	Short: "Show the learning state of a source",
	Long:  "Projects maturity tier, permitted features, confidence, anomalies and learning events from the source's score history.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initService(cmd.Context(), "recalibrate", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Service.LearningState(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), st)
		}
		formatLearningState(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	scoreCmd.Flags().Bool("json", false, "print as JSON")
	learningCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(learningCmd)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatEntityScore(out io.Writer, es *fusion.EntityScore) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Entity:\t%s\n", es.EntityID)
	_, _ = fmt.Fprintf(w, "Score:\t%.1f (%s)\n\n", es.Score, es.Origin)
	_, _ = fmt.Fprintln(w, "SOURCE\tCATEGORY\tSCORE\tORIGIN\tWEIGHT")
	_, _ = fmt.Fprintln(w, "------\t--------\t-----\t------\t------")
	for _, c := range es.Contributions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\t%.3f\n", c.SourceID, c.Category, c.Score, c.Origin, c.Weight)
	}
	_ = w.Flush()
}

func formatLearningState(out io.Writer, st *learning.State) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Source:\t%s/%s\n", st.EntityID, st.SourceID)
	_, _ = fmt.Fprintf(w, "Score:\t%.1f (%s, %s)\n", st.Score, st.Origin, st.Trend)
	_, _ = fmt.Fprintf(w, "Snapshots:\t%d\n", st.Snapshots)
	_, _ = fmt.Fprintf(w, "Confidence:\t%.2f\n", st.Confidence.Total)
	_, _ = fmt.Fprintf(w, "Tier:\t%s\n", st.Tier)
	_, _ = fmt.Fprintf(w, "Features:\t%v\n", st.Features)
	_, _ = fmt.Fprintf(w, "Anomalies:\t%d\n", len(st.Anomalies))
	for _, e := range st.Events {
		_, _ = fmt.Fprintf(w, "Event:\t%s\n", e.Type)
	}
	_ = w.Flush()
}
