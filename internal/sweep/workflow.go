// Package sweep runs scheduled recalibration sweeps as a Temporal workflow.
package sweep

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/fusionscore/internal/recalibrate"
)

// DefaultChunkSize is used when the input leaves ChunkSize unset.
const DefaultChunkSize = 50

// Input starts a sweep.
type Input struct {
	// SweepID names the sweep; defaults to the workflow run ID so each cron
	// run is a fresh sweep while activity retries stay idempotent.
	SweepID   string `json:"sweep_id,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
}

// Output summarizes a finished sweep.
type Output struct {
	SweepID  string `json:"sweep_id"`
	Entities int    `json:"entities"`
	Chunks   int    `json:"chunks"`
	// FailedChunks counts chunks whose activity gave up after retries. Their
	// entities are counted in Failed.
	FailedChunks int                `json:"failed_chunks"`
	Failed       int                `json:"failed"`
	Totals       recalibrate.Totals `json:"totals"`
}

// SweepWorkflow lists active entities and recalibrates them chunk by chunk.
// A chunk that keeps failing is recorded and the sweep moves on.
func SweepWorkflow(ctx workflow.Context, in Input) (*Output, error) {
	log := workflow.GetLogger(ctx)
	if in.SweepID == "" {
		in.SweepID = workflow.GetInfo(ctx).WorkflowExecution.RunID
	}
	if in.ChunkSize <= 0 {
		in.ChunkSize = DefaultChunkSize
	}
	if in.Trigger == "" {
		in.Trigger = recalibrate.TriggerSchedule
	}

	var a *Activities

	listCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    5,
		},
	})
	var entities []string
	if err := workflow.ExecuteActivity(listCtx, a.ListEntities).Get(ctx, &entities); err != nil {
		return nil, err
	}

	chunkCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})

	out := &Output{SweepID: in.SweepID, Entities: len(entities)}
	var confSum float64
	for _, chunk := range Chunk(entities, in.ChunkSize) {
		out.Chunks++
		var res recalibrate.SweepResult
		err := workflow.ExecuteActivity(chunkCtx, a.RecalibrateEntities, ChunkInput{
			SweepID:  in.SweepID,
			Entities: chunk,
			Trigger:  in.Trigger,
		}).Get(ctx, &res)
		if err != nil {
			log.Error("sweep: chunk failed", "sweep_id", in.SweepID, "entities", len(chunk), "error", err)
			out.FailedChunks++
			out.Failed += len(chunk)
			continue
		}
		out.Failed += res.Failed
		out.Totals.Sources += res.Totals.Sources
		out.Totals.Succeeded += res.Totals.Succeeded
		out.Totals.Failed += res.Totals.Failed
		out.Totals.Skipped += res.Totals.Skipped
		out.Totals.TotalMetrics += res.Totals.TotalMetrics
		out.Totals.Elapsed += res.Totals.Elapsed
		confSum += res.Totals.AvgConfidence * float64(res.Totals.Succeeded)
	}
	if out.Totals.Succeeded > 0 {
		out.Totals.AvgConfidence = confSum / float64(out.Totals.Succeeded)
	}

	log.Info("sweep: complete",
		"sweep_id", in.SweepID,
		"entities", out.Entities,
		"chunks", out.Chunks,
		"failed", out.Failed,
	)
	return out, nil
}

// Chunk splits items into consecutive batches of at most size.
func Chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
