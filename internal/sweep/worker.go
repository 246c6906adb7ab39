package sweep

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/fusionscore/internal/config"
)

// Dial connects to the Temporal frontend with a zap backed logger.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(zap.L().Named("temporal")),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sweep: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker creates a worker for the sweep task queue with the workflow and
// activities registered.
func NewWorker(c client.Client, cfg config.TemporalConfig, acts *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(SweepWorkflow)
	w.RegisterActivity(acts)
	return w
}

// RunWorker runs w until ctx is cancelled.
func RunWorker(ctx context.Context, w worker.Worker) error {
	if err := w.Start(); err != nil {
		return eris.Wrap(err, "sweep: start worker")
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// ScheduleID is the workflow ID of the cron sweep.
func ScheduleID(cfg config.TemporalConfig) string {
	return fmt.Sprintf("%s-cron", cfg.TaskQueue)
}

// Start starts a sweep workflow. With cfg.Cron set the workflow repeats on
// that schedule under a fixed ID; otherwise it runs once under a fresh ID.
func Start(ctx context.Context, c client.Client, cfg config.TemporalConfig, in Input) (client.WorkflowRun, error) {
	if in.ChunkSize <= 0 {
		in.ChunkSize = cfg.ChunkSize
	}
	opts := client.StartWorkflowOptions{
		TaskQueue: cfg.TaskQueue,
	}
	if cfg.Cron != "" {
		opts.ID = ScheduleID(cfg)
		opts.CronSchedule = cfg.Cron
	} else if in.SweepID != "" {
		opts.ID = "sweep-" + in.SweepID
	}

	run, err := c.ExecuteWorkflow(ctx, opts, SweepWorkflow, in)
	if err != nil {
		return nil, eris.Wrap(err, "sweep: start workflow")
	}
	zap.L().Info("sweep: workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
		zap.String("cron", cfg.Cron),
	)
	return run, nil
}
