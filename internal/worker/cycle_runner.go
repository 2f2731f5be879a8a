package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/servaudit/servaudit/internal/domain/run"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
	"github.com/servaudit/servaudit/internal/services"
)

// CycleRunner triggers recurring audit cycles on a cron schedule
type CycleRunner struct {
	sync     *services.SyncService
	runs     run.Repository
	schedule string
	logger   *logger.Logger
}

// NewCycleRunner creates a new cycle runner worker
func NewCycleRunner(sync *services.SyncService, runs run.Repository, schedule string, log *logger.Logger) *CycleRunner {
	return &CycleRunner{
		sync:     sync,
		runs:     runs,
		schedule: schedule,
		logger:   log,
	}
}

// Start schedules recurring cycles and blocks until the context is
// cancelled. A cycle still running when the next tick fires is not stacked;
// the tick is skipped. Returns once the in-flight cycle, if any, has
// finished persisting its state
func (w *CycleRunner) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{w.logger}),
	))

	id, err := c.AddFunc(w.schedule, func() { w.runCycle(ctx) })
	if err != nil {
		return errors.Config(fmt.Sprintf("invalid cron schedule %q", w.schedule), err)
	}

	w.logger.With("schedule", w.schedule).Info("Cycle runner started")
	c.Start()

	// A cycle the previous process left interrupted is finished right away
	// instead of waiting for the next tick
	if w.resumePending(ctx) {
		go c.Entry(id).WrappedJob.Run()
	}

	<-ctx.Done()
	w.logger.Info("Cycle runner stopping")
	<-c.Stop().Done()
	w.logger.Info("Cycle runner stopped")
	return nil
}

// runCycle executes one audit cycle. An interrupted run is resumed before
// any new run is started; a store without a baseline bootstraps one. Failed
// runs are left for the operator, so a persistent failure cannot loop
func (w *CycleRunner) runCycle(ctx context.Context) {
	latest, err := w.runs.GetLatest(ctx)
	if err != nil {
		w.logger.ErrorWithErr(err, "Failed to load latest run")
		return
	}

	if latest != nil && latest.Status == run.StatusInterrupted {
		w.logger.WithRun(latest.ID).Info("Resuming interrupted cycle")
		err = w.sync.Resume(ctx, latest.ID)
	} else {
		err = w.sync.Execute(ctx, false)
		if errors.Is(err, errors.ErrCodeNoBaseline) {
			w.logger.Info("No baseline yet, bootstrapping")
			err = w.sync.Execute(ctx, true)
		}
	}

	if err != nil && ctx.Err() == nil {
		w.logger.ErrorWithErr(err, "Scheduled cycle failed")
	}
}

func (w *CycleRunner) resumePending(ctx context.Context) bool {
	latest, err := w.runs.GetLatest(ctx)
	if err != nil || latest == nil {
		return false
	}
	return latest.Status == run.StatusInterrupted
}

// cronLogger adapts the structured logger to the cron scheduler
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Infof("Cron %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.ErrorWithErr(err, "Cron "+msg)
}
