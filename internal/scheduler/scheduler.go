package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/servaudit/servaudit/internal/collector"
	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
)

// Task is one unit of collection: one entity kind against one target
type Task struct {
	Target    config.Target
	Collector collector.Collector
}

// Result carries what one task produced. Err is set when the target could
// not be scanned for the kind; observations are never partial
type Result struct {
	Kind         entity.Kind
	Target       string
	Observations []finding.Observation
	Err          error
	Duration     time.Duration
}

// Scheduler fans collection tasks across a bounded worker pool. Task starts
// are staggered so a fleet of targets is not hit in one burst
type Scheduler struct {
	maxConcurrent int
	stagger       *rate.Limiter
	timeout       time.Duration
	log           *logger.Logger
}

// New creates a scheduler from configuration
func New(cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		maxConcurrent: cfg.MaxConcurrent,
		stagger:       rate.NewLimiter(rate.Every(cfg.Stagger), 1),
		timeout:       cfg.CollectTimeout,
		log:           log,
	}
}

// Plan lays out one task per (kind, target) pair, kind-major in commit
// order, so earlier categories finish and commit first
func Plan(targets []config.Target, registry collector.Registry) []Task {
	var tasks []Task
	for _, kind := range registry.Kinds() {
		for _, target := range targets {
			tasks = append(tasks, Task{Target: target, Collector: registry[kind]})
		}
	}
	return tasks
}

// Run executes every task and streams one result per task. The returned
// channel closes once all tasks finished. Cancelling the context fails
// tasks that have not started; running collections stop through their
// per-task context
func (s *Scheduler) Run(ctx context.Context, tasks []Task) <-chan Result {
	results := make(chan Result, len(tasks))
	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

	go func() {
		for _, task := range tasks {
			if err := s.stagger.Wait(ctx); err != nil {
				results <- Result{
					Kind:   task.Collector.Kind(),
					Target: task.Target.Name,
					Err:    err,
				}
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(task Task) {
				defer wg.Done()
				defer func() { <-sem }()
				results <- s.collect(ctx, task)
			}(task)
		}
		wg.Wait()
		close(results)
	}()

	return results
}

// collect runs one task under its timeout and converts panics into errors so
// a broken collector cannot take the cycle down
func (s *Scheduler) collect(ctx context.Context, task Task) (res Result) {
	res.Kind = task.Collector.Kind()
	res.Target = task.Target.Name
	start := time.Now()

	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			res.Observations = nil
			res.Err = errors.Internal(
				fmt.Sprintf("collector %s panicked on %s", res.Kind, res.Target),
				fmt.Errorf("%v", r))
			s.log.WithKind(res.Kind.String()).WithTarget(res.Target).
				Errorf("collector panic recovered: %v", r)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	obs, err := task.Collector.Collect(taskCtx, task.Target)
	res.Observations = obs
	res.Err = err
	return res
}
