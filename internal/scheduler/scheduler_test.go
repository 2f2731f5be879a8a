package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/servaudit/servaudit/internal/collector"
	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/pkg/logger"
	"github.com/servaudit/servaudit/internal/testutil"
)

func testScheduler(maxConcurrent int) *Scheduler {
	return New(config.SchedulerConfig{
		MaxConcurrent:  maxConcurrent,
		Stagger:        time.Millisecond,
		CollectTimeout: time.Second,
	}, logger.New(logger.Config{Level: "error", Format: "console"}))
}

func targets(names ...string) []config.Target {
	var result []config.Target
	for _, name := range names {
		result = append(result, config.Target{Name: name, Host: name + ".internal", User: "audit"})
	}
	return result
}

func TestPlan_KindMajorOrder(t *testing.T) {
	logins := &testutil.FakeCollector{KindValue: entity.KindLogin}
	settings := &testutil.FakeCollector{KindValue: entity.KindSetting}
	registry := collector.NewRegistry(settings, logins)

	tasks := Plan(targets("pg1", "pg2"), registry)

	if len(tasks) != 4 {
		t.Fatalf("Plan() produced %d tasks, want 4", len(tasks))
	}

	var order []string
	for _, task := range tasks {
		order = append(order, task.Collector.Kind().String()+"/"+task.Target.Name)
	}
	want := []string{"logins/pg1", "logins/pg2", "settings/pg1", "settings/pg2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Plan() order = %v, want %v", order, want)
		}
	}
}

func TestScheduler_RunDeliversEveryResult(t *testing.T) {
	fake := &testutil.FakeCollector{
		KindValue: entity.KindSetting,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindSetting, Target: "pg1", Name: "ssl", Status: finding.StatusFail}},
			"pg2": {{Kind: entity.KindSetting, Target: "pg2", Name: "ssl", Status: finding.StatusPass}},
			"pg3": {},
		},
	}
	registry := collector.NewRegistry(fake)
	tasks := Plan(targets("pg1", "pg2", "pg3"), registry)

	results := testScheduler(2).Run(context.Background(), tasks)

	seen := make(map[string]Result)
	for res := range results {
		seen[res.Target] = res
	}

	if len(seen) != 3 {
		t.Fatalf("received %d results, want 3", len(seen))
	}
	for _, name := range []string{"pg1", "pg2", "pg3"} {
		res, ok := seen[name]
		if !ok {
			t.Fatalf("no result for %s", name)
		}
		if res.Err != nil {
			t.Errorf("result for %s carries error: %v", name, res.Err)
		}
		if res.Kind != entity.KindSetting {
			t.Errorf("result kind = %v, want settings", res.Kind)
		}
	}
	if len(seen["pg1"].Observations) != 1 {
		t.Errorf("pg1 observations = %d, want 1", len(seen["pg1"].Observations))
	}
}

// countingCollector records how many collections overlap
type countingCollector struct {
	kind entity.Kind

	mu      sync.Mutex
	current int
	peak    int
}

func (c *countingCollector) Kind() entity.Kind { return c.kind }

func (c *countingCollector) Collect(ctx context.Context, target config.Target) ([]finding.Observation, error) {
	c.mu.Lock()
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	c.current--
	c.mu.Unlock()
	return nil, nil
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	counting := &countingCollector{kind: entity.KindLogin}
	registry := collector.NewRegistry(counting)
	tasks := Plan(targets("pg1", "pg2", "pg3", "pg4", "pg5", "pg6"), registry)

	results := testScheduler(2).Run(context.Background(), tasks)
	for range results {
	}

	if counting.peak > 2 {
		t.Errorf("observed %d concurrent collections, limit is 2", counting.peak)
	}
	if counting.peak == 0 {
		t.Error("collector was never invoked")
	}
}

func TestScheduler_FailureIsolation(t *testing.T) {
	fake := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "app_rw", Status: finding.StatusPass}},
			"pg3": {{Kind: entity.KindLogin, Target: "pg3", Name: "app_rw", Status: finding.StatusPass}},
		},
		Errors: map[string]error{
			"pg2": fmt.Errorf("connection refused"),
		},
	}
	registry := collector.NewRegistry(fake)
	tasks := Plan(targets("pg1", "pg2", "pg3"), registry)

	var failed, succeeded int
	for res := range testScheduler(3).Run(context.Background(), tasks) {
		if res.Err != nil {
			failed++
			if res.Target != "pg2" {
				t.Errorf("unexpected failure for %s: %v", res.Target, res.Err)
			}
		} else {
			succeeded++
		}
	}

	if failed != 1 || succeeded != 2 {
		t.Errorf("failed = %d succeeded = %d, want 1 and 2", failed, succeeded)
	}
}

func TestScheduler_RecoversPanic(t *testing.T) {
	fake := &testutil.FakeCollector{
		KindValue: entity.KindForeignServer,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindForeignServer, Target: "pg1", Name: "reporting", Status: finding.StatusPass}},
		},
		PanicTargets: map[string]bool{"pg2": true},
	}
	registry := collector.NewRegistry(fake)
	tasks := Plan(targets("pg1", "pg2"), registry)

	seen := make(map[string]Result)
	for res := range testScheduler(2).Run(context.Background(), tasks) {
		seen[res.Target] = res
	}

	if len(seen) != 2 {
		t.Fatalf("received %d results, want 2", len(seen))
	}
	if seen["pg2"].Err == nil {
		t.Fatal("panicking collector produced no error")
	}
	if !strings.Contains(seen["pg2"].Err.Error(), "panicked") {
		t.Errorf("panic error = %v", seen["pg2"].Err)
	}
	if seen["pg1"].Err != nil {
		t.Errorf("healthy target failed alongside the panic: %v", seen["pg1"].Err)
	}
}

func TestScheduler_CancelledContext(t *testing.T) {
	fake := &testutil.FakeCollector{KindValue: entity.KindLogin}
	registry := collector.NewRegistry(fake)
	tasks := Plan(targets("pg1", "pg2", "pg3"), registry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var count int
	for res := range testScheduler(2).Run(ctx, tasks) {
		count++
		if res.Err == nil {
			t.Errorf("result for %s has no error after cancellation", res.Target)
		}
	}
	if count != 3 {
		t.Errorf("received %d results, want one per task", count)
	}
}
