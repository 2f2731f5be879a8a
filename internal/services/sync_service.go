package services

import (
	"context"
	"fmt"
	"time"

	"github.com/servaudit/servaudit/internal/collector"
	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/document"
	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/domain/run"
	"github.com/servaudit/servaudit/internal/identity"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
	"github.com/servaudit/servaudit/internal/pkg/metrics"
	"github.com/servaudit/servaudit/internal/scheduler"
)

// SyncService orchestrates one audit cycle end to end: preflight, workbook
// ingest, parallel collection, per-category reconcile and commit, workbook
// regeneration. Every phase transition is checkpointed so an interrupted
// cycle resumes instead of restarting
type SyncService struct {
	stores   Stores
	ingest   *IngestService
	diff     *DiffService
	writer   document.Writer
	sched    *scheduler.Scheduler
	registry collector.Registry
	targets  []config.Target
	logger   *logger.Logger
}

// NewSyncService creates a new sync service
func NewSyncService(stores Stores, ingest *IngestService, diff *DiffService, writer document.Writer, sched *scheduler.Scheduler, registry collector.Registry, targets []config.Target, log *logger.Logger) *SyncService {
	return &SyncService{
		stores:   stores,
		ingest:   ingest,
		diff:     diff,
		writer:   writer,
		sched:    sched,
		registry: registry,
		targets:  targets,
		logger:   log,
	}
}

// Execute starts a fresh audit cycle. A bootstrap cycle records the initial
// snapshot without classifying changes; it is refused once a baseline exists.
// A regular cycle pins the earliest completed run as its baseline and the
// latest completed run as its previous, and fails fast when neither exists
func (s *SyncService) Execute(ctx context.Context, bootstrap bool) error {
	baseline, err := s.stores.Runs.GetBaseline(ctx)
	if err != nil {
		return err
	}

	rn := &run.Run{Bootstrap: bootstrap}
	if bootstrap {
		if baseline != nil {
			return errors.ValidationError(
				fmt.Sprintf("baseline already established by run %d", baseline.ID), nil)
		}
	} else {
		if baseline == nil {
			return errors.NoBaseline()
		}
		previous, err := s.stores.Runs.GetLatestCompleted(ctx)
		if err != nil {
			return err
		}
		rn.BaselineRunID = baseline.ID
		rn.PreviousRunID = previous.ID
	}

	if err := s.stores.Runs.Create(ctx, rn, s.registry.Kinds()); err != nil {
		return err
	}
	s.logger.WithRun(rn.ID).WithFields(map[string]interface{}{
		"bootstrap": bootstrap,
		"baseline":  rn.BaselineRunID,
		"previous":  rn.PreviousRunID,
	}).Info("Cycle started")

	return s.cycle(ctx, rn)
}

// Resume picks an interrupted or failed run back up. runID 0 resumes the
// latest run. Category checkpoints that already committed are left alone;
// everything else is redone against the history the run pinned at creation
func (s *SyncService) Resume(ctx context.Context, runID int64) error {
	var rn *run.Run
	var err error
	if runID == 0 {
		rn, err = s.stores.Runs.GetLatest(ctx)
	} else {
		rn, err = s.stores.Runs.GetByID(ctx, runID)
	}
	if err != nil {
		return err
	}
	if rn == nil {
		return errors.NotFound("Run")
	}
	if rn.Status == run.StatusCompleted {
		return errors.ValidationError(fmt.Sprintf("run %d already completed", rn.ID), nil)
	}

	rn.Status = run.StatusRunning
	rn.Error = ""
	rn.FinishedAt = nil
	if err := s.stores.Runs.Update(ctx, rn); err != nil {
		return err
	}
	s.logger.WithRun(rn.ID).With("phase", string(rn.Phase)).Info("Cycle resumed")

	return s.cycle(ctx, rn)
}

// Regenerate rewrites the workbook from the latest completed run without
// scanning anything
func (s *SyncService) Regenerate(ctx context.Context) error {
	rn, err := s.stores.Runs.GetLatestCompleted(ctx)
	if err != nil {
		return err
	}
	if rn == nil {
		return errors.ValidationError("no completed run to regenerate from", nil)
	}
	return s.regenerate(ctx, run.NewCycle(rn))
}

// cycle drives a running run through its remaining phases. Each phase is
// idempotent, so a resumed run replays from preflight and converges on the
// same outcome the first attempt would have reached
func (s *SyncService) cycle(ctx context.Context, rn *run.Run) error {
	cycle := run.NewCycle(rn)

	if err := s.setPhase(ctx, rn, run.PhasePreflight); err != nil {
		return s.abort(ctx, rn, err)
	}
	if err := s.ingest.CheckLock(ctx); err != nil {
		return s.abort(ctx, rn, err)
	}

	if err := s.setPhase(ctx, rn, run.PhaseIngest); err != nil {
		return s.abort(ctx, rn, err)
	}
	resolvers, err := s.buildResolvers(ctx, cycle)
	if err != nil {
		return s.abort(ctx, rn, err)
	}
	if err := s.ingest.Ingest(ctx, cycle, resolvers); err != nil {
		return s.abort(ctx, rn, err)
	}

	if err := s.setPhase(ctx, rn, run.PhaseReconcile); err != nil {
		return s.abort(ctx, rn, err)
	}
	if err := s.reconcile(ctx, cycle, resolvers); err != nil {
		return s.abort(ctx, rn, err)
	}

	categories, err := s.stores.Runs.GetCategories(ctx, rn.ID)
	if err != nil {
		return s.abort(ctx, rn, err)
	}
	var failed []string
	for _, cat := range categories {
		if cat.Status != run.CategoryCommitted {
			failed = append(failed, cat.Kind.String())
		}
	}
	if len(failed) > 0 {
		return s.abort(ctx, rn, errors.PartialCommit(rn.ID, failed))
	}

	if err := s.setPhase(ctx, rn, run.PhaseRegenerate); err != nil {
		return s.abort(ctx, rn, err)
	}
	if err := s.regenerate(ctx, cycle); err != nil {
		return s.abort(ctx, rn, err)
	}

	now := time.Now()
	rn.Phase = run.PhaseDone
	rn.Status = run.StatusCompleted
	rn.FinishedAt = &now
	if err := s.stores.Runs.Update(ctx, rn); err != nil {
		return s.abort(ctx, rn, err)
	}
	metrics.RecordCycle(string(rn.Status), now.Sub(rn.StartedAt))
	s.logger.WithRun(rn.ID).Info("Cycle completed")
	return nil
}

func (s *SyncService) setPhase(ctx context.Context, rn *run.Run, phase run.Phase) error {
	rn.Phase = phase
	return s.stores.Runs.Update(ctx, rn)
}

// abort records why the cycle stopped. A cancelled context marks the run
// interrupted and keeps its phase, so resume knows where it died; anything
// else marks it failed
func (s *SyncService) abort(ctx context.Context, rn *run.Run, cause error) error {
	if ctx.Err() != nil {
		persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rn.Status = run.StatusInterrupted
		if err := s.stores.Runs.Update(persistCtx, rn); err != nil {
			s.logger.WithRun(rn.ID).ErrorWithErr(err, "Failed to record interrupt")
		}
		metrics.RecordCycle(string(rn.Status), time.Since(rn.StartedAt))
		s.logger.WithRun(rn.ID).With("phase", string(rn.Phase)).Warn("Cycle interrupted")
		return errors.Interrupted(rn.ID)
	}

	now := time.Now()
	rn.Status = run.StatusFailed
	rn.Error = cause.Error()
	rn.FinishedAt = &now
	if err := s.stores.Runs.Update(ctx, rn); err != nil {
		s.logger.WithRun(rn.ID).ErrorWithErr(err, "Failed to record failure")
	}
	metrics.RecordCycle(string(rn.Status), now.Sub(rn.StartedAt))
	s.logger.WithRun(rn.ID).ErrorWithErr(cause, "Cycle failed")
	return cause
}

// buildResolvers seeds one identity resolver per registered kind from the
// previous run's states and the annotated identities, then binds back any
// assignments this run already minted so a resumed ingest cannot mint twice
func (s *SyncService) buildResolvers(ctx context.Context, cycle run.Cycle) (map[entity.Kind]*identity.Resolver, error) {
	reclaimed, err := s.stores.Identities.GetByRun(ctx, cycle.RunID)
	if err != nil {
		return nil, err
	}

	resolvers := make(map[entity.Kind]*identity.Resolver)
	for _, kind := range s.registry.Kinds() {
		var prev []finding.State
		if cycle.PreviousRunID != 0 {
			if prev, err = s.stores.States.GetByRunAndKind(ctx, cycle.PreviousRunID, kind); err != nil {
				return nil, err
			}
		}

		anns, err := s.stores.Annotations.ListByKind(ctx, kind)
		if err != nil {
			return nil, err
		}
		annotated := make([]string, 0, len(anns))
		for _, a := range anns {
			annotated = append(annotated, a.Identity)
		}

		resolver := identity.NewResolver(kind, cycle.RunID, prev, annotated)
		for _, a := range reclaimed {
			if a.Kind == kind {
				resolver.Bind(a.LegacyKey, a.Identity)
			}
		}
		resolvers[kind] = resolver
	}
	return resolvers, nil
}

// categoryProgress accumulates one kind's collection results until every
// target reported in
type categoryProgress struct {
	observations []finding.Observation
	reachable    map[string]bool
	failures     int
	done         int
}

// reconcile fans collection across the fleet and commits each category the
// moment its last target reports. A kind whose targets all failed is marked
// failed without touching its previous states; a kind with partial failures
// commits anyway, carrying the unreachable targets' states forward
func (s *SyncService) reconcile(ctx context.Context, cycle run.Cycle, resolvers map[entity.Kind]*identity.Resolver) error {
	categories, err := s.stores.Runs.GetCategories(ctx, cycle.RunID)
	if err != nil {
		return err
	}
	committed := make(map[entity.Kind]bool)
	for _, cat := range categories {
		if cat.Status == run.CategoryCommitted {
			committed[cat.Kind] = true
			s.logger.WithRun(cycle.RunID).WithKind(cat.Kind.String()).
				Info("Category already committed, skipped")
		}
	}

	var tasks []scheduler.Task
	for _, task := range scheduler.Plan(s.targets, s.registry) {
		if !committed[task.Collector.Kind()] {
			tasks = append(tasks, task)
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	progress := make(map[entity.Kind]*categoryProgress)
	for res := range s.sched.Run(ctx, tasks) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p := progress[res.Kind]
		if p == nil {
			p = &categoryProgress{reachable: make(map[string]bool, len(s.targets))}
			progress[res.Kind] = p
		}
		p.done++

		if res.Err != nil {
			metrics.RecordCollection(res.Kind.String(), "error", res.Duration)
			p.reachable[res.Target] = false
			p.failures++
			s.logger.WithRun(cycle.RunID).WithKind(res.Kind.String()).WithTarget(res.Target).
				ErrorWithErr(res.Err, "Collection failed")
		} else {
			metrics.RecordCollection(res.Kind.String(), "ok", res.Duration)
			p.reachable[res.Target] = true
			p.observations = append(p.observations, res.Observations...)
		}

		if p.done == len(s.targets) {
			if err := s.finishCategory(ctx, cycle, res.Kind, p, resolvers[res.Kind]); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// finishCategory reconciles and commits one kind once all its targets
// reported. Commit failures are recorded on the category checkpoint and do
// not stop the other kinds
func (s *SyncService) finishCategory(ctx context.Context, cycle run.Cycle, kind entity.Kind, p *categoryProgress, resolver *identity.Resolver) error {
	log := s.logger.WithRun(cycle.RunID).WithKind(kind.String())

	if p.failures == len(s.targets) {
		metrics.RecordCategoryCommit(kind.String(), "failed")
		log.Error("No target reachable, category failed")
		return s.stores.Runs.FailCategory(ctx, cycle.RunID, kind, "no target reachable")
	}

	commit, err := s.diff.BuildCommit(ctx, cycle, kind, p.observations, p.reachable, resolver)
	if err != nil {
		metrics.RecordCategoryCommit(kind.String(), "failed")
		log.ErrorWithErr(err, "Reconcile failed")
		return s.stores.Runs.FailCategory(ctx, cycle.RunID, kind, err.Error())
	}
	if err := s.stores.Committer.CommitCategory(ctx, commit); err != nil {
		metrics.RecordCategoryCommit(kind.String(), "failed")
		log.ErrorWithErr(err, "Commit failed")
		return s.stores.Runs.FailCategory(ctx, cycle.RunID, kind, err.Error())
	}

	metrics.RecordCategoryCommit(kind.String(), "committed")
	metrics.RecordSkippedTargets(kind.String(), p.failures)
	for _, e := range commit.Entries {
		metrics.RecordTransition(kind.String(), string(e.Transition))
	}

	log.WithFields(map[string]interface{}{
		"states":      len(commit.States),
		"transitions": len(commit.Entries),
		"minted":      len(commit.Assignments),
		"unreachable": p.failures,
	}).Info("Category committed")
	return nil
}

// regenerate rewrites the workbook from the run's committed states. Only
// failing states earn a row; the action log sheet carries the full history
// oldest first
func (s *SyncService) regenerate(ctx context.Context, cycle run.Cycle) error {
	states, err := s.stores.States.GetByRun(ctx, cycle.RunID)
	if err != nil {
		return err
	}

	wb := &document.Workbook{}
	sheets := make(map[entity.Kind]*document.Sheet)
	for _, kind := range s.registry.Kinds() {
		wb.Sheets = append(wb.Sheets, document.Sheet{Kind: kind})
		sheets[kind] = &wb.Sheets[len(wb.Sheets)-1]
	}

	anns := make(map[entity.Kind]map[string]*annotation.Annotation)
	for kind := range sheets {
		if anns[kind], err = s.annotationsFor(ctx, kind); err != nil {
			return err
		}
	}

	for _, st := range states {
		if !st.Status.Failing() {
			continue
		}
		sheet := sheets[st.Kind]
		if sheet == nil {
			continue
		}

		row := document.Row{
			Identity:     st.Identity,
			Kind:         st.Kind,
			Target:       st.Target,
			Scope:        st.Scope,
			Name:         st.Name,
			Status:       st.Status,
			Detail:       st.Detail,
			Indicator:    indicatorFor(st),
			ReviewStatus: string(annotation.ReviewNeedsReview),
		}
		if ann := anns[st.Kind][st.Identity]; ann != nil {
			row.ReviewStatus = string(ann.ReviewStatus)
			row.Justification = ann.Justification
			row.Notes = ann.Notes
		}
		sheet.Rows = append(sheet.Rows, row)
	}

	for kind, sheet := range sheets {
		metrics.SetOpenFindings(kind.String(), float64(len(sheet.Rows)))
	}

	entries, err := s.stores.Entries.List(ctx, actionlog.Filter{})
	if err != nil {
		return err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	if err := s.writer.Write(ctx, wb, entries); err != nil {
		s.logger.WithRun(cycle.RunID).ErrorWithErr(err, "Failed to write workbook")
		return err
	}
	s.logger.WithRun(cycle.RunID).WithFields(map[string]interface{}{
		"rows":    len(wb.Rows()),
		"entries": len(entries),
	}).Info("Workbook regenerated")
	return nil
}

func (s *SyncService) annotationsFor(ctx context.Context, kind entity.Kind) (map[string]*annotation.Annotation, error) {
	anns, err := s.stores.Annotations.ListByKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*annotation.Annotation, len(anns))
	for _, a := range anns {
		byID[a.Identity] = a
	}
	return byID, nil
}

// indicatorFor renders the change column for a workbook row
func indicatorFor(st finding.State) string {
	if st.Carried {
		return "CARRIED"
	}
	if st.VsPrevious.Logged() {
		return st.VsPrevious.Label()
	}
	return ""
}
