package services

import (
	"context"
	"time"

	"github.com/servaudit/servaudit/internal/detector"
	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/domain/run"
	"github.com/servaudit/servaudit/internal/identity"
	"github.com/servaudit/servaudit/internal/pkg/logger"
)

// DiffService reconciles one kind's scan results against the runs the cycle
// pinned and produces the category commit: states with their transitions,
// action log entries, annotation lifecycle changes and minted assignments
type DiffService struct {
	stores   Stores
	detector *detector.ChangeDetector
	migrate  bool
	logger   *logger.Logger
}

// NewDiffService creates a new diff service. migrate enables copying an
// orphaned annotation onto the fresh identity of a reappearing legacy key
func NewDiffService(stores Stores, migrate bool, log *logger.Logger) *DiffService {
	return &DiffService{
		stores:   stores,
		detector: detector.NewChangeDetector(),
		migrate:  migrate,
		logger:   log,
	}
}

// BuildCommit classifies every observation of one kind. reachable must hold
// one entry per inventory target: true when its collection succeeded. States
// whose target failed are carried forward untouched; entities gone from a
// reachable target log their fix and orphan their annotation
func (s *DiffService) BuildCommit(ctx context.Context, cycle run.Cycle, kind entity.Kind, observations []finding.Observation, reachable map[string]bool, resolver *identity.Resolver) (run.CategoryCommit, error) {
	commit := run.CategoryCommit{RunID: cycle.RunID, Kind: kind}

	prev, err := s.statesByIdentity(ctx, cycle.PreviousRunID, kind)
	if err != nil {
		return commit, err
	}
	base := prev
	if cycle.BaselineRunID != cycle.PreviousRunID {
		if base, err = s.statesByIdentity(ctx, cycle.BaselineRunID, kind); err != nil {
			return commit, err
		}
	}

	anns, err := s.annotationsByIdentity(ctx, kind)
	if err != nil {
		return commit, err
	}
	everFailed, err := s.stores.Entries.GetFailedIdentities(ctx, kind, cycle.RunID)
	if err != nil {
		return commit, err
	}

	now := time.Now()
	seen := make(map[string]bool, len(observations))

	for _, obs := range observations {
		legacyKey := obs.LegacyKey()
		id, minted := resolver.Resolve(legacyKey)
		if seen[id] {
			s.logger.WithKind(kind.String()).WithTarget(obs.Target).
				Warnf("Duplicate observation for %q dropped", obs.Name)
			continue
		}
		seen[id] = true

		ann := anns[id]
		excepted := ann.Excepted()
		prevState := prev[id]
		baseState := base[id]

		vsPrev := finding.TransitionSame
		vsBase := finding.TransitionSame
		if !cycle.Bootstrap {
			vsPrev = s.detector.Classify(detector.Comparison{
				Present:    true,
				Status:     obs.Status,
				Previous:   prevState,
				Excepted:   excepted,
				EverFailed: everFailed[id] || (baseState != nil && baseState.Status.Failing()),
			})
			// Against the baseline only the baseline itself counts as
			// history, so a failure absent there always reads as new
			vsBase = s.detector.Classify(detector.Comparison{
				Present:    true,
				Status:     obs.Status,
				Previous:   baseState,
				Excepted:   excepted,
				EverFailed: baseState != nil && baseState.Status.Failing(),
			})
		}

		commit.States = append(commit.States, finding.State{
			RunID:      cycle.RunID,
			Kind:       kind,
			Identity:   id,
			LegacyKey:  legacyKey,
			Target:     obs.Target,
			Scope:      obs.Scope,
			Name:       obs.Name,
			Status:     obs.Status,
			Detail:     obs.Detail,
			Excepted:   excepted,
			VsPrevious: vsPrev,
			VsBaseline: vsBase,
			RecordedAt: now,
		})

		if vsPrev.Logged() {
			commit.Entries = append(commit.Entries, actionlog.Entry{
				RunID:         cycle.RunID,
				Kind:          kind,
				Identity:      id,
				Target:        obs.Target,
				Scope:         obs.Scope,
				Name:          obs.Name,
				Transition:    vsPrev,
				Status:        obs.Status,
				Detail:        obs.Detail,
				Justification: justificationOf(ann),
				DetectedAt:    now,
			})
		}

		if change := reconcileAnnotation(ann, obs.Status, cycle.RunID); change != nil {
			commit.Annotations = append(commit.Annotations, *change)
		}

		if minted && s.migrate && obs.Status.Failing() {
			change, err := s.migrateAnnotation(ctx, kind, legacyKey, id, anns, cycle.RunID)
			if err != nil {
				return commit, err
			}
			if change != nil {
				commit.Annotations = append(commit.Annotations, *change)
			}
		}
	}

	for id, prevState := range prev {
		if seen[id] {
			continue
		}

		if present, tracked := reachable[prevState.Target]; tracked && !present {
			carried := *prevState
			carried.RunID = cycle.RunID
			carried.Carried = true
			carried.Excepted = anns[id].Excepted()
			carried.VsPrevious = finding.TransitionSame
			carried.VsBaseline = finding.TransitionSame
			carried.RecordedAt = now
			commit.States = append(commit.States, carried)
			continue
		}

		// The target answered and the entity was not in its report
		vsPrev := s.detector.Classify(detector.Comparison{
			Present:    false,
			Previous:   prevState,
			Excepted:   anns[id].Excepted(),
			EverFailed: everFailed[id],
		})
		if vsPrev.Logged() {
			commit.Entries = append(commit.Entries, actionlog.Entry{
				RunID:         cycle.RunID,
				Kind:          kind,
				Identity:      id,
				Target:        prevState.Target,
				Scope:         prevState.Scope,
				Name:          prevState.Name,
				Transition:    vsPrev,
				Status:        finding.StatusPass,
				Detail:        "no longer observed",
				Justification: justificationOf(anns[id]),
				DetectedAt:    now,
			})
		}

		if ann := anns[id]; ann != nil && ann.Lifecycle != annotation.LifecycleOrphaned {
			orphaned := *ann
			orphaned.Lifecycle = annotation.LifecycleOrphaned
			orphaned.UpdatedRunID = cycle.RunID
			commit.Annotations = append(commit.Annotations, run.AnnotationChange{
				Annotation: &orphaned,
				Source:     annotation.SourceOrphaned,
			})
		}
	}

	commit.Assignments = resolver.Minted()
	return commit, nil
}

func (s *DiffService) statesByIdentity(ctx context.Context, runID int64, kind entity.Kind) (map[string]*finding.State, error) {
	result := make(map[string]*finding.State)
	if runID == 0 {
		return result, nil
	}
	states, err := s.stores.States.GetByRunAndKind(ctx, runID, kind)
	if err != nil {
		return nil, err
	}
	for i := range states {
		result[states[i].Identity] = &states[i]
	}
	return result, nil
}

func (s *DiffService) annotationsByIdentity(ctx context.Context, kind entity.Kind) (map[string]*annotation.Annotation, error) {
	anns, err := s.stores.Annotations.ListByKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*annotation.Annotation, len(anns))
	for _, a := range anns {
		result[a.Identity] = a
	}
	return result, nil
}

// reconcileAnnotation flips an annotation's lifecycle to follow its entity.
// A passing entity resolves its annotation; a failing entity whose sign-off
// was already resolved reopens as needs-review with the justification kept
// for the reviewer
func reconcileAnnotation(ann *annotation.Annotation, status finding.Status, runID int64) *run.AnnotationChange {
	if ann == nil {
		return nil
	}
	switch {
	case !status.Failing() && ann.Lifecycle == annotation.LifecycleActive:
		resolved := *ann
		resolved.Lifecycle = annotation.LifecycleResolved
		resolved.UpdatedRunID = runID
		return &run.AnnotationChange{Annotation: &resolved, Source: annotation.SourceFixed}

	case status.Failing() && ann.Lifecycle != annotation.LifecycleActive:
		reopened := *ann
		reopened.Lifecycle = annotation.LifecycleActive
		reopened.ReviewStatus = annotation.ReviewNeedsReview
		reopened.UpdatedRunID = runID
		return &run.AnnotationChange{Annotation: &reopened, Source: annotation.SourceRegression}
	}
	return nil
}

// migrateAnnotation copies the orphaned annotation of a legacy key's prior
// identity onto the fresh identity that key just minted. The copy comes back
// as needs-review: the old sign-off covered a different incarnation
func (s *DiffService) migrateAnnotation(ctx context.Context, kind entity.Kind, legacyKey, newID string, anns map[string]*annotation.Annotation, runID int64) (*run.AnnotationChange, error) {
	assignments, err := s.stores.Identities.GetByLegacyKey(ctx, kind, legacyKey)
	if err != nil {
		return nil, err
	}
	for _, prior := range assignments {
		if prior.Identity == newID {
			continue
		}
		ann := anns[prior.Identity]
		if ann == nil || ann.Lifecycle != annotation.LifecycleOrphaned {
			continue
		}
		s.logger.WithKind(kind.String()).WithFields(map[string]interface{}{
			"from": prior.Identity,
			"to":   newID,
		}).Info("Annotation migrated to reborn entity")
		return &run.AnnotationChange{
			Annotation: &annotation.Annotation{
				Kind:          kind,
				Identity:      newID,
				ReviewStatus:  annotation.ReviewNeedsReview,
				Justification: ann.Justification,
				Notes:         ann.Notes,
				Lifecycle:     annotation.LifecycleActive,
				UpdatedRunID:  runID,
			},
			Source: annotation.SourceMigrated,
		}, nil
	}
	return nil, nil
}

func justificationOf(ann *annotation.Annotation) string {
	if ann == nil {
		return ""
	}
	return ann.Justification
}
