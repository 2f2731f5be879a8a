package services

import (
	"context"

	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/domain/run"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
)

// StatusService answers read-only questions about runs, the action log and
// entity history
type StatusService struct {
	stores Stores
	logger *logger.Logger
}

// NewStatusService creates a new status service
func NewStatusService(stores Stores, log *logger.Logger) *StatusService {
	return &StatusService{stores: stores, logger: log}
}

// RunStatus bundles one run with its category checkpoints and the change
// counts its committed categories logged
type RunStatus struct {
	Run        *run.Run                   `json:"run"`
	Categories []run.Category             `json:"categories"`
	Counts     map[finding.Transition]int `json:"counts"`
}

// EntityHistory is everything recorded about one identity: its assignment,
// its states across runs newest first, its current annotation and every
// annotation snapshot
type EntityHistory struct {
	Assignment *entity.Assignment        `json:"assignment"`
	Annotation *annotation.Annotation    `json:"annotation,omitempty"`
	States     []finding.State           `json:"states"`
	Changes    []annotation.HistoryEntry `json:"changes"`
}

// Status retrieves the state of one run. runID 0 means the latest run
func (s *StatusService) Status(ctx context.Context, runID int64) (*RunStatus, error) {
	var rn *run.Run
	var err error
	if runID == 0 {
		rn, err = s.stores.Runs.GetLatest(ctx)
	} else {
		rn, err = s.stores.Runs.GetByID(ctx, runID)
	}
	if err != nil {
		return nil, err
	}
	if rn == nil {
		return nil, errors.NotFound("Run")
	}

	categories, err := s.stores.Runs.GetCategories(ctx, rn.ID)
	if err != nil {
		return nil, err
	}
	counts, err := s.stores.Entries.CountByTransition(ctx, rn.ID)
	if err != nil {
		return nil, err
	}

	return &RunStatus{Run: rn, Categories: categories, Counts: counts}, nil
}

// Runs retrieves up to limit runs, newest first
func (s *StatusService) Runs(ctx context.Context, limit int) ([]run.Run, error) {
	return s.stores.Runs.List(ctx, limit)
}

// Log retrieves action log entries matching the filter, newest first
func (s *StatusService) Log(ctx context.Context, filter actionlog.Filter) ([]actionlog.Entry, error) {
	return s.stores.Entries.List(ctx, filter)
}

// History retrieves the full record of one identity token
func (s *StatusService) History(ctx context.Context, kind entity.Kind, token string) (*EntityHistory, error) {
	assignment, err := s.stores.Identities.GetByIdentity(ctx, kind, token)
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		return nil, errors.NotFound("Identity")
	}

	states, err := s.stores.States.GetHistory(ctx, kind, token, 0)
	if err != nil {
		return nil, err
	}
	ann, err := s.stores.Annotations.GetByIdentity(ctx, kind, token)
	if err != nil {
		return nil, err
	}
	changes, err := s.stores.Annotations.GetHistory(ctx, kind, token)
	if err != nil {
		return nil, err
	}

	return &EntityHistory{
		Assignment: assignment,
		Annotation: ann,
		States:     states,
		Changes:    changes,
	}, nil
}
