package run

import (
	"time"

	"github.com/servaudit/servaudit/internal/domain/entity"
)

// Status is the overall outcome of one audit cycle
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the run can no longer change
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase is the orchestrator stage a run last entered. Resume reads it to
// decide where to pick up
type Phase string

const (
	PhasePreflight  Phase = "preflight"
	PhaseIngest     Phase = "ingest"
	PhaseReconcile  Phase = "reconcile"
	PhaseRegenerate Phase = "regenerate"
	PhaseDone       Phase = "done"
)

// Run represents one audit cycle. BaselineRunID and PreviousRunID are fixed
// at creation and never re-derived, so a resumed run compares against the
// same history the original attempt did
type Run struct {
	ID            int64      `json:"id"`
	Status        Status     `json:"status"`
	Phase         Phase      `json:"phase"`
	Bootstrap     bool       `json:"bootstrap"`
	BaselineRunID int64      `json:"baseline_run_id,omitempty"`
	PreviousRunID int64      `json:"previous_run_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// CategoryStatus tracks one entity kind's progress within a run
type CategoryStatus string

const (
	CategoryPending   CategoryStatus = "pending"
	CategoryCommitted CategoryStatus = "committed"
	CategoryFailed    CategoryStatus = "failed"
)

// Category is the per-kind commit checkpoint. A kind whose row reads
// committed is final for this run; resume never touches it again
type Category struct {
	RunID       int64          `json:"run_id"`
	Kind        entity.Kind    `json:"kind"`
	Status      CategoryStatus `json:"status"`
	States      int            `json:"states"`
	Transitions int            `json:"transitions"`
	Error       string         `json:"error,omitempty"`
	CommittedAt *time.Time     `json:"committed_at,omitempty"`
}

// Cycle pins the runs one audit cycle reads and writes. It is built once per
// cycle and passed explicitly through every stage
type Cycle struct {
	RunID         int64
	BaselineRunID int64
	PreviousRunID int64
	Bootstrap     bool
}

// NewCycle derives the cycle context from a run row
func NewCycle(r *Run) Cycle {
	return Cycle{
		RunID:         r.ID,
		BaselineRunID: r.BaselineRunID,
		PreviousRunID: r.PreviousRunID,
		Bootstrap:     r.Bootstrap,
	}
}
