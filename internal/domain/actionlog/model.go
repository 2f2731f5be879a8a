package actionlog

import (
	"time"

	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

// Entry is one append-only record of a detected change. Entries are written
// when a category commits and never modified afterwards; the log is the
// audit trail reviewers reconstruct history from
type Entry struct {
	ID         int64              `json:"id"`
	RunID      int64              `json:"run_id"`
	Kind       entity.Kind        `json:"kind"`
	Identity   string             `json:"identity"`
	Target     string             `json:"target"`
	Scope      string             `json:"scope,omitempty"`
	Name       string             `json:"name"`
	Transition finding.Transition `json:"transition"`
	Status     finding.Status     `json:"status"`
	Detail     string             `json:"detail,omitempty"`

	// Justification snapshots the exception text at detection time so the
	// entry stays meaningful after the annotation changes again
	Justification string    `json:"justification,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// Filter contains action log filtering options
type Filter struct {
	RunID      int64
	Kind       entity.Kind
	Identity   string
	Transition finding.Transition
	Limit      int
}
