package annotation

import (
	"strings"
	"time"

	"github.com/servaudit/servaudit/internal/domain/entity"
)

// ReviewStatus is the human verdict attached to a finding
type ReviewStatus string

const (
	// ReviewNeedsReview marks a finding nobody has signed off on yet
	ReviewNeedsReview ReviewStatus = "needs-review"
	// ReviewException marks a finding accepted as-is with a justification
	ReviewException ReviewStatus = "exception"
)

// IsValid checks whether the review status is one of the known verdicts
func (s ReviewStatus) IsValid() bool {
	return s == ReviewNeedsReview || s == ReviewException
}

// ParseReviewStatus maps workbook text onto a ReviewStatus. It accepts the
// canonical values plus the spellings reviewers actually type. Unknown text
// yields "" so the caller can derive the verdict from the justification
func ParseReviewStatus(s string) ReviewStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "needs-review", "needs review", "review", "open":
		return ReviewNeedsReview
	case "exception", "excepted", "accepted", "risk-accepted", "risk accepted":
		return ReviewException
	default:
		return ""
	}
}

// Lifecycle tracks whether an annotation is still attached to a live finding
type Lifecycle string

const (
	// LifecycleActive means the annotated entity failed in the latest run
	LifecycleActive Lifecycle = "active"
	// LifecycleResolved means the entity passed; the text is kept for history
	LifecycleResolved Lifecycle = "resolved"
	// LifecycleOrphaned means the entity vanished from a reachable target
	LifecycleOrphaned Lifecycle = "orphaned"
)

// History change sources
const (
	SourceIngest     = "ingest"
	SourceFixed      = "fixed"
	SourceRegression = "regression"
	SourceOrphaned   = "orphaned"
	SourceMigrated   = "migrated"
)

// Annotation is the durable human layer over one entity. Exactly one row
// exists per (kind, identity); every change is mirrored into history
type Annotation struct {
	ID            int64        `json:"id"`
	Kind          entity.Kind  `json:"kind"`
	Identity      string       `json:"identity"`
	ReviewStatus  ReviewStatus `json:"review_status"`
	Justification string       `json:"justification,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	Lifecycle     Lifecycle    `json:"lifecycle"`
	UpdatedRunID  int64        `json:"updated_run_id"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Excepted reports whether the annotation currently grants an exception
func (a *Annotation) Excepted() bool {
	return a != nil && a.Lifecycle == LifecycleActive && a.ReviewStatus == ReviewException
}

// HistoryEntry is one immutable snapshot of an annotation, taken whenever
// any of its fields changed
type HistoryEntry struct {
	ID            int64        `json:"id"`
	Kind          entity.Kind  `json:"kind"`
	Identity      string       `json:"identity"`
	RunID         int64        `json:"run_id"`
	ReviewStatus  ReviewStatus `json:"review_status"`
	Justification string       `json:"justification,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	Lifecycle     Lifecycle    `json:"lifecycle"`
	Source        string       `json:"source"`
	ChangedAt     time.Time    `json:"changed_at"`
}
