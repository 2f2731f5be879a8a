package run

import (
	"context"

	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

// Repository defines the interface for run data access
type Repository interface {
	// Create inserts the run plus its pending category rows and assigns the ID
	Create(ctx context.Context, r *Run, kinds []entity.Kind) error

	// Update rewrites the run's status, phase, error and finish time
	Update(ctx context.Context, r *Run) error

	// GetByID retrieves the run, or nil when it does not exist
	GetByID(ctx context.Context, id int64) (*Run, error)

	// GetLatest retrieves the most recent run regardless of status, or nil
	// when no run exists
	GetLatest(ctx context.Context) (*Run, error)

	// GetLatestCompleted retrieves the most recent completed run, or nil
	GetLatestCompleted(ctx context.Context) (*Run, error)

	// GetBaseline retrieves the earliest completed run, or nil
	GetBaseline(ctx context.Context) (*Run, error)

	// List retrieves up to limit runs, newest first
	List(ctx context.Context, limit int) ([]Run, error)

	// GetCategories retrieves the run's per-kind checkpoints in commit order
	GetCategories(ctx context.Context, runID int64) ([]Category, error)

	// FailCategory records a kind that could not be committed this run
	FailCategory(ctx context.Context, runID int64, kind entity.Kind, cause string) error
}

// AnnotationChange is one annotation mutation carried inside a category
// commit, tagged with the history source explaining it
type AnnotationChange struct {
	Annotation *annotation.Annotation
	Source     string
}

// CategoryCommit bundles everything one entity kind produced in one cycle:
// per-run states, action log entries, annotation lifecycle changes and newly
// minted identity assignments
type CategoryCommit struct {
	RunID       int64
	Kind        entity.Kind
	States      []finding.State
	Entries     []actionlog.Entry
	Annotations []AnnotationChange
	Assignments []entity.Assignment
}

// Committer applies a category commit atomically: every state, entry,
// annotation change and assignment lands together with the committed
// checkpoint, or none do. Committing the same category twice replaces the
// first commit's rows instead of duplicating them
type Committer interface {
	CommitCategory(ctx context.Context, commit CategoryCommit) error
}
