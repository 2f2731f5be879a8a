package finding

import (
	"context"

	"github.com/servaudit/servaudit/internal/domain/entity"
)

// Repository defines the interface for per-run entity state access. States
// are written only by the category committer so that a category's states,
// log entries and annotation changes land in one transaction
type Repository interface {
	// GetByRun retrieves every state recorded for a run, ordered by kind,
	// target, scope and name
	GetByRun(ctx context.Context, runID int64) ([]State, error)

	// GetByRunAndKind retrieves a run's states for one entity kind
	GetByRunAndKind(ctx context.Context, runID int64, kind entity.Kind) ([]State, error)

	// GetByIdentity retrieves an entity's state within a run, or nil when the
	// run recorded none
	GetByIdentity(ctx context.Context, runID int64, identity string) (*State, error)

	// GetHistory retrieves an entity's states across runs, newest first
	GetHistory(ctx context.Context, kind entity.Kind, identity string, limit int) ([]State, error)
}
