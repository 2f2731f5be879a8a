package actionlog

import (
	"context"

	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

// Repository defines the interface for action log access. Entries are
// inserted only by the category committer so that states and their log
// entries land in one transaction
type Repository interface {
	// List retrieves entries matching the filter, newest first
	List(ctx context.Context, filter Filter) ([]Entry, error)

	// CountByTransition retrieves per-transition entry counts for one run
	CountByTransition(ctx context.Context, runID int64) (map[finding.Transition]int, error)

	// GetFailedIdentities retrieves the set of identities that logged a new
	// or regression entry for the kind in any run before beforeRunID, so a
	// rerun cannot count its own earlier attempt as history
	GetFailedIdentities(ctx context.Context, kind entity.Kind, beforeRunID int64) (map[string]bool, error)
}
