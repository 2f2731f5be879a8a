package annotation

import (
	"context"

	"github.com/servaudit/servaudit/internal/domain/entity"
)

// Repository defines the interface for annotation data access
type Repository interface {
	// Upsert writes the annotation keyed by (kind, identity) and appends a
	// history snapshot with the given source, both in one transaction. The
	// snapshot is skipped when nothing changed
	Upsert(ctx context.Context, a *Annotation, source string) error

	// UpsertBatch applies Upsert to each annotation in one transaction
	UpsertBatch(ctx context.Context, batch []*Annotation, source string) error

	// GetByIdentity retrieves the annotation for an entity, or nil when none
	// exists
	GetByIdentity(ctx context.Context, kind entity.Kind, identity string) (*Annotation, error)

	// ListByKind retrieves all annotations for one entity kind, every
	// lifecycle included, ordered by identity
	ListByKind(ctx context.Context, kind entity.Kind) ([]*Annotation, error)

	// GetHistory retrieves an entity's annotation snapshots, newest first
	GetHistory(ctx context.Context, kind entity.Kind, identity string) ([]HistoryEntry, error)
}
