package entity

import "context"

// Repository defines the interface for the permanent identity catalog
type Repository interface {
	// CreateAssignments records newly minted identity assignments
	CreateAssignments(ctx context.Context, assignments []Assignment) error

	// GetByLegacyKey retrieves every assignment ever made for a legacy key
	// within a kind, newest first
	GetByLegacyKey(ctx context.Context, kind Kind, legacyKey string) ([]Assignment, error)

	// GetByIdentity retrieves the assignment for an identity token, if any
	GetByIdentity(ctx context.Context, kind Kind, identity string) (*Assignment, error)

	// GetByRun retrieves the assignments a run minted, so a resumed run can
	// pick its own tokens back up instead of minting twice
	GetByRun(ctx context.Context, runID int64) ([]Assignment, error)
}
