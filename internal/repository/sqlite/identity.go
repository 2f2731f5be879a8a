package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/pkg/errors"
)

type IdentityRepository struct {
	db *sql.DB
}

func NewIdentityRepository(db *sql.DB) entity.Repository {
	return &IdentityRepository{db: db}
}

func (r *IdentityRepository) CreateAssignments(ctx context.Context, assignments []entity.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("Failed to start assignment transaction", err)
	}
	defer tx.Rollback()

	if err := insertAssignmentsTx(ctx, tx, assignments); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("Failed to commit assignments", err)
	}
	return nil
}

func insertAssignmentsTx(ctx context.Context, tx *sql.Tx, assignments []entity.Assignment) error {
	query := `INSERT INTO identities (kind, identity, legacy_key, run_id, created_at) VALUES (?, ?, ?, ?, ?)`

	for _, a := range assignments {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, query, a.Kind, a.Identity, a.LegacyKey, a.RunID, createdAt.Format(time.RFC3339))
		if err != nil {
			return errors.DatabaseError("Failed to create assignment", err)
		}
	}
	return nil
}

func (r *IdentityRepository) GetByLegacyKey(ctx context.Context, kind entity.Kind, legacyKey string) ([]entity.Assignment, error) {
	query := `SELECT kind, identity, legacy_key, run_id, created_at FROM identities WHERE kind = ? AND legacy_key = ? ORDER BY id DESC`

	rows, err := r.db.QueryContext(ctx, query, kind, legacyKey)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list assignments", err)
	}
	defer rows.Close()

	var assignments []entity.Assignment
	for rows.Next() {
		var a entity.Assignment
		var createdAt string
		if err := rows.Scan(&a.Kind, &a.Identity, &a.LegacyKey, &a.RunID, &createdAt); err != nil {
			return nil, errors.DatabaseError("Failed to scan assignment", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		assignments = append(assignments, a)
	}

	return assignments, rows.Err()
}

func (r *IdentityRepository) GetByRun(ctx context.Context, runID int64) ([]entity.Assignment, error) {
	query := `SELECT kind, identity, legacy_key, run_id, created_at FROM identities WHERE run_id = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list assignments", err)
	}
	defer rows.Close()

	var assignments []entity.Assignment
	for rows.Next() {
		var a entity.Assignment
		var createdAt string
		if err := rows.Scan(&a.Kind, &a.Identity, &a.LegacyKey, &a.RunID, &createdAt); err != nil {
			return nil, errors.DatabaseError("Failed to scan assignment", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		assignments = append(assignments, a)
	}

	return assignments, rows.Err()
}

func (r *IdentityRepository) GetByIdentity(ctx context.Context, kind entity.Kind, identity string) (*entity.Assignment, error) {
	query := `SELECT kind, identity, legacy_key, run_id, created_at FROM identities WHERE kind = ? AND identity = ?`

	var a entity.Assignment
	var createdAt string
	err := r.db.QueryRowContext(ctx, query, kind, identity).Scan(&a.Kind, &a.Identity, &a.LegacyKey, &a.RunID, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("Failed to get assignment", err)
	}

	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}
