package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/pkg/errors"
)

type AnnotationRepository struct {
	db *sql.DB
}

func NewAnnotationRepository(db *sql.DB) annotation.Repository {
	return &AnnotationRepository{db: db}
}

const annotationColumns = `id, kind, identity, review_status, justification, notes, lifecycle, updated_run_id, created_at, updated_at`

func (r *AnnotationRepository) Upsert(ctx context.Context, a *annotation.Annotation, source string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("Failed to start annotation transaction", err)
	}
	defer tx.Rollback()

	if err := upsertAnnotationTx(ctx, tx, a, source); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("Failed to commit annotation", err)
	}
	return nil
}

func (r *AnnotationRepository) UpsertBatch(ctx context.Context, batch []*annotation.Annotation, source string) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("Failed to start annotation transaction", err)
	}
	defer tx.Rollback()

	for _, a := range batch {
		if err := upsertAnnotationTx(ctx, tx, a, source); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("Failed to commit annotations", err)
	}
	return nil
}

// upsertAnnotationTx writes the annotation row and mirrors the change into
// annotation_history. An annotation whose fields all match the stored row is
// left untouched so repeated ingests do not inflate the history
func upsertAnnotationTx(ctx context.Context, tx *sql.Tx, a *annotation.Annotation, source string) error {
	query := `SELECT ` + annotationColumns + ` FROM annotations WHERE kind = ? AND identity = ?`

	var existing annotation.Annotation
	var createdAt, updatedAt string
	err := tx.QueryRowContext(ctx, query, a.Kind, a.Identity).Scan(
		&existing.ID, &existing.Kind, &existing.Identity, &existing.ReviewStatus,
		&existing.Justification, &existing.Notes, &existing.Lifecycle,
		&existing.UpdatedRunID, &createdAt, &updatedAt)

	now := time.Now()

	switch {
	case err == sql.ErrNoRows:
		a.CreatedAt = now
		a.UpdatedAt = now

		insert := `INSERT INTO annotations (kind, identity, review_status, justification, notes, lifecycle, updated_run_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		result, err := tx.ExecContext(ctx, insert, a.Kind, a.Identity, a.ReviewStatus, a.Justification, a.Notes, a.Lifecycle, a.UpdatedRunID, now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return errors.DatabaseError("Failed to create annotation", err)
		}
		a.ID, _ = result.LastInsertId()

	case err != nil:
		return errors.DatabaseError("Failed to get annotation", err)

	default:
		if existing.ReviewStatus == a.ReviewStatus &&
			existing.Justification == a.Justification &&
			existing.Notes == a.Notes &&
			existing.Lifecycle == a.Lifecycle {
			a.ID = existing.ID
			a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
			a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
			return nil
		}

		a.ID = existing.ID
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		a.UpdatedAt = now

		update := `UPDATE annotations SET review_status = ?, justification = ?, notes = ?, lifecycle = ?, updated_run_id = ?, updated_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, update, a.ReviewStatus, a.Justification, a.Notes, a.Lifecycle, a.UpdatedRunID, now.Format(time.RFC3339), existing.ID); err != nil {
			return errors.DatabaseError("Failed to update annotation", err)
		}
	}

	history := `INSERT INTO annotation_history (kind, identity, review_status, justification, notes, lifecycle, run_id, source, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, history, a.Kind, a.Identity, a.ReviewStatus, a.Justification, a.Notes, a.Lifecycle, a.UpdatedRunID, source, now.Format(time.RFC3339)); err != nil {
		return errors.DatabaseError("Failed to record annotation history", err)
	}

	return nil
}

func (r *AnnotationRepository) GetByIdentity(ctx context.Context, kind entity.Kind, identity string) (*annotation.Annotation, error) {
	query := `SELECT ` + annotationColumns + ` FROM annotations WHERE kind = ? AND identity = ?`

	var a annotation.Annotation
	var createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx, query, kind, identity).Scan(
		&a.ID, &a.Kind, &a.Identity, &a.ReviewStatus, &a.Justification,
		&a.Notes, &a.Lifecycle, &a.UpdatedRunID, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("Failed to get annotation", err)
	}

	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

func (r *AnnotationRepository) ListByKind(ctx context.Context, kind entity.Kind) ([]*annotation.Annotation, error) {
	query := `SELECT ` + annotationColumns + ` FROM annotations WHERE kind = ? ORDER BY identity`

	rows, err := r.db.QueryContext(ctx, query, kind)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list annotations", err)
	}
	defer rows.Close()

	var annotations []*annotation.Annotation
	for rows.Next() {
		var a annotation.Annotation
		var createdAt, updatedAt string
		err := rows.Scan(&a.ID, &a.Kind, &a.Identity, &a.ReviewStatus, &a.Justification,
			&a.Notes, &a.Lifecycle, &a.UpdatedRunID, &createdAt, &updatedAt)
		if err != nil {
			return nil, errors.DatabaseError("Failed to scan annotation", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		annotations = append(annotations, &a)
	}

	return annotations, rows.Err()
}

func (r *AnnotationRepository) GetHistory(ctx context.Context, kind entity.Kind, identity string) ([]annotation.HistoryEntry, error) {
	query := `SELECT id, kind, identity, run_id, review_status, justification, notes, lifecycle, source, changed_at FROM annotation_history WHERE kind = ? AND identity = ? ORDER BY id DESC`

	rows, err := r.db.QueryContext(ctx, query, kind, identity)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list annotation history", err)
	}
	defer rows.Close()

	var entries []annotation.HistoryEntry
	for rows.Next() {
		var e annotation.HistoryEntry
		var changedAt string
		err := rows.Scan(&e.ID, &e.Kind, &e.Identity, &e.RunID, &e.ReviewStatus,
			&e.Justification, &e.Notes, &e.Lifecycle, &e.Source, &changedAt)
		if err != nil {
			return nil, errors.DatabaseError("Failed to scan annotation history", err)
		}
		e.ChangedAt, _ = time.Parse(time.RFC3339, changedAt)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
