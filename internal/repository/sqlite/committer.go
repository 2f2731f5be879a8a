package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/servaudit/servaudit/internal/domain/run"
	"github.com/servaudit/servaudit/internal/pkg/errors"
)

type Committer struct {
	db *sql.DB
}

func NewCommitter(db *sql.DB) run.Committer {
	return &Committer{db: db}
}

// CommitCategory lands everything one entity kind produced in a single
// transaction. The category's old rows are cleared first, so committing the
// same kind again after a crash replaces the earlier attempt instead of
// stacking duplicates on top of it
func (c *Committer) CommitCategory(ctx context.Context, commit run.CategoryCommit) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("Failed to start category transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_states WHERE run_id = ? AND kind = ?`, commit.RunID, commit.Kind); err != nil {
		return errors.DatabaseError("Failed to clear entity states", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_log WHERE run_id = ? AND kind = ?`, commit.RunID, commit.Kind); err != nil {
		return errors.DatabaseError("Failed to clear action log entries", err)
	}

	if err := insertStatesTx(ctx, tx, commit.States); err != nil {
		return err
	}
	if err := insertEntriesTx(ctx, tx, commit.Entries); err != nil {
		return err
	}

	for _, change := range commit.Annotations {
		if err := upsertAnnotationTx(ctx, tx, change.Annotation, change.Source); err != nil {
			return err
		}
	}

	if err := insertAssignmentsTx(ctx, tx, commit.Assignments); err != nil {
		return err
	}

	query := `UPDATE run_categories SET status = ?, states = ?, transitions = ?, error = '', committed_at = ? WHERE run_id = ? AND kind = ?`

	result, err := tx.ExecContext(ctx, query, run.CategoryCommitted, len(commit.States), len(commit.Entries), time.Now().Format(time.RFC3339), commit.RunID, commit.Kind)
	if err != nil {
		return errors.DatabaseError("Failed to mark category committed", err)
	}
	rows, err := result.RowsAffected()
	if err != nil || rows == 0 {
		return errors.NotFound("Category")
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("Failed to commit category", err)
	}
	return nil
}
