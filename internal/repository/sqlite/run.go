package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/run"
	"github.com/servaudit/servaudit/internal/pkg/errors"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) run.Repository {
	return &RunRepository{db: db}
}

const runColumns = `id, status, phase, bootstrap, baseline_run_id, previous_run_id, started_at, finished_at, error`

func (r *RunRepository) Create(ctx context.Context, rn *run.Run, kinds []entity.Kind) error {
	if rn.StartedAt.IsZero() {
		rn.StartedAt = time.Now()
	}
	if rn.Status == "" {
		rn.Status = run.StatusRunning
	}
	if rn.Phase == "" {
		rn.Phase = run.PhasePreflight
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("Failed to start run transaction", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO runs (status, phase, bootstrap, baseline_run_id, previous_run_id, started_at, error) VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := tx.ExecContext(ctx, query, rn.Status, rn.Phase, rn.Bootstrap, rn.BaselineRunID, rn.PreviousRunID, rn.StartedAt.Format(time.RFC3339), rn.Error)
	if err != nil {
		return errors.DatabaseError("Failed to create run", err)
	}

	rn.ID, err = result.LastInsertId()
	if err != nil {
		return errors.DatabaseError("Failed to read run id", err)
	}

	for _, kind := range kinds {
		_, err := tx.ExecContext(ctx, `INSERT INTO run_categories (run_id, kind, status) VALUES (?, ?, ?)`, rn.ID, kind, run.CategoryPending)
		if err != nil {
			return errors.DatabaseError("Failed to create run category", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("Failed to commit run", err)
	}
	return nil
}

func (r *RunRepository) Update(ctx context.Context, rn *run.Run) error {
	var finishedAt interface{}
	if rn.FinishedAt != nil {
		finishedAt = rn.FinishedAt.Format(time.RFC3339)
	}

	query := `UPDATE runs SET status = ?, phase = ?, finished_at = ?, error = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, rn.Status, rn.Phase, finishedAt, rn.Error, rn.ID)
	if err != nil {
		return errors.DatabaseError("Failed to update run", err)
	}

	rows, err := result.RowsAffected()
	if err != nil || rows == 0 {
		return errors.NotFound("Run")
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id int64) (*run.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (r *RunRepository) GetLatest(ctx context.Context) (*run.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT 1`)
	return scanRun(row)
}

func (r *RunRepository) GetLatestCompleted(ctx context.Context) (*run.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY id DESC LIMIT 1`, run.StatusCompleted)
	return scanRun(row)
}

func (r *RunRepository) GetBaseline(ctx context.Context) (*run.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY id ASC LIMIT 1`, run.StatusCompleted)
	return scanRun(row)
}

func (r *RunRepository) List(ctx context.Context, limit int) ([]run.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list runs", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		var rn run.Run
		var startedAt string
		var finishedAt sql.NullString
		err := rows.Scan(&rn.ID, &rn.Status, &rn.Phase, &rn.Bootstrap, &rn.BaselineRunID, &rn.PreviousRunID, &startedAt, &finishedAt, &rn.Error)
		if err != nil {
			return nil, errors.DatabaseError("Failed to scan run", err)
		}
		rn.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAt.String)
			rn.FinishedAt = &t
		}
		runs = append(runs, rn)
	}

	return runs, rows.Err()
}

func (r *RunRepository) GetCategories(ctx context.Context, runID int64) ([]run.Category, error) {
	query := `SELECT run_id, kind, status, states, transitions, error, committed_at FROM run_categories WHERE run_id = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list run categories", err)
	}
	defer rows.Close()

	var categories []run.Category
	for rows.Next() {
		var c run.Category
		var committedAt sql.NullString
		err := rows.Scan(&c.RunID, &c.Kind, &c.Status, &c.States, &c.Transitions, &c.Error, &committedAt)
		if err != nil {
			return nil, errors.DatabaseError("Failed to scan run category", err)
		}
		if committedAt.Valid {
			t, _ := time.Parse(time.RFC3339, committedAt.String)
			c.CommittedAt = &t
		}
		categories = append(categories, c)
	}

	return categories, rows.Err()
}

func (r *RunRepository) FailCategory(ctx context.Context, runID int64, kind entity.Kind, cause string) error {
	query := `UPDATE run_categories SET status = ?, error = ? WHERE run_id = ? AND kind = ? AND status != ?`

	result, err := r.db.ExecContext(ctx, query, run.CategoryFailed, cause, runID, kind, run.CategoryCommitted)
	if err != nil {
		return errors.DatabaseError("Failed to fail run category", err)
	}

	rows, err := result.RowsAffected()
	if err != nil || rows == 0 {
		return errors.NotFound("Category")
	}

	return nil
}

func scanRun(row *sql.Row) (*run.Run, error) {
	var rn run.Run
	var startedAt string
	var finishedAt sql.NullString

	err := row.Scan(&rn.ID, &rn.Status, &rn.Phase, &rn.Bootstrap, &rn.BaselineRunID, &rn.PreviousRunID, &startedAt, &finishedAt, &rn.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("Failed to get run", err)
	}

	rn.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAt.String)
		rn.FinishedAt = &t
	}
	return &rn, nil
}
