package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/pkg/errors"
)

type ActionLogRepository struct {
	db *sql.DB
}

func NewActionLogRepository(db *sql.DB) actionlog.Repository {
	return &ActionLogRepository{db: db}
}

const entryColumns = `id, run_id, kind, identity, target, scope, name, transition, status, detail, justification, detected_at`

func (r *ActionLogRepository) List(ctx context.Context, filter actionlog.Filter) ([]actionlog.Entry, error) {
	var where []string
	var args []interface{}

	if filter.RunID != 0 {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, filter.Identity)
	}
	if filter.Transition != "" {
		where = append(where, "transition = ?")
		args = append(args, filter.Transition)
	}

	query := `SELECT ` + entryColumns + ` FROM action_log`
	if len(where) > 0 {
		query += fmt.Sprintf(" WHERE %s", strings.Join(where, " AND "))
	}
	query += ` ORDER BY id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list action log entries", err)
	}
	defer rows.Close()

	var entries []actionlog.Entry
	for rows.Next() {
		var e actionlog.Entry
		var detectedAt string
		err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.Identity, &e.Target, &e.Scope,
			&e.Name, &e.Transition, &e.Status, &e.Detail, &e.Justification, &detectedAt)
		if err != nil {
			return nil, errors.DatabaseError("Failed to scan action log entry", err)
		}
		e.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *ActionLogRepository) CountByTransition(ctx context.Context, runID int64) (map[finding.Transition]int, error) {
	query := `SELECT transition, COUNT(*) FROM action_log WHERE run_id = ? GROUP BY transition`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.DatabaseError("Failed to count action log entries", err)
	}
	defer rows.Close()

	counts := make(map[finding.Transition]int)
	for rows.Next() {
		var transition finding.Transition
		var count int
		if err := rows.Scan(&transition, &count); err != nil {
			return nil, errors.DatabaseError("Failed to scan count", err)
		}
		counts[transition] = count
	}

	return counts, rows.Err()
}

func (r *ActionLogRepository) GetFailedIdentities(ctx context.Context, kind entity.Kind, beforeRunID int64) (map[string]bool, error) {
	query := `SELECT DISTINCT identity FROM action_log WHERE kind = ? AND run_id < ? AND transition IN (?, ?)`

	rows, err := r.db.QueryContext(ctx, query, kind, beforeRunID, finding.TransitionNew, finding.TransitionRegression)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list failed identities", err)
	}
	defer rows.Close()

	identities := make(map[string]bool)
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, errors.DatabaseError("Failed to scan identity", err)
		}
		identities[identity] = true
	}

	return identities, rows.Err()
}

func insertEntriesTx(ctx context.Context, tx *sql.Tx, entries []actionlog.Entry) error {
	query := `INSERT INTO action_log (run_id, kind, identity, target, scope, name, transition, status, detail, justification, detected_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, e := range entries {
		detectedAt := e.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, query,
			e.RunID, e.Kind, e.Identity, e.Target, e.Scope, e.Name,
			e.Transition, e.Status, e.Detail, e.Justification,
			detectedAt.Format(time.RFC3339))
		if err != nil {
			return errors.DatabaseError("Failed to insert action log entry", err)
		}
	}
	return nil
}
