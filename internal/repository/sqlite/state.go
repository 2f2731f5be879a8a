package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/pkg/errors"
)

type StateRepository struct {
	db *sql.DB
}

func NewStateRepository(db *sql.DB) finding.Repository {
	return &StateRepository{db: db}
}

const stateColumns = `run_id, kind, identity, legacy_key, target, scope, name, status, detail, excepted, carried, vs_previous, vs_baseline, recorded_at`

func (r *StateRepository) GetByRun(ctx context.Context, runID int64) ([]finding.State, error) {
	query := `SELECT ` + stateColumns + ` FROM entity_states WHERE run_id = ? ORDER BY kind, target, scope, name`
	return r.queryStates(ctx, query, runID)
}

func (r *StateRepository) GetByRunAndKind(ctx context.Context, runID int64, kind entity.Kind) ([]finding.State, error) {
	query := `SELECT ` + stateColumns + ` FROM entity_states WHERE run_id = ? AND kind = ? ORDER BY target, scope, name`
	return r.queryStates(ctx, query, runID, kind)
}

func (r *StateRepository) GetByIdentity(ctx context.Context, runID int64, identity string) (*finding.State, error) {
	query := `SELECT ` + stateColumns + ` FROM entity_states WHERE run_id = ? AND identity = ?`

	rows, err := r.queryStates(ctx, query, runID, identity)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *StateRepository) GetHistory(ctx context.Context, kind entity.Kind, identity string, limit int) ([]finding.State, error) {
	query := `SELECT ` + stateColumns + ` FROM entity_states WHERE kind = ? AND identity = ? ORDER BY run_id DESC`
	args := []interface{}{kind, identity}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.queryStates(ctx, query, args...)
}

func (r *StateRepository) queryStates(ctx context.Context, query string, args ...interface{}) ([]finding.State, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list entity states", err)
	}
	defer rows.Close()

	var states []finding.State
	for rows.Next() {
		var s finding.State
		var recordedAt string
		err := rows.Scan(&s.RunID, &s.Kind, &s.Identity, &s.LegacyKey, &s.Target, &s.Scope, &s.Name, &s.Status, &s.Detail, &s.Excepted, &s.Carried, &s.VsPrevious, &s.VsBaseline, &recordedAt)
		if err != nil {
			return nil, errors.DatabaseError("Failed to scan entity state", err)
		}
		s.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		states = append(states, s)
	}

	return states, rows.Err()
}

func insertStatesTx(ctx context.Context, tx *sql.Tx, states []finding.State) error {
	query := `INSERT INTO entity_states (` + stateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, s := range states {
		recordedAt := s.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, query,
			s.RunID, s.Kind, s.Identity, s.LegacyKey, s.Target, s.Scope, s.Name,
			s.Status, s.Detail, s.Excepted, s.Carried, s.VsPrevious, s.VsBaseline,
			recordedAt.Format(time.RFC3339))
		if err != nil {
			return errors.DatabaseError("Failed to insert entity state", err)
		}
	}
	return nil
}
