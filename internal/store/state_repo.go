package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hiveforge/hiveforge/internal/domain"
)

// StateRepo handles persistence for WorkflowState records and their
// append-only history.
type StateRepo struct{}

type stateColumns struct {
	issue, plan, result, review, data string
}

func encodeState(state domain.WorkflowState) (stateColumns, error) {
	var c stateColumns
	var err error
	for _, f := range []struct {
		dst *string
		src map[string]any
	}{
		{&c.issue, state.Issue},
		{&c.plan, state.Plan},
		{&c.result, state.Result},
		{&c.review, state.Review},
		{&c.data, state.Data},
	} {
		if *f.dst, err = encodeJSON(f.src); err != nil {
			return c, fmt.Errorf("encode state: %w", err)
		}
	}
	return c, nil
}

// CreateTx inserts a new thread within an existing transaction. The stored
// version starts at 1.
func (r *StateRepo) CreateTx(ctx context.Context, tx *sql.Tx, state domain.WorkflowState) error {
	c, err := encodeState(state)
	if err != nil {
		return err
	}
	const q = `INSERT INTO workflow_states (thread_id, state, version, iterations, issue_json, plan_json, result_json, review_json, data_json, updated_at_unix)
VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		state.ThreadID,
		string(state.State),
		state.Iterations,
		c.issue, c.plan, c.result, c.review, c.data,
		toMillis(state.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create state: %w", err)
	}
	return nil
}

// UpdateTx updates a thread within a transaction using optimistic locking.
// The update only succeeds if the stored version matches state.Version.
func (r *StateRepo) UpdateTx(ctx context.Context, tx *sql.Tx, state domain.WorkflowState) error {
	c, err := encodeState(state)
	if err != nil {
		return err
	}
	const q = `UPDATE workflow_states SET
		state = ?,
		version = version + 1,
		iterations = ?,
		issue_json = ?,
		plan_json = ?,
		result_json = ?,
		review_json = ?,
		data_json = ?,
		updated_at_unix = ?
	WHERE thread_id = ? AND version = ?`

	res, err := tx.ExecContext(ctx, q,
		string(state.State),
		state.Iterations,
		c.issue, c.plan, c.result, c.review, c.data,
		toMillis(state.UpdatedAt),
		state.ThreadID,
		state.Version,
	)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// AppendHistoryTx records one history line for a thread.
func (r *StateRepo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, threadID string, seqNo int64, line string, createdAt int64) error {
	const q = `INSERT INTO state_history (thread_id, seq_no, line, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, threadID, seqNo, line, createdAt); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

const stateSelect = `SELECT thread_id, state, version, iterations, issue_json, plan_json, result_json, review_json, data_json, updated_at_unix
FROM workflow_states`

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*domain.WorkflowState, error) {
	var s domain.WorkflowState
	var st string
	var c stateColumns
	var updated int64
	if err := row.Scan(&s.ThreadID, &st, &s.Version, &s.Iterations,
		&c.issue, &c.plan, &c.result, &c.review, &c.data, &updated); err != nil {
		return nil, err
	}
	s.State = domain.State(st)
	s.UpdatedAt = fromMillis(updated)

	var err error
	for _, f := range []struct {
		raw string
		dst *map[string]any
	}{
		{c.issue, &s.Issue},
		{c.plan, &s.Plan},
		{c.result, &s.Result},
		{c.review, &s.Review},
		{c.data, &s.Data},
	} {
		if *f.dst, err = decodeMap(f.raw); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", s.ThreadID, err)
		}
	}
	return &s, nil
}

// GetByID retrieves a thread with its full history.
func (r *StateRepo) GetByID(ctx context.Context, db *sql.DB, threadID string) (*domain.WorkflowState, error) {
	s, err := scanState(db.QueryRowContext(ctx, stateSelect+` WHERE thread_id = ?`, threadID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrThreadNotFound
		}
		return nil, fmt.Errorf("get state: %w", err)
	}

	s.History, err = r.History(ctx, db, threadID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// History returns the history lines of a thread in append order.
func (r *StateRepo) History(ctx context.Context, db *sql.DB, threadID string) ([]string, error) {
	const q = `SELECT line FROM state_history WHERE thread_id = ? ORDER BY seq_no ASC`
	rows, err := db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// List returns threads, most recently updated first. History is not loaded.
// An empty state matches every thread.
func (r *StateRepo) List(ctx context.Context, db *sql.DB, state domain.State, limit int) ([]domain.WorkflowState, error) {
	if limit <= 0 {
		limit = 100
	}
	q := stateSelect
	args := []any{}
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY updated_at_unix DESC, thread_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
