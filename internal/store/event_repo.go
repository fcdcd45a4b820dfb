package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hiveforge/hiveforge/internal/domain"
)

// EventRepo handles persistence for WorkflowEvent records.
type EventRepo struct{}

// AppendTx inserts a workflow event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.WorkflowEvent) error {
	const q = `INSERT INTO workflow_events (thread_id, seq_no, from_state, to_state, event_type, msg_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		event.ThreadID,
		event.SeqNo,
		string(event.FromState),
		string(event.ToState),
		event.EventType,
		event.MsgID,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListByThread returns events for a thread with sequence numbers greater than
// sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByThread(ctx context.Context, db *sql.DB, threadID string, sinceSeq int64) ([]domain.WorkflowEvent, error) {
	const q = `SELECT id, thread_id, seq_no, from_state, to_state, event_type, msg_id, created_at
FROM workflow_events
WHERE thread_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, threadID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.WorkflowEvent
	for rows.Next() {
		var e domain.WorkflowEvent
		var from, to string
		var created int64
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.SeqNo, &from, &to, &e.EventType, &e.MsgID, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.FromState = domain.State(from)
		e.ToState = domain.State(to)
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}
