package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/eventlog"
	"github.com/hiveforge/hiveforge/internal/metrics"
	"github.com/hiveforge/hiveforge/internal/store"
)

// Trigger describes what caused a transition.
type Trigger struct {
	EventType string
	MsgID     string
}

// Engine owns every mutation of workflow state.
type Engine struct {
	DB        *sql.DB
	StateRepo *store.StateRepo
	EventRepo *store.EventRepo
	Snapshots *SnapshotWriter
	Events    *eventlog.Log
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	now func() time.Time
}

// NewEngine creates an engine over db. snapshots and events may be nil.
func NewEngine(db *sql.DB, snapshots *SnapshotWriter, events *eventlog.Log, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		DB:        db,
		StateRepo: &store.StateRepo{},
		EventRepo: &store.EventRepo{},
		Snapshots: snapshots,
		Events:    events,
		Metrics:   m,
		Logger:    logger,
		now:       time.Now,
	}
}

// Load returns the stored state of threadID, or a fresh ISSUE_RECEIVED
// record with empty history when the thread is unknown.
func (e *Engine) Load(ctx context.Context, threadID string) (*domain.WorkflowState, error) {
	state, err := e.StateRepo.GetByID(ctx, e.DB, threadID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, domain.ErrThreadNotFound) {
		return nil, domain.WrapError(domain.ErrStoreQuery.Code, "load state", err)
	}
	return &domain.WorkflowState{
		ThreadID:  threadID,
		State:     domain.StateIssueReceived,
		UpdatedAt: e.now().UTC(),
		History:   []string{},
	}, nil
}

// GetState returns the stored state of threadID.
func (e *Engine) GetState(ctx context.Context, threadID string) (*domain.WorkflowState, error) {
	return e.StateRepo.GetByID(ctx, e.DB, threadID)
}

// Transition merges patch into state, moves it to next and persists the
// record, its history line and a workflow event in one transaction. state is
// updated in place only after the commit succeeds. The event log line and
// JSON snapshot follow the commit; failures there are logged.
func (e *Engine) Transition(ctx context.Context, state *domain.WorkflowState, next domain.State, patch domain.StatePatch, trigger Trigger) error {
	if !next.Valid() {
		return domain.Errorf(domain.ErrInvalidState, "%q", next)
	}

	now := e.now().UTC()
	updated := *state
	applyPatch(&updated, patch)
	updated.State = next
	updated.UpdatedAt = now
	if next == domain.StateIterating {
		updated.Iterations++
	}
	line := fmt.Sprintf("%s -> %s", now.Format(domain.HistoryTimeFormat), next)
	seq := int64(len(state.History)) + 1

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if state.Version == 0 {
		if err := e.StateRepo.CreateTx(ctx, tx, updated); err != nil {
			return domain.WrapError(domain.ErrStoreWrite.Code, "create state", err)
		}
		updated.Version = 1
	} else {
		if err := e.StateRepo.UpdateTx(ctx, tx, updated); err != nil {
			if errors.Is(err, domain.ErrOptimisticLock) {
				return err
			}
			return domain.WrapError(domain.ErrStoreWrite.Code, "update state", err)
		}
		updated.Version++
	}

	if err := e.StateRepo.AppendHistoryTx(ctx, tx, state.ThreadID, seq, line, now.UnixMilli()); err != nil {
		return domain.WrapError(domain.ErrStoreWrite.Code, "append history", err)
	}

	event := domain.WorkflowEvent{
		ThreadID:  state.ThreadID,
		SeqNo:     seq,
		FromState: state.State,
		ToState:   next,
		EventType: trigger.EventType,
		MsgID:     trigger.MsgID,
		CreatedAt: now,
	}
	if err := e.EventRepo.AppendTx(ctx, tx, event); err != nil {
		return domain.WrapError(domain.ErrStoreWrite.Code, "append event", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.WrapError(domain.ErrStoreWrite.Code, "commit transition", err)
	}

	updated.History = append(append([]string(nil), state.History...), line)
	old := state.State
	*state = updated

	e.Metrics.Transitioned(string(next))
	if err := e.Events.Transition(state.ThreadID, old, next); err != nil {
		e.Logger.Warn("event log append failed", "thread_id", state.ThreadID, "error", err)
	}
	if err := e.Snapshots.Write(*state); err != nil {
		e.Logger.Warn("snapshot write failed", "thread_id", state.ThreadID, "error", err)
	}
	return nil
}

// applyPatch overwrites non-nil snapshots and merges Data keys.
func applyPatch(state *domain.WorkflowState, patch domain.StatePatch) {
	if patch.Issue != nil {
		state.Issue = patch.Issue
	}
	if patch.Plan != nil {
		state.Plan = patch.Plan
	}
	if patch.Result != nil {
		state.Result = patch.Result
	}
	if patch.Review != nil {
		state.Review = patch.Review
	}
	if len(patch.Data) > 0 {
		merged := make(map[string]any, len(state.Data)+len(patch.Data))
		for k, v := range state.Data {
			merged[k] = v
		}
		for k, v := range patch.Data {
			merged[k] = v
		}
		state.Data = merged
	}
}

// ListThreads returns stored threads, most recently updated first.
func (e *Engine) ListThreads(ctx context.Context, state domain.State, limit int) ([]domain.WorkflowState, error) {
	return e.StateRepo.List(ctx, e.DB, state, limit)
}

// ThreadEvents returns the persisted transitions of threadID after sinceSeq.
func (e *Engine) ThreadEvents(ctx context.Context, threadID string, sinceSeq int64) ([]domain.WorkflowEvent, error) {
	return e.EventRepo.ListByThread(ctx, e.DB, threadID, sinceSeq)
}
