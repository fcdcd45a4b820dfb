package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/eventlog"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/memory"
	"github.com/hiveforge/hiveforge/internal/metrics"
)

// Orchestrator consumes the orchestrator mailbox and drives each thread
// through plan, implement, review and merge.
type Orchestrator struct {
	engine      *Engine
	mail        mailbox.Mailbox
	memory      memory.Store
	gates       *GateRegistry
	events      *eventlog.Log
	metrics     *metrics.Metrics
	logger      *slog.Logger
	recallLimit int
}

// NewOrchestrator wires an orchestrator. engine.Events and engine.Metrics are
// reused for its own log lines and counters.
func NewOrchestrator(engine *Engine, mb mailbox.Mailbox, mem memory.Store, cfg config.WorkflowConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.RecallLimit
	if limit <= 0 {
		limit = 5
	}
	return &Orchestrator{
		engine:      engine,
		mail:        mb,
		memory:      mem,
		gates:       NewGateRegistry(cfg.AllowOutOfOrder),
		events:      engine.Events,
		metrics:     engine.Metrics,
		logger:      logger.With("component", "orchestrator"),
		recallLimit: limit,
	}
}

// Engine returns the state engine.
func (o *Orchestrator) Engine() *Engine {
	return o.engine
}

// Handle processes one message addressed to the orchestrator. Messages
// rejected by a gate, and unhandled types, return nil so the caller
// acknowledges them.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.Message) error {
	state, err := o.engine.Load(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	o.note(msg.ThreadID, fmt.Sprintf("received %s msg_id=%s", msg.Type, msg.MsgID))

	var handle func(context.Context, *domain.WorkflowState, domain.Message) error
	switch msg.Type {
	case domain.TypeIssue:
		handle = o.handleIssue
	case domain.TypePlan:
		handle = o.handlePlan
	case domain.TypeResult:
		handle = o.handleResult
	case domain.TypeReview:
		handle = o.handleReview
	case domain.TypeMergeConfirmed:
		handle = o.handleMerge
	default:
		o.note(msg.ThreadID, fmt.Sprintf("unhandled message type: %s", msg.Type))
		o.logger.Info("unhandled message", "thread_id", msg.ThreadID, "msg_id", msg.MsgID, "type", msg.Type)
		return nil
	}

	decision := o.gates.Get(msg.Type).Evaluate(*state, msg.Type)
	if !decision.Allow {
		o.metrics.Dropped(string(msg.Type))
		o.note(msg.ThreadID, fmt.Sprintf("dropped out-of-order %s: %s", msg.Type, strings.Join(decision.Blockers, "; ")))
		o.logger.Warn("out-of-order message dropped",
			"thread_id", msg.ThreadID, "msg_id", msg.MsgID, "type", msg.Type,
			"state", state.State, "blockers", decision.Blockers)
		return nil
	}
	return handle(ctx, state, msg)
}

// Fail moves a thread to ERROR, recording reason under data.error.
func (o *Orchestrator) Fail(ctx context.Context, threadID, reason string) error {
	state, err := o.engine.Load(ctx, threadID)
	if err != nil {
		return err
	}
	if !state.Fresh() && state.State.Terminal() {
		return domain.Errorf(domain.ErrThreadAlreadyDone, "%s is %s", threadID, state.State)
	}
	patch := domain.StatePatch{Data: map[string]any{"error": reason}}
	if err := o.engine.Transition(ctx, state, domain.StateError, patch, Trigger{EventType: "FAIL"}); err != nil {
		return err
	}
	o.note(threadID, "failed: "+reason)
	return nil
}

func (o *Orchestrator) handleIssue(ctx context.Context, state *domain.WorkflowState, msg domain.Message) error {
	issue := msg.Payload
	trig := trigger(msg)
	if err := o.engine.Transition(ctx, state, domain.StateIssueReceived, domain.StatePatch{Issue: issue}, trig); err != nil {
		return err
	}

	projectBeads, err := o.memory.Recall(ctx, "", domain.BeadScope{Type: domain.BeadProject}, o.recallLimit)
	if err != nil {
		return err
	}
	decisionBeads, err := o.memory.Recall(ctx, "", domain.BeadScope{Type: domain.BeadDecision}, o.recallLimit)
	if err != nil {
		return err
	}

	req := o.request(msg, domain.RolePlanner, domain.TypePlanRequest, map[string]any{
		"issue": issue,
		"memory": map[string]any{
			"project_beads":  projectBeads,
			"decision_beads": decisionBeads,
		},
	})
	req.Priority = domain.PriorityHigh
	req.AcceptanceCriteria = stringList(issue, "acceptance_criteria")
	if err := o.send(ctx, req); err != nil {
		return err
	}
	return o.engine.Transition(ctx, state, domain.StatePlanRequested, domain.StatePatch{}, trig)
}

func (o *Orchestrator) handlePlan(ctx context.Context, state *domain.WorkflowState, msg domain.Message) error {
	plan := msg.Payload
	trig := trigger(msg)
	if err := o.engine.Transition(ctx, state, domain.StatePlanReceived, domain.StatePatch{Plan: plan}, trig); err != nil {
		return err
	}

	req := o.request(msg, domain.RoleImplementer, domain.TypeTaskRequest, map[string]any{
		"issue": state.Issue,
		"plan":  plan,
	})
	if err := o.send(ctx, req); err != nil {
		return err
	}
	return o.engine.Transition(ctx, state, domain.StateTaskDispatched, domain.StatePatch{}, trig)
}

func (o *Orchestrator) handleResult(ctx context.Context, state *domain.WorkflowState, msg domain.Message) error {
	result := msg.Payload
	trig := trigger(msg)
	if err := o.engine.Transition(ctx, state, domain.StateResultReceived, domain.StatePatch{Result: result}, trig); err != nil {
		return err
	}

	req := o.request(msg, domain.RoleReviewer, domain.TypeReviewRequest, map[string]any{
		"issue":  state.Issue,
		"plan":   state.Plan,
		"result": result,
	})
	if err := o.send(ctx, req); err != nil {
		return err
	}
	return o.engine.Transition(ctx, state, domain.StateReviewRequested, domain.StatePatch{}, trig)
}

func (o *Orchestrator) handleReview(ctx context.Context, state *domain.WorkflowState, msg domain.Message) error {
	review := msg.Payload
	trig := trigger(msg)
	if err := o.engine.Transition(ctx, state, domain.StateReviewReceived, domain.StatePatch{Review: review}, trig); err != nil {
		return err
	}

	if blocking(review) {
		req := o.request(msg, domain.RoleImplementer, domain.TypeTaskRequest, map[string]any{
			"issue":     state.Issue,
			"plan":      state.Plan,
			"review":    review,
			"iteration": true,
		})
		if err := o.send(ctx, req); err != nil {
			return err
		}
		o.note(msg.ThreadID, "review blocking -> resend TASK_REQUEST")
		return o.engine.Transition(ctx, state, domain.StateIterating, domain.StatePatch{}, trig)
	}

	req := o.request(msg, domain.RoleIntegrator, domain.TypeMergeRequest, map[string]any{
		"issue":  state.Issue,
		"plan":   state.Plan,
		"result": state.Result,
		"review": review,
	})
	if err := o.send(ctx, req); err != nil {
		return err
	}
	return o.engine.Transition(ctx, state, domain.StateMergeRequested, domain.StatePatch{}, trig)
}

// handleMerge records the completion bead before moving to DONE, so a
// failed knowledge write leaves the thread in MERGE_REQUESTED for the
// redelivered message. The bead id is fixed per thread.
func (o *Orchestrator) handleMerge(ctx context.Context, state *domain.WorkflowState, msg domain.Message) error {
	merge := msg.Payload
	bead, err := o.memory.Remember(ctx, domain.Bead{
		ID:       CompletionBeadID(state.ThreadID),
		Type:     domain.BeadTask,
		Title:    fmt.Sprintf("Thread %s completed", state.ThreadID),
		Content:  completionContent(state, merge),
		ThreadID: state.ThreadID,
		Tags:     []string{"hiveforge", "workflow"},
	})
	if err != nil {
		return err
	}
	if err := o.memory.Link(ctx, state.ThreadID, []string{bead.ID}); err != nil {
		return err
	}
	summary, err := o.memory.Summarize(ctx, state.ThreadID)
	if err != nil {
		return err
	}

	patch := domain.StatePatch{Data: map[string]any{"merge": merge}}
	if err := o.engine.Transition(ctx, state, domain.StateDone, patch, trigger(msg)); err != nil {
		return err
	}
	o.note(state.ThreadID, "DONE. Memory summary:\n"+summary)
	o.logger.Info("thread completed", "thread_id", state.ThreadID, "iterations", state.Iterations)
	return nil
}

// CompletionBeadID is the id of the TaskBead recorded when threadID completes.
func CompletionBeadID(threadID string) string {
	return "task-" + threadID
}

// request builds an outbound message in msg's thread, carrying its context refs.
func (o *Orchestrator) request(msg domain.Message, to string, typ domain.MessageType, payload map[string]any) domain.Message {
	return domain.Message{
		ThreadID:    msg.ThreadID,
		From:        domain.RoleOrchestrator,
		To:          to,
		Type:        typ,
		ContextRefs: append([]domain.ContextRef(nil), msg.ContextRefs...),
		Payload:     payload,
	}
}

func (o *Orchestrator) send(ctx context.Context, msg domain.Message) error {
	sent, err := o.mail.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.To, err)
	}
	o.metrics.Sent(string(sent.Type))
	o.note(sent.ThreadID, fmt.Sprintf("sent %s to %s", sent.Type, sent.To))
	return nil
}

func (o *Orchestrator) note(threadID, text string) {
	if err := o.events.Append(threadID, text); err != nil {
		o.logger.Warn("event log append failed", "thread_id", threadID, "error", err)
	}
}

func trigger(msg domain.Message) Trigger {
	return Trigger{EventType: string(msg.Type), MsgID: msg.MsgID}
}

// blocking reports whether a review demands another iteration. Only a
// boolean true counts.
func blocking(review map[string]any) bool {
	b, ok := review["blocking"].(bool)
	return ok && b
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// stringList reads a list of strings, skipping non-string entries.
func stringList(m map[string]any, key string) []string {
	out := []string{}
	switch v := m[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func completionContent(state *domain.WorkflowState, merge map[string]any) string {
	return fmt.Sprintf("Issue: %s\nResult: %s\nReview: %s\nMerge: %s",
		stringField(state.Issue, "title"),
		indentJSON(state.Result),
		indentJSON(state.Review),
		compactJSON(merge),
	)
}

func indentJSON(v map[string]any) string {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func compactJSON(v map[string]any) string {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
