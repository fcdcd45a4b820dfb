package roles

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/metrics"
)

// Stub answers every request of its role with a canned reply.
type Stub struct {
	Role     string
	Mail     mailbox.Mailbox
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	exchange Exchange
}

// NewStub creates a stub worker for role.
func NewStub(role string, mb mailbox.Mailbox, logger *slog.Logger) (*Stub, error) {
	ex, err := ExchangeFor(role)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stub{Role: role, Mail: mb, Logger: logger.With("role", role), exchange: ex}, nil
}

// Handle replies to requests of the stub's type and ignores anything else.
func (s *Stub) Handle(ctx context.Context, msg domain.Message) error {
	if msg.Type != s.exchange.Request {
		s.Logger.Debug("ignoring message", "msg_id", msg.MsgID, "type", msg.Type)
		return nil
	}
	reply, err := mailbox.Reply(ctx, s.Mail, msg, s.Role, s.exchange.Reply, StubPayload(s.Role, msg))
	if err != nil {
		return err
	}
	s.Metrics.Sent(string(reply.Type))
	s.Logger.Info("sent stub reply", "thread_id", msg.ThreadID, "type", reply.Type, "msg_id", reply.MsgID)
	return nil
}

// StubPayload builds the canned reply payload of role for request msg.
func StubPayload(role string, msg domain.Message) map[string]any {
	issue, _ := msg.Payload["issue"].(map[string]any)
	switch role {
	case domain.RolePlanner:
		title, _ := issue["title"].(string)
		if title == "" {
			title = "Untitled issue"
		}
		criteria := []any{}
		if list, ok := issue["acceptance_criteria"].([]any); ok {
			criteria = list
		}
		return map[string]any{
			"status": "COMPLETED",
			"title":  title,
			"steps": []any{
				"Understand requirements and acceptance criteria",
				"Implement minimal solution",
				"Add sanity tests",
				"Prepare for review",
			},
			"acceptance_criteria": criteria,
			"risks":               []any{"This is a stub agent; logic is simplified"},
			"tests":               []any{"Run demo end-to-end"},
		}

	case domain.RoleImplementer:
		title, _ := issue["title"].(string)
		if title == "" {
			title = "unknown"
		}
		payload := map[string]any{
			"status":        "COMPLETED",
			"summary":       fmt.Sprintf("Implemented stub for %q", title),
			"changed_files": []any{},
			"tests":         []any{"not run (stub agent)"},
		}
		if it, _ := msg.Payload["iteration"].(bool); it {
			payload["notes"] = []any{"Stub iteration: no changes applied."}
		}
		if plan, ok := msg.Payload["plan"].(map[string]any); ok && len(plan) > 0 {
			payload["plan"] = plan
		}
		return payload

	case domain.RoleReviewer:
		return map[string]any{
			"status":   "COMPLETED",
			"blocking": false,
			"summary":  "Looks good for demo purposes.",
			"comments": []any{"Stub reviewer approves by default."},
		}

	case domain.RoleIntegrator:
		return map[string]any{
			"status": "COMPLETED",
			"merged": true,
			"note":   "Stub integrator merged changes.",
		}
	}
	return map[string]any{}
}
