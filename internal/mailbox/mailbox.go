// Package mailbox implements per-recipient durable queues with explicit
// claim and acknowledge steps. Delivery is at-least-once: a message polled
// but never acknowledged is returned again by later polls.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
)

// Default limits used when callers pass a non-positive limit.
const (
	DefaultPollLimit = 20
	DefaultListLimit = 50
)

// Mailbox is the contract shared by every backend.
type Mailbox interface {
	// Send normalizes msg, stores it for msg.To and returns the stored form.
	Send(ctx context.Context, msg domain.Message) (domain.Message, error)
	// Poll claims and returns up to limit unacknowledged messages for
	// recipient, oldest first. Previously claimed messages come back first.
	Poll(ctx context.Context, recipient string, limit int) ([]domain.Message, error)
	// Ack removes a claimed message. Acknowledging a missing id is not an error.
	Ack(ctx context.Context, recipient, msgID string) error
	// ListInbox returns pending and claimed messages without changing claims.
	ListInbox(ctx context.Context, recipient string, limit int) ([]domain.Message, error)
	// LatestModified reports the newest modification in the pending area,
	// or the zero time when it is empty.
	LatestModified(ctx context.Context, recipient string) (time.Time, error)
}

// New builds the backend selected by cfg.Backend.
func New(cfg config.MailConfig, logger *slog.Logger) (Mailbox, error) {
	switch cfg.Backend {
	case config.BackendFilesystem, "":
		return NewLocal(cfg.Root, logger)
	case config.BackendMCP:
		return NewRemote(cfg.MCP, cfg.Root, logger)
	default:
		return nil, domain.Errorf(domain.ErrUnknownBackend, "%q", cfg.Backend)
	}
}

// Normalize fills in every missing field of msg.
func Normalize(msg domain.Message, now time.Time) domain.Message {
	if msg.ThreadID == "" {
		msg.ThreadID = domain.UnknownThread
	}
	if msg.MsgID == "" {
		msg.MsgID = uuid.NewString()
	}
	if msg.From == "" {
		msg.From = domain.UnknownRole
	}
	if msg.To == "" {
		msg.To = domain.UnknownRole
	}
	if msg.Type == "" {
		msg.Type = domain.TypeInfo
	}
	if msg.Priority == "" {
		msg.Priority = domain.PriorityNormal
	}
	if msg.ContextRefs == nil {
		msg.ContextRefs = []domain.ContextRef{}
	}
	if msg.AcceptanceCriteria == nil {
		msg.AcceptanceCriteria = []string{}
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now.UTC()
	}
	return msg
}

// Reply sends a message of type typ back to the sender of original, in the
// same thread, carrying its context refs and acceptance criteria.
func Reply(ctx context.Context, mb Mailbox, original domain.Message, from string, typ domain.MessageType, payload map[string]any) (domain.Message, error) {
	return mb.Send(ctx, domain.Message{
		ThreadID:           original.ThreadID,
		From:               from,
		To:                 original.From,
		Type:               typ,
		ContextRefs:        append([]domain.ContextRef(nil), original.ContextRefs...),
		AcceptanceCriteria: append([]string(nil), original.AcceptanceCriteria...),
		Payload:            payload,
	})
}

// ValidateID rejects identifiers that cannot be used as a single path
// segment. Both recipients and message ids name files in the local backend.
func ValidateID(sentinel *domain.Error, id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return domain.Errorf(sentinel, "%q", id)
	case len(id) > 200:
		return domain.Errorf(sentinel, "%d characters", len(id))
	case strings.ContainsAny(id, "/\\\x00"):
		return domain.Errorf(sentinel, "%q contains a path separator", id)
	case strings.HasPrefix(id, "."):
		return domain.Errorf(sentinel, "%q starts with a dot", id)
	}
	return nil
}

// sortMessages orders by created_at, breaking ties on msg_id so repeated
// polls return a stable sequence.
func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return lessMessage(msgs[i], msgs[j])
	})
}

func lessMessage(a, b domain.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.MsgID < b.MsgID
}

func truncate(msgs []domain.Message, limit int) []domain.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}

func orDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

// Subscribe polls recipient every interval and streams each newly claimed
// message once. Consumers must Ack what they receive; unacknowledged
// messages are not re-emitted while they stay claimed. The channel closes
// when ctx is done.
func Subscribe(ctx context.Context, mb Mailbox, recipient string, limit int, interval time.Duration, logger *slog.Logger) <-chan domain.Message {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(chan domain.Message)
	go func() {
		defer close(out)
		emitted := make(map[string]bool)
		for {
			msgs, err := mb.Poll(ctx, recipient, limit)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("subscribe poll failed", "recipient", recipient, "error", err)
			}
			current := make(map[string]bool, len(msgs))
			for _, m := range msgs {
				current[m.MsgID] = true
				if emitted[m.MsgID] {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
			emitted = current

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
	return out
}

// FormatSubject renders the remote mail subject line for msg.
func FormatSubject(msg domain.Message) string {
	return fmt.Sprintf("[%s] %s", msg.Type, msg.ThreadID)
}
