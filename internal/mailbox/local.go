package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/fsutil"
)

const (
	inboxDir      = "inbox"
	processingDir = "processing"
	messageExt    = ".json"
)

// Local stores each recipient's messages as JSON files under
// <root>/<recipient>/inbox (pending) and <root>/<recipient>/processing
// (claimed). A claim is an os.Rename between the two; rename atomicity is
// the only concurrency guard, so several processes may poll one recipient.
type Local struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewLocal creates the mail root if needed.
func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	if root == "" {
		return nil, domain.Errorf(domain.ErrMailboxUnavailable, "mail root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, domain.WrapError(domain.ErrMailboxUnavailable.Code, "create mail root", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{root: root, logger: logger, now: time.Now}, nil
}

func (l *Local) dir(recipient, area string) string {
	return filepath.Join(l.root, recipient, area)
}

// Send writes msg into the recipient's inbox.
func (l *Local) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	msg = Normalize(msg, l.now())
	if err := ValidateID(domain.ErrInvalidRecipient, msg.To); err != nil {
		return domain.Message{}, err
	}
	if err := ValidateID(domain.ErrInvalidMessageID, msg.MsgID); err != nil {
		return domain.Message{}, err
	}

	path := filepath.Join(l.dir(msg.To, inboxDir), msg.MsgID+messageExt)
	if err := fsutil.WriteJSONAtomic(path, msg); err != nil {
		return domain.Message{}, domain.WrapError(domain.ErrMailboxUnavailable.Code, "write message", err)
	}
	return msg, nil
}

// Poll returns claimed messages first, then claims the oldest pending ones
// until limit is reached.
func (l *Local) Poll(ctx context.Context, recipient string, limit int) ([]domain.Message, error) {
	if err := ValidateID(domain.ErrInvalidRecipient, recipient); err != nil {
		return nil, err
	}
	limit = orDefault(limit, DefaultPollLimit)

	processing := l.dir(recipient, processingDir)
	if err := os.MkdirAll(processing, 0o755); err != nil {
		return nil, domain.WrapError(domain.ErrMailboxUnavailable.Code, "create processing dir", err)
	}

	claimed, err := l.read(recipient, processing)
	if err != nil {
		return nil, err
	}
	messages := make([]domain.Message, 0, limit)
	for _, e := range claimed {
		messages = append(messages, e.msg)
	}

	if len(messages) < limit {
		inbox := l.dir(recipient, inboxDir)
		pending, err := l.read(recipient, inbox)
		if err != nil {
			return nil, err
		}
		for _, e := range pending {
			if len(messages) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := os.Rename(filepath.Join(inbox, e.name), filepath.Join(processing, e.name)); err != nil {
				// Another poller claimed it first.
				continue
			}
			messages = append(messages, e.msg)
		}
	}

	sortMessages(messages)
	return truncate(messages, limit), nil
}

// Ack deletes the claimed copy of msgID.
func (l *Local) Ack(ctx context.Context, recipient, msgID string) error {
	if err := ValidateID(domain.ErrInvalidRecipient, recipient); err != nil {
		return err
	}
	if err := ValidateID(domain.ErrInvalidMessageID, msgID); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(l.dir(recipient, processingDir), msgID+messageExt))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.WrapError(domain.ErrMailboxUnavailable.Code, "remove message", err)
	}
	return nil
}

// ListInbox reads both areas without moving anything.
func (l *Local) ListInbox(ctx context.Context, recipient string, limit int) ([]domain.Message, error) {
	if err := ValidateID(domain.ErrInvalidRecipient, recipient); err != nil {
		return nil, err
	}
	limit = orDefault(limit, DefaultListLimit)

	var messages []domain.Message
	for _, area := range []string{inboxDir, processingDir} {
		entries, err := l.read(recipient, l.dir(recipient, area))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			messages = append(messages, e.msg)
		}
	}
	sortMessages(messages)
	return truncate(messages, limit), nil
}

// LatestModified returns the newest file modification time in the inbox.
func (l *Local) LatestModified(ctx context.Context, recipient string) (time.Time, error) {
	if err := ValidateID(domain.ErrInvalidRecipient, recipient); err != nil {
		return time.Time{}, err
	}
	entries, err := os.ReadDir(l.dir(recipient, inboxDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, domain.WrapError(domain.ErrMailboxUnavailable.Code, "read inbox", err)
	}

	var latest time.Time
	for _, de := range entries {
		if !isMessageFile(de) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

// Recipients lists every recipient that has a mailbox directory.
func (l *Local) Recipients() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, domain.WrapError(domain.ErrMailboxUnavailable.Code, "read mail root", err)
	}
	var out []string
	for _, de := range entries {
		if de.IsDir() && ValidateID(domain.ErrInvalidRecipient, de.Name()) == nil {
			out = append(out, de.Name())
		}
	}
	return out, nil
}

type entry struct {
	name string
	msg  domain.Message
}

// read parses every message file in dir, oldest first. Unreadable or
// malformed files are logged and skipped. A missing dir is empty.
func (l *Local) read(recipient, dir string) ([]entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, domain.WrapError(domain.ErrMailboxUnavailable.Code, "read "+filepath.Base(dir), err)
	}

	entries := make([]entry, 0, len(des))
	for _, de := range des {
		if !isMessageFile(de) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			// Claimed by a concurrent poller between ReadDir and ReadFile.
			if !errors.Is(err, fs.ErrNotExist) {
				l.logger.Warn("skip unreadable message", "recipient", recipient, "file", de.Name(), "error", err)
			}
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("skip malformed message", "recipient", recipient, "file", de.Name(), "error", err)
			continue
		}
		entries = append(entries, entry{name: de.Name(), msg: msg})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return lessMessage(entries[i].msg, entries[j].msg)
	})
	return entries, nil
}

func isMessageFile(de fs.DirEntry) bool {
	name := de.Name()
	return !de.IsDir() && strings.HasSuffix(name, messageExt) && !strings.HasPrefix(name, ".")
}
