package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/google/uuid"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
)

// Agent-mail tool names.
const (
	toolEnsureProject = "ensure_project"
	toolRegisterAgent = "register_agent"
	toolSendMessage   = "send_message"
	toolFetchInbox    = "fetch_inbox"
	toolAcknowledge   = "acknowledge_message"
)

// toolCaller is the subset of the MCP client used by Remote.
type toolCaller interface {
	Initialize(ctx context.Context, request mcplib.InitializeRequest) (*mcplib.InitializeResult, error)
	CallTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
	Close() error
}

// Remote delegates storage to an agent-mail service reached over MCP
// streamable HTTP. Local role ids are mapped to remote agent names through a
// persisted AgentMap, and acknowledged ids are remembered in an AckCache
// because the service keeps acknowledged messages in the inbox.
type Remote struct {
	cfg    config.MCPConfig
	client toolCaller
	agents agentMapFile
	acks   *AckCache
	shared map[string]bool
	logger *slog.Logger
	now    func() time.Time

	initMu      sync.Mutex
	initialized bool

	mapMu       sync.Mutex
	projectDone bool
}

// NewRemote creates a Remote whose caches live under root/.mcp.
func NewRemote(cfg config.MCPConfig, root string, logger *slog.Logger) (*Remote, error) {
	c, err := mcpclient.NewStreamableHttpClient(cfg.BaseURL)
	if err != nil {
		return nil, domain.WrapError(domain.ErrMailboxUnavailable.Code, "create mcp client", err)
	}
	return newRemote(c, cfg, root, logger), nil
}

func newRemote(c toolCaller, cfg config.MCPConfig, root string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	root = filepath.Join(root, ".mcp")
	shared := make(map[string]bool, len(cfg.SharedAgentIDs))
	for _, id := range cfg.SharedAgentIDs {
		shared[id] = true
	}
	return &Remote{
		cfg:    cfg,
		client: c,
		agents: newAgentMapFile(root),
		acks:   NewAckCache(filepath.Join(root, "acks"), AckCacheLimit),
		shared: shared,
		logger: logger,
		now:    time.Now,
	}
}

// Close releases the MCP session.
func (r *Remote) Close() error {
	return r.client.Close()
}

func (r *Remote) ensureSession(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized {
		return nil
	}
	_, err := r.client.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "hiveforge", Version: "1.0"},
		},
	})
	if err != nil {
		return domain.WrapError(domain.ErrRemoteCallFailed.Code, "initialize", err)
	}
	r.initialized = true
	return nil
}

// call invokes a tool and decodes its result into out.
func (r *Remote) call(ctx context.Context, name string, args map[string]any, out any) error {
	if err := r.ensureSession(ctx); err != nil {
		return err
	}
	if t := r.cfg.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	res, err := r.client.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return domain.WrapError(domain.ErrRemoteCallFailed.Code, name, err)
	}
	return decodeToolResult(name, res, out)
}

// decodeToolResult prefers structured content, unwrapping a lone "result"
// key, and falls back to the concatenated text content parsed as JSON.
func decodeToolResult(name string, res *mcplib.CallToolResult, out any) error {
	if res == nil {
		return domain.Errorf(domain.ErrRemoteInvalidResponse, "%s returned no result", name)
	}
	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "tool error"
		}
		return domain.Errorf(domain.ErrRemoteCallFailed, "%s: %s", name, text)
	}
	if out == nil {
		return nil
	}

	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return domain.WrapError(domain.ErrRemoteInvalidResponse.Code, name, err)
		}
		var wrapper map[string]json.RawMessage
		if json.Unmarshal(raw, &wrapper) == nil && len(wrapper) == 1 {
			if inner, ok := wrapper["result"]; ok {
				raw = inner
			}
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return domain.WrapError(domain.ErrRemoteInvalidResponse.Code, name, err)
		}
		return nil
	}

	if text == "" {
		return domain.Errorf(domain.ErrRemoteInvalidResponse, "%s returned empty content", name)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return domain.WrapError(domain.ErrRemoteInvalidResponse.Code, name, err)
	}
	return nil
}

func resultText(res *mcplib.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcplib.TextContent:
			b.WriteString(tc.Text)
		case *mcplib.TextContent:
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func (r *Remote) sharedByModel(internal string) bool {
	return r.cfg.AgentScope == config.ScopeModel && r.shared[internal]
}

func (r *Remote) modelKey() string {
	return r.cfg.Program + ":" + r.cfg.Model
}

func (r *Remote) ensureProject(ctx context.Context) error {
	if r.projectDone {
		return nil
	}
	if err := r.call(ctx, toolEnsureProject, map[string]any{"human_key": r.cfg.ProjectKey}, nil); err != nil {
		return err
	}
	r.projectDone = true
	return nil
}

// vendorFor returns the remote agent name for a local id, registering a new
// agent on first use. Shared-model ids reuse one identity per program:model.
func (r *Remote) vendorFor(ctx context.Context, internal string) (string, error) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()

	m, err := r.agents.Load()
	if err != nil {
		return "", domain.WrapError(domain.ErrMailboxUnavailable.Code, "load agent map", err)
	}

	share := r.sharedByModel(internal)
	if share {
		key := r.modelKey()
		vendor := m.ModelToVendor[key]
		changed := false
		if vendor == "" {
			for _, candidate := range r.cfg.SharedAgentIDs {
				if v := m.InternalToVendor[candidate]; v != "" {
					vendor = v
					break
				}
			}
			if vendor != "" {
				m.ModelToVendor[key] = vendor
				changed = true
			}
		}
		if vendor != "" {
			if m.Add(internal, vendor) {
				changed = true
			}
			if changed {
				if err := r.agents.Save(m); err != nil {
					return "", domain.WrapError(domain.ErrMailboxUnavailable.Code, "save agent map", err)
				}
			}
			return vendor, nil
		}
	}

	if v := m.InternalToVendor[internal]; v != "" {
		return v, nil
	}

	if err := r.ensureProject(ctx); err != nil {
		return "", err
	}
	description := internal
	if share {
		description = fmt.Sprintf("shared model agent (%s)", r.cfg.Model)
	}
	var registered struct {
		Name string `json:"name"`
	}
	err = r.call(ctx, toolRegisterAgent, map[string]any{
		"project_key":      r.cfg.ProjectKey,
		"program":          r.cfg.Program,
		"model":            r.cfg.Model,
		"task_description": description,
	}, &registered)
	if err != nil {
		return "", err
	}
	if registered.Name == "" {
		return "", domain.Errorf(domain.ErrRemoteInvalidResponse, "%s returned no agent name", toolRegisterAgent)
	}

	if share {
		m.ModelToVendor[r.modelKey()] = registered.Name
	}
	m.Add(internal, registered.Name)
	if err := r.agents.Save(m); err != nil {
		return "", domain.WrapError(domain.ErrMailboxUnavailable.Code, "save agent map", err)
	}
	r.logger.Info("registered remote mail agent", "recipient", internal, "agent", registered.Name)
	return registered.Name, nil
}

func (r *Remote) resolveInternal(vendor string) string {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	m, err := r.agents.Load()
	if err != nil {
		return ""
	}
	return m.Resolve(vendor)
}

// Send delivers msg through send_message. The returned message carries the
// remote numeric id, which is what Ack expects.
func (r *Remote) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg = Normalize(msg, r.now())
	from, err := r.vendorFor(ctx, msg.From)
	if err != nil {
		return domain.Message{}, err
	}
	to, err := r.vendorFor(ctx, msg.To)
	if err != nil {
		return domain.Message{}, err
	}

	body, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return domain.Message{}, fmt.Errorf("marshal message: %w", err)
	}

	var sent struct {
		Deliveries []struct {
			Payload struct {
				ID        int64  `json:"id"`
				CreatedTS string `json:"created_ts"`
			} `json:"payload"`
		} `json:"deliveries"`
	}
	err = r.call(ctx, toolSendMessage, map[string]any{
		"project_key": r.cfg.ProjectKey,
		"sender_name": from,
		"to":          []string{to},
		"subject":     FormatSubject(msg),
		"body_md":     string(body),
		"importance":  string(msg.Priority),
		"thread_id":   msg.ThreadID,
	}, &sent)
	if err != nil {
		return domain.Message{}, err
	}

	if len(sent.Deliveries) > 0 {
		p := sent.Deliveries[0].Payload
		if p.ID != 0 {
			msg.MsgID = strconv.FormatInt(p.ID, 10)
		}
		if t, ok := parseTime(p.CreatedTS); ok {
			msg.CreatedAt = t
		}
	}
	return msg, nil
}

type inboxItem struct {
	ID         int64  `json:"id"`
	Subject    string `json:"subject"`
	From       string `json:"from"`
	Importance string `json:"importance"`
	CreatedTS  string `json:"created_ts"`
	ThreadID   string `json:"thread_id"`
	BodyMD     string `json:"body_md"`
}

// wireBody is the JSON message carried in body_md. Every field is optional.
type wireBody struct {
	ThreadID           string              `json:"thread_id"`
	MsgID              string              `json:"msg_id"`
	From               string              `json:"from"`
	To                 string              `json:"to"`
	Type               string              `json:"type"`
	Priority           string              `json:"priority"`
	ContextRefs        []domain.ContextRef `json:"context_refs"`
	AcceptanceCriteria []string            `json:"acceptance_criteria"`
	Payload            map[string]any      `json:"payload"`
	CreatedAt          string              `json:"created_at"`
}

func (r *Remote) fetch(ctx context.Context, recipient string, limit int) ([]domain.Message, error) {
	vendor, err := r.vendorFor(ctx, recipient)
	if err != nil {
		return nil, err
	}
	var items []inboxItem
	err = r.call(ctx, toolFetchInbox, map[string]any{
		"project_key":    r.cfg.ProjectKey,
		"agent_name":     vendor,
		"limit":          limit,
		"include_bodies": true,
	}, &items)
	if err != nil {
		return nil, err
	}

	acked, err := r.acks.Set(recipient)
	if err != nil {
		return nil, domain.WrapError(domain.ErrMailboxUnavailable.Code, "load ack cache", err)
	}

	messages := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, ok := r.convert(recipient, item)
		if !ok || acked[msg.MsgID] {
			continue
		}
		messages = append(messages, msg)
	}
	sortMessages(messages)
	return truncate(messages, limit), nil
}

// convert rebuilds a Message from an inbox item, preferring the JSON body
// and falling back to the item's own fields.
func (r *Remote) convert(recipient string, item inboxItem) (domain.Message, bool) {
	var body *wireBody
	if item.BodyMD != "" {
		var b wireBody
		if err := json.Unmarshal([]byte(item.BodyMD), &b); err == nil {
			body = &b
		} else {
			r.logger.Debug("remote message body is not JSON", "recipient", recipient, "remote_id", item.ID)
		}
	}
	if body == nil {
		body = &wireBody{}
	}
	if r.sharedByModel(recipient) && body.To != recipient {
		return domain.Message{}, false
	}

	from := r.resolveInternal(item.From)
	if from == "" {
		from = body.From
	}
	if from == "" {
		from = domain.UnknownRole
	}

	typ := body.Type
	if typ == "" {
		typ = subjectType(item.Subject)
	}

	msgID := body.MsgID
	if item.ID != 0 {
		msgID = strconv.FormatInt(item.ID, 10)
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}

	threadID := body.ThreadID
	if threadID == "" {
		threadID = item.ThreadID
	}
	if threadID == "" {
		threadID = "thread-" + msgID
	}

	created, ok := parseTime(body.CreatedAt)
	if !ok {
		created, ok = parseTime(item.CreatedTS)
	}
	if !ok {
		created = r.now().UTC()
	}

	payload := body.Payload
	if payload == nil {
		payload = map[string]any{"body": item.BodyMD}
	}
	priority := domain.Priority(body.Priority)
	if priority == "" {
		priority = importancePriority(item.Importance)
	}
	refs := body.ContextRefs
	if refs == nil {
		refs = []domain.ContextRef{}
	}
	criteria := body.AcceptanceCriteria
	if criteria == nil {
		criteria = []string{}
	}

	return domain.Message{
		ThreadID:           threadID,
		MsgID:              msgID,
		From:               from,
		To:                 recipient,
		Type:               domain.NormalizeType(typ),
		Priority:           priority,
		ContextRefs:        refs,
		AcceptanceCriteria: criteria,
		Payload:            payload,
		CreatedAt:          created,
	}, true
}

// Poll returns unacknowledged remote messages, oldest first. The remote
// service owns claim state; the ack cache filters replays.
func (r *Remote) Poll(ctx context.Context, recipient string, limit int) ([]domain.Message, error) {
	if err := ValidateID(domain.ErrInvalidRecipient, recipient); err != nil {
		return nil, err
	}
	return r.fetch(ctx, recipient, orDefault(limit, DefaultPollLimit))
}

// ListInbox is Poll without side effects; the remote backend has none.
func (r *Remote) ListInbox(ctx context.Context, recipient string, limit int) ([]domain.Message, error) {
	if err := ValidateID(domain.ErrInvalidRecipient, recipient); err != nil {
		return nil, err
	}
	return r.fetch(ctx, recipient, orDefault(limit, DefaultListLimit))
}

// Ack acknowledges a remote message. msgID must be the numeric remote id.
func (r *Remote) Ack(ctx context.Context, recipient, msgID string) error {
	if err := ValidateID(domain.ErrInvalidRecipient, recipient); err != nil {
		return err
	}
	id, err := strconv.ParseInt(msgID, 10, 64)
	if err != nil {
		return domain.Errorf(domain.ErrAckRequiresNumericID, "got %q", msgID)
	}
	done, err := r.acks.Contains(recipient, msgID)
	if err != nil {
		return domain.WrapError(domain.ErrMailboxUnavailable.Code, "load ack cache", err)
	}
	if done {
		return nil
	}

	vendor, err := r.vendorFor(ctx, recipient)
	if err != nil {
		return err
	}
	err = r.call(ctx, toolAcknowledge, map[string]any{
		"project_key": r.cfg.ProjectKey,
		"agent_name":  vendor,
		"message_id":  id,
	}, nil)
	if err != nil {
		return err
	}
	if err := r.acks.Add(recipient, msgID); err != nil {
		return domain.WrapError(domain.ErrMailboxUnavailable.Code, "save ack cache", err)
	}
	return nil
}

// LatestModified returns the newest created_at among unacknowledged messages.
func (r *Remote) LatestModified(ctx context.Context, recipient string) (time.Time, error) {
	if err := ValidateID(domain.ErrInvalidRecipient, recipient); err != nil {
		return time.Time{}, err
	}
	msgs, err := r.fetch(ctx, recipient, DefaultListLimit)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest, nil
}

var subjectRE = regexp.MustCompile(`^\[(\w+)\]`)

func subjectType(subject string) string {
	if m := subjectRE.FindStringSubmatch(subject); m != nil {
		return m[1]
	}
	return ""
}

func importancePriority(importance string) domain.Priority {
	switch importance {
	case "low":
		return domain.PriorityLow
	case "high", "urgent":
		return domain.PriorityHigh
	}
	return domain.PriorityNormal
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
