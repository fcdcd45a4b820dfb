// Package ipc provides the HTTP API for HiveForge.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/eventlog"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/memory"
	"github.com/hiveforge/hiveforge/internal/metrics"
	"github.com/hiveforge/hiveforge/internal/workflow"
)

// EventTailLines is the default number of event log lines served by
// GET /api/v1/events.
const EventTailLines = 300

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine  *workflow.Engine
	Mail    mailbox.Mailbox
	Memory  memory.Store
	Events  *eventlog.Log
	Metrics *metrics.Metrics
	Version string
	Started time.Time

	// StreamInterval is how often the SSE endpoint polls for new events.
	StreamInterval time.Duration
}

// IssueRequest is the body for POST /api/v1/issues.
type IssueRequest struct {
	ThreadID           string              `json:"thread_id"`
	Title              string              `json:"title"`
	Body               string              `json:"body"`
	AcceptanceCriteria []string            `json:"acceptance_criteria"`
	ContextRefs        []domain.ContextRef `json:"context_refs"`
}

// Health is the response for GET /api/v1/health.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Started   string `json:"started"`
	UptimeSec int64  `json:"uptime_sec"`
	LastMail  string `json:"orchestrator_last_mail"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := Health{
		Status:    "ok",
		Version:   h.Version,
		Started:   humanize.Time(h.Started),
		UptimeSec: int64(time.Since(h.Started).Seconds()),
		LastMail:  "never",
	}
	if h.Mail != nil {
		last, err := h.Mail.LatestModified(r.Context(), domain.RoleOrchestrator)
		switch {
		case err != nil:
			resp.Status = "degraded"
			resp.LastMail = err.Error()
		case !last.IsZero():
			resp.LastMail = humanize.Time(last)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListThreads handles GET /api/v1/threads?state=S&limit=N.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	state := domain.State(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: fmt.Sprintf("unknown state %q", state)})
		return
	}
	threads, err := h.Engine.ListThreads(r.Context(), state, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if threads == nil {
		threads = []domain.WorkflowState{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// GetThread handles GET /api/v1/threads/{threadID}.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.GetState(r.Context(), r.PathValue("threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListEvents handles GET /api/v1/threads/{threadID}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Engine.ThreadEvents(r.Context(), r.PathValue("threadID"), int64(queryInt(r, "since_seq", 0)))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.WorkflowEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamEvents handles GET /api/v1/threads/{threadID}/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	lastSeq := int64(0)
	send := func() bool {
		events, err := h.Engine.ThreadEvents(ctx, threadID, lastSeq)
		if err != nil {
			writeSSEError(w, flusher, err)
			return false
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, ev)
			lastSeq = ev.SeqNo
		}
		return true
	}
	if !send() {
		return
	}
	flusher.Flush()

	interval := h.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

// CreateIssue handles POST /api/v1/issues by enqueueing an ISSUE for the
// orchestrator.
func (h *Handler) CreateIssue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "title is required"})
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = NewThreadID()
	}
	criteria := make([]any, 0, len(req.AcceptanceCriteria))
	for _, c := range req.AcceptanceCriteria {
		criteria = append(criteria, c)
	}
	payload := map[string]any{"title": req.Title, "acceptance_criteria": criteria}
	if req.Body != "" {
		payload["body"] = req.Body
	}

	msg, err := h.Mail.Send(r.Context(), domain.Message{
		ThreadID:           req.ThreadID,
		From:               "api",
		To:                 domain.RoleOrchestrator,
		Type:               domain.TypeIssue,
		ContextRefs:        req.ContextRefs,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Payload:            payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.Metrics.Sent(string(msg.Type))
	writeJSON(w, http.StatusAccepted, msg)
}

// ListMail handles GET /api/v1/mail/{recipient}?limit=N without claiming.
func (h *Handler) ListMail(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Mail.ListInbox(r.Context(), r.PathValue("recipient"), queryInt(r, "limit", mailbox.DefaultListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ListBeads handles GET /api/v1/beads?thread_id=&q=&type=&limit=.
func (h *Handler) ListBeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := domain.BeadScope{ThreadID: q.Get("thread_id"), Type: domain.BeadType(q.Get("type"))}
	if scope.Type != "" && !scope.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: fmt.Sprintf("unknown bead type %q", scope.Type)})
		return
	}
	beads, err := h.Memory.Recall(r.Context(), q.Get("q"), scope, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	if beads == nil {
		beads = []domain.Bead{}
	}
	writeJSON(w, http.StatusOK, beads)
}

// TailEvents handles GET /api/v1/events?lines=N.
func (h *Handler) TailEvents(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Events.Tail(queryInt(r, "lines", EventTailLines))
	if err != nil {
		writeError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

// NewThreadID returns a fresh thread identifier.
func NewThreadID() string {
	return "thread-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		status := http.StatusInternalServerError
		switch de.Code {
		case domain.ErrThreadNotFound.Code, domain.ErrBeadNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrInvalidRecipient.Code, domain.ErrInvalidMessageID.Code, domain.ErrBeadInvalid.Code:
			status = http.StatusBadRequest
		case domain.ErrOptimisticLock.Code:
			status = http.StatusConflict
		case domain.ErrRateLimited.Code:
			status = http.StatusTooManyRequests
		case domain.ErrRemoteCallFailed.Code, domain.ErrRemoteInvalidResponse.Code, domain.ErrMailboxUnavailable.Code:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, APIError{Code: de.Code, Message: de.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.WorkflowEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
