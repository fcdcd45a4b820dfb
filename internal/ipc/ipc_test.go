package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/eventlog"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/memory"
	"github.com/hiveforge/hiveforge/internal/metrics"
	"github.com/hiveforge/hiveforge/internal/store"
	"github.com/hiveforge/hiveforge/internal/workflow"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	events, err := eventlog.New(filepath.Join(dir, "events.log"))
	require.NoError(t, err)
	mb, err := mailbox.NewLocal(filepath.Join(dir, "mail"), nil)
	require.NoError(t, err)
	m := metrics.New()

	return &Handler{
		Engine:         workflow.NewEngine(db, workflow.NewSnapshotWriter(filepath.Join(dir, "state")), events, m, nil),
		Mail:           mb,
		Memory:         memory.NewSQLite(db),
		Events:         events,
		Metrics:        m,
		Version:        "test",
		Started:        time.Now().Add(-time.Minute),
		StreamInterval: 20 * time.Millisecond,
	}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

// advance persists a transition so the thread exists.
func advance(t *testing.T, h *Handler, threadID string, next domain.State) {
	t.Helper()
	ctx := context.Background()
	st, err := h.Engine.Load(ctx, threadID)
	require.NoError(t, err)
	require.NoError(t, h.Engine.Transition(ctx, st, next, domain.StatePatch{}, workflow.Trigger{EventType: "TEST"}))
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, Routes(h, 0), http.MethodGet, "/api/v1/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	got := decode[Health](t, w)
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "test", got.Version)
	assert.Equal(t, "never", got.LastMail)
	assert.Equal(t, "1 minute ago", got.Started)
}

func TestCreateIssue_EnqueuesForOrchestrator(t *testing.T) {
	h := newTestHandler(t)
	routes := Routes(h, 0)

	w := do(t, routes, http.MethodPost, "/api/v1/issues",
		`{"thread_id":"t-api","title":"Add search","acceptance_criteria":["fast"]}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sent := decode[domain.Message](t, w)
	assert.Equal(t, "t-api", sent.ThreadID)
	assert.Equal(t, domain.TypeIssue, sent.Type)

	w = do(t, routes, http.MethodGet, "/api/v1/mail/orchestrator", "")
	require.Equal(t, http.StatusOK, w.Code)
	inbox := decode[[]domain.Message](t, w)
	require.Len(t, inbox, 1)
	assert.Equal(t, "Add search", inbox[0].Payload["title"])
	assert.Equal(t, []string{"fast"}, inbox[0].AcceptanceCriteria)
	assert.Equal(t, "api", inbox[0].From)

	w = do(t, routes, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `hiveforge_messages_sent_total{type="ISSUE"} 1`)
}

func TestCreateIssue_GeneratesThreadID(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, Routes(h, 0), http.MethodPost, "/api/v1/issues", `{"title":"x"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	sent := decode[domain.Message](t, w)
	assert.True(t, strings.HasPrefix(sent.ThreadID, "thread-"), sent.ThreadID)
}

func TestCreateIssue_BadRequests(t *testing.T) {
	h := newTestHandler(t)
	routes := Routes(h, 0)

	assert.Equal(t, http.StatusBadRequest, do(t, routes, http.MethodPost, "/api/v1/issues", "not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, routes, http.MethodPost, "/api/v1/issues", `{"title":"  "}`).Code)
}

func TestGetThread(t *testing.T) {
	h := newTestHandler(t)
	routes := Routes(h, 0)

	w := do(t, routes, http.MethodGet, "/api/v1/threads/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	apiErr := decode[APIError](t, w)
	assert.Equal(t, domain.ErrThreadNotFound.Code, apiErr.Code)

	advance(t, h, "t-1", domain.StateIssueReceived)
	advance(t, h, "t-1", domain.StatePlanRequested)

	w = do(t, routes, http.MethodGet, "/api/v1/threads/t-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[domain.WorkflowState](t, w)
	assert.Equal(t, domain.StatePlanRequested, st.State)
	assert.Len(t, st.History, 2)
}

func TestListThreads(t *testing.T) {
	h := newTestHandler(t)
	routes := Routes(h, 0)
	advance(t, h, "t-1", domain.StateIssueReceived)
	advance(t, h, "t-2", domain.StateIssueReceived)
	advance(t, h, "t-2", domain.StatePlanRequested)

	w := do(t, routes, http.MethodGet, "/api/v1/threads", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.WorkflowState](t, w), 2)

	w = do(t, routes, http.MethodGet, "/api/v1/threads?state=PLAN_REQUESTED", "")
	require.Equal(t, http.StatusOK, w.Code)
	only := decode[[]domain.WorkflowState](t, w)
	require.Len(t, only, 1)
	assert.Equal(t, "t-2", only[0].ThreadID)

	assert.Equal(t, http.StatusBadRequest, do(t, routes, http.MethodGet, "/api/v1/threads?state=BOGUS", "").Code)
}

func TestListEvents_SinceSeq(t *testing.T) {
	h := newTestHandler(t)
	routes := Routes(h, 0)
	advance(t, h, "t-1", domain.StateIssueReceived)
	advance(t, h, "t-1", domain.StatePlanRequested)

	w := do(t, routes, http.MethodGet, "/api/v1/threads/t-1/events?since_seq=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[[]domain.WorkflowEvent](t, w)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StateIssueReceived, events[0].FromState)
	assert.Equal(t, domain.StatePlanRequested, events[0].ToState)

	w = do(t, routes, http.MethodGet, "/api/v1/threads/unknown/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestStreamEvents(t *testing.T) {
	h := newTestHandler(t)
	advance(t, h, "t-1", domain.StateIssueReceived)

	srv := httptest.NewServer(Routes(h, 0))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/threads/t-1/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() domain.WorkflowEvent {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var ev domain.WorkflowEvent
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
				return ev
			}
		}
	}

	assert.Equal(t, int64(1), next().SeqNo)
	advance(t, h, "t-1", domain.StatePlanRequested)
	ev := next()
	assert.Equal(t, int64(2), ev.SeqNo)
	assert.Equal(t, domain.StatePlanRequested, ev.ToState)
}

func TestListMail_InvalidRecipient(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, Routes(h, 0), http.MethodGet, "/api/v1/mail/.hidden", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListBeads(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, err := h.Memory.Remember(ctx, domain.Bead{Type: domain.BeadDecision, Title: "Use SQLite", ThreadID: "t-1"})
	require.NoError(t, err)
	_, err = h.Memory.Remember(ctx, domain.Bead{Type: domain.BeadProject, Title: "Repo layout"})
	require.NoError(t, err)

	routes := Routes(h, 0)
	w := do(t, routes, http.MethodGet, "/api/v1/beads?q=sqlite", "")
	require.Equal(t, http.StatusOK, w.Code)
	beads := decode[[]domain.Bead](t, w)
	require.Len(t, beads, 1)
	assert.Equal(t, "Use SQLite", beads[0].Title)

	w = do(t, routes, http.MethodGet, "/api/v1/beads?type=ProjectBead", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Bead](t, w), 1)

	assert.Equal(t, http.StatusBadRequest, do(t, routes, http.MethodGet, "/api/v1/beads?type=Nope", "").Code)
}

func TestTailEvents(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.Events.Append("t-1", "hello"))
	require.NoError(t, h.Events.Append("t-1", "world"))

	w := do(t, Routes(h, 0), http.MethodGet, "/api/v1/events?lines=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string][]string](t, w)
	require.Len(t, body["lines"], 1)
	assert.True(t, strings.HasSuffix(body["lines"][0], "[t-1] world"), body["lines"][0])
}

func TestRateLimit(t *testing.T) {
	h := newTestHandler(t)
	routes := Routes(h, 1)

	assert.Equal(t, http.StatusOK, do(t, routes, http.MethodGet, "/api/v1/health", "").Code)
	w := do(t, routes, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, domain.ErrRateLimited.Code, decode[APIError](t, w).Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, Routes(h, 0), http.MethodOptions, "/api/v1/issues", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
