package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/fsutil"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
  "data_root": "` + filepath.ToSlash(filepath.Join(dir, "data")) + `",
  "driver": {"idle_interval_ms": 10, "orchestrator_idle_interval_ms": 10},
  "server": {"disabled": true}
}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out := &bytes.Buffer{}
	return &app{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil)), out: out}, out
}

func TestDispatch_UnknownCommand(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.dispatch(context.Background(), "frobnicate", nil); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestParsePayload(t *testing.T) {
	p, err := parsePayload("")
	if err != nil || len(p) != 0 {
		t.Errorf("empty payload = %v, %v", p, err)
	}
	p, err = parsePayload(`{"blocking":true}`)
	if err != nil || p["blocking"] != true {
		t.Errorf("payload = %v, %v", p, err)
	}
	if _, err := parsePayload(`[1,2]`); err == nil {
		t.Error("expected error for non-object payload")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, ,b,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitCSV = %v", got)
	}
}

func TestIssueAndMailList(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	if err := a.dispatch(ctx, "issue", []string{"-thread", "t-cli", "-title", "Fix login", "-criteria", "tests pass,docs"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.Contains(out.String(), "thread t-cli") {
		t.Errorf("issue output = %q", out.String())
	}

	out.Reset()
	if err := a.dispatch(ctx, "mail", []string{"ls", "-json", "orchestrator"}); err != nil {
		t.Fatalf("mail ls: %v", err)
	}
	var msgs []domain.Message
	if err := json.Unmarshal(out.Bytes(), &msgs); err != nil {
		t.Fatalf("decode ls output: %v\n%s", err, out.String())
	}
	if len(msgs) != 1 || msgs[0].Type != domain.TypeIssue || len(msgs[0].AcceptanceCriteria) != 2 {
		t.Errorf("inbox = %+v", msgs)
	}

	out.Reset()
	if err := a.dispatch(ctx, "mail", []string{"ls", "orchestrator"}); err != nil {
		t.Fatalf("mail ls table: %v", err)
	}
	if !strings.Contains(out.String(), "ISSUE") || !strings.Contains(out.String(), "t-cli") {
		t.Errorf("table = %q", out.String())
	}
}

func TestMailReplyAndAck(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	if err := a.dispatch(ctx, "mail", []string{"send", "-to", "planner", "-from", "orchestrator", "-type", "PLAN_REQUEST", "-thread", "t-1"}); err != nil {
		t.Fatalf("mail send: %v", err)
	}
	var sent domain.Message
	if err := json.Unmarshal(out.Bytes(), &sent); err != nil {
		t.Fatalf("decode send output: %v", err)
	}

	out.Reset()
	if err := a.dispatch(ctx, "mail", []string{"poll", "planner"}); err != nil {
		t.Fatalf("mail poll: %v", err)
	}

	out.Reset()
	if err := a.dispatch(ctx, "mail", []string{"reply", "-type", "PLAN", "-payload", `{"status":"COMPLETED"}`, "-ack", "planner", sent.MsgID}); err != nil {
		t.Fatalf("mail reply: %v", err)
	}
	var reply domain.Message
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply output: %v", err)
	}
	if reply.To != "orchestrator" || reply.ThreadID != "t-1" || reply.Type != domain.TypePlan {
		t.Errorf("reply = %+v", reply)
	}

	out.Reset()
	if err := a.dispatch(ctx, "mail", []string{"ls", "-json", "planner"}); err != nil {
		t.Fatalf("mail ls: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Errorf("planner inbox after -ack = %s", out.String())
	}
}

func TestMemoryCommands(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	if err := a.dispatch(ctx, "memory", []string{"remember", "-type", "DecisionBead", "-title", "Use WAL", "-thread", "t-1"}); err != nil {
		t.Fatalf("remember: %v", err)
	}
	var bead domain.Bead
	if err := json.Unmarshal(out.Bytes(), &bead); err != nil {
		t.Fatalf("decode bead: %v", err)
	}
	if err := a.dispatch(ctx, "memory", []string{"link", "t-1", bead.ID}); err != nil {
		t.Fatalf("link: %v", err)
	}

	out.Reset()
	if err := a.dispatch(ctx, "memory", []string{"linked", "t-1"}); err != nil {
		t.Fatalf("linked: %v", err)
	}
	var ids []string
	if err := json.Unmarshal(out.Bytes(), &ids); err != nil || len(ids) != 1 || ids[0] != bead.ID {
		t.Errorf("linked = %s (%v), want [%s]", out.String(), err, bead.ID)
	}

	out.Reset()
	if err := a.dispatch(ctx, "memory", []string{"summarize", "t-1"}); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(out.String(), "- DecisionBead: Use WAL") {
		t.Errorf("summary = %q", out.String())
	}
}

func TestMailRecipients(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()
	for _, to := range []string{"planner", "reviewer"} {
		if err := a.dispatch(ctx, "mail", []string{"send", "-to", to, "-thread", "t-1"}); err != nil {
			t.Fatalf("mail send: %v", err)
		}
	}

	out.Reset()
	if err := a.dispatch(ctx, "mail", []string{"recipients"}); err != nil {
		t.Fatalf("mail recipients: %v", err)
	}
	if got := strings.Fields(out.String()); len(got) != 2 || got[0] != "planner" || got[1] != "reviewer" {
		t.Errorf("recipients = %q", out.String())
	}
}

func TestFail(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	if err := a.dispatch(ctx, "fail", []string{"t-f", "planner crashed"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !strings.Contains(out.String(), "moved to ERROR") {
		t.Errorf("fail output = %q", out.String())
	}
	var state domain.WorkflowState
	if err := fsutil.ReadJSON(filepath.Join(a.cfg.StateDir, "t-f.json"), &state); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if state.State != domain.StateError || state.Data["error"] != "planner crashed" {
		t.Errorf("snapshot = %s %v", state.State, state.Data)
	}

	if err := a.dispatch(ctx, "fail", []string{"t-f", "again"}); !errors.Is(err, domain.ErrThreadAlreadyDone) {
		t.Errorf("second fail: err = %v, want ErrThreadAlreadyDone", err)
	}
	if err := a.dispatch(ctx, "fail", []string{"t-f"}); err == nil {
		t.Error("expected usage error")
	}
}

func TestMemoryImportDefaults(t *testing.T) {
	a, out := newTestApp(t)
	beads := `{"id":"b-1","type":"ProjectBead","title":"Legacy","content":"x","tags":[]}` + "\n"
	if err := fsutil.WriteFileAtomic(filepath.Join(a.cfg.MemoryRoot, "beads.jsonl"), []byte(beads)); err != nil {
		t.Fatalf("write beads: %v", err)
	}

	if err := a.dispatch(context.Background(), "memory", []string{"import"}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out.String(), `"imported": 1`) {
		t.Errorf("import output = %s", out.String())
	}
}

func TestRun_IssueReachesDone(t *testing.T) {
	a, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.dispatch(ctx, "issue", []string{"-thread", "t-e2e", "-title", "End to end"}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.dispatch(ctx, "run", []string{"-no-api"}) }()

	completed := false
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(a.cfg.EventLog)
		if err == nil && strings.Contains(string(data), "DONE. Memory summary:") {
			completed = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if !completed {
		t.Fatal("thread never logged its completion summary")
	}

	var state domain.WorkflowState
	if err := fsutil.ReadJSON(filepath.Join(a.cfg.StateDir, "t-e2e.json"), &state); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if state.State != domain.StateDone || len(state.History) != 9 {
		t.Errorf("snapshot = %s with %d history lines, want DONE with 9", state.State, len(state.History))
	}
}
