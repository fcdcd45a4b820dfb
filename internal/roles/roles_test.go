package roles

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/metrics"
)

func newMail(t *testing.T) *mailbox.Local {
	t.Helper()
	mb, err := mailbox.NewLocal(filepath.Join(t.TempDir(), "mail"), nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return mb
}

func request(typ domain.MessageType, to string, payload map[string]any) domain.Message {
	return domain.Message{
		ThreadID:           "t-1",
		MsgID:              "req-1",
		From:               domain.RoleOrchestrator,
		To:                 to,
		Type:               typ,
		ContextRefs:        []domain.ContextRef{{Kind: "file", Path: "README.md"}},
		AcceptanceCriteria: []string{"works"},
		Payload:            payload,
	}
}

func inbox(t *testing.T, mb mailbox.Mailbox, recipient string) []domain.Message {
	t.Helper()
	msgs, err := mb.ListInbox(context.Background(), recipient, 10)
	if err != nil {
		t.Fatalf("ListInbox: %v", err)
	}
	return msgs
}

// ---------------------------------------------------------------------------
// Registry tests
// ---------------------------------------------------------------------------

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Spec{Role: domain.RolePlanner, Command: "plan.sh"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := reg.Get(domain.RolePlanner)
	if !ok || got.Command != "plan.sh" {
		t.Errorf("Get = %+v, %v", got, ok)
	}
	if _, ok := reg.Get(domain.RoleReviewer); ok {
		t.Error("Get reviewer: want not registered")
	}
}

func TestRegistry_RejectsDuplicateAndUnknown(t *testing.T) {
	reg := NewRegistry()
	spec := Spec{Role: domain.RoleImplementer, Command: "impl"}
	if err := reg.Register(spec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(spec); err == nil {
		t.Error("expected error on duplicate register")
	}
	if err := reg.Register(Spec{Role: "oracle", Command: "x"}); !errors.Is(err, domain.ErrRoleUnknown) {
		t.Errorf("unknown role: err = %v, want ErrRoleUnknown", err)
	}
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig(map[string]config.RoleConfig{
		domain.RoleReviewer: {Command: "review", TimeoutSec: 30},
		domain.RolePlanner:  {Command: "plan"},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := reg.List(); len(got) != 2 || got[0] != domain.RolePlanner || got[1] != domain.RoleReviewer {
		t.Errorf("List = %v", got)
	}
	spec, _ := reg.Get(domain.RoleReviewer)
	if spec.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", spec.Timeout)
	}
	spec, _ = reg.Get(domain.RolePlanner)
	if spec.Timeout != 10*time.Minute {
		t.Errorf("default Timeout = %v, want 10m", spec.Timeout)
	}
}

// ---------------------------------------------------------------------------
// Stub tests
// ---------------------------------------------------------------------------

func TestStub_Replies(t *testing.T) {
	cases := []struct {
		role    string
		request domain.MessageType
		reply   domain.MessageType
		payload map[string]any
		check   func(t *testing.T, p map[string]any)
	}{
		{
			role:    domain.RolePlanner,
			request: domain.TypePlanRequest,
			reply:   domain.TypePlan,
			payload: map[string]any{"issue": map[string]any{"title": "Login", "acceptance_criteria": []any{"a"}}},
			check: func(t *testing.T, p map[string]any) {
				if p["title"] != "Login" || p["status"] != "COMPLETED" {
					t.Errorf("plan = %v", p)
				}
				if ac, _ := p["acceptance_criteria"].([]any); len(ac) != 1 {
					t.Errorf("acceptance_criteria = %v", p["acceptance_criteria"])
				}
			},
		},
		{
			role:    domain.RoleImplementer,
			request: domain.TypeTaskRequest,
			reply:   domain.TypeResult,
			payload: map[string]any{"issue": map[string]any{"title": "Login"}, "plan": map[string]any{"steps": []any{"x"}}, "iteration": true},
			check: func(t *testing.T, p map[string]any) {
				if p["summary"] != `Implemented stub for "Login"` {
					t.Errorf("summary = %v", p["summary"])
				}
				if _, ok := p["notes"]; !ok {
					t.Error("iteration result lacks notes")
				}
				if _, ok := p["plan"]; !ok {
					t.Error("result lacks plan")
				}
			},
		},
		{
			role:    domain.RoleReviewer,
			request: domain.TypeReviewRequest,
			reply:   domain.TypeReview,
			check: func(t *testing.T, p map[string]any) {
				if p["blocking"] != false {
					t.Errorf("blocking = %v", p["blocking"])
				}
			},
		},
		{
			role:    domain.RoleIntegrator,
			request: domain.TypeMergeRequest,
			reply:   domain.TypeMergeConfirmed,
			check: func(t *testing.T, p map[string]any) {
				if p["merged"] != true {
					t.Errorf("merged = %v", p["merged"])
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.role, func(t *testing.T) {
			mb := newMail(t)
			stub, err := NewStub(tc.role, mb, nil)
			if err != nil {
				t.Fatalf("NewStub: %v", err)
			}
			if err := stub.Handle(context.Background(), request(tc.request, tc.role, tc.payload)); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			msgs := inbox(t, mb, domain.RoleOrchestrator)
			if len(msgs) != 1 {
				t.Fatalf("orchestrator inbox has %d messages, want 1", len(msgs))
			}
			got := msgs[0]
			if got.Type != tc.reply || got.From != tc.role || got.ThreadID != "t-1" {
				t.Errorf("reply = %s from %s in %s", got.Type, got.From, got.ThreadID)
			}
			if len(got.ContextRefs) != 1 || len(got.AcceptanceCriteria) != 1 {
				t.Errorf("reply lost context: refs %v criteria %v", got.ContextRefs, got.AcceptanceCriteria)
			}
			tc.check(t, got.Payload)
		})
	}
}

func TestStub_IgnoresOtherTypes(t *testing.T) {
	mb := newMail(t)
	stub, err := NewStub(domain.RolePlanner, mb, nil)
	if err != nil {
		t.Fatalf("NewStub: %v", err)
	}
	if err := stub.Handle(context.Background(), request(domain.TypeReviewRequest, domain.RolePlanner, nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if msgs := inbox(t, mb, domain.RoleOrchestrator); len(msgs) != 0 {
		t.Errorf("stub replied to foreign type: %v", msgs)
	}
}

func TestStub_PlannerDefaultTitle(t *testing.T) {
	p := StubPayload(domain.RolePlanner, request(domain.TypePlanRequest, domain.RolePlanner, nil))
	if p["title"] != "Untitled issue" {
		t.Errorf("title = %v", p["title"])
	}
}

func TestNewStub_UnknownRole(t *testing.T) {
	if _, err := NewStub("oracle", newMail(t), nil); !errors.Is(err, domain.ErrRoleUnknown) {
		t.Errorf("err = %v, want ErrRoleUnknown", err)
	}
}

// ---------------------------------------------------------------------------
// Exec tests
// ---------------------------------------------------------------------------

// script writes an executable shell script and returns its path.
func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "role.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExec_LastJSONLineBecomesPayload(t *testing.T) {
	cmd := script(t, `cat > /dev/null
echo "thinking..."
echo '{"status":"partial"}'
echo '{"status":"COMPLETED","summary":"ok","env":"'"$HF_ROLE_TEST"'"}'
echo "bye"`)
	mb := newMail(t)
	runs := filepath.Join(t.TempDir(), "runs")
	w, err := NewExec(Spec{
		Role:    domain.RoleImplementer,
		Command: cmd,
		Env:     map[string]string{"HF_ROLE_TEST": "yes"},
	}, mb, runs, nil)
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}

	if err := w.Handle(context.Background(), request(domain.TypeTaskRequest, domain.RoleImplementer, nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msgs := inbox(t, mb, domain.RoleOrchestrator)
	if len(msgs) != 1 {
		t.Fatalf("orchestrator inbox has %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Type != domain.TypeResult || got.Payload["summary"] != "ok" || got.Payload["env"] != "yes" {
		t.Errorf("reply = %s %v", got.Type, got.Payload)
	}
	if len(got.ContextRefs) != 2 || got.ContextRefs[1].Kind != ExecRunKind {
		t.Fatalf("context_refs = %+v", got.ContextRefs)
	}
	runDir := got.ContextRefs[1].Path
	if _, err := os.Stat(filepath.Join(runDir, "request.json")); err != nil {
		t.Errorf("run dir lacks request.json: %v", err)
	}
}

func TestExec_ReceivesRequestOnStdin(t *testing.T) {
	w, err := NewExec(Spec{Role: domain.RolePlanner, Command: script(t, "cat")}, newMail(t), "", nil)
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	payload, runDir, err := w.Run(context.Background(), request(domain.TypePlanRequest, domain.RolePlanner, nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if payload["thread_id"] != "t-1" || payload["type"] != "PLAN_REQUEST" {
		t.Errorf("echoed payload = %v", payload)
	}
	if runDir != "" {
		t.Errorf("runDir = %q, want empty without RunsDir", runDir)
	}
}

func TestExec_NonZeroExitFails(t *testing.T) {
	mb := newMail(t)
	w, err := NewExec(Spec{Role: domain.RoleReviewer, Command: script(t, `echo '{"blocking":false}'
echo "model offline" >&2
exit 3`)}, mb, "", nil)
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	err = w.Handle(context.Background(), request(domain.TypeReviewRequest, domain.RoleReviewer, nil))
	if !errors.Is(err, domain.ErrExecFailed) {
		t.Fatalf("err = %v, want ErrExecFailed", err)
	}
	if msgs := inbox(t, mb, domain.RoleOrchestrator); len(msgs) != 0 {
		t.Errorf("failed run sent a reply: %v", msgs)
	}
}

func TestExec_NoJSONOutput(t *testing.T) {
	w, err := NewExec(Spec{Role: domain.RoleIntegrator, Command: script(t, `echo "merged, trust me"`)}, newMail(t), "", nil)
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	_, _, err = w.Run(context.Background(), request(domain.TypeMergeRequest, domain.RoleIntegrator, nil))
	if !errors.Is(err, domain.ErrExecOutput) {
		t.Errorf("err = %v, want ErrExecOutput", err)
	}
}

func TestExec_Timeout(t *testing.T) {
	w, err := NewExec(Spec{
		Role:    domain.RolePlanner,
		Command: script(t, "exec sleep 5"),
		Timeout: 100 * time.Millisecond,
	}, newMail(t), "", nil)
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	start := time.Now()
	_, _, err = w.Run(context.Background(), request(domain.TypePlanRequest, domain.RolePlanner, nil))
	if !errors.Is(err, domain.ErrExecFailed) {
		t.Errorf("err = %v, want ErrExecFailed", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout did not stop the command")
	}
}

func TestNewWorker_PrefersRegisteredCommand(t *testing.T) {
	mb := newMail(t)
	reg := NewRegistry()
	cmd := script(t, `cat > /dev/null
echo '{"merged":false,"note":"from command"}'`)
	if err := reg.Register(Spec{Role: domain.RoleIntegrator, Command: cmd}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m := metrics.New()
	h, err := NewWorker(domain.RoleIntegrator, reg, mb, "", m, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := h(context.Background(), request(domain.TypeMergeRequest, domain.RoleIntegrator, nil)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	msgs := inbox(t, mb, domain.RoleOrchestrator)
	if len(msgs) != 1 || msgs[0].Payload["note"] != "from command" {
		t.Errorf("reply = %+v", msgs)
	}

	h, err = NewWorker(domain.RolePlanner, nil, mb, "", m, nil)
	if err != nil || h == nil {
		t.Fatalf("NewWorker stub: %v", err)
	}
	if err := h(context.Background(), request(domain.TypePlanRequest, domain.RolePlanner, nil)); err != nil {
		t.Fatalf("stub handler: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	for _, want := range []string{
		`hiveforge_messages_sent_total{type="MERGE_CONFIRMED"} 1`,
		`hiveforge_messages_sent_total{type="PLAN"} 1`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
