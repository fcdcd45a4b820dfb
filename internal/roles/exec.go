package roles

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/fsutil"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/metrics"
)

// ExecRunKind is the context ref kind recording an external command run.
const ExecRunKind = "exec_run"

const maxOutputLine = 4 << 20

// Exec delegates a role to an external command. The request message is
// written to the command's stdin as JSON; the last JSON object printed on
// stdout becomes the reply payload.
type Exec struct {
	Spec    Spec
	Mail    mailbox.Mailbox
	Metrics *metrics.Metrics
	RunsDir string
	Logger  *slog.Logger

	exchange Exchange
	now      func() time.Time
}

// NewExec creates an exec worker. When runsDir is set each run keeps its
// input and output under a fresh directory there.
func NewExec(spec Spec, mb mailbox.Mailbox, runsDir string, logger *slog.Logger) (*Exec, error) {
	ex, err := ExchangeFor(spec.Role)
	if err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, domain.Errorf(domain.ErrConfigInvalid, "role %s has no command", spec.Role)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{
		Spec:     spec,
		Mail:     mb,
		RunsDir:  runsDir,
		Logger:   logger.With("role", spec.Role),
		exchange: ex,
		now:      time.Now,
	}, nil
}

// Handle runs the command for requests of the role's type and sends its
// output back to the requester.
func (e *Exec) Handle(ctx context.Context, msg domain.Message) error {
	if msg.Type != e.exchange.Request {
		e.Logger.Debug("ignoring message", "msg_id", msg.MsgID, "type", msg.Type)
		return nil
	}
	payload, runDir, err := e.Run(ctx, msg)
	if err != nil {
		return err
	}

	refs := append([]domain.ContextRef(nil), msg.ContextRefs...)
	refs = append(refs, domain.ContextRef{
		Kind: ExecRunKind,
		Path: runDir,
		Note: fmt.Sprintf("%s exec run", e.Spec.Role),
	})
	reply, err := e.Mail.Send(ctx, domain.Message{
		ThreadID:           msg.ThreadID,
		From:               e.Spec.Role,
		To:                 msg.From,
		Type:               e.exchange.Reply,
		ContextRefs:        refs,
		AcceptanceCriteria: append([]string(nil), msg.AcceptanceCriteria...),
		Payload:            payload,
	})
	if err != nil {
		return err
	}
	e.Metrics.Sent(string(reply.Type))
	e.Logger.Info("sent exec reply", "thread_id", msg.ThreadID, "type", reply.Type, "msg_id", reply.MsgID)
	return nil
}

// Run executes the command for msg and returns the parsed payload and the
// run directory, which is empty when RunsDir is unset.
func (e *Exec) Run(ctx context.Context, msg domain.Message) (map[string]any, string, error) {
	input, err := json.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.Spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Spec.Command, e.Spec.Args...)
	cmd.Dir = e.Spec.Workdir
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(e.Spec.Env))
	for k := range e.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+e.Spec.Env[k])
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := e.now()
	runErr := cmd.Run()
	runDir := e.saveRun(msg, started, input, stdout.Bytes(), stderr.Bytes())

	if runErr != nil {
		detail := lastLine(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			detail = fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), detail)
		}
		return nil, runDir, domain.WrapError(domain.ErrExecFailed.Code,
			fmt.Sprintf("%s: %s (%s)", domain.ErrExecFailed.Message, e.Spec.Role, detail), runErr)
	}

	payload, ok := lastJSONObject(stdout.Bytes())
	if !ok {
		return nil, runDir, domain.Errorf(domain.ErrExecOutput, "%s", e.Spec.Role)
	}
	return payload, runDir, nil
}

var unsafeLabel = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// saveRun keeps the run's input and output. Failures are logged only.
func (e *Exec) saveRun(msg domain.Message, started time.Time, input, stdout, stderr []byte) string {
	if e.RunsDir == "" {
		return ""
	}
	label := unsafeLabel.ReplaceAllString(e.Spec.Role+"-"+msg.ThreadID, "_")
	if len(label) > 80 {
		label = label[:80]
	}
	stamp := strings.ReplaceAll(started.UTC().Format("20060102T150405.000000000Z"), ".", "")
	dir := filepath.Join(e.RunsDir, label+"-"+stamp)

	files := map[string][]byte{
		"request.json": input,
		"stdout.log":   stdout,
		"stderr.log":   stderr,
	}
	for name, data := range files {
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, name), data); err != nil {
			e.Logger.Warn("save exec run failed", "thread_id", msg.ThreadID, "error", err)
			return ""
		}
	}
	return dir
}

// lastJSONObject returns the last stdout line that decodes to a JSON object.
func lastJSONObject(out []byte) (map[string]any, bool) {
	var last map[string]any
	found := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}
		last, found = obj, true
	}
	return last, found
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "no stderr"
	}
	return s
}
