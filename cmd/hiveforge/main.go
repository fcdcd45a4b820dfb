// Package main is the entry point for HiveForge.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/eventlog"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/memory"
	"github.com/hiveforge/hiveforge/internal/metrics"
	"github.com/hiveforge/hiveforge/internal/store"
	"github.com/hiveforge/hiveforge/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `usage: hiveforge [-config path] [-version] <command> [args]

commands:
  run                         orchestrator, stub roles and API in one process
  orchestrator                orchestrator loop (and API)
  role <name> [-exec]         one role worker
  issue -title T [-thread ID] [-criteria a,b] [-body B]
  fail <thread_id> <reason>   move a thread to ERROR
  mail send|poll|ack|ls|reply|watch|recipients ...
  memory remember|recall|link|linked|summarize|import ...
`

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration JSON or YAML file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *showVersion {
		fmt.Printf("hiveforge %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatal(fmt.Sprintf("load .env: %v", err))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(fmt.Sprintf("load config: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: newLogger(cfg.Log, os.Stderr), out: os.Stdout}
	if err := a.dispatch(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fatal(err.Error())
	}
}

// loadConfig resolves the config path: -config flag > HIVEFORGE_CONFIG env >
// config.json or config.yaml in the cwd. With no file the environment and
// defaults alone are used.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("HIVEFORGE_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func discoverConfig() string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// fatal prints an error and exits.
func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}

// app carries what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "run":
		return a.cmdRun(ctx, args)
	case "orchestrator":
		return a.cmdOrchestrator(ctx, args)
	case "role":
		return a.cmdRole(ctx, args)
	case "issue":
		return a.cmdIssue(ctx, args)
	case "fail":
		return a.cmdFail(ctx, args)
	case "mail":
		return a.cmdMail(ctx, args)
	case "memory":
		return a.cmdMemory(ctx, args)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func (a *app) openMail() (mailbox.Mailbox, error) {
	return mailbox.New(a.cfg.Mail, a.logger)
}

func (a *app) openDB() (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.NewDB(a.cfg.DBPath)
}

// newOrchestrator wires the state engine, event log, snapshots and
// knowledge store around db.
func (a *app) newOrchestrator(db *sql.DB, mb mailbox.Mailbox, m *metrics.Metrics) (*workflow.Orchestrator, error) {
	events, err := eventlog.New(a.cfg.EventLog)
	if err != nil {
		return nil, err
	}
	engine := workflow.NewEngine(db, workflow.NewSnapshotWriter(a.cfg.StateDir), events, m, a.logger)
	return workflow.NewOrchestrator(engine, mb, memory.NewSQLite(db), a.cfg.Workflow, a.logger), nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parsePayload decodes a JSON object flag value. Empty means {}.
func parsePayload(s string) (map[string]any, error) {
	payload := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
