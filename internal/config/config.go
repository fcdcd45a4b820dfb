// Package config loads HiveForge runtime configuration from a JSON or YAML
// file and the process environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hiveforge/hiveforge/internal/domain"
)

// Mail backend names.
const (
	BackendFilesystem = "filesystem"
	BackendMCP        = "mcp"
)

// MCP agent scopes.
const (
	ScopeAgent = "agent"
	ScopeModel = "model"
)

// MCPConfig describes the remote agent-mail service.
type MCPConfig struct {
	BaseURL        string   `json:"base_url" yaml:"base_url"`
	ProjectKey     string   `json:"project_key" yaml:"project_key"`
	Program        string   `json:"program" yaml:"program"`
	Model          string   `json:"model" yaml:"model"`
	AgentScope     string   `json:"agent_scope" yaml:"agent_scope"`
	SharedAgentIDs []string `json:"shared_agent_ids" yaml:"shared_agent_ids"`
	TimeoutSec     int      `json:"timeout_sec" yaml:"timeout_sec"`
}

// MailConfig selects and configures the mailbox backend.
type MailConfig struct {
	Backend string    `json:"backend" yaml:"backend"`
	Root    string    `json:"root" yaml:"root"`
	MCP     MCPConfig `json:"mcp" yaml:"mcp"`
}

// DriverConfig tunes every polling loop.
type DriverConfig struct {
	BatchSize                  int `json:"batch_size" yaml:"batch_size"`
	IdleIntervalMs             int `json:"idle_interval_ms" yaml:"idle_interval_ms"`
	OrchestratorIdleIntervalMs int `json:"orchestrator_idle_interval_ms" yaml:"orchestrator_idle_interval_ms"`
	BackoffBaseMs              int `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffMaxMs               int `json:"backoff_max_ms" yaml:"backoff_max_ms"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr         string `json:"listen_addr" yaml:"listen_addr"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	Disabled           bool   `json:"disabled" yaml:"disabled"`
}

// WorkflowConfig tunes the orchestrator.
type WorkflowConfig struct {
	// AllowOutOfOrder dispatches every message on type alone, ignoring the
	// thread's current state.
	AllowOutOfOrder bool `json:"allow_out_of_order" yaml:"allow_out_of_order"`
	RecallLimit     int  `json:"recall_limit" yaml:"recall_limit"`
}

// RoleConfig delegates a role to an external command instead of the canned stub.
type RoleConfig struct {
	Command    string            `json:"command" yaml:"command"`
	Args       []string          `json:"args" yaml:"args"`
	Env        map[string]string `json:"env" yaml:"env"`
	Workdir    string            `json:"workdir" yaml:"workdir"`
	TimeoutSec int               `json:"timeout_sec" yaml:"timeout_sec"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config holds HiveForge's runtime configuration.
type Config struct {
	DataRoot   string                `json:"data_root" yaml:"data_root"`
	StateDir   string                `json:"state_dir" yaml:"state_dir"`
	EventLog   string                `json:"event_log" yaml:"event_log"`
	MemoryRoot string                `json:"memory_root" yaml:"memory_root"`
	DBPath     string                `json:"db_path" yaml:"db_path"`
	Mail       MailConfig            `json:"mail" yaml:"mail"`
	Driver     DriverConfig          `json:"driver" yaml:"driver"`
	Server     ServerConfig          `json:"server" yaml:"server"`
	Workflow   WorkflowConfig        `json:"workflow" yaml:"workflow"`
	Roles      map[string]RoleConfig `json:"roles" yaml:"roles"`
	Log        LogConfig             `json:"log" yaml:"log"`
}

// Load reads a JSON or YAML config file, overlays the environment, applies
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	return finish(&cfg)
}

// FromEnv builds a config from the environment and defaults alone.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("HIVEFORGE_DATA_ROOT", &c.DataRoot)
	str("HIVEFORGE_STATE_DIR", &c.StateDir)
	str("HIVEFORGE_EVENT_LOG", &c.EventLog)
	str("HIVEFORGE_MEMORY_ROOT", &c.MemoryRoot)
	str("HIVEFORGE_DB_PATH", &c.DBPath)
	str("HIVEFORGE_MAIL_ROOT", &c.Mail.Root)
	str("MAIL_BACKEND", &c.Mail.Backend)
	str("MCP_BASE_URL", &c.Mail.MCP.BaseURL)
	str("MCP_PROJECT_KEY", &c.Mail.MCP.ProjectKey)
	str("MCP_PROGRAM", &c.Mail.MCP.Program)
	str("MCP_MODEL", &c.Mail.MCP.Model)
	str("MCP_AGENT_SCOPE", &c.Mail.MCP.AgentScope)
	str("HIVEFORGE_LISTEN_ADDR", &c.Server.ListenAddr)
	str("HIVEFORGE_LOG_LEVEL", &c.Log.Level)
	str("HIVEFORGE_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("MCP_SHARED_AGENT_IDS"); ok && v != "" {
		c.Mail.MCP.SharedAgentIDs = splitList(v)
	}
	if v, ok := lookup("HIVEFORGE_ALLOW_OUT_OF_ORDER"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Workflow.AllowOutOfOrder = b
		}
	}
}

func (c *Config) applyDefaults() {
	if c.DataRoot == "" {
		c.DataRoot = ".hiveforge"
	}
	c.StateDir = c.under(c.StateDir, "state")
	c.EventLog = c.under(c.EventLog, "events.log")
	c.MemoryRoot = c.under(c.MemoryRoot, "memory")
	c.DBPath = c.under(c.DBPath, "hiveforge.db")
	c.Mail.Root = c.under(c.Mail.Root, "mail")

	if c.Mail.Backend == "" {
		c.Mail.Backend = BackendFilesystem
	}
	m := &c.Mail.MCP
	if m.BaseURL == "" {
		m.BaseURL = "http://127.0.0.1:8765/mcp"
	}
	if m.ProjectKey == "" {
		if wd, err := os.Getwd(); err == nil {
			m.ProjectKey = wd
		}
	}
	if m.Program == "" {
		m.Program = "codex-cli"
	}
	if m.Model == "" {
		m.Model = "gpt-5"
	}
	if m.AgentScope == "" {
		m.AgentScope = ScopeAgent
	}
	if len(m.SharedAgentIDs) == 0 {
		m.SharedAgentIDs = append([]string(nil), domain.WorkerRoles...)
	}
	if m.TimeoutSec == 0 {
		m.TimeoutSec = 30
	}

	d := &c.Driver
	if d.BatchSize == 0 {
		d.BatchSize = 10
	}
	if d.IdleIntervalMs == 0 {
		d.IdleIntervalMs = 700
	}
	if d.OrchestratorIdleIntervalMs == 0 {
		d.OrchestratorIdleIntervalMs = 800
	}
	if d.BackoffBaseMs == 0 {
		d.BackoffBaseMs = 1000
	}
	if d.BackoffMaxMs == 0 {
		d.BackoffMaxMs = 8000
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":9800"
	}
	if c.Server.RateLimitPerMinute == 0 {
		c.Server.RateLimitPerMinute = 120
	}
	if c.Workflow.RecallLimit == 0 {
		c.Workflow.RecallLimit = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// under resolves p against DataRoot, using def when p is empty. Absolute
// paths are kept as-is.
func (c *Config) under(p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataRoot, p)
}

func (c *Config) validate() error {
	var problems []string

	switch c.Mail.Backend {
	case BackendFilesystem:
	case BackendMCP:
		if c.Mail.MCP.BaseURL == "" {
			problems = append(problems, "mail.mcp.base_url is required for the mcp backend")
		}
		if c.Mail.MCP.ProjectKey == "" {
			problems = append(problems, "mail.mcp.project_key is required for the mcp backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("mail.backend must be %q or %q, got %q", BackendFilesystem, BackendMCP, c.Mail.Backend))
	}
	if s := c.Mail.MCP.AgentScope; s != ScopeAgent && s != ScopeModel {
		problems = append(problems, fmt.Sprintf("mail.mcp.agent_scope must be %q or %q, got %q", ScopeAgent, ScopeModel, s))
	}
	if c.Driver.BatchSize < 0 {
		problems = append(problems, "driver.batch_size must be positive")
	}
	if c.Driver.IdleIntervalMs < 0 || c.Driver.OrchestratorIdleIntervalMs < 0 {
		problems = append(problems, "driver idle intervals must not be negative")
	}
	if c.Driver.BackoffBaseMs < 0 || c.Driver.BackoffBaseMs > c.Driver.BackoffMaxMs {
		problems = append(problems, "driver.backoff_base_ms must be between 0 and backoff_max_ms")
	}
	if c.Server.RateLimitPerMinute < 0 {
		problems = append(problems, "server.rate_limit_per_minute must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		problems = append(problems, fmt.Sprintf("log.format must be text or json, got %q", f))
	}
	for name, rc := range c.Roles {
		if rc.Command == "" {
			problems = append(problems, fmt.Sprintf("roles.%s.command is required", name))
		}
	}

	if len(problems) > 0 {
		return &domain.Error{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// IdleInterval returns the sleep between batches for the given recipient.
func (d DriverConfig) IdleInterval(recipient string) time.Duration {
	if recipient == domain.RoleOrchestrator {
		return time.Duration(d.OrchestratorIdleIntervalMs) * time.Millisecond
	}
	return time.Duration(d.IdleIntervalMs) * time.Millisecond
}

// BackoffBase returns the first poll-failure delay.
func (d DriverConfig) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the poll-failure delay ceiling.
func (d DriverConfig) BackoffMax() time.Duration {
	return time.Duration(d.BackoffMaxMs) * time.Millisecond
}

// Timeout returns the per-call timeout for remote mail calls.
func (m MCPConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// Timeout returns the maximum run time of an external role command.
func (r RoleConfig) Timeout() time.Duration {
	if r.TimeoutSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(r.TimeoutSec) * time.Second
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
