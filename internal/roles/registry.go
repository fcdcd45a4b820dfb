// Package roles implements the worker side of the pipeline: canned stub
// replies and delegation to external commands.
package roles

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/driver"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/metrics"
)

// Exchange pairs the request type a role consumes with the reply it sends.
type Exchange struct {
	Request domain.MessageType
	Reply   domain.MessageType
}

var exchanges = map[string]Exchange{
	domain.RolePlanner:     {Request: domain.TypePlanRequest, Reply: domain.TypePlan},
	domain.RoleImplementer: {Request: domain.TypeTaskRequest, Reply: domain.TypeResult},
	domain.RoleReviewer:    {Request: domain.TypeReviewRequest, Reply: domain.TypeReview},
	domain.RoleIntegrator:  {Request: domain.TypeMergeRequest, Reply: domain.TypeMergeConfirmed},
}

// ExchangeFor returns the request/reply pair of a worker role.
func ExchangeFor(role string) (Exchange, error) {
	ex, ok := exchanges[role]
	if !ok {
		return Exchange{}, domain.Errorf(domain.ErrRoleUnknown, "%q", role)
	}
	return ex, nil
}

// Spec describes the external command that plays a role.
type Spec struct {
	Role    string
	Command string
	Args    []string
	Env     map[string]string
	Workdir string
	Timeout time.Duration
}

// Registry is a thread-safe set of role command specs.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// FromConfig registers every entry of the roles config section.
func FromConfig(roles map[string]config.RoleConfig) (*Registry, error) {
	r := NewRegistry()
	for name, rc := range roles {
		err := r.Register(Spec{
			Role:    name,
			Command: rc.Command,
			Args:    rc.Args,
			Env:     rc.Env,
			Workdir: rc.Workdir,
			Timeout: rc.Timeout(),
		})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a spec. The role must be a known worker role and not yet
// registered.
func (r *Registry) Register(spec Spec) error {
	if _, err := ExchangeFor(spec.Role); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Role]; exists {
		return domain.Errorf(domain.ErrConfigInvalid, "role %s already registered", spec.Role)
	}
	r.specs[spec.Role] = spec
	return nil
}

// Get returns the spec for role and whether one is registered.
func (r *Registry) Get(role string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[role]
	return spec, ok
}

// List returns the registered role names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewWorker returns the handler that plays role: its registered command
// when reg has one, the stub otherwise. reg and m may be nil.
func NewWorker(role string, reg *Registry, mb mailbox.Mailbox, runsDir string, m *metrics.Metrics, logger *slog.Logger) (driver.Handler, error) {
	if reg != nil {
		if spec, ok := reg.Get(role); ok {
			w, err := NewExec(spec, mb, runsDir, logger)
			if err != nil {
				return nil, err
			}
			w.Metrics = m
			return w.Handle, nil
		}
	}
	s, err := NewStub(role, mb, logger)
	if err != nil {
		return nil, err
	}
	s.Metrics = m
	return s.Handle, nil
}
