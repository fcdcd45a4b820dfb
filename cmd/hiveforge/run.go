package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/driver"
	"github.com/hiveforge/hiveforge/internal/ipc"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/memory"
	"github.com/hiveforge/hiveforge/internal/metrics"
	"github.com/hiveforge/hiveforge/internal/roles"
	"github.com/hiveforge/hiveforge/internal/workflow"
)

// cmdRun starts the orchestrator, every worker role and the API in one
// process. Roles with a configured command delegate to it.
func (a *app) cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	noAPI := fs.Bool("no-api", a.cfg.Server.Disabled, "do not start the HTTP API")
	fs.Parse(args)

	reg, err := roles.FromConfig(a.cfg.Roles)
	if err != nil {
		return err
	}
	return a.serve(ctx, domain.WorkerRoles, reg, !*noAPI)
}

// cmdOrchestrator runs the orchestrator loop alone, plus the API.
func (a *app) cmdOrchestrator(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ExitOnError)
	noAPI := fs.Bool("no-api", a.cfg.Server.Disabled, "do not start the HTTP API")
	fs.Parse(args)

	return a.serve(ctx, nil, nil, !*noAPI)
}

// cmdRole runs a single worker role.
func (a *app) cmdRole(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("role", flag.ExitOnError)
	useExec := fs.Bool("exec", false, "delegate to the command configured under roles.<name>")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: hiveforge role [-exec] <planner|implementer|reviewer|integrator>")
	}
	role := fs.Arg(0)

	var reg *roles.Registry
	if *useExec {
		rc, ok := a.cfg.Roles[role]
		if !ok {
			return domain.Errorf(domain.ErrConfigInvalid, "no command configured for role %s", role)
		}
		r, err := roles.FromConfig(map[string]config.RoleConfig{role: rc})
		if err != nil {
			return err
		}
		reg = r
	}
	return a.runRole(ctx, role, reg)
}

// cmdFail moves a thread to ERROR. Later messages for it are dropped.
func (a *app) cmdFail(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: hiveforge fail <thread_id> <reason>")
	}
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	mb, err := a.openMail()
	if err != nil {
		return err
	}
	orch, err := a.newOrchestrator(db, mb, metrics.New())
	if err != nil {
		return err
	}
	if err := orch.Fail(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "thread %s moved to %s\n", args[0], domain.StateError)
	return nil
}

func (a *app) runRole(ctx context.Context, role string, reg *roles.Registry) error {
	mb, err := a.openMail()
	if err != nil {
		return err
	}
	m := metrics.New()
	h, err := roles.NewWorker(role, reg, mb, filepath.Join(a.cfg.DataRoot, "runs"), m, a.logger)
	if err != nil {
		return err
	}
	a.logger.Info("role started", "role", role, "backend", a.cfg.Mail.Backend)
	return driver.New(mb, role, h, a.cfg.Driver, m, a.logger).Run(ctx)
}

// serve runs the orchestrator, the given worker roles and optionally the API
// until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context, workerRoles []string, reg *roles.Registry, withAPI bool) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	mb, err := a.openMail()
	if err != nil {
		return err
	}
	m := metrics.New()
	orch, err := a.newOrchestrator(db, mb, m)
	if err != nil {
		return err
	}

	drivers := []*driver.Driver{
		driver.New(mb, domain.RoleOrchestrator, orch.Handle, a.cfg.Driver, m, a.logger),
	}
	runsDir := filepath.Join(a.cfg.DataRoot, "runs")
	for _, role := range workerRoles {
		h, err := roles.NewWorker(role, reg, mb, runsDir, m, a.logger)
		if err != nil {
			return err
		}
		drivers = append(drivers, driver.New(mb, role, h, a.cfg.Driver, m, a.logger))
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range drivers {
		g.Go(func() error { return d.Run(ctx) })
	}
	if withAPI {
		a.startAPI(ctx, g, orch.Engine(), mb, memory.NewSQLite(db), m)
	}

	a.logger.Info("hiveforge started",
		"version", version,
		"roles", workerRoles,
		"backend", a.cfg.Mail.Backend,
		"data_root", a.cfg.DataRoot)
	err = g.Wait()
	a.logger.Info("hiveforge stopped")
	return err
}

func (a *app) startAPI(ctx context.Context, g *errgroup.Group, engine *workflow.Engine, mb mailbox.Mailbox, mem memory.Store, m *metrics.Metrics) {
	handler := &ipc.Handler{
		Engine:  engine,
		Mail:    mb,
		Memory:  mem,
		Events:  engine.Events,
		Metrics: m,
		Version: version,
		Started: time.Now(),
	}
	srv := ipc.NewServer(handler, a.cfg.Server)

	g.Go(func() error {
		a.logger.Info("api listening", "addr", a.cfg.Server.ListenAddr)
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
