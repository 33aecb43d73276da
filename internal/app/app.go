// Package app wires the store, engine, workers, and delivery channel into a
// single runtime shared by the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"followline/internal/config"
	"followline/internal/db"
	"followline/internal/deliver"
	"followline/internal/detect"
	"followline/internal/domain"
	"followline/internal/engine"
	"followline/internal/executor"
	"followline/internal/migrate"
	"followline/internal/observability"
	"followline/internal/scheduler"
	"followline/internal/server"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
}

// Runtime holds everything a running followline process needs.
type Runtime struct {
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Log       *zap.Logger
	Channel   deliver.Channel
	Detectors *detect.Registry
}

// New opens the workspace store, runs migrations, and assembles the runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil {
		cfg, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		opts.Config = cfg
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	observability.RegisterMetrics()

	rt := &Runtime{
		DB:        conn,
		Config:    opts.Config,
		Engine:    engine.New(conn, opts.Config),
		Log:       opts.Log,
		Detectors: &detect.Registry{},
	}
	rt.Channel, err = buildChannel(opts.Config, opts.Log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	registerDetectors(rt.Detectors, opts.Config)
	return rt, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

func buildChannel(cfg *config.Config, log *zap.Logger) (deliver.Channel, error) {
	switch cfg.Delivery.Channel {
	case "", "log":
		return deliver.LogChannel{Log: log}, nil
	case "smtp":
		return deliver.SMTPChannel{
			Host: cfg.Delivery.SMTP.Host,
			Port: cfg.Delivery.SMTP.Port,
			From: cfg.Delivery.SMTP.From,
		}, nil
	default:
		return nil, fmt.Errorf("unknown delivery channel %q", cfg.Delivery.Channel)
	}
}

func registerDetectors(reg *detect.Registry, cfg *config.Config) {
	if path := cfg.Sources.InvoiceLedger; path != "" {
		reg.Register(detect.InvoiceDetector{Ledger: detect.FileLedger{Path: path}})
	}
	if path := cfg.Sources.LeadBook; path != "" {
		reg.Register(detect.LeadDetector{Book: detect.FileLeadBook{Path: path}})
	}
}

// RunWorkers starts the scheduler, executor, and detector sweeps plus the
// webhook dispatcher, then blocks until the context is cancelled.
func (rt *Runtime) RunWorkers(ctx context.Context) {
	var wg sync.WaitGroup

	sched := &scheduler.Scheduler{
		Engine:    rt.Engine,
		Log:       rt.Log.Named("scheduler"),
		BatchSize: rt.Config.BatchSize(),
	}
	exec := &executor.Executor{
		Engine:  rt.Engine,
		Config:  rt.Config,
		Channel: rt.Channel,
		Log:     rt.Log.Named("executor"),
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx, rt.Config.SchedulerInterval())
	}()
	go func() {
		defer wg.Done()
		exec.Run(ctx, rt.Config.ExecutorInterval())
	}()
	if len(rt.Detectors.All()) > 0 {
		runner := &detect.Runner{
			Engine:   rt.Engine,
			Registry: rt.Detectors,
			Config:   rt.Config,
			Log:      rt.Log.Named("detector"),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx, rt.Config.DetectorInterval())
		}()
	}
	server.StartWebhookDispatcher(ctx, rt.Engine, rt.Config.Webhooks, rt.Log.Named("webhooks"))
	wg.Wait()
}

// Handler builds the HTTP API handler for this runtime.
func (rt *Runtime) Handler(auth server.AuthConfig) (http.Handler, error) {
	return server.New(server.Config{
		Engine:   rt.Engine,
		BasePath: rt.Config.Server.BasePath,
		Auth:     auth,
	})
}

// Actor is the identity CLI commands act under.
func Actor(actorID string) domain.Actor {
	if actorID == "" {
		actorID = "local-user"
	}
	return domain.Actor{Type: domain.ActorHuman, ID: actorID}
}
