package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oss-compass/openchecker/internal/broker"
	"github.com/oss-compass/openchecker/internal/checks"
	"github.com/oss-compass/openchecker/internal/executor"
	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/platform"
	"github.com/oss-compass/openchecker/internal/store"
	"github.com/oss-compass/openchecker/internal/worker"
	"github.com/oss-compass/openchecker/internal/workspace"
)

type Worker struct {
	sweep    *model.Sweep
	worker   *worker.Worker
	consumer *broker.Consumer
	ws       *workspace.Manager
	ledger   *sql.DB
}

func NewWorker(ctx context.Context, cfg model.Config, opts ...Option) (*Worker, error) {
	o := newOptions(cfg.Broker, "worker", opts)

	ws, err := workspace.New(cfg.Worker.ReposDir, cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	registry, err := checks.Default(checks.Options{
		HTTPClient:      o.platformClient(),
		ReleasePatterns: cfg.Worker.ReleasePatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing checks: %w", err)
	}
	exec, err := executor.New(executor.Config{
		Registry:     registry,
		Workspaces:   ws,
		Platforms:    platform.NewSelector(cfg.Platforms, o.platformClient()),
		Tools:        cfg.Tools,
		CheckTimeout: cfg.Worker.CheckTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	var ledger *sql.DB
	if cfg.Worker.StateDB != "" {
		ledger, err = store.InitDB(ctx, cfg.Worker.StateDB)
		if err != nil {
			return nil, fmt.Errorf("opening task ledger: %w", err)
		}
	}
	w, err := worker.New(worker.Config{
		Executor: exec,
		Notifier: worker.NewCallbackClient(cfg.Worker.Callback, o.callbackClient()),
		Ledger:   ledger,
	})
	if err != nil {
		return nil, errors.Join(err, closeDB(ledger))
	}

	consumer := broker.NewConsumer(o.dial, broker.ConsumerConfig{
		Topology:       topology(cfg.Broker),
		Name:           connectionName("worker"),
		Heartbeat:      cfg.Broker.Heartbeat.Std(),
		ReconnectDelay: cfg.Broker.ReconnectDelay.Std(),
	})
	return &Worker{
		sweep:    cfg.Worker.Sweep,
		worker:   w,
		consumer: consumer,
		ws:       ws,
		ledger:   ledger,
	}, nil
}

// Run consumes jobs until ctx is canceled. The sweep scheduler, when
// configured, runs alongside.
func (w *Worker) Run(ctx context.Context) error {
	if w.sweep != nil && w.sweep.Schedule != "" {
		sched, err := w.ws.NewSweeper(ctx, *w.sweep)
		if err != nil {
			return err
		}
		defer func() {
			if err := sched.Shutdown(); err != nil {
				slog.WarnContext(ctx, "stopping sweep scheduler", "error", err)
			}
		}()
	}
	slog.InfoContext(ctx, "worker started")
	err := w.worker.Run(ctx, w.consumer)
	slog.InfoContext(ctx, "worker stopped")
	return err
}

func (w *Worker) Close() error {
	return closeDB(w.ledger)
}

func closeDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
