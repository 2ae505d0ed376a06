// Package worker consumes job messages, runs them and reports the results.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/oss-compass/openchecker/internal/broker"
	"github.com/oss-compass/openchecker/internal/log"
	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/store"
)

// State of the delivery handler.
type State string

const (
	StateConsuming     State = "consuming"
	StateExecuting     State = "executing"
	StatePublishing    State = "publishing"
	StateAcking        State = "acking"
	StateDeadLettering State = "dead_lettering"
)

// Executor is implemented by executor.Executor.
type Executor interface {
	Execute(ctx context.Context, job model.JobMessage) (model.ResultPayload, error)
}

// Notifier is implemented by CallbackClient.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, payload model.ResultPayload) error
}

type Config struct {
	Executor Executor
	Notifier Notifier
	// Ledger is an optional store database.
	Ledger *sql.DB
}

type Worker struct {
	exec     Executor
	notifier Notifier
	ledger   *sql.DB
}

func New(cfg Config) (*Worker, error) {
	if cfg.Executor == nil {
		return nil, errors.New("worker: executor is nil")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("worker: notifier is nil")
	}
	return &Worker{exec: cfg.Executor, notifier: cfg.Notifier, ledger: cfg.Ledger}, nil
}

// Run consumes until ctx is canceled.
func (w *Worker) Run(ctx context.Context, c *broker.Consumer) error {
	return c.Consume(ctx, w.Handle)
}

// Handle is the broker.Handler of a worker. Every delivery is either acked
// after its callback was attempted, or rejected without requeue which
// routes it to the dead letter queue.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery, acker broker.Acker) {
	ctx = log.ContextAttrs(ctx, slog.Uint64("delivery_tag", d.Tag))
	w.transition(ctx, StateExecuting)

	job, err := model.DecodeJobMessage(d.Body)
	if err != nil {
		w.deadLetter(ctx, d, acker, "", err)
		return
	}
	if job.TaskID == "" {
		job.TaskID = d.MessageID
	}
	ctx = log.ContextAttrs(ctx,
		slog.String("task_id", job.TaskID),
		slog.String("project_url", job.ProjectURL),
	)
	slog.InfoContext(ctx, "job received", "commands", job.CommandList, "redelivered", d.Redelivered)
	w.start(ctx, job)

	payload, err := w.exec.Execute(ctx, job)
	if err != nil {
		w.deadLetter(ctx, d, acker, job.TaskID, err)
		return
	}

	w.transition(ctx, StatePublishing)
	if job.CallbackURL == "" {
		slog.InfoContext(ctx, "no callback url: skipping callback")
	} else if err := w.notifier.Notify(ctx, job.CallbackURL, payload); err != nil {
		slog.ErrorContext(ctx, "callback failed", "callback_url", job.CallbackURL, "error", err)
	}

	w.transition(ctx, StateAcking)
	if err := acker.Ack(d.Tag); err != nil {
		slog.ErrorContext(ctx, "ack failed: job will be redelivered", "error", err)
		return
	}
	w.finish(ctx, job.TaskID, nil)
	slog.InfoContext(ctx, "job done", "checks", len(payload.ScanResults))
	w.transition(ctx, StateConsuming)
}

func (w *Worker) deadLetter(ctx context.Context, d broker.Delivery, acker broker.Acker, taskID string, cause error) {
	w.transition(ctx, StateDeadLettering)
	slog.ErrorContext(ctx, "job failed: dead lettering", "error", cause)
	if err := acker.Nack(d.Tag, false); err != nil {
		slog.ErrorContext(ctx, "nack failed", "error", err)
		return
	}
	w.finish(ctx, taskID, cause)
	w.transition(ctx, StateConsuming)
}

func (w *Worker) transition(ctx context.Context, s State) {
	slog.DebugContext(ctx, "worker state", "state", string(s))
}

func (w *Worker) start(ctx context.Context, job model.JobMessage) {
	if w.ledger == nil || job.TaskID == "" {
		return
	}
	err := store.Start(ctx, w.ledger, job.TaskID, job.ProjectURL)
	if err != nil {
		slog.WarnContext(ctx, "task ledger start failed", "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, taskID string, cause error) {
	if w.ledger == nil || taskID == "" {
		return
	}
	var err error
	if cause == nil {
		err = store.FinishOK(ctx, w.ledger, taskID)
	} else {
		err = store.FinishErr(ctx, w.ledger, taskID, cause.Error())
	}
	if err != nil {
		slog.WarnContext(ctx, "task ledger finish failed", "error", err)
	}
}
