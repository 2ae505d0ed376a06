// Package store is the worker side sqlite ledger of processed tasks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Task struct {
	TaskID     string
	ProjectURL string
	InProgress bool
	// Attempts counts deliveries of the task, redeliveries included.
	Attempts      int
	Success       *bool
	FailureReason *string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

type TaskRow struct {
	Task
	ID int
}

func (t TaskRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "task_id: %q, project_url: %q, in_progress: %t, attempts: %d", t.TaskID, t.ProjectURL, t.InProgress, t.Attempts)
	if t.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *t.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if t.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *t.FailureReason)
	}
	fmt.Fprintf(&sb, ", started_at: %s", t.StartedAt.Format(time.RFC3339))
	if t.FinishedAt != nil {
		fmt.Fprintf(&sb, ", finished_at: %s", t.FinishedAt.Format(time.RFC3339))
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE,
			project_url TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 1,
			success BOOLEAN DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, taskID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("task_id", taskID), "error", err)
	}
}

// Start records that the task identified by taskID is in progress. Starting
// a task which is still in progress counts another attempt, it has been
// redelivered. A finished task returns ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, taskID, projectURL string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, taskID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM tasks WHERE task_id=?`, taskID,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET attempts = attempts + 1, started_at = ? WHERE task_id = ?;`,
			time.Now().Unix(), taskID,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (task_id, project_url, in_progress, started_at) VALUES (?,?,?,?);`,
			taskID, projectURL, true, time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	default:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the task identified by taskID or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, taskID string) (TaskRow, error) {
	var (
		row        TaskRow
		startedAt  int64
		finishedAt *int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, task_id, project_url, in_progress, attempts, success, failure_reason, started_at, finished_at
		 FROM tasks WHERE task_id=?`, taskID,
	).Scan(
		&row.ID,
		&row.TaskID,
		&row.ProjectURL,
		&row.InProgress,
		&row.Attempts,
		&row.Success,
		&row.FailureReason,
		&startedAt,
		&finishedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return TaskRow{}, ErrNotFound
	case err != nil:
		return TaskRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	row.StartedAt = time.Unix(startedAt, 0).UTC()
	if finishedAt != nil {
		t := time.Unix(*finishedAt, 0).UTC()
		row.FinishedAt = &t
	}
	return row, nil
}

// FinishOK records that the task has finished successfully.
func FinishOK(ctx context.Context, db *sql.DB, taskID string) error {
	return finish(ctx, db, taskID, true, nil)
}

// FinishErr records that the task has failed together with the reason.
func FinishErr(ctx context.Context, db *sql.DB, taskID, reason string) error {
	return finish(ctx, db, taskID, false, &reason)
}

func finish(ctx context.Context, db *sql.DB, taskID string, success bool, reason *string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, taskID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM tasks WHERE task_id=?`, taskID,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks
		 SET
			in_progress = false,
			success = ?,
			failure_reason = ?,
			finished_at = ?
		WHERE task_id = ?;
		`, success, reason, time.Now().Unix(), taskID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func Delete(ctx context.Context, db *sql.DB, taskID string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM tasks WHERE task_id=?`, taskID,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}
