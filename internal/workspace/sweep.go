package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oss-compass/openchecker/internal/model"

	gocron "github.com/go-co-op/gocron/v2"
)

// Sweep removes working copies older than maxAge left behind by killed
// workers. The active working copy is never removed.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("reading repos dir: %w", err)
	}
	var removed []string
	var errs []error
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		if m.isActive(dir) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, e.Name())
	}
	if len(removed) > 0 {
		slog.InfoContext(ctx, "stale workspaces removed", "count", len(removed), "names", removed)
	}
	return removed, errors.Join(errs...)
}

// NewSweeper returns a started scheduler running Sweep per the schedule
// config. The caller owns Shutdown.
func (m *Manager) NewSweeper(ctx context.Context, cfg model.Sweep) (gocron.Scheduler, error) {
	if _, err := model.ParseCron(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parsing worker.sweep.schedule: %w", err)
	}
	maxAge := cfg.MaxAge.Std()
	if maxAge <= 0 {
		return nil, errors.New("worker.sweep.max_age must be positive")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.CronJob(cfg.Schedule, false),
		gocron.NewTask(func() {
			if _, err := m.Sweep(ctx, maxAge); err != nil {
				slog.ErrorContext(ctx, "sweeping workspaces", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	s.Start()
	return s, nil
}
