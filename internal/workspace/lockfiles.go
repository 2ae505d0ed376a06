package workspace

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/runner"
)

type ecosystem struct {
	name      string
	manifest  string
	lockfile  string
	modules   string
	tool      func(*Manager) *model.Tool
	arguments []string
}

var ecosystems = []ecosystem{
	{
		name:      "npm",
		manifest:  "package.json",
		lockfile:  "package-lock.json",
		modules:   "node_modules",
		tool:      func(m *Manager) *model.Tool { return m.npm },
		arguments: []string{"install", "--package-lock-only", "--ignore-scripts"},
	},
	{
		name:      "ohpm",
		manifest:  "oh-package.json5",
		lockfile:  "oh-package-lock.json5",
		modules:   "oh_modules",
		tool:      func(m *Manager) *model.Tool { return m.ohpm },
		arguments: []string{"install"},
	},
}

// GenerateLockFiles runs the ecosystem installers for manifests lacking a
// lockfile and removes the module directories they leave behind. Failures
// are logged only.
func (m *Manager) GenerateLockFiles(ctx context.Context, dir string) {
	for _, eco := range ecosystems {
		if !exists(filepath.Join(dir, eco.manifest)) || exists(filepath.Join(dir, eco.lockfile)) {
			continue
		}
		tool := eco.tool(m)
		if tool == nil {
			slog.DebugContext(ctx, "lockfile generation skipped, tool not configured", "ecosystem", eco.name)
			continue
		}
		cmd := runner.FromTool(*tool, eco.arguments...)
		cmd.Dir = dir
		if _, err := runner.Output(ctx, cmd); err != nil {
			slog.WarnContext(ctx, "lockfile generation failed", "ecosystem", eco.name, "error", err)
		} else {
			slog.DebugContext(ctx, "lockfile generated", "ecosystem", eco.name)
		}
		if err := os.RemoveAll(filepath.Join(dir, eco.modules)); err != nil {
			slog.WarnContext(ctx, "removing module directory", "dir", eco.modules, "error", err)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
