package walk_test

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/oss-compass/openchecker/internal/walk"

	"github.com/stretchr/testify/require"
)

func TestRepo(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for path, content := range map[string]string{
		"README.md":                   "readme",
		"src/main.go":                 "package main",
		".git/config":                 "[core]",
		"node_modules/x/index.js":     "module.exports = 1",
		"entry/oh_modules/y/index.ts": "export {}",
		"entry/src/app.ts":            "export {}",
	} {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	require.NoError(t, os.Symlink(filepath.Join(dir, "README.md"), filepath.Join(dir, "link.md")))

	var rels []string
	for entry, err := range walk.Repo(t.Context(), dir) {
		require.NoError(t, err)
		rels = append(rels, entry.Rel())
		require.Equal(t, filepath.Join(dir, entry.Rel()), entry.Path())
		if entry.Rel() == "README.md" {
			f, err := entry.Open()
			require.NoError(t, err)
			b, err := io.ReadAll(f)
			require.NoError(t, err)
			require.NoError(t, f.Close())
			require.Equal(t, "readme", string(b))
		}
	}
	slices.Sort(rels)
	require.Equal(t, []string{"README.md", "entry/src/app.ts", "src/main.go"}, rels)
}

func TestRepoMissing(t *testing.T) {
	t.Parallel()
	var errs int
	for _, err := range walk.Repo(t.Context(), filepath.Join(t.TempDir(), "nope")) {
		require.Error(t, err)
		errs++
	}
	require.Equal(t, 1, errs)
}
