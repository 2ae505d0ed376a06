package scan_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/scan"
	"github.com/oss-compass/openchecker/internal/walk"

	"github.com/stretchr/testify/require"
)

type grep struct {
	needle []byte
	err    error
}

func (g grep) Detect(_ context.Context, b []byte, path string) ([]scan.Finding, error) {
	if g.err != nil {
		return nil, g.err
	}
	var ret []scan.Finding
	for i, line := range bytes.Split(b, []byte("\n")) {
		if bytes.Contains(line, g.needle) {
			ret = append(ret, scan.Finding{Path: path, Line: i + 1, RuleID: "grep"})
		}
	}
	if len(ret) == 0 {
		return nil, model.ErrNoMatch
	}
	return ret, nil
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestCollect(t *testing.T) {
	t.Parallel()
	dir := writeTree(t, map[string]string{
		"a.txt":     "one\nneedle\nthree\nneedle",
		"b/c.txt":   "needle",
		"d.txt":     "nothing here",
		".git/HEAD": "needle",
	})
	s := scan.New(4, grep{needle: []byte("needle")})
	findings, err := s.Collect(t.Context(), walk.Repo(t.Context(), dir))
	require.NoError(t, err)
	require.Equal(t, []scan.Finding{
		{Path: "a.txt", Line: 2, RuleID: "grep"},
		{Path: "a.txt", Line: 4, RuleID: "grep"},
		{Path: "b/c.txt", Line: 1, RuleID: "grep"},
	}, findings)

	require.Equal(t, 3, s.Reads())
}

func TestCollectNoFindings(t *testing.T) {
	t.Parallel()
	dir := writeTree(t, map[string]string{"a.txt": "hay"})
	findings, err := scan.New(1, grep{needle: []byte("needle")}).Collect(t.Context(), walk.Repo(t.Context(), dir))
	require.NoError(t, err)
	require.NotNil(t, findings)
	require.Empty(t, findings)
}

func TestDoDetectorError(t *testing.T) {
	t.Parallel()
	dir := writeTree(t, map[string]string{"a.txt": "x"})
	boom := errors.New("boom")
	var errs []error
	for _, err := range scan.New(1, grep{err: boom}).Do(t.Context(), walk.Repo(t.Context(), dir)) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], boom)
}

func TestCollectCanceled(t *testing.T) {
	t.Parallel()
	dir := writeTree(t, map[string]string{"a.txt": "needle"})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := scan.New(1, grep{needle: []byte("needle")}).Collect(ctx, walk.Repo(ctx, dir))
	require.ErrorIs(t, err, context.Canceled)
}
