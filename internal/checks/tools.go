package checks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"

	"github.com/oss-compass/openchecker/internal/bom"
	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/runner"
)

// runTool runs a configured tool and returns its stdout. Exit codes listed
// in okExit are not errors, osv-scanner exits with 1 when it found
// vulnerabilities.
func runTool(ctx context.Context, in check.Input, section string, okExit []int, args ...string) ([]byte, error) {
	tool, err := in.Tool(section)
	if err != nil {
		return nil, err
	}
	cmd := runner.FromTool(tool, args...)
	cmd.Dir = in.RepoPath
	if len(okExit) == 0 {
		return runner.Output(ctx, cmd)
	}
	res := runner.Run(ctx, cmd, nil)
	var exitErr *exec.ExitError
	if errors.As(res.Err, &exitErr) && slices.Contains(okExit, exitErr.ExitCode()) {
		return res.Stdout.Bytes(), nil
	}
	if res.Err != nil {
		return nil, fmt.Errorf("running %s: %w", cmd.Path, res.Err)
	}
	return res.Stdout.Bytes(), nil
}

func decodeJSON(b []byte, section string) (any, error) {
	var v any
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	if err := d.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding %s output: %w", section, err)
	}
	return v, nil
}

func OSVScanner(ctx context.Context, in check.Input) (any, error) {
	out, err := runTool(ctx, in, "osv-scanner", []int{1}, "--format", "json", "-r", in.RepoPath)
	if err != nil {
		return nil, err
	}
	return decodeJSON(out, "osv-scanner")
}

type ScanCodeResult struct {
	Licenses map[string]int `json:"licenses"`
	Files    int            `json:"files"`
}

// ScanCode summarizes detected license expressions by file count.
func ScanCode(ctx context.Context, in check.Input) (any, error) {
	out, err := runTool(ctx, in, "scancode", nil, "--license", "--json", "-", in.RepoPath)
	if err != nil {
		return nil, err
	}
	var report struct {
		Files []struct {
			Type       string `json:"type"`
			Expression string `json:"detected_license_expression_spdx"`
		} `json:"files"`
	}
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("decoding scancode output: %w", err)
	}
	res := ScanCodeResult{Licenses: map[string]int{}}
	for _, f := range report.Files {
		if f.Type != "file" {
			continue
		}
		res.Files++
		if f.Expression != "" {
			res.Licenses[f.Expression]++
		}
	}
	return res, nil
}

func LanguagesDetector(ctx context.Context, in check.Input) (any, error) {
	out, err := runTool(ctx, in, "linguist", nil, "--json", in.RepoPath)
	if err != nil {
		return nil, err
	}
	return decodeJSON(out, "linguist")
}

// CodeCount returns cloc per language counts without its header.
func CodeCount(ctx context.Context, in check.Input) (any, error) {
	out, err := runTool(ctx, in, "cloc", nil, "--json", "--quiet", in.RepoPath)
	if err != nil {
		return nil, err
	}
	v, err := decodeJSON(out, "cloc")
	if err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		delete(m, "header")
	}
	return v, nil
}

// DependencyChecker generates a CycloneDX SBOM with syft and summarizes its
// library components.
func DependencyChecker(ctx context.Context, in check.Input) (any, error) {
	out, err := runTool(ctx, in, "syft", nil, "scan", "dir:"+in.RepoPath, "-o", "cyclonedx-json", "-q")
	if err != nil {
		return nil, err
	}
	doc, err := bom.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	return bom.Summarize(doc), nil
}

func CriticalityScore(ctx context.Context, in check.Input) (any, error) {
	out, err := runTool(ctx, in, "criticality-score", nil, "--format", "json", in.ProjectURL)
	if err != nil {
		return nil, err
	}
	return decodeJSON(out, "criticality-score")
}
