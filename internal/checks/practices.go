package checks

import (
	"context"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/scan"
	"github.com/oss-compass/openchecker/internal/walk"
)

type Evidence struct {
	Tool string `json:"tool"`
	Path string `json:"path"`
}

type toolMarker struct {
	tool string
	// uses prefix of a workflow step action
	uses string
	// run matches a workflow step script
	run *regexp.Regexp
}

func matchWorkflows(workflows []workflow, markers []toolMarker) []Evidence {
	var ret []Evidence
	for _, w := range workflows {
		for _, j := range w.sortedJobs() {
			for _, s := range j.Steps {
				for _, m := range markers {
					hit := m.uses != "" && strings.HasPrefix(strings.ToLower(s.Uses), m.uses)
					hit = hit || m.run != nil && m.run.MatchString(s.Run)
					if hit {
						ret = append(ret, Evidence{Tool: m.tool, Path: w.Path})
					}
				}
			}
		}
	}
	return ret
}

func toolNames(evidence []Evidence) []string {
	ret := []string{}
	for _, e := range evidence {
		if !slices.Contains(ret, e.Tool) {
			ret = append(ret, e.Tool)
		}
	}
	slices.Sort(ret)
	return ret
}

type SASTResult struct {
	Tools    []string   `json:"sast_tools"`
	Evidence []Evidence `json:"evidence"`
}

var (
	sastMarkers = []toolMarker{
		{tool: "codeql", uses: "github/codeql-action"},
		{tool: "semgrep", uses: "returntocorp/semgrep-action", run: regexp.MustCompile(`\bsemgrep\b`)},
		{tool: "semgrep", uses: "semgrep/semgrep-action"},
		{tool: "sonar", uses: "sonarsource/", run: regexp.MustCompile(`\bsonar-scanner\b`)},
		{tool: "snyk", uses: "snyk/actions", run: regexp.MustCompile(`\bsnyk\s+(test|code)\b`)},
		{tool: "gosec", uses: "securego/gosec", run: regexp.MustCompile(`\bgosec\b`)},
		{tool: "bandit", run: regexp.MustCompile(`\bbandit\b`)},
		{tool: "golangci-lint", uses: "golangci/golangci-lint-action", run: regexp.MustCompile(`\bgolangci-lint\s+run\b`)},
	}
	sastConfigs = map[string]string{
		".semgrep.yml":             "semgrep",
		".semgrep.yaml":            "semgrep",
		"sonar-project.properties": "sonar",
		".snyk":                    "snyk",
		".bandit":                  "bandit",
		".golangci.yml":            "golangci-lint",
		".golangci.yaml":           "golangci-lint",
	}
)

func SASTChecker(ctx context.Context, in check.Input) (any, error) {
	workflows, err := loadWorkflows(ctx, in.RepoPath)
	if err != nil {
		return nil, err
	}
	evidence := matchWorkflows(workflows, sastMarkers)
	configs, err := findFiles(in.RepoPath, []string{"."}, func(name string) bool {
		_, ok := sastConfigs[name]
		return ok
	})
	if err != nil {
		return nil, err
	}
	for _, c := range configs {
		evidence = append(evidence, Evidence{Tool: sastConfigs[c], Path: c})
	}
	if evidence == nil {
		evidence = []Evidence{}
	}
	return SASTResult{Tools: toolNames(evidence), Evidence: evidence}, nil
}

type PackagingResult struct {
	Packaged bool       `json:"is_packaged"`
	Tools    []string   `json:"tools"`
	Evidence []Evidence `json:"evidence"`
}

var packagingMarkers = []toolMarker{
	{tool: "npm", run: regexp.MustCompile(`\bnpm\s+publish\b`)},
	{tool: "ohpm", run: regexp.MustCompile(`\bohpm\s+publish\b`)},
	{tool: "docker", uses: "docker/build-push-action", run: regexp.MustCompile(`\bdocker\s+push\b`)},
	{tool: "goreleaser", uses: "goreleaser/goreleaser-action", run: regexp.MustCompile(`\bgoreleaser\s+release\b`)},
	{tool: "pypi", uses: "pypa/gh-action-pypi-publish", run: regexp.MustCompile(`\btwine\s+upload\b`)},
	{tool: "maven", run: regexp.MustCompile(`\bmvn\b.*\bdeploy\b`)},
	{tool: "gradle", run: regexp.MustCompile(`\bgradlew?\b.*\bpublish\b`)},
	{tool: "cargo", run: regexp.MustCompile(`\bcargo\s+publish\b`)},
	{tool: "rubygems", run: regexp.MustCompile(`\bgem\s+push\b`)},
	{tool: "nuget", run: regexp.MustCompile(`\bnuget\s+push\b`)},
}

// PackagingChecker reports workflows publishing packages or images.
func PackagingChecker(ctx context.Context, in check.Input) (any, error) {
	workflows, err := loadWorkflows(ctx, in.RepoPath)
	if err != nil {
		return nil, err
	}
	evidence := matchWorkflows(workflows, packagingMarkers)
	if evidence == nil {
		evidence = []Evidence{}
	}
	return PackagingResult{Packaged: len(evidence) > 0, Tools: toolNames(evidence), Evidence: evidence}, nil
}

type FuzzingResult struct {
	Fuzzed  bool           `json:"is_fuzzed"`
	Fuzzers []scan.Finding `json:"fuzzers"`
}

// fuzzRule is matched against files with one of exts.
type fuzzRule struct {
	id   string
	exts []string
	re   *regexp.Regexp
}

var fuzzRules = []fuzzRule{
	{id: "go-native", exts: []string{".go"}, re: regexp.MustCompile(`func\s+Fuzz\w*\s*\(\s*\w+\s+\*testing\.F\s*\)`)},
	{id: "libfuzzer", exts: []string{".c", ".cc", ".cpp", ".cxx", ".h", ".hpp"}, re: regexp.MustCompile(`\bLLVMFuzzerTestOneInput\b`)},
	{id: "atheris", exts: []string{".py"}, re: regexp.MustCompile(`(?m)^\s*(import|from)\s+atheris\b`)},
	{id: "cargo-fuzz", exts: []string{".rs"}, re: regexp.MustCompile(`\bfuzz_target!\s*\(`)},
	{id: "jazzer", exts: []string{".java", ".kt"}, re: regexp.MustCompile(`@FuzzTest\b|\bfuzzerTestOneInput\b`)},
	{id: "jazzer.js", exts: []string{".js", ".ts"}, re: regexp.MustCompile(`@jazzer\.js/`)},
}

// fuzzDetector is a scan.Detector matching fuzz harness sources.
type fuzzDetector struct{}

func (fuzzDetector) Detect(_ context.Context, b []byte, rel string) ([]scan.Finding, error) {
	ext := strings.ToLower(path.Ext(rel))
	var ret []scan.Finding
	for _, r := range fuzzRules {
		if !slices.Contains(r.exts, ext) {
			continue
		}
		if loc := r.re.FindIndex(b); loc != nil {
			ret = append(ret, scan.Finding{
				Path:   rel,
				Line:   1 + strings.Count(string(b[:loc[0]]), "\n"),
				RuleID: r.id,
			})
		}
	}
	return ret, nil
}

// FuzzingChecker looks for fuzz harnesses and OSS-Fuzz style integrations.
func FuzzingChecker(workers int) check.Func {
	return func(ctx context.Context, in check.Input) (any, error) {
		fuzzers, err := scan.New(workers, fuzzDetector{}).Collect(ctx, walk.Repo(ctx, in.RepoPath))
		if err != nil {
			return nil, err
		}
		dirs, err := findFiles(in.RepoPath, []string{".clusterfuzzlite"}, func(string) bool { return true })
		if err != nil {
			return nil, err
		}
		if len(dirs) > 0 {
			fuzzers = append(fuzzers, scan.Finding{Path: ".clusterfuzzlite", RuleID: "clusterfuzzlite"})
		}
		return FuzzingResult{Fuzzed: len(fuzzers) > 0, Fuzzers: fuzzers}, nil
	}
}
