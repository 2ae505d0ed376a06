package checks

import (
	"bufio"
	"context"
	"os"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/walk"

	"gopkg.in/yaml.v3"
)

var (
	privilegedTriggers = []string{"pull_request_target", "workflow_run"}
	untrustedRefRe     = regexp.MustCompile(`github\.event\.(pull_request|workflow_run)\.head\.(sha|ref)|github\.head_ref`)
	injectionRe        = regexp.MustCompile(`\$\{\{\s*(github\.event\.(` +
		`issue\.(title|body)|` +
		`pull_request\.(title|body|head\.ref|head\.label|head\.repo\.default_branch)|` +
		`comment\.body|review\.body|review_comment\.body|discussion\.(title|body)|` +
		`pages\.[^.\s]+\.page_name|` +
		`commits\.[^.\s]+\.(message|author\.(email|name))|` +
		`head_commit\.(message|author\.(email|name)))|` +
		`github\.head_ref)\s*\}\}`)
)

// DangerousWorkflowChecker reports privileged workflows checking out
// untrusted code and run steps interpolating attacker controlled input.
func DangerousWorkflowChecker(ctx context.Context, in check.Input) (any, error) {
	workflows, err := loadWorkflows(ctx, in.RepoPath)
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for _, w := range workflows {
		privileged := slices.ContainsFunc(w.triggers(), func(t string) bool {
			return slices.Contains(privilegedTriggers, t)
		})
		for _, j := range w.sortedJobs() {
			for _, s := range j.Steps {
				if privileged && strings.HasPrefix(s.Uses, "actions/checkout") && untrustedRefRe.MatchString(s.With["ref"]) {
					findings = append(findings, Finding{Path: w.Path, Line: s.Line, Type: "untrusted-checkout", Detail: s.With["ref"]})
				}
				for _, m := range injectionRe.FindAllString(s.Run, -1) {
					findings = append(findings, Finding{Path: w.Path, Line: s.Line, Type: "script-injection", Detail: m})
				}
			}
		}
	}
	return newFindingsResult(findings), nil
}

var sensitiveScopes = []string{
	"actions", "checks", "contents", "deployments", "id-token", "packages",
	"pull-requests", "security-events", "statuses",
}

// TokenPermissionsChecker reports workflows granting the GITHUB_TOKEN more
// than read access at the top level.
func TokenPermissionsChecker(ctx context.Context, in check.Input) (any, error) {
	workflows, err := loadWorkflows(ctx, in.RepoPath)
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for _, w := range workflows {
		p := w.Permissions
		switch p.Kind {
		case 0:
			findings = append(findings, Finding{Path: w.Path, Line: 1, Type: "undeclared", Detail: "no top level permissions"})
		case yaml.ScalarNode:
			if p.Value == "write-all" {
				findings = append(findings, Finding{Path: w.Path, Line: p.Line, Type: "write-all", Detail: "top level write-all"})
			}
		case yaml.MappingNode:
			for i := 0; i+1 < len(p.Content); i += 2 {
				scope, access := p.Content[i].Value, p.Content[i+1].Value
				if access == "write" && slices.Contains(sensitiveScopes, scope) {
					findings = append(findings, Finding{Path: w.Path, Line: p.Content[i].Line, Type: "top-level-write", Detail: scope})
				}
			}
		}
		for _, j := range w.sortedJobs() {
			if j.Permissions.Kind == yaml.ScalarNode && j.Permissions.Value == "write-all" {
				findings = append(findings, Finding{Path: w.Path, Line: j.Permissions.Line, Type: "write-all", Detail: "job level write-all"})
			}
		}
	}
	return newFindingsResult(findings), nil
}

var (
	shaRe            = regexp.MustCompile(`^[0-9a-f]{40}$`)
	downloadRunRe    = regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`)
	pipInstallRe     = regexp.MustCompile(`\bpip3?\s+install\b`)
	npmInstallRe     = regexp.MustCompile(`\bnpm\s+(install|i)(\s|$)`)
	goInstallLatest  = regexp.MustCompile(`\bgo\s+install\s+\S+@latest\b`)
	dockerfileFromRe = regexp.MustCompile(`(?i)^\s*FROM\s+(.*)$`)
	dockerfileRunRe  = regexp.MustCompile(`(?i)^\s*RUN\s+(.*)$`)
)

// PinnedDependenciesChecker reports actions, container images and install
// commands which are not pinned to an immutable version.
func PinnedDependenciesChecker(ctx context.Context, in check.Input) (any, error) {
	workflows, err := loadWorkflows(ctx, in.RepoPath)
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for _, w := range workflows {
		for _, j := range w.sortedJobs() {
			if f, ok := unpinnedAction(w.Path, j.Line, j.Uses); ok {
				findings = append(findings, f)
			}
			for _, s := range j.Steps {
				if f, ok := unpinnedAction(w.Path, s.Line, s.Uses); ok {
					findings = append(findings, f)
				}
				findings = append(findings, scriptFindings(w.Path, s.RunLine, s.Run)...)
			}
		}
	}

	for entry, err := range walk.Repo(ctx, in.RepoPath) {
		if err != nil {
			continue
		}
		rel := entry.Rel()
		switch {
		case isDockerfile(path.Base(rel)):
			ff, err := dockerfileFindings(entry.Path(), rel)
			if err != nil {
				return nil, err
			}
			findings = append(findings, ff...)
		case strings.HasSuffix(rel, ".sh"):
			b, err := os.ReadFile(entry.Path())
			if err != nil {
				return nil, err
			}
			for i, line := range strings.Split(string(b), "\n") {
				findings = append(findings, scriptFindings(rel, i+1, line)...)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newFindingsResult(findings), nil
}

func unpinnedAction(file string, line int, uses string) (Finding, bool) {
	if uses == "" || strings.HasPrefix(uses, "./") {
		return Finding{}, false
	}
	if image, ok := strings.CutPrefix(uses, "docker://"); ok {
		if strings.Contains(image, "@sha256:") {
			return Finding{}, false
		}
		return Finding{Path: file, Line: line, Type: "container-image", Detail: uses}, true
	}
	_, ref, _ := strings.Cut(uses, "@")
	if shaRe.MatchString(ref) {
		return Finding{}, false
	}
	return Finding{Path: file, Line: line, Type: "github-action", Detail: uses}, true
}

// scriptFindings reports unpinned installs in a shell script starting at line.
func scriptFindings(file string, line int, script string) []Finding {
	var ret []Finding
	for i, l := range strings.Split(script, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		add := func(typ string) {
			ret = append(ret, Finding{Path: file, Line: line + i, Type: typ, Detail: l})
		}
		switch {
		case downloadRunRe.MatchString(l):
			add("download-then-run")
		case pipInstallRe.MatchString(l) && !pipPinned(l):
			add("pip-install")
		case npmInstallRe.MatchString(l):
			add("npm-install")
		case goInstallLatest.MatchString(l):
			add("go-install")
		}
	}
	return ret
}

func pipPinned(line string) bool {
	if strings.Contains(line, "--require-hashes") {
		return true
	}
	_, args, _ := strings.Cut(line, "install")
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if strings.HasPrefix(f, "-") {
			continue
		}
		if !strings.Contains(f, "==") && !strings.HasSuffix(f, ".txt") && f != "." {
			return false
		}
	}
	return true
}

func isDockerfile(name string) bool {
	lower := strings.ToLower(name)
	return lower == "dockerfile" || strings.HasPrefix(lower, "dockerfile.") || strings.HasSuffix(lower, ".dockerfile")
}

func dockerfileFindings(abs, rel string) ([]Finding, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var ret []Finding
	stages := map[string]bool{"scratch": true}
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if m := dockerfileFromRe.FindStringSubmatch(line); m != nil {
			fields := slices.DeleteFunc(strings.Fields(m[1]), func(s string) bool {
				return strings.HasPrefix(s, "--")
			})
			if len(fields) == 0 {
				continue
			}
			image := fields[0]
			if len(fields) >= 3 && strings.EqualFold(fields[1], "AS") {
				stages[strings.ToLower(fields[2])] = true
			}
			if stages[strings.ToLower(image)] || strings.Contains(image, "@sha256:") {
				continue
			}
			ret = append(ret, Finding{Path: rel, Line: n, Type: "container-image", Detail: image})
			continue
		}
		if m := dockerfileRunRe.FindStringSubmatch(line); m != nil {
			ret = append(ret, scriptFindings(rel, n, m[1])...)
		}
	}
	return ret, sc.Err()
}
