// Package checks implements the analysis checks and their default registry.
package checks

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/gitleaks"
)

const DefaultBestPracticesURL = "https://www.bestpractices.dev"

type Options struct {
	// HTTPClient is used by url-checker and best-practices-badge.
	HTTPClient       *http.Client
	BestPracticesURL string
	// ReleasePatterns overrides the release-checker file patterns.
	ReleasePatterns []string
	// ScanWorkers limits parallel file scanning, defaults to GOMAXPROCS.
	ScanWorkers int
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if o.BestPracticesURL == "" {
		o.BestPracticesURL = DefaultBestPracticesURL
	}
	if len(o.ReleasePatterns) == 0 {
		o.ReleasePatterns = DefaultReleasePatterns
	}
	if o.ScanWorkers <= 0 {
		o.ScanWorkers = runtime.GOMAXPROCS(0)
	}
	return o
}

// Default returns the registry of all checks.
func Default(opts Options) (*check.Registry, error) {
	opts = opts.withDefaults()

	leaks, err := gitleaks.NewDetector()
	if err != nil {
		return nil, err
	}
	patterns, err := CompilePatterns(opts.ReleasePatterns)
	if err != nil {
		return nil, fmt.Errorf("release patterns: %w", err)
	}

	repo := []check.Need{check.NeedWorkspace}
	api := []check.Need{check.NeedPlatformAPI}
	tool := func(name string) []check.Need {
		return []check.Need{check.NeedWorkspace, check.NeedConfigSection(name)}
	}

	return check.NewRegistry(
		check.Descriptor{ID: "binary-checker", Needs: repo, Run: BinaryChecker},
		check.Descriptor{ID: "leaks-checker", Needs: repo, Run: LeaksChecker(leaks, opts.ScanWorkers)},
		check.Descriptor{ID: "security-policy-checker", Needs: repo, Run: SecurityPolicyChecker},
		check.Descriptor{ID: "readme-checker", Needs: repo, Run: ReadmeChecker},
		check.Descriptor{ID: "maintainers-checker", Needs: repo, Run: MaintainersChecker},
		check.Descriptor{ID: "license-manifest-checker", Needs: repo, Run: LicenseManifestChecker},
		check.Descriptor{ID: "build-doc-checker", Needs: repo, Run: BuildDocChecker},
		check.Descriptor{ID: "fuzzing-checker", Needs: repo, Run: FuzzingChecker(opts.ScanWorkers)},
		check.Descriptor{ID: "sast-checker", Needs: repo, Run: SASTChecker},
		check.Descriptor{ID: "packaging-checker", Needs: repo, Run: PackagingChecker},
		check.Descriptor{ID: "dangerous-workflow-checker", Needs: repo, Run: DangerousWorkflowChecker},
		check.Descriptor{ID: "token-permissions-checker", Needs: repo, Run: TokenPermissionsChecker},
		check.Descriptor{ID: "pinned-dependencies-checker", Needs: repo, Run: PinnedDependenciesChecker},
		check.Descriptor{
			ID:    "changed-files-since-commit-detector",
			Needs: []check.Need{check.NeedWorkspace, check.NeedCommitHash},
			Run:   ChangedFilesDetector,
		},

		check.Descriptor{ID: "osv-scanner", Needs: tool("osv-scanner"), Run: OSVScanner},
		check.Descriptor{ID: "scancode", Needs: tool("scancode"), Run: ScanCode},
		check.Descriptor{ID: "languages-detector", Needs: tool("linguist"), Run: LanguagesDetector},
		check.Descriptor{ID: "code-count", Needs: tool("cloc"), Run: CodeCount},
		check.Descriptor{ID: "dependency-checker", Needs: tool("syft"), Run: DependencyChecker},
		check.Descriptor{
			ID:    "criticality-score",
			Needs: []check.Need{check.NeedConfigSection("criticality-score")},
			Run:   CriticalityScore,
		},

		check.Descriptor{
			ID:    "release-checker",
			Needs: []check.Need{check.NeedWorkspace, check.NeedPlatformAPI},
			Run:   ReleaseChecker(patterns),
		},
		check.Descriptor{ID: "signed-release-checker", Needs: api, Run: SignedReleaseChecker},
		check.Descriptor{ID: "webhook-checker", Needs: api, Run: WebhookChecker},
		check.Descriptor{ID: "package-info-checker", Needs: api, Run: PackageInfoChecker},

		check.Descriptor{ID: "url-checker", Run: URLChecker(opts.HTTPClient)},
		check.Descriptor{ID: "best-practices-badge", Run: BestPracticesBadge(opts.HTTPClient, opts.BestPracticesURL)},
	)
}

// findFiles returns slash separated paths of regular files directly inside
// dirs (relative to root) whose name satisfies match.
func findFiles(root string, dirs []string, match func(name string) bool) ([]string, error) {
	ret := []string{}
	for _, dir := range dirs {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !match(e.Name()) {
				continue
			}
			ret = append(ret, filepath.ToSlash(filepath.Join(dir, e.Name())))
		}
	}
	slices.Sort(ret)
	return ret, nil
}

var docExts = []string{"", ".md", ".markdown", ".rst", ".txt", ".adoc", ".org", ".html"}

// nameIn returns a case-insensitive file name matcher. A name matches when it
// starts with one of names followed by nothing or by a suffix of dotted
// parts ending with a documentation extension, like README.zh.md.
func nameIn(names ...string) func(string) bool {
	return func(name string) bool {
		lower := strings.ToLower(name)
		for _, n := range names {
			rest, ok := strings.CutPrefix(lower, strings.ToLower(n))
			if !ok {
				continue
			}
			if rest == "" || (strings.HasPrefix(rest, ".") && slices.Contains(docExts, filepath.Ext(rest))) {
				return true
			}
		}
		return false
	}
}

var docDirs = []string{".", ".github", "docs", "doc"}
