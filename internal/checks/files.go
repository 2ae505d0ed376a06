package checks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/walk"
)

type ReadmeResult struct {
	Files []string `json:"readme_file"`
}

func ReadmeChecker(_ context.Context, in check.Input) (any, error) {
	files, err := findFiles(in.RepoPath, docDirs, nameIn("README"))
	if err != nil {
		return nil, err
	}
	return ReadmeResult{Files: files}, nil
}

type SecurityPolicyResult struct {
	Files []string `json:"security_policy_files"`
	// HasContact tells whether a policy names an email or a link for
	// reporting vulnerabilities.
	HasContact bool `json:"has_contact"`
}

var contactRe = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}|https?://\S+`)

func SecurityPolicyChecker(_ context.Context, in check.Input) (any, error) {
	files, err := findFiles(in.RepoPath, docDirs, nameIn("SECURITY", "SECURITY-POLICY", "SECURITY_POLICY"))
	if err != nil {
		return nil, err
	}
	res := SecurityPolicyResult{Files: files}
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(in.RepoPath, filepath.FromSlash(f)))
		if err != nil {
			return nil, err
		}
		if contactRe.Match(b) {
			res.HasContact = true
			break
		}
	}
	return res, nil
}

type MaintainersResult struct {
	Files []string `json:"maintainers_files"`
}

func MaintainersChecker(_ context.Context, in check.Input) (any, error) {
	files, err := findFiles(in.RepoPath, docDirs, nameIn("MAINTAINERS", "CODEOWNERS", "OWNERS", "COMMITTERS", "GOVERNANCE"))
	if err != nil {
		return nil, err
	}
	return MaintainersResult{Files: files}, nil
}

type BuildDocResult struct {
	Files []string `json:"build_doc_files"`
	// ReadmeSections are README headings describing a build or install.
	ReadmeSections []string `json:"readme_sections"`
}

var buildHeadingRe = regexp.MustCompile(`(?i)^#{1,6}\s+.*\b(build|building|compil\w*|install\w*|getting started|quick ?start)\b`)

func BuildDocChecker(_ context.Context, in check.Input) (any, error) {
	files, err := findFiles(in.RepoPath, docDirs, nameIn("BUILD", "BUILDING", "INSTALL", "INSTALLATION", "COMPILE", "COMPILING"))
	if err != nil {
		return nil, err
	}
	res := BuildDocResult{Files: files, ReadmeSections: []string{}}
	readmes, err := findFiles(in.RepoPath, []string{"."}, nameIn("README"))
	if err != nil {
		return nil, err
	}
	for _, f := range readmes {
		b, err := os.ReadFile(filepath.Join(in.RepoPath, filepath.FromSlash(f)))
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(bytes.NewReader(b))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if buildHeadingRe.MatchString(line) {
				res.ReadmeSections = append(res.ReadmeSections, strings.TrimSpace(strings.TrimLeft(line, "#")))
			}
		}
	}
	return res, nil
}

// LicenseManifestName is the machine readable manifest of third party
// components vendored into a repository.
const LicenseManifestName = "README.OpenSource"

var manifestFields = []string{"Name", "License", "License File", "Version Number", "Owner", "Upstream URL"}

type ManifestFile struct {
	Path     string   `json:"path"`
	Entries  int      `json:"entries"`
	Problems []string `json:"problems"`
}

type LicenseManifestResult struct {
	Files []ManifestFile `json:"manifest_files"`
	Valid bool           `json:"valid"`
}

func LicenseManifestChecker(ctx context.Context, in check.Input) (any, error) {
	res := LicenseManifestResult{Files: []ManifestFile{}}
	for entry, err := range walk.Repo(ctx, in.RepoPath) {
		if err != nil {
			continue
		}
		if path.Base(entry.Rel()) != LicenseManifestName {
			continue
		}
		b, err := os.ReadFile(entry.Path())
		if err != nil {
			return nil, err
		}
		res.Files = append(res.Files, validateManifest(entry.Rel(), b))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(res.Files, func(a, b ManifestFile) int { return strings.Compare(a.Path, b.Path) })
	res.Valid = len(res.Files) > 0
	for _, f := range res.Files {
		if len(f.Problems) > 0 {
			res.Valid = false
		}
	}
	return res, nil
}

func validateManifest(rel string, b []byte) ManifestFile {
	mf := ManifestFile{Path: rel, Problems: []string{}}
	var entries []map[string]any
	if err := json.Unmarshal(b, &entries); err != nil {
		mf.Problems = append(mf.Problems, fmt.Sprintf("not a JSON array of objects: %s", err))
		return mf
	}
	mf.Entries = len(entries)
	if len(entries) == 0 {
		mf.Problems = append(mf.Problems, "no entries")
	}
	for i, e := range entries {
		for _, field := range manifestFields {
			v, ok := e[field].(string)
			if !ok || strings.TrimSpace(v) == "" {
				mf.Problems = append(mf.Problems, fmt.Sprintf("entry %d: missing %q", i, field))
			}
		}
	}
	return mf
}
