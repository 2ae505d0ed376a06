package checks

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/platform"
)

// DefaultReleasePatterns match release notes in a release archive. Entries
// prefixed with re: are regular expressions, the rest are case-insensitive
// file names.
var DefaultReleasePatterns = []string{
	"CHANGELOG",
	"CHANGELOG.md",
	"CHANGES.md",
	"RELEASE_NOTES.md",
	"RELEASENOTES.md",
	"HISTORY.md",
	"NEWS.md",
	`re:(?i)^(changelog|changes|release[-_]?notes|history|news)([-_.][\w.-]+)?$`,
}

// Pattern reports whether a file base name matches.
type Pattern func(name string) bool

func CompilePatterns(src []string) ([]Pattern, error) {
	ret := make([]Pattern, 0, len(src))
	for _, p := range src {
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", p, err)
			}
			ret = append(ret, re.MatchString)
			continue
		}
		ret = append(ret, func(name string) bool { return strings.EqualFold(name, p) })
	}
	return ret, nil
}

// latestRelease returns the newest published release. Platforms list
// releases newest first.
func latestRelease(releases []platform.Release) (platform.Release, bool) {
	for _, r := range releases {
		if !r.Draft && !r.Prerelease {
			return r, true
		}
	}
	return platform.Release{}, false
}

type ReleaseResult struct {
	Released     bool     `json:"is_released"`
	TagName      string   `json:"tag_name,omitempty"`
	Name         string   `json:"release_name,omitempty"`
	MatchedFiles []string `json:"release_notes"`
	HasNotes     bool     `json:"has_release_notes"`
}

// ReleaseChecker downloads the archive of the latest release and looks for
// release notes in it.
func ReleaseChecker(patterns []Pattern) check.Func {
	return func(ctx context.Context, in check.Input) (any, error) {
		releases, err := in.Platform.Releases(ctx, in.ProjectURL)
		if err != nil {
			return nil, err
		}
		rel, ok := latestRelease(releases)
		if !ok {
			return ReleaseResult{MatchedFiles: []string{}}, nil
		}
		zipURL, err := in.Platform.ZipballURL(in.ProjectURL, rel.TagName)
		if err != nil {
			return nil, err
		}
		matched, err := matchArchive(ctx, in, zipURL, patterns)
		if err != nil {
			return nil, err
		}
		return ReleaseResult{
			Released:     true,
			TagName:      rel.TagName,
			Name:         rel.Name,
			MatchedFiles: matched,
			HasNotes:     len(matched) > 0,
		}, nil
	}
}

// matchArchive downloads zipURL into the workspace and returns entry paths,
// without the archive top level directory, whose base name matches.
func matchArchive(ctx context.Context, in check.Input, zipURL string, patterns []Pattern) (ret []string, err error) {
	f, err := os.CreateTemp(in.RepoPath, ".release-*.zip")
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, os.Remove(f.Name()))
	}()
	if err := in.Platform.Download(ctx, zipURL, f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("downloading release archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(f.Name())
	if err != nil {
		return nil, fmt.Errorf("opening release archive: %w", err)
	}
	defer func() {
		_ = zr.Close()
	}()
	ret = []string{}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		name := zf.Name
		if _, rest, ok := strings.Cut(name, "/"); ok {
			name = rest
		}
		base := path.Base(name)
		if slices.ContainsFunc(patterns, func(p Pattern) bool { return p(base) }) {
			ret = append(ret, name)
		}
	}
	slices.Sort(ret)
	return ret, nil
}

var signatureExts = []string{".asc", ".sig", ".sign", ".minisig", ".sigstore", ".sigstore.json", ".intoto.jsonl", ".pem", ".crt"}

// signedReleases is how many recent releases are inspected.
const signedReleases = 5

type SignedAsset struct {
	Tag   string `json:"tag_name"`
	Asset string `json:"asset"`
}

type SignedReleaseResult struct {
	Signed   bool          `json:"is_signed"`
	Files    []SignedAsset `json:"signed_files"`
	Releases int           `json:"checked_releases"`
}

func SignedReleaseChecker(ctx context.Context, in check.Input) (any, error) {
	releases, err := in.Platform.Releases(ctx, in.ProjectURL)
	if err != nil {
		return nil, err
	}
	res := SignedReleaseResult{Files: []SignedAsset{}}
	for _, r := range releases {
		if r.Draft || r.Prerelease {
			continue
		}
		if res.Releases == signedReleases {
			break
		}
		res.Releases++
		for _, a := range r.Assets {
			name := strings.ToLower(a.Name)
			if slices.ContainsFunc(signatureExts, func(ext string) bool { return strings.HasSuffix(name, ext) }) {
				res.Files = append(res.Files, SignedAsset{Tag: r.TagName, Asset: a.Name})
			}
		}
	}
	res.Signed = len(res.Files) > 0
	return res, nil
}
