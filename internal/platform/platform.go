// Package platform translates repository URLs into hosting platform API calls.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrNotSupported        = errors.New("operation not supported by platform")
)

type Kind string

const (
	GitHub  Kind = "github"
	Gitee   Kind = "gitee"
	GitCode Kind = "gitcode"
)

var hosts = map[string]Kind{
	"github.com":      GitHub,
	"www.github.com":  GitHub,
	"gitee.com":       Gitee,
	"gitcode.com":     GitCode,
	"gitcode.net":     GitCode,
	"www.gitcode.com": GitCode,
}

// Of returns the platform hosting the repository.
func Of(projectURL string) (Kind, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", fmt.Errorf("parsing project url: %w", err)
	}
	k, ok := hosts[strings.ToLower(u.Hostname())]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, u.Hostname())
	}
	return k, nil
}

// Parse returns owner and repository name, .git suffix stripped.
func Parse(projectURL string) (owner, repo string, err error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing project url: %w", err)
	}
	path := strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("project url %q: expected /<owner>/<repo> path", projectURL)
	}
	return parts[0], parts[1], nil
}

type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	DownloadCount      int    `json:"download_count"`
}

type Release struct {
	TagName    string  `json:"tag_name"`
	Name       string  `json:"name"`
	Draft      bool    `json:"draft"`
	Prerelease bool    `json:"prerelease"`
	Assets     []Asset `json:"assets"`
}

type RepoInfo struct {
	Description string `json:"description"`
	Homepage    string `json:"homepage"`
}

type DownloadStats struct {
	DownloadCount int    `json:"download_count"`
	Period        string `json:"period"`
}

type Webhook struct {
	ID     int64    `json:"id"`
	URL    string   `json:"url"`
	Active bool     `json:"active"`
	Events []string `json:"events,omitempty"`
}

// Adapter exposes platform operations for repositories of one hosting platform.
type Adapter interface {
	Kind() Kind
	Releases(ctx context.Context, projectURL string) ([]Release, error)
	ZipballURL(projectURL, tag string) (string, error)
	RepoInfo(ctx context.Context, projectURL string) (RepoInfo, error)
	DownloadStats(ctx context.Context, projectURL string) (DownloadStats, error)
	Webhooks(ctx context.Context, projectURL string) ([]Webhook, error)
	// Download streams the resource at rawURL with the adapter's credentials.
	Download(ctx context.Context, rawURL string, w io.Writer) error
}
