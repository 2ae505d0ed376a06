package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const (
	DefaultGiteeAPI   = "https://gitee.com/api/v5"
	DefaultGitCodeAPI = "https://api.gitcode.com/api/v5"
)

// v5 speaks the Gitee flavoured v5 API, which GitCode mirrors.
type v5 struct {
	apiClient
	kind   Kind
	token  string
	zipURL func(owner, repo, tag string) string
	hooks  bool
}

// NewGitee returns the adapter for gitee.com.
func NewGitee(apiURL, token string, client *http.Client) (Adapter, error) {
	if apiURL == "" {
		apiURL = DefaultGiteeAPI
	}
	return newV5(Gitee, apiURL, token, client, true, func(owner, repo, tag string) string {
		return fmt.Sprintf("https://gitee.com/%s/%s/repository/archive/%s.zip", owner, repo, url.PathEscape(tag))
	})
}

// NewGitCode returns the adapter for gitcode.com.
func NewGitCode(apiURL, token string, client *http.Client) (Adapter, error) {
	if apiURL == "" {
		apiURL = DefaultGitCodeAPI
	}
	return newV5(GitCode, apiURL, token, client, false, func(owner, repo, tag string) string {
		return fmt.Sprintf("https://gitcode.com/%s/%s/archive/refs/tags/%s.zip", owner, repo, url.PathEscape(tag))
	})
}

func newV5(kind Kind, apiURL, token string, client *http.Client, hooks bool, zipURL func(owner, repo, tag string) string) (Adapter, error) {
	c, err := newAPIClient(apiURL, client, nil)
	if err != nil {
		return nil, err
	}
	return v5{apiClient: c, kind: kind, token: token, zipURL: zipURL, hooks: hooks}, nil
}

func (p v5) Kind() Kind { return p.kind }

func (p v5) query() url.Values {
	q := url.Values{}
	if p.token != "" {
		q.Set("access_token", p.token)
	}
	return q
}

func (p v5) Releases(ctx context.Context, projectURL string) ([]Release, error) {
	owner, repo, err := Parse(projectURL)
	if err != nil {
		return nil, err
	}
	return getPages[Release](ctx, p.apiClient, fmt.Sprintf("repos/%s/%s/releases", owner, repo), p.query())
}

func (p v5) ZipballURL(projectURL, tag string) (string, error) {
	owner, repo, err := Parse(projectURL)
	if err != nil {
		return "", err
	}
	return p.zipURL(owner, repo, tag), nil
}

func (p v5) RepoInfo(ctx context.Context, projectURL string) (RepoInfo, error) {
	owner, repo, err := Parse(projectURL)
	if err != nil {
		return RepoInfo{}, err
	}
	var info RepoInfo
	err = p.getJSON(ctx, fmt.Sprintf("repos/%s/%s", owner, repo), p.query(), &info)
	return info, err
}

func (p v5) DownloadStats(context.Context, string) (DownloadStats, error) {
	return DownloadStats{}, fmt.Errorf("%s download stats: %w", p.kind, ErrNotSupported)
}

func (p v5) Webhooks(ctx context.Context, projectURL string) ([]Webhook, error) {
	if !p.hooks {
		return nil, fmt.Errorf("%s webhooks: %w", p.kind, ErrNotSupported)
	}
	owner, repo, err := Parse(projectURL)
	if err != nil {
		return nil, err
	}
	type hook struct {
		ID  int64  `json:"id"`
		URL string `json:"url"`
	}
	hooks, err := getPages[hook](ctx, p.apiClient, fmt.Sprintf("repos/%s/%s/hooks", owner, repo), p.query())
	if err != nil {
		return nil, err
	}
	ret := make([]Webhook, 0, len(hooks))
	for _, h := range hooks {
		ret = append(ret, Webhook{ID: h.ID, URL: h.URL, Active: true})
	}
	return ret, nil
}
