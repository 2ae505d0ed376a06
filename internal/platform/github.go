package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const DefaultGitHubAPI = "https://api.github.com"

type gitHub struct {
	apiClient
}

// NewGitHub returns the adapter for github.com using REST v3 with bearer auth.
func NewGitHub(apiURL, token string, client *http.Client) (Adapter, error) {
	if apiURL == "" {
		apiURL = DefaultGitHubAPI
	}
	c, err := newAPIClient(apiURL, client, func(r *http.Request) {
		r.Header.Set("Accept", "application/vnd.github+json")
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	})
	if err != nil {
		return nil, err
	}
	return gitHub{apiClient: c}, nil
}

func (gitHub) Kind() Kind { return GitHub }

func (g gitHub) Releases(ctx context.Context, projectURL string) ([]Release, error) {
	owner, repo, err := Parse(projectURL)
	if err != nil {
		return nil, err
	}
	return getPages[Release](ctx, g.apiClient, fmt.Sprintf("repos/%s/%s/releases", owner, repo), nil)
}

func (g gitHub) ZipballURL(projectURL, tag string) (string, error) {
	owner, repo, err := Parse(projectURL)
	if err != nil {
		return "", err
	}
	return g.endpoint(fmt.Sprintf("repos/%s/%s/zipball/%s", owner, repo, url.PathEscape(tag)), nil), nil
}

func (g gitHub) RepoInfo(ctx context.Context, projectURL string) (RepoInfo, error) {
	owner, repo, err := Parse(projectURL)
	if err != nil {
		return RepoInfo{}, err
	}
	var info RepoInfo
	err = g.getJSON(ctx, fmt.Sprintf("repos/%s/%s", owner, repo), nil, &info)
	return info, err
}

// DownloadStats sums download counts of all release assets.
func (g gitHub) DownloadStats(ctx context.Context, projectURL string) (DownloadStats, error) {
	releases, err := g.Releases(ctx, projectURL)
	if err != nil {
		return DownloadStats{}, err
	}
	var total int
	for _, r := range releases {
		for _, a := range r.Assets {
			total += a.DownloadCount
		}
	}
	return DownloadStats{DownloadCount: total, Period: "all"}, nil
}

func (g gitHub) Webhooks(ctx context.Context, projectURL string) ([]Webhook, error) {
	owner, repo, err := Parse(projectURL)
	if err != nil {
		return nil, err
	}
	type hook struct {
		ID     int64    `json:"id"`
		Active bool     `json:"active"`
		Events []string `json:"events"`
		Config struct {
			URL string `json:"url"`
		} `json:"config"`
	}
	hooks, err := getPages[hook](ctx, g.apiClient, fmt.Sprintf("repos/%s/%s/hooks", owner, repo), nil)
	if err != nil {
		return nil, err
	}
	ret := make([]Webhook, 0, len(hooks))
	for _, h := range hooks {
		ret = append(ret, Webhook{ID: h.ID, URL: h.Config.URL, Active: h.Active, Events: h.Events})
	}
	return ret, nil
}
