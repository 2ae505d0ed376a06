package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/platform"
)

type WebhookResult struct {
	Supported bool               `json:"supported"`
	Webhooks  []platform.Webhook `json:"webhooks"`
	Count     int                `json:"count"`
	Active    bool               `json:"has_active_webhook"`
}

// WebhookChecker lists repository webhooks. Listing usually needs an admin
// token of the repository.
func WebhookChecker(ctx context.Context, in check.Input) (any, error) {
	hooks, err := in.Platform.Webhooks(ctx, in.ProjectURL)
	if errors.Is(err, platform.ErrNotSupported) {
		return WebhookResult{Webhooks: []platform.Webhook{}}, nil
	}
	if err != nil {
		return nil, err
	}
	res := WebhookResult{Supported: true, Webhooks: hooks, Count: len(hooks)}
	if res.Webhooks == nil {
		res.Webhooks = []platform.Webhook{}
	}
	for _, h := range hooks {
		res.Active = res.Active || h.Active
	}
	return res, nil
}

type PackageInfoResult struct {
	Description   string `json:"description"`
	Homepage      string `json:"home_url"`
	DownloadCount *int   `json:"download_count"`
	Period        string `json:"download_count_period,omitempty"`
}

func PackageInfoChecker(ctx context.Context, in check.Input) (any, error) {
	info, err := in.Platform.RepoInfo(ctx, in.ProjectURL)
	if err != nil {
		return nil, err
	}
	res := PackageInfoResult{Description: info.Description, Homepage: info.Homepage}
	stats, err := in.Platform.DownloadStats(ctx, in.ProjectURL)
	switch {
	case errors.Is(err, platform.ErrNotSupported):
	case err != nil:
		return nil, err
	default:
		res.DownloadCount = &stats.DownloadCount
		res.Period = stats.Period
	}
	return res, nil
}

type URLResult struct {
	StatusCode int  `json:"status_code"`
	Accessible bool `json:"is_accessible"`
}

// URLChecker requests the project url.
func URLChecker(client *http.Client) check.Func {
	return func(ctx context.Context, in check.Input) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.ProjectURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return URLResult{
			StatusCode: resp.StatusCode,
			Accessible: resp.StatusCode >= 200 && resp.StatusCode < 400,
		}, nil
	}
}

type BadgeResult struct {
	BadgeLevel        string `json:"badge_level"`
	ProjectID         int    `json:"project_id,omitempty"`
	TieredPercentage  int    `json:"tiered_percentage,omitempty"`
	BestPracticesPage string `json:"url,omitempty"`
}

// BestPracticesBadge looks the project up in the OpenSSF Best Practices
// badge service at baseURL.
func BestPracticesBadge(client *http.Client, baseURL string) check.Func {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return func(ctx context.Context, in check.Input) (any, error) {
		u := baseURL + "/projects.json?" + url.Values{"url": {in.ProjectURL}}.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("best practices: unexpected status %d", resp.StatusCode)
		}
		var projects []struct {
			ID               int    `json:"id"`
			BadgeLevel       string `json:"badge_level"`
			TieredPercentage int    `json:"tiered_percentage"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&projects); err != nil {
			return nil, fmt.Errorf("decoding best practices response: %w", err)
		}
		if len(projects) == 0 {
			return BadgeResult{BadgeLevel: "none"}, nil
		}
		p := projects[0]
		return BadgeResult{
			BadgeLevel:        p.BadgeLevel,
			ProjectID:         p.ID,
			TieredPercentage:  p.TieredPercentage,
			BestPracticesPage: fmt.Sprintf("%s/projects/%d", baseURL, p.ID),
		}, nil
	}
}
