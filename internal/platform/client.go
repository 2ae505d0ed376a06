package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 15 * time.Second
	perPage        = 100
	maxPages       = 10
)

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

// apiClient carries the http plumbing shared by the adapters.
type apiClient struct {
	base   *url.URL
	client *http.Client
	// authorize adds credentials to an outgoing request
	authorize func(*http.Request)
}

func newAPIClient(baseURL string, client *http.Client, authorize func(*http.Request)) (apiClient, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return apiClient{}, fmt.Errorf("parsing api url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return apiClient{}, fmt.Errorf("api url %q: scheme and host are required", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if authorize == nil {
		authorize = func(*http.Request) {}
	}
	return apiClient{base: base, client: client, authorize: authorize}, nil
}

func (c apiClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

func (c apiClient) do(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() {
			_ = resp.Body.Close()
		}()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{URL: redact(rawURL), StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

func (c apiClient) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	resp, err := c.do(ctx, c.endpoint(path, query))
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// getPages follows page/per_page pagination until a short page is returned.
func getPages[T any](ctx context.Context, c apiClient, path string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	var ret []T
	for page := 1; page <= maxPages; page++ {
		query.Set("per_page", strconv.Itoa(perPage))
		query.Set("page", strconv.Itoa(page))
		var batch []T
		if err := c.getJSON(ctx, path, query, &batch); err != nil {
			return nil, err
		}
		ret = append(ret, batch...)
		if len(batch) < perPage {
			return ret, nil
		}
	}
	slog.WarnContext(ctx, "pagination limit reached", "path", path, "pages", maxPages)
	return ret, nil
}

func (c apiClient) Download(ctx context.Context, rawURL string, w io.Writer) error {
	resp, err := c.do(ctx, rawURL)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("downloading %s: %w", redact(rawURL), err)
	}
	return nil
}

// redact hides access tokens passed in the query string.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "xxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
