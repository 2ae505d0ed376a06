package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oss-compass/openchecker/internal/model"

	"github.com/cenkalti/backoff/v4"
)

const contentType = "application/json"

// StatusError is a non 2xx callback response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback status code: %d, body: %s", e.StatusCode, e.Body)
}

// CallbackClient POSTs result payloads, retrying with exponential backoff.
type CallbackClient struct {
	client          *http.Client
	timeout         time.Duration
	maxRetries      uint64
	initialInterval time.Duration
}

func NewCallbackClient(cfg model.Callback, client *http.Client) *CallbackClient {
	if client == nil {
		client = &http.Client{}
	}
	c := &CallbackClient{
		client:          client,
		timeout:         cfg.Timeout.Std(),
		maxRetries:      uint64(max(cfg.MaxRetries, 0)),
		initialInterval: cfg.InitialInterval.Std(),
	}
	if c.initialInterval <= 0 {
		c.initialInterval = time.Second
	}
	return c
}

// Notify delivers payload to callbackURL. It gives up after the configured
// number of retries and returns the last error.
func (c *CallbackClient) Notify(ctx context.Context, callbackURL string, payload model.ResultPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding result payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return c.post(ctx, callbackURL, raw)
	}
	notify := func(err error, next time.Duration) {
		slog.WarnContext(ctx, "callback failed: retrying",
			"attempt", attempt,
			"retry_in", next.Round(time.Millisecond).String(),
			"error", err,
		)
	}
	err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx), notify)
	if err != nil {
		return fmt.Errorf("callback failed after %d attempts: %w", attempt, err)
	}
	slog.DebugContext(ctx, "callback delivered", "attempt", attempt)
	return nil
}

func (c *CallbackClient) post(ctx context.Context, callbackURL string, raw []byte) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(raw))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return err
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
