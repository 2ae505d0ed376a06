package intake_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oss-compass/openchecker/internal/auth"
	"github.com/oss-compass/openchecker/internal/broker"
	"github.com/oss-compass/openchecker/internal/intake"
	"github.com/oss-compass/openchecker/internal/model"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakePublisher struct {
	mu      sync.Mutex
	err     error
	pingErr error
	queues  []string
	sent    []broker.Message
}

func (f *fakePublisher) Publish(_ context.Context, queue string, msg broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queues = append(f.queues, queue)
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakePublisher) messages() ([]string, []broker.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queues...), append([]broker.Message(nil), f.sent...)
}

func (f *fakePublisher) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakePublisher) fail(publish, ping error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err, f.pingErr = publish, ping
}

type fixture struct {
	srv *httptest.Server
	dir *auth.Directory
	pub *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash := func(pw string) []byte {
		b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		require.NoError(t, err)
		return b
	}
	dir, err := auth.NewDirectory(
		auth.User{ID: "1", Name: "alice", PasswordHash: hash("wonderland"), Capabilities: []string{auth.CapabilitySubmit}},
		auth.User{ID: "2", Name: "bob", PasswordHash: hash("builder")},
	)
	require.NoError(t, err)
	iss, err := auth.NewIssuer([]byte("signing key"), 30*time.Minute, dir)
	require.NoError(t, err)
	pub := &fakePublisher{}
	s, err := intake.New(intake.Config{
		Directory: dir,
		Issuer:    iss,
		Publisher: pub,
		Queue:     "opencheck",
		MaxBody:   4096,
		NewID:     func() string { return "task-1" },
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, dir: dir, pub: pub}
}

func (f *fixture) do(t *testing.T, method, path, token string, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	return resp.StatusCode, got
}

func (f *fixture) sent() []broker.Message {
	_, sent := f.pub.messages()
	return sent
}

func (f *fixture) token(t *testing.T, name, password string) string {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": name, "password": password})
	require.NoError(t, err)
	status, got := f.do(t, http.MethodPost, "/auth", "", string(body))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Bearer", got["token_type"])
	return got["access_token"].(string)
}

const valid = `{"commands":["url-checker"],"project_url":"https://example.test/a/b","callback_url":"https://cb.test/h","task_metadata":{"version_number":"v1.0"}}`

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("json body", func(t *testing.T) {
		require.NotEmpty(t, f.token(t, "alice", "wonderland"))
	})

	t.Run("basic auth", func(t *testing.T) {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, f.srv.URL+"/auth", nil)
		require.NoError(t, err)
		req.SetBasicAuth("alice", "wonderland")
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	var testCases = []struct {
		scenario string
		given    string
	}{
		{scenario: "wrong password", given: `{"username":"alice","password":"nope"}`},
		{scenario: "unknown user", given: `{"username":"mallory","password":"wonderland"}`},
		{scenario: "garbage", given: `not json`},
		{scenario: "empty", given: `{}`},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			status, got := f.do(t, http.MethodPost, "/auth", "", tc.given)
			require.Equal(t, http.StatusUnauthorized, status)
			require.Equal(t, map[string]any{"error": "invalid credentials"}, got)
		})
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := f.token(t, "alice", "wonderland")

	status, got := f.do(t, http.MethodPost, "/opencheck", tok, valid)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, map[string]any{"message": "Message received, processing.", "task_id": "task-1"}, got)

	queues, sent := f.pub.messages()
	require.Equal(t, []string{"opencheck"}, queues)
	require.Len(t, sent, 1)
	require.Equal(t, "task-1", sent[0].ID)
	job, err := model.DecodeJobMessage(sent[0].Body)
	require.NoError(t, err)
	require.Equal(t, "task-1", job.TaskID)
	require.Equal(t, []string{"url-checker"}, job.CommandList)
	require.Equal(t, "https://example.test/a/b", job.ProjectURL)
	require.Equal(t, "https://cb.test/h", job.CallbackURL)
	require.Equal(t, "v1.0", job.VersionNumber())
}

func TestSubmitInvalid(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     []any
	}{
		{
			scenario: "everything wrong",
			given:    `{"commands":[],"project_url":"http://example.test/a/b","callback_url":"/relative","task_metadata":[1]}`,
			then: []any{
				"commands: must be a non empty array of strings",
				"project_url: scheme must be https",
				"callback_url: must be an absolute url",
				"task_metadata: must be an object",
			},
		},
		{
			scenario: "missing fields",
			given:    `{"commands":["url-checker",""]}`,
			then: []any{
				"commands[1]: must not be empty",
				"project_url: is required",
				"callback_url: is required",
			},
		},
		{
			scenario: "commands not strings",
			given:    `{"commands":[1],"project_url":"https://example.test/a/b","callback_url":"https://cb.test/h"}`,
			then:     []any{"commands: unexpected number"},
		},
		{
			scenario: "not json",
			given:    `{"commands":`,
			then:     []any{"body: is not valid json"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tok := f.token(t, "alice", "wonderland")
			status, got := f.do(t, http.MethodPost, "/opencheck", tok, tc.given)
			require.Equal(t, http.StatusBadRequest, status)
			require.Equal(t, "invalid submission", got["error"])
			require.Equal(t, tc.then, got["problems"])
			require.Empty(t, f.sent())
		})
	}
}

func TestSubmitTooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := f.token(t, "alice", "wonderland")
	body := `{"commands":["url-checker"],"project_url":"https://example.test/a/b","callback_url":"https://cb.test/h","task_metadata":{"pad":"` +
		strings.Repeat("x", 8192) + `"}}`
	status, _ := f.do(t, http.MethodPost, "/opencheck", tok, body)
	require.Equal(t, http.StatusRequestEntityTooLarge, status)
	require.Empty(t, f.sent())
}

func TestSubmitBrokerDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pub.fail(errors.New("connection refused"), nil)
	tok := f.token(t, "alice", "wonderland")
	status, got := f.do(t, http.MethodPost, "/opencheck", tok, valid)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "broker unavailable", got["error"])
}

func TestSubmitAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice := f.token(t, "alice", "wonderland")
	bob := f.token(t, "bob", "builder")

	status, _ := f.do(t, http.MethodPost, "/opencheck", "", valid)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/opencheck", "not.a.token", valid)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/opencheck", bob, valid)
	require.Equal(t, http.StatusForbidden, status)

	// a valid signature of a user removed after issuance is rejected
	f.dir.Remove("1")
	status, got := f.do(t, http.MethodPost, "/opencheck", alice, valid)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "invalid token", got["error"])
	require.Empty(t, f.sent())
}

func TestEcho(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := f.token(t, "bob", "builder")

	status, got := f.do(t, http.MethodPost, "/test?x=1", tok, `{"hello":"world"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "POST", got["method"])
	require.Equal(t, "2", got["user_id"])
	require.Equal(t, map[string]any{"hello": "world"}, got["body"])
	require.Equal(t, map[string]any{"x": []any{"1"}}, got["query"])

	status, got = f.do(t, http.MethodGet, "/test", tok, "")
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, got["body"])

	status, _ = f.do(t, http.MethodGet, "/test", "", "")
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	status, got := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", got["status"])

	f.pub.fail(nil, errors.New("down"))
	status, _ = f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestNew(t *testing.T) {
	t.Parallel()
	_, err := intake.New(intake.Config{})
	require.Error(t, err)
}

func TestProblems(t *testing.T) {
	t.Parallel()
	s := intake.Submission{
		Commands:     []string{"url-checker"},
		ProjectURL:   "https://example.test/a/b",
		CallbackURL:  "http://cb.test/h",
		TaskMetadata: json.RawMessage(bytes.TrimSpace([]byte(" null "))),
	}
	require.Empty(t, s.Problems())
	require.JSONEq(t, `{}`, string(s.Job("id").TaskMetadata))
}
