package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oss-compass/openchecker/internal/auth"
	"github.com/oss-compass/openchecker/internal/broker"
	"github.com/oss-compass/openchecker/internal/broker/brokertest"
	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/checks"
	"github.com/oss-compass/openchecker/internal/executor"
	"github.com/oss-compass/openchecker/internal/intake"
	"github.com/oss-compass/openchecker/internal/log"
	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/platform"
	"github.com/oss-compass/openchecker/internal/worker"
	"github.com/oss-compass/openchecker/internal/workspace"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var topology = broker.Topology{Queue: "opencheck", DeadLetterQueue: "dead_letters"}

// rewrite routes requests for the fake hosts to local test servers.
func rewrite(hosts map[string]string) *http.Client {
	return &http.Client{Timeout: 10 * time.Second, Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		target, ok := hosts[r.URL.Host]
		if !ok {
			return nil, fmt.Errorf("unexpected host %s", r.URL.Host)
		}
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		r = r.Clone(r.Context())
		r.URL.Scheme, r.URL.Host, r.Host = u.Scheme, u.Host, u.Host
		return http.DefaultTransport.RoundTrip(r)
	})}
}

func sourceRepo(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("# b\n"), 0o644))
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.test", When: time.Now()},
	})
	require.NoError(t, err)
	return src
}

type pipeline struct {
	intake    *httptest.Server
	broker    *brokertest.Broker
	callbacks chan map[string]any
	root      string
	client    *http.Client
}

// newPipeline wires intake, broker, worker, executor and workspace
// together. registry may be nil for the default checks.
func newPipeline(t *testing.T, cloneSrc string, registry func(*http.Client) *check.Registry) *pipeline {
	t.Helper()
	p := &pipeline{
		broker:    brokertest.New(),
		callbacks: make(chan map[string]any, 4),
		root:      t.TempDir(),
	}

	project := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(project.Close)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.callbacks <- got
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(callback.Close)
	p.client = rewrite(map[string]string{"example.test": project.URL, "cb.test": callback.URL})

	hash, err := bcrypt.GenerateFromPassword([]byte("wonderland"), bcrypt.MinCost)
	require.NoError(t, err)
	dir, err := auth.NewDirectory(auth.User{ID: "1", Name: "alice", PasswordHash: hash, Capabilities: []string{auth.CapabilitySubmit}})
	require.NoError(t, err)
	iss, err := auth.NewIssuer([]byte("key"), time.Hour, dir)
	require.NoError(t, err)
	pub := broker.NewPublisher(p.broker.Dial, topology)
	t.Cleanup(func() {
		_ = pub.Close()
	})
	in, err := intake.New(intake.Config{Directory: dir, Issuer: iss, Publisher: pub, Queue: topology.Queue})
	require.NoError(t, err)
	p.intake = httptest.NewServer(in.Handler())
	t.Cleanup(p.intake.Close)

	var reg *check.Registry
	if registry != nil {
		reg = registry(p.client)
	} else {
		reg, err = checks.Default(checks.Options{HTTPClient: p.client})
		require.NoError(t, err)
	}
	ws, err := workspace.New(p.root, nil, workspace.WithCloneURL(func(string) string { return cloneSrc }))
	require.NoError(t, err)
	exec, err := executor.New(executor.Config{
		Registry:     reg,
		Workspaces:   ws,
		Platforms:    platform.NewSelector(model.Platforms{}, p.client),
		CheckTimeout: time.Minute,
	})
	require.NoError(t, err)
	w, err := worker.New(worker.Config{
		Executor: exec,
		Notifier: worker.NewCallbackClient(model.Callback{Timeout: "10s", MaxRetries: 1}, p.client),
	})
	require.NoError(t, err)

	consumer := broker.NewConsumer(p.broker.Dial, broker.ConsumerConfig{
		Topology:       topology,
		Name:           "e2e",
		Heartbeat:      30 * time.Second,
		ReconnectDelay: time.Minute,
		Tick:           time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, consumer)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return p
}

func (p *pipeline) submit(t *testing.T, commands ...string) string {
	t.Helper()
	resp, err := p.intake.Client().Post(p.intake.URL+"/auth", "application/json",
		strings.NewReader(`{"username":"alice","password":"wonderland"}`))
	require.NoError(t, err)
	var tok map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	_ = resp.Body.Close()

	body, err := json.Marshal(map[string]any{
		"commands":      commands,
		"project_url":   "https://example.test/a/b",
		"callback_url":  "https://cb.test/h",
		"task_metadata": map[string]any{"source": "e2e"},
	})
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, p.intake.URL+"/opencheck", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok["access_token"].(string))
	resp, err = p.intake.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "Message received, processing.", got["message"])
	return got["task_id"].(string)
}

func (p *pipeline) callback(t *testing.T) map[string]any {
	t.Helper()
	select {
	case got := <-p.callbacks:
		return got
	case <-time.After(30 * time.Second):
		t.Fatal("no callback received")
		return nil
	}
}

func (p *pipeline) waitEvent(t *testing.T, event string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Contains(p.broker.Events(), event)
	}, 30*time.Second, 5*time.Millisecond)
}

func (p *pipeline) requireCleanRoot(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(p.root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

var accessible = map[string]any{"status_code": float64(200), "is_accessible": true}

func TestPipelineHappyPath(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, sourceRepo(t), nil)
	taskID := p.submit(t, "url-checker")

	got := p.callback(t)
	require.Equal(t, taskID, got["task_id"])
	require.Equal(t, "https://example.test/a/b", got["project_url"])
	require.Equal(t, []any{"url-checker"}, got["command_list"])
	require.Equal(t, map[string]any{"source": "e2e"}, got["task_metadata"])
	require.Equal(t, map[string]any{"url-checker": accessible}, got["scan_results"])
	p.waitEvent(t, "ack 1")
	p.requireCleanRoot(t)
	require.Empty(t, p.broker.Ready("dead_letters"))
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// Not parallel, it replaces the default logger.
func TestPipelineUnknownCheck(t *testing.T) {
	logs := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(log.NewContextHandler(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	t.Cleanup(func() {
		slog.SetDefault(prev)
	})

	p := newPipeline(t, sourceRepo(t), nil)
	p.submit(t, "does-not-exist", "url-checker")

	got := p.callback(t)
	require.Equal(t, map[string]any{"url-checker": accessible}, got["scan_results"])
	p.waitEvent(t, "ack 1")

	var warned bool
	for line := range strings.SplitSeq(strings.TrimSpace(logs.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["level"] == "WARN" && rec["check"] == "does-not-exist" {
			warned = true
		}
	}
	require.True(t, warned, "expected a warning for the unknown check")
}

func TestPipelineFailingCheck(t *testing.T) {
	t.Parallel()
	registry := func(client *http.Client) *check.Registry {
		reg, err := check.NewRegistry(
			check.Descriptor{
				ID:    "binary-checker",
				Needs: []check.Need{check.NeedWorkspace},
				Run: func(context.Context, check.Input) (any, error) {
					panic("binary scanner exploded")
				},
			},
			check.Descriptor{ID: "url-checker", Run: checks.URLChecker(client)},
		)
		require.NoError(t, err)
		return reg
	}
	p := newPipeline(t, sourceRepo(t), registry)
	p.submit(t, "binary-checker", "url-checker")

	got := p.callback(t)
	results := got["scan_results"].(map[string]any)
	require.Equal(t, accessible, results["url-checker"])
	failed := results["binary-checker"].(map[string]any)
	require.Len(t, failed, 1)
	require.Contains(t, failed["error"], "binary scanner exploded")
	p.waitEvent(t, "ack 1")
	p.requireCleanRoot(t)
}

func TestPipelineFatalPreparation(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, filepath.Join(t.TempDir(), "missing"), nil)
	p.submit(t, "url-checker")

	p.waitEvent(t, "dead-letter dead_letters")
	require.Contains(t, p.broker.Events(), "nack 1 requeue=false")
	require.NotContains(t, p.broker.Events(), "ack 1")
	require.Len(t, p.broker.Ready("dead_letters"), 1)
	require.Empty(t, p.callbacks)
	p.requireCleanRoot(t)
}
