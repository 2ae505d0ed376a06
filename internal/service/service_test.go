package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/oss-compass/openchecker/internal/auth"
	"github.com/oss-compass/openchecker/internal/broker/brokertest"
	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/service"

	"github.com/stretchr/testify/require"
)

func config(t *testing.T) model.Config {
	t.Helper()
	hash, err := auth.HashPassword("wonderland")
	require.NoError(t, err)
	cfg := model.DefaultConfig()
	cfg.Intake = &model.Intake{Addr: "127.0.0.1:0", SigningKey: "key", TokenExpire: "30m"}
	cfg.Users = []model.User{{ID: "1", Name: "alice", PasswordHash: hash, Capabilities: []string{auth.CapabilitySubmit}}}
	cfg.Worker.ReposDir = t.TempDir()
	cfg.Worker.StateDB = filepath.Join(t.TempDir(), "tasks.db")
	return cfg
}

func TestNewIntakeMissingSection(t *testing.T) {
	t.Parallel()
	cfg := config(t)
	cfg.Intake = nil
	_, err := service.NewIntake(t.Context(), cfg)
	require.EqualError(t, err, "config: intake section is missing")
}

func TestNewIntakeBadKey(t *testing.T) {
	t.Parallel()
	cfg := config(t)
	cfg.Intake.SigningKey = ""
	_, err := service.NewIntake(t.Context(), cfg)
	require.ErrorContains(t, err, "signing key is empty")
}

func TestIntakePublishes(t *testing.T) {
	t.Parallel()
	b := brokertest.New()
	in, err := service.NewIntake(t.Context(), config(t), service.WithDialer(b.Dial))
	require.NoError(t, err)
	srv := httptest.NewServer(in.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/auth", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "wonderland")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	var tok map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	_ = resp.Body.Close()

	req, err = http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/opencheck", strings.NewReader(
		`{"commands":["readme-checker"],"project_url":"https://github.com/a/b","callback_url":"https://cb.test/h"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok["access_token"])
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ready := b.Ready("opencheck")
	require.Len(t, ready, 1)
	job, err := model.DecodeJobMessage(ready[0])
	require.NoError(t, err)
	require.Equal(t, []string{"readme-checker"}, job.CommandList)
	require.NotEmpty(t, job.TaskID)
}

func TestIntakeRun(t *testing.T) {
	t.Parallel()
	in, err := service.NewIntake(t.Context(), config(t), service.WithDialer(brokertest.New().Dial))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- in.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerDeadLettersInvalid(t *testing.T) {
	t.Parallel()
	b := brokertest.New()
	w, err := service.NewWorker(t.Context(), config(t), service.WithDialer(b.Dial))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		_, ok := b.QueueArgs("opencheck")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, b.Enqueue("opencheck", []byte(`{"command_list":[]}`)))
	require.Eventually(t, func() bool {
		return slices.Contains(b.Events(), "dead-letter dead_letters")
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerBadSweep(t *testing.T) {
	t.Parallel()
	cfg := config(t)
	cfg.Worker.Sweep = &model.Sweep{Schedule: "every now and then", MaxAge: "6h"}
	w, err := service.NewWorker(t.Context(), cfg, service.WithDialer(brokertest.New().Dial))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})
	require.ErrorContains(t, w.Run(t.Context()), "worker.sweep.schedule")
}
