// Package executor runs the checks of one job against a prepared workspace.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/log"
	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/platform"
)

// ErrPrepare marks a job whose workspace could not be prepared. Such a job
// produces no result.
var ErrPrepare = errors.New("preparing workspace")

// Workspaces is implemented by workspace.Manager.
type Workspaces interface {
	Prepare(ctx context.Context, projectURL, accessToken, version string) (string, error)
	GenerateLockFiles(ctx context.Context, dir string)
	Cleanup(dir string) error
	SaveCwd() (func(), error)
}

// Platforms is implemented by platform.Selector.
type Platforms interface {
	For(projectURL, accessToken string) (platform.Adapter, error)
}

type Config struct {
	Registry   *check.Registry
	Workspaces Workspaces
	Platforms  Platforms
	Tools      map[string]model.Tool
	// CheckTimeout caps every single check, zero means no cap.
	CheckTimeout time.Duration
}

type Executor struct {
	registry     *check.Registry
	workspaces   Workspaces
	platforms    Platforms
	tools        map[string]model.Tool
	checkTimeout time.Duration
}

func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("executor: registry is nil")
	case cfg.Workspaces == nil:
		return nil, errors.New("executor: workspaces is nil")
	case cfg.CheckTimeout < 0:
		return nil, errors.New("executor: negative check timeout")
	}
	return &Executor{
		registry:     cfg.Registry,
		workspaces:   cfg.Workspaces,
		platforms:    cfg.Platforms,
		tools:        maps.Clone(cfg.Tools),
		checkTimeout: cfg.CheckTimeout,
	}, nil
}

// Execute prepares the workspace of job, runs its checks in order and removes
// the workspace. Only a preparation failure, wrapping ErrPrepare, fails the
// job as a whole; every check failure lands in its own scan_results slot.
func (e *Executor) Execute(ctx context.Context, job model.JobMessage) (model.ResultPayload, error) {
	payload := model.NewResultPayload(job)

	restore, err := e.workspaces.SaveCwd()
	if err != nil {
		return payload, fmt.Errorf("%w: %w", ErrPrepare, err)
	}
	defer restore()

	dir, err := e.workspaces.Prepare(ctx, payload.ProjectURL, job.AccessToken, job.VersionNumber())
	if err != nil {
		return payload, fmt.Errorf("%w: %w", ErrPrepare, err)
	}
	defer func() {
		if err := e.workspaces.Cleanup(dir); err != nil {
			slog.ErrorContext(ctx, "workspace cleanup failed", "path", dir, "error", err)
		}
	}()
	ctx = log.ContextAttrs(ctx, slog.String("workspace", dir))
	slog.DebugContext(ctx, "workspace prepared")

	e.workspaces.GenerateLockFiles(ctx, dir)

	env := &environment{
		executor: e,
		job:      job,
		url:      payload.ProjectURL,
		dir:      dir,
	}
	for _, id := range job.CommandList {
		d, ok := e.registry.Lookup(id)
		if !ok {
			slog.WarnContext(ctx, "unknown check: skipping", "check", id)
			continue
		}
		payload.ScanResults[id] = e.runCheck(log.ContextAttrs(ctx, slog.String("check", id)), d, env)
	}
	return payload, nil
}

// runCheck returns the value stored in the scan_results slot of d.
func (e *Executor) runCheck(ctx context.Context, d check.Descriptor, env *environment) any {
	start := time.Now()
	in, err := env.input(d)
	if err == nil {
		var res any
		res, err = e.call(ctx, d, in)
		if err == nil {
			slog.InfoContext(ctx, "check finished", "duration", time.Since(start).Round(time.Millisecond))
			if res == nil {
				return map[string]any{}
			}
			return res
		}
	}
	slog.ErrorContext(ctx, "check failed", "duration", time.Since(start).Round(time.Millisecond), "error", err)
	return model.ErrorResult{Error: err.Error()}
}

type outcome struct {
	res any
	err error
}

// call invokes the check in its own goroutine so a panic or an exceeded
// timeout is confined to the check. A check ignoring its context past the
// timeout is abandoned.
func (e *Executor) call(ctx context.Context, d check.Descriptor, in check.Input) (any, error) {
	if e.checkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.checkTimeout)
		defer cancel()
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		res, err := d.Run(ctx, in)
		done <- outcome{res: res, err: err}
	}()
	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("check timed out after %s: %w", e.checkTimeout, o.err)
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("check timed out after %s", e.checkTimeout)
		}
		return nil, ctx.Err()
	}
}

// environment holds per job inputs, the platform adapter is resolved once.
type environment struct {
	executor *Executor
	job      model.JobMessage
	url      string
	dir      string

	adapter    platform.Adapter
	adapterErr error
	resolved   bool
}

func (env *environment) resolvePlatform() (platform.Adapter, error) {
	if !env.resolved {
		env.resolved = true
		if env.executor.platforms == nil {
			env.adapterErr = fmt.Errorf("platform api: %w", check.ErrMissingInput)
		} else {
			env.adapter, env.adapterErr = env.executor.platforms.For(env.url, env.job.AccessToken)
		}
	}
	return env.adapter, env.adapterErr
}

// input assembles what d needs.
func (env *environment) input(d check.Descriptor) (check.Input, error) {
	in := check.Input{
		RepoPath:   env.dir,
		ProjectURL: env.url,
		CommitHash: env.job.CommitHash,
		Tools:      map[string]model.Tool{},
	}
	for _, n := range d.Needs {
		if section, ok := n.ConfigSection(); ok {
			t, ok := env.executor.tools[section]
			if !ok {
				return check.Input{}, fmt.Errorf("tools.%s: %w", section, check.ErrMissingInput)
			}
			in.Tools[section] = t
			continue
		}
		switch n {
		case check.NeedWorkspace:
		case check.NeedCommitHash:
			if env.job.CommitHash == "" {
				return check.Input{}, fmt.Errorf("commit_hash: %w", check.ErrMissingInput)
			}
		case check.NeedAccessToken:
			if env.job.AccessToken == "" {
				return check.Input{}, fmt.Errorf("access_token: %w", check.ErrMissingInput)
			}
			in.AccessToken = env.job.AccessToken
		case check.NeedPlatformAPI:
			a, err := env.resolvePlatform()
			if err != nil {
				return check.Input{}, err
			}
			in.Platform = a
		default:
			return check.Input{}, fmt.Errorf("unknown need %q", n)
		}
	}
	return in, nil
}
