// Package runner executes external analysis tools with a wall-clock cap.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/oss-compass/openchecker/internal/model"
)

var (
	ErrToolNotConfigured = errors.New("tool not configured")
	ErrTimeout           = errors.New("command timed out")
)

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path string
	Args []string
	// Env is appended to the environment of the current process.
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// FromTool builds a command from a tools config section. Configured args
// precede args.
func FromTool(tool model.Tool, args ...string) Command {
	cmd := Command{
		Path:    tool.Path,
		Args:    append(slices.Clone(tool.Args), args...),
		Timeout: tool.Timeout.Std(),
	}
	for _, k := range slices.Sorted(maps.Keys(tool.Env)) {
		cmd.Env = append(cmd.Env, k+"="+tool.Env[k])
	}
	return cmd
}

// Run starts the command and waits for it. Stderr lines are passed to
// stderrFunc, or logged at debug level when it is nil. A command exceeding
// its Timeout is killed and Result.Err wraps ErrTimeout.
func Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	res := Result{
		Path: proto.Path,
		Args: slices.Clone(proto.Args),
	}
	if proto.Path == "" {
		res.Err = ErrToolNotConfigured
		return res
	}

	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}
	if stderrFunc == nil {
		stderrFunc = func(ctx context.Context, line string) {
			slog.DebugContext(ctx, "stderr", "path", proto.Path, "line", line)
		}
	}

	cmd := exec.CommandContext(ctx, proto.Path, res.Args...)
	cmd.Dir = proto.Dir
	cmd.WaitDelay = time.Second
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.Err = err
		return res
	}
	var buf bytes.Buffer
	res.Stdout = &buf
	cmd.Stdout = &buf

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		return res
	}
	processStderr(ctx, stderr, stderrFunc)

	err = cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, res.Stopped.Sub(res.Started).Round(time.Millisecond), err)
	}
	res.Err = err
	return res
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
	// keep the pipe drained, a child blocked on stderr never exits
	_, _ = io.Copy(io.Discard, stderr)
}

// Output runs the command and returns its stdout, an error includes the exit status.
func Output(ctx context.Context, proto Command) ([]byte, error) {
	var lastLines []string
	res := Run(ctx, proto, func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "stderr", "path", proto.Path, "line", line)
		if len(lastLines) == 5 {
			lastLines = lastLines[1:]
		}
		lastLines = append(lastLines, line)
	})
	if res.Err != nil {
		if len(lastLines) > 0 {
			return nil, fmt.Errorf("running %s: %w: %s", proto.Path, res.Err, lastLines[len(lastLines)-1])
		}
		return nil, fmt.Errorf("running %s: %w", proto.Path, res.Err)
	}
	return res.Stdout.Bytes(), nil
}
