// Package jobs turns configured job specs into scheduler work functions.
//
// Three kinds are supported: "command" runs an argv with the task context
// as its kill switch, "http" issues a GET with the same context, and
// "sleep" is a demo workload for smoke tests. A per-job timeout, when
// configured, wraps the work function; the scheduler itself never imposes
// deadlines.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/pkg/sched"
	"taskd/pkg/zlog"
)

// maxOutput caps captured command output and response bodies. History rows
// and log lines must stay small.
const maxOutput = 16 << 10

// Result is what one job run leaves behind.
type Result struct {
	Job    string `json:"job"`
	Kind   string `json:"kind"`
	Output string `json:"output,omitempty"`

	// ExitCode is set for kind "command"; HTTPStatus for kind "http".
	ExitCode   int `json:"exit_code,omitempty"`
	HTTPStatus int `json:"http_status,omitempty"`
}

// Builder constructs work functions. One Builder is shared by every job so
// HTTP jobs reuse a single client and its connection pool.
type Builder struct {
	client *http.Client
	log    zlog.Logger
}

// NewBuilder returns a Builder. The HTTP client carries no global timeout;
// per-job timeouts and the task cancellation context bound each request.
func NewBuilder(log zlog.Logger) *Builder {
	return &Builder{
		client: &http.Client{},
		log:    log,
	}
}

// Build compiles a validated spec into a work function. The spec's kind,
// meta and timeout are checked here so a bad job fails at config time, not
// on its first scheduled run.
func (b *Builder) Build(spec config.JobSpec) (sched.WorkFunc[Result], error) {
	var run func(ctx context.Context) (Result, error)
	switch spec.Kind {
	case "command":
		run = b.runCommand(spec)
	case "http":
		run = b.runHTTP(spec)
	case "sleep":
		var err error
		run, err = b.runSleep(spec)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("job %q: unknown kind %q", spec.Name, spec.Kind)
	}

	timeout, err := config.ParseDurationField("timeout", spec.Timeout)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", spec.Name, err)
	}

	name, kind := spec.Name, spec.Kind
	return func(ctx context.Context, _ any) (Result, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := run(ctx)
		res.Job, res.Kind = name, kind
		return res, err
	}, nil
}

func (b *Builder) runCommand(spec config.JobSpec) func(context.Context) (Result, error) {
	argv := append([]string(nil), spec.Command...)
	name := spec.Name
	return func(ctx context.Context) (Result, error) {
		b.log.Debug("exec", zlog.String("job", name), zlog.String("bin", argv[0]))
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		// Children that inherit the pipes can otherwise hold Wait open
		// long after the process itself was killed.
		cmd.WaitDelay = 15 * time.Second
		out, err := cmd.CombinedOutput()

		res := Result{Output: capOutput(out)}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			// Killed by the cancellation token or the job timeout; the
			// raw "signal: killed" would misreport it as a crash.
			return res, ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return res, sched.NoRetry(fmt.Errorf("%s: %w", argv[0], err))
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return res, fmt.Errorf("%s: exit status %d", argv[0], ee.ExitCode())
		}
		return res, err
	}
}

func (b *Builder) runHTTP(spec config.JobSpec) func(context.Context) (Result, error) {
	url, name := spec.URL, spec.Name
	return func(ctx context.Context) (Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return Result{}, sched.NoRetry(fmt.Errorf("build request: %w", err))
		}
		b.log.Debug("http get", zlog.String("job", name), zlog.String("url", url))
		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
		res := Result{HTTPStatus: resp.StatusCode, Output: capOutput(body)}
		if resp.StatusCode >= http.StatusBadRequest {
			return res, fmt.Errorf("GET %s: http %d", url, resp.StatusCode)
		}
		return res, nil
	}
}

// runSleep parses an optional {"duration": "2s"} out of the job meta;
// the default is one second.
func (b *Builder) runSleep(spec config.JobSpec) (func(context.Context) (Result, error), error) {
	d := time.Second
	if len(spec.Meta) > 0 {
		var m struct {
			Duration string `json:"duration"`
		}
		if err := json.Unmarshal(spec.Meta, &m); err != nil {
			return nil, fmt.Errorf("job %q: meta: %w", spec.Name, err)
		}
		if m.Duration != "" {
			parsed, err := config.ParseDurationField("meta.duration", m.Duration)
			if err != nil {
				return nil, fmt.Errorf("job %q: %w", spec.Name, err)
			}
			if parsed > 0 {
				d = parsed
			}
		}
	}
	return func(ctx context.Context) (Result, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
			return Result{Output: "slept " + d.String()}, nil
		}
	}, nil
}

func capOutput(b []byte) string {
	if len(b) > maxOutput {
		b = b[:maxOutput]
	}
	return strings.TrimSpace(string(b))
}
