package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskd/internal/config"
	"taskd/pkg/sched"
	"taskd/pkg/zlog"
)

func build(t *testing.T, spec config.JobSpec) sched.WorkFunc[Result] {
	t.Helper()
	fn, err := NewBuilder(zlog.Nop()).Build(spec)
	if err != nil {
		t.Fatalf("Build(%q): %v", spec.Name, err)
	}
	return fn
}

func TestCommandSuccess(t *testing.T) {
	t.Parallel()
	fn := build(t, config.JobSpec{
		Name:    "hello",
		Kind:    "command",
		Command: []string{"/bin/sh", "-c", "echo hello"},
	})

	res, err := fn(context.Background(), nil)
	if err != nil {
		t.Fatalf("fn() error = %v", err)
	}
	if res.Output != "hello" {
		t.Fatalf("Output = %q, want %q", res.Output, "hello")
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Job != "hello" || res.Kind != "command" {
		t.Fatalf("result not stamped: %+v", res)
	}
}

func TestCommandNonZeroExit(t *testing.T) {
	t.Parallel()
	fn := build(t, config.JobSpec{
		Name:    "boom",
		Kind:    "command",
		Command: []string{"/bin/sh", "-c", "echo bad >&2; exit 3"},
	})

	res, err := fn(context.Background(), nil)
	if err == nil {
		t.Fatal("fn() error = nil, want exit failure")
	}
	if !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("error = %q, want it to mention exit status 3", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Output != "bad" {
		t.Fatalf("Output = %q, want %q", res.Output, "bad")
	}
	if sched.IsNoRetry(err) {
		t.Fatal("non-zero exit must stay retryable")
	}
}

func TestCommandNotFoundIsPermanent(t *testing.T) {
	t.Parallel()
	fn := build(t, config.JobSpec{
		Name:    "ghost",
		Kind:    "command",
		Command: []string{"no-such-binary-for-taskd-tests"},
	})

	_, err := fn(context.Background(), nil)
	if err == nil {
		t.Fatal("fn() error = nil, want lookup failure")
	}
	if !sched.IsNoRetry(err) {
		t.Fatalf("error = %v, want a no-retry failure", err)
	}
}

func TestCommandHonorsCancellation(t *testing.T) {
	t.Parallel()
	fn := build(t, config.JobSpec{
		Name:    "long",
		Kind:    "command",
		Command: []string{"sleep", "30"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := fn(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("fn() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestHTTPSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	fn := build(t, config.JobSpec{Name: "ping", Kind: "http", URL: srv.URL})
	res, err := fn(context.Background(), nil)
	if err != nil {
		t.Fatalf("fn() error = %v", err)
	}
	if res.HTTPStatus != http.StatusOK {
		t.Fatalf("HTTPStatus = %d, want %d", res.HTTPStatus, http.StatusOK)
	}
	if res.Output != "pong" {
		t.Fatalf("Output = %q, want %q", res.Output, "pong")
	}
}

func TestHTTPServerErrorIsRetryable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fn := build(t, config.JobSpec{Name: "flaky", Kind: "http", URL: srv.URL})
	res, err := fn(context.Background(), nil)
	if err == nil {
		t.Fatal("fn() error = nil, want http failure")
	}
	if !strings.Contains(err.Error(), "http 503") {
		t.Fatalf("error = %q, want it to mention http 503", err)
	}
	if res.HTTPStatus != http.StatusServiceUnavailable {
		t.Fatalf("HTTPStatus = %d, want 503", res.HTTPStatus)
	}
	if sched.IsNoRetry(err) {
		t.Fatal("5xx must stay retryable")
	}
}

func TestHTTPBadURLIsPermanent(t *testing.T) {
	t.Parallel()
	fn := build(t, config.JobSpec{Name: "bad", Kind: "http", URL: "://nowhere"})

	_, err := fn(context.Background(), nil)
	if err == nil {
		t.Fatal("fn() error = nil, want request build failure")
	}
	if !sched.IsNoRetry(err) {
		t.Fatalf("error = %v, want a no-retry failure", err)
	}
}

func TestSleepMetaAndCancellation(t *testing.T) {
	t.Parallel()

	short := build(t, config.JobSpec{
		Name: "nap",
		Kind: "sleep",
		Meta: json.RawMessage(`{"duration": "20ms"}`),
	})
	res, err := short(context.Background(), nil)
	if err != nil {
		t.Fatalf("fn() error = %v", err)
	}
	if res.Output != "slept 20ms" {
		t.Fatalf("Output = %q, want %q", res.Output, "slept 20ms")
	}

	long := build(t, config.JobSpec{
		Name: "hibernate",
		Kind: "sleep",
		Meta: json.RawMessage(`{"duration": "30s"}`),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if _, err := long(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("fn() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestTimeoutBoundsTheRun(t *testing.T) {
	t.Parallel()
	fn := build(t, config.JobSpec{
		Name:    "slowpoke",
		Kind:    "sleep",
		Timeout: "50ms",
		Meta:    json.RawMessage(`{"duration": "30s"}`),
	})

	start := time.Now()
	_, err := fn(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("fn() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestBuildRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	b := NewBuilder(zlog.Nop())

	cases := []struct {
		name string
		spec config.JobSpec
	}{
		{"unknown kind", config.JobSpec{Name: "x", Kind: "ftp"}},
		{"bad timeout", config.JobSpec{Name: "x", Kind: "sleep", Timeout: "never"}},
		{"bad sleep meta", config.JobSpec{Name: "x", Kind: "sleep", Meta: json.RawMessage(`{`)}},
		{"bad sleep duration", config.JobSpec{Name: "x", Kind: "sleep", Meta: json.RawMessage(`{"duration": "-3s"}`)}},
	}
	for _, tc := range cases {
		if _, err := b.Build(tc.spec); err == nil {
			t.Fatalf("%s: Build() = nil error, want failure", tc.name)
		}
	}
}
