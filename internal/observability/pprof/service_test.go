package pprof

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"taskd/pkg/zlog"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	c := &http.Client{Timeout: 3 * time.Second}
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(b)
}

func TestServeHealthStatusAndIndex(t *testing.T) {
	t.Parallel()

	status := func() any { return map[string]int{"queued": 2} }
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, status, zlog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	base := "http://" + s.Addr()

	if code, body := get(t, base+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("GET /healthz = (%d, %q), want (200, \"ok\")", code, body)
	}
	if code, body := get(t, base+"/statusz"); code != http.StatusOK || !strings.Contains(body, `"queued": 2`) {
		t.Fatalf("GET /statusz = (%d, %q), want the status payload", code, body)
	}
	if code, _ := get(t, base+"/debug/pprof/"); code != http.StatusOK {
		t.Fatalf("GET /debug/pprof/ = %d, want 200", code)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
}

func TestApplyTransitions(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, nil, zlog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() on disabled service error = %v", err)
	}
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr() = %q, want empty while disabled", got)
	}

	ctx := context.Background()
	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after enable via Apply")
	}
	if code, _ := get(t, "http://"+addr+"/healthz"); code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", code)
	}

	s.Apply(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr() = %q, want empty after disable via Apply", got)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)
}
