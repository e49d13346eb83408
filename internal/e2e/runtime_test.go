package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/taproom/internal/broker/brokertest"
	"github.com/mattjoyce/taproom/internal/config"
	"github.com/mattjoyce/taproom/internal/dispatch"
	"github.com/mattjoyce/taproom/internal/log"
	"github.com/mattjoyce/taproom/internal/plugin"
	"github.com/mattjoyce/taproom/internal/protocol"
	"github.com/mattjoyce/taproom/internal/updater"
)

const requestQueue = "echo.1.0.0.default"

type update struct {
	status     string
	output     string
	errorClass string
}

// controlPlane records request updates. While down every endpoint answers
// 503; rejectStatus makes updates carrying that status fail with a 500.
type controlPlane struct {
	down         atomic.Bool
	rejectStatus atomic.Value

	mu      sync.Mutex
	updates map[string][]update
}

func newControlPlane(t *testing.T) (*controlPlane, string) {
	t.Helper()
	cp := &controlPlane{updates: map[string][]update{}}
	cp.rejectStatus.Store("")

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if cp.down.Load() {
				http.Error(w, "maintenance", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"server_version":"3.0.0","api_version":"v1"}`))
	})
	r.Patch("/api/v1/requests/{id}", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Operations []struct {
				Path  string `json:"path"`
				Value string `json:"value"`
			} `json:"operations"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var u update
		for _, op := range body.Operations {
			switch op.Path {
			case "/status":
				u.status = op.Value
			case "/output":
				u.output = op.Value
			case "/error_class":
				u.errorClass = op.Value
			}
		}
		if u.status == cp.rejectStatus.Load().(string) {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		cp.mu.Lock()
		id := chi.URLParam(req, "id")
		cp.updates[id] = append(cp.updates[id], u)
		cp.mu.Unlock()
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return cp, srv.URL
}

func (cp *controlPlane) last(id string) (update, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	u := cp.updates[id]
	if len(u) == 0 {
		return update{}, false
	}
	return u[len(u)-1], true
}

func repoRoot(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

// startEcho runs the echo reference plugin against the fake broker and the
// given control plane.
func startEcho(t *testing.T, cpURL string, mutate func(*config.Config)) *brokertest.Broker {
	t.Helper()

	m, err := plugin.LoadManifest(filepath.Join(repoRoot(t), "plugins", "echo", "manifest.yaml"))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	registry, err := m.Registry(map[string]dispatch.HandlerFunc{
		"say": func(_ context.Context, params map[string]any) (any, error) {
			return params["message"], nil
		},
		"shout": func(_ context.Context, params map[string]any) (any, error) {
			msg, _ := params["message"].(string)
			return strings.ToUpper(msg), nil
		},
		"digest": func(context.Context, map[string]any) (any, error) { return nil, nil },
		"fail":   func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}

	cfg := config.Defaults()
	cfg.Plugin.Name = m.Name
	cfg.Plugin.Version = m.Version
	cfg.ControlPlane.URL = cpURL
	cfg.Broker.MaxConnectBackoff = time.Millisecond
	cfg.Broker.ReconnectDelay = 10 * time.Millisecond
	cfg.Updater.StartingTimeout = 10 * time.Millisecond
	cfg.Updater.MaxTimeout = 50 * time.Millisecond
	cfg.Updater.PollInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	b := brokertest.New()
	p, err := plugin.New(context.Background(), plugin.Options{
		Config:   cfg,
		Registry: registry,
		Dialer:   b,
		Logger:   log.Discard(),
	})
	if err != nil {
		t.Fatalf("plugin.New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()
	t.Cleanup(func() {
		p.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("plugin did not stop")
		}
	})
	return b
}

func send(t *testing.T, b *brokertest.Broker, id, command string, params map[string]any) {
	t.Helper()
	req := protocol.NewRequest(command, params)
	req.ID = id
	req.System = "echo"
	body, err := protocol.JSONCodec{}.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b.Enqueue(requestQueue, body, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEcho_RequestRoundTrip(t *testing.T) {
	cp, url := newControlPlane(t)
	b := startEcho(t, url, nil)

	send(t, b, "r1", "shout", map[string]any{"message": "hello"})
	waitFor(t, "SUCCESS update", func() bool {
		u, ok := cp.last("r1")
		return ok && u.status == "SUCCESS"
	})

	u, _ := cp.last("r1")
	if u.output != "HELLO" {
		t.Fatalf("output = %q, want HELLO", u.output)
	}
	cp.mu.Lock()
	statuses := len(cp.updates["r1"])
	cp.mu.Unlock()
	if statuses != 2 {
		t.Fatalf("expected IN_PROGRESS then SUCCESS, got %d updates", statuses)
	}
}

func TestEcho_SurvivesControlPlaneOutage(t *testing.T) {
	cp, url := newControlPlane(t)
	cp.down.Store(true)
	b := startEcho(t, url, nil)

	send(t, b, "r1", "say", map[string]any{"message": "still here"})

	// Connectivity failures republish without counting an attempt.
	waitFor(t, "republish during outage", func() bool { return len(b.Published()) >= 1 })
	pub := b.Published()[0]
	if got := pub.Msg.Headers[protocol.HeaderRetryAttempt]; got != int64(0) {
		t.Fatalf("retry_attempt = %v, want 0", got)
	}
	if got := pub.Msg.Headers[protocol.HeaderRequestID]; got != "r1" {
		t.Fatalf("request_id = %v, want r1", got)
	}

	cp.down.Store(false)
	waitFor(t, "SUCCESS after recovery", func() bool {
		u, ok := cp.last("r1")
		return ok && u.status == "SUCCESS"
	})
	u, _ := cp.last("r1")
	if u.output != "still here" {
		t.Fatalf("output = %q", u.output)
	}
}

func TestEcho_GivesUpAfterMaxAttempts(t *testing.T) {
	cp, url := newControlPlane(t)
	cp.rejectStatus.Store(string(protocol.StatusSuccess))
	b := startEcho(t, url, func(cfg *config.Config) { cfg.Updater.MaxAttempts = 2 })

	send(t, b, "r1", "say", map[string]any{"message": "never seen"})

	waitFor(t, "give-up update", func() bool {
		u, ok := cp.last("r1")
		return ok && u.status == "ERROR"
	})
	u, _ := cp.last("r1")
	if u.output != updater.GiveUpMessage {
		t.Fatalf("output = %q, want give-up message", u.output)
	}
	if u.errorClass != updater.GiveUpErrorClass {
		t.Fatalf("error_class = %q", u.errorClass)
	}

	// The give-up replaces the result; the command ran once.
	cp.mu.Lock()
	statuses := []string{}
	for _, u := range cp.updates["r1"] {
		statuses = append(statuses, u.status)
	}
	cp.mu.Unlock()
	if strings.Join(statuses, ",") != "IN_PROGRESS,ERROR" {
		t.Fatalf("statuses = %v", statuses)
	}

	var attempts []any
	for _, p := range b.Published() {
		attempts = append(attempts, p.Msg.Headers[protocol.HeaderRetryAttempt])
	}
	if len(attempts) != 2 || attempts[0] != int64(1) || attempts[1] != int64(2) {
		t.Fatalf("republished attempts = %v, want [1 2]", attempts)
	}
}

func TestEcho_SchemaViolationIsDiscarded(t *testing.T) {
	cp, url := newControlPlane(t)
	b := startEcho(t, url, nil)

	send(t, b, "r1", "say", map[string]any{"message": 12})
	waitFor(t, "nack", func() bool { return len(b.Nacked()) == 1 })

	if n := b.Nacked()[0]; n.Requeue {
		t.Fatalf("schema violation should not be requeued")
	}
	if _, ok := cp.last("r1"); ok {
		t.Fatalf("discarded request must not be reported")
	}
}
