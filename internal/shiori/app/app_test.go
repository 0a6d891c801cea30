package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Shiori/internal/shiori/app"
	"github.com/bdobrica/Shiori/internal/shiori/channel"
	"github.com/bdobrica/Shiori/internal/shiori/config"
	"github.com/bdobrica/Shiori/internal/shiori/llm"
)

// stubChannel records deliveries and exposes the handler it was started
// with.
type stubChannel struct {
	mu      sync.Mutex
	handler channel.Handler
	started chan struct{}
	sent    []string
}

func newStubChannel() *stubChannel { return &stubChannel{started: make(chan struct{})} }

func (c *stubChannel) Name() string { return "stub" }

func (c *stubChannel) Start(_ context.Context, h channel.Handler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	close(c.started)
	return nil
}

func (c *stubChannel) Stop() {}

func (c *stubChannel) Deliver(_ context.Context, _ string, text string, _ []channel.Button) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return "1", nil
}

type echoProvider struct{}

func (echoProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "ok"}}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.DataDir = filepath.Join(dir, "memory")
	cfg.DatabasePath = filepath.Join(dir, "db", "shiori.db")
	return cfg
}

func TestNew_WiresComponents(t *testing.T) {
	ch := newStubChannel()
	a, err := app.New(testConfig(t), app.Options{Provider: echoProvider{}, Channels: []channel.Channel{ch}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-ch.started:
	case <-time.After(5 * time.Second):
		t.Fatal("channel not started")
	}
	if err := a.Bot().HandleSync(ctx, channel.Inbound{Channel: "stub", UserID: "stub:1", Text: "/help"}); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if n, err := a.UserCount(ctx); err != nil || n != 1 {
		t.Errorf("UserCount = %d, %v", n, err)
	}
	if a.ActiveSessions() != 1 {
		t.Errorf("ActiveSessions = %d, want 1", a.ActiveSessions())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RequiresAChannel(t *testing.T) {
	a, err := app.New(testConfig(t), app.Options{Channels: []channel.Channel{}})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	if err := a.Run(context.Background()); err == nil {
		t.Error("expected an error without channels")
	}
}

// fakeStatus satisfies the statusProvider interface.
type fakeStatus struct {
	sessions, users int
	notReady        error
}

func (f fakeStatus) ActiveSessions() int                      { return f.sessions }
func (f fakeStatus) UserCount(_ context.Context) (int, error) { return f.users, nil }
func (f fakeStatus) Ready(_ context.Context) error            { return f.notReady }

func TestHealthServer_Health(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", fakeStatus{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestHealthServer_Status(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", fakeStatus{sessions: 3, users: 7})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if int(resp["active_sessions"].(float64)) != 3 || int(resp["users"].(float64)) != 7 {
		t.Errorf("status = %v", resp)
	}
}

func TestHealthServer_Ready(t *testing.T) {
	tests := []struct {
		name     string
		notReady error
		wantCode int
	}{
		{"database up", nil, http.StatusOK},
		{"database down", errors.New("sql: database is closed"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := app.NewHealthServer("127.0.0.1:0", fakeStatus{notReady: tt.notReady})
			w := httptest.NewRecorder()
			hs.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestApp_ReadyFollowsDatabase(t *testing.T) {
	a, err := app.New(testConfig(t), app.Options{Channels: []channel.Channel{}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	a.Stop()
	if err := a.Ready(ctx); err == nil {
		t.Error("Ready should fail once the store is closed")
	}
}
