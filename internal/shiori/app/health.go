package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Shiori/common/version"
)

// HealthServer serves liveness, readiness and status probes. Shiori runs
// without it when HTTPAddr is empty.
//
//	GET /health  always 200 while the process is up
//	GET /ready   200 when the database answers, 503 otherwise
//	GET /status  build info, uptime, live sessions and known users
type HealthServer struct {
	addr      string
	status    statusProvider
	startedAt time.Time
	mux       *http.ServeMux
	server    *http.Server
}

// statusProvider is the slice of App the probes read.
type statusProvider interface {
	ActiveSessions() int
	UserCount(ctx context.Context) (int, error)
	Ready(ctx context.Context) error
}

type healthBody struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type readyBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type statusBody struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	Commit         string    `json:"commit"`
	BuildTime      string    `json:"build_time"`
	StartedAt      time.Time `json:"started_at"`
	UptimeSecs     float64   `json:"uptime_seconds"`
	ActiveSessions int       `json:"active_sessions"`
	Users          int       `json:"users"`
}

// NewHealthServer builds the probe handler for addr. Call Start to listen.
func NewHealthServer(addr string, sp statusProvider) *HealthServer {
	h := &HealthServer{
		addr:      addr,
		status:    sp,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("GET /ready", h.ready)
	h.mux.HandleFunc("GET /status", h.statusz)
	return h
}

// ServeHTTP implements http.Handler.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start listens on addr and serves in the background until ctx is done or
// Stop is called. A listen error is returned straight away.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}
	h.server = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	return nil
}

// Stop shuts the server down, waiting up to five seconds for open probes.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.status.Ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, readyBody{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, readyBody{Status: "ready"})
}

func (h *HealthServer) statusz(w http.ResponseWriter, r *http.Request) {
	body := statusBody{
		Status:         "ok",
		Version:        version.Version,
		Commit:         version.GitCommit,
		BuildTime:      version.BuildTime,
		StartedAt:      h.startedAt,
		UptimeSecs:     time.Since(h.startedAt).Seconds(),
		ActiveSessions: h.status.ActiveSessions(),
	}
	if n, err := h.status.UserCount(r.Context()); err == nil {
		body.Users = n
	} else {
		slog.Warn("status: count users", "err", err)
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: encode response", "err", err)
	}
}
