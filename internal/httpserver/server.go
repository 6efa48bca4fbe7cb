package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Options configures the relay's HTTP surface.
type Options struct {
	Addr   string
	Logger *slog.Logger
	Build  BuildInfo

	// Sessions reports how many sessions are open. Nil reports zero.
	Sessions func() int
	// MaxSessions is the session table capacity. Zero means unlimited.
	MaxSessions int
}

// Server serves the operational endpoints and whatever else is registered on
// its mux, behind request-id, recovery and access-log handling.
type Server struct {
	log      *slog.Logger
	build    BuildInfo
	sessions func() int
	maxSess  int

	serving atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = func() int { return 0 }
	}
	s := &Server{
		log:      opts.Logger,
		build:    opts.Build,
		sessions: opts.Sessions,
		maxSess:  opts.MaxSessions,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /version", s.handleVersion)

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.instrument(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: client connections are upgraded to long-lived
		// WebSockets.
	}
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown stops accepting new connections. Upgraded WebSockets are hijacked
// and not tracked by net/http, so callers close those separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type readiness struct {
	Ready       bool   `json:"ready"`
	Sessions    int    `json:"sessions"`
	MaxSessions int    `json:"maxSessions,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// handleReadyz reports not ready while the server is not serving and while the
// session table is full, since a new client would be turned away.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	body := readiness{Ready: true, Sessions: s.sessions(), MaxSessions: s.maxSess}
	switch {
	case !s.serving.Load():
		body.Ready, body.Reason = false, "not serving"
	case s.maxSess > 0 && body.Sessions >= s.maxSess:
		body.Ready, body.Reason = false, "session table full"
	}
	status := http.StatusOK
	if !body.Ready {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, body)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.build)
}

// instrument assigns the request id, turns handler panics into 500s and logs
// one line per request. Operational endpoints are polled constantly, so they
// log at debug.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set(requestIDHeader, reqID)
		}
		w.Header().Set(requestIDHeader, reqID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic in http handler", "recover", rec, "request_id", reqID, "stack", string(debug.Stack()))
				if !sw.wrote {
					http.Error(sw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}

			level := slog.LevelInfo
			if isOperationalPath(r.URL.Path) {
				level = slog.LevelDebug
			}
			s.log.Log(r.Context(), level, "http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		}()

		next.ServeHTTP(sw, r)
	})
}

func isOperationalPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/version", "/metrics":
		return true
	}
	return false
}

// statusWriter records the response status. It forwards Hijack so WebSocket
// upgrades still work behind instrument.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.wrote = true
	return hj.Hijack()
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
