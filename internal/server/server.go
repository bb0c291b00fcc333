// Package server exposes the capture controller over HTTP and WebSocket.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/boardcast/recorder/internal/health"
	"github.com/boardcast/recorder/internal/logging"
	"github.com/boardcast/recorder/internal/recording"
)

var log = logging.L("server")

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 120 * time.Second
	maxBodySize       = 1 << 20
)

// Recorder is the capture controller as seen by the HTTP layer.
type Recorder interface {
	Begin(ctx context.Context, req recording.BeginRequest) (string, error)
	Finish(ctx context.Context) (*recording.Result, error)
	Pause() error
	Resume() error
	Abort()
	Status() recording.StatusView
	Subscribe() (<-chan recording.Event, func())
	List(ctx context.Context) ([]string, error)
}

type Server struct {
	rec    Recorder
	health *health.Monitor
	token  string

	tick time.Duration

	mu      sync.Mutex
	httpSrv *http.Server
	conns   sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every API call.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithTickInterval overrides the status tick period of the event stream.
func WithTickInterval(d time.Duration) Option {
	return func(s *Server) { s.tick = d }
}

func New(rec Recorder, mon *health.Monitor, opts ...Option) *Server {
	s := &Server{
		rec:    rec,
		health: mon,
		tick:   time.Second,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewMonitor()
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/capture/offer", s.auth(s.handleOffer))
	mux.HandleFunc("POST /api/capture/stop", s.auth(s.handleStop))
	mux.HandleFunc("POST /api/capture/pause", s.auth(s.handlePause))
	mux.HandleFunc("POST /api/capture/resume", s.auth(s.handleResume))
	mux.HandleFunc("DELETE /api/capture", s.auth(s.handleAbort))
	mux.HandleFunc("GET /api/capture", s.auth(s.handleStatus))
	mux.HandleFunc("GET /api/capture/events", s.auth(s.handleEvents))
	mux.HandleFunc("GET /api/recordings", s.auth(s.handleRecordings))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return cors(mux)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	log.Info("listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, closes event streams and waits for
// in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.stop) })

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// authorized accepts the bearer header, or a token query parameter for
// browser WebSocket clients that cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	got := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	} else if r.URL.Path == "/api/capture/events" {
		got = r.URL.Query().Get("token")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", logging.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
