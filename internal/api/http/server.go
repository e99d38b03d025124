package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/subproc/internal/api"
	"github.com/Paintersrp/subproc/internal/metrics"
)

const (
	defaultAddr            = "127.0.0.1:7664"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	signalPrefix = "/api/v1/signal/"
)

// statusClientClosed is the nginx convention for a client that went away
// before the response was ready.
const statusClientClosed = 499

// Config controls construction of the API server.
type Config struct {
	Addr              string
	Controller        api.Controller
	Listener          net.Listener
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server exposes subprocess status, signalling and Prometheus metrics over
// HTTP while a run is in progress.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
}

// endpoint answers one API call. details are attached to error responses.
type endpoint func(r *http.Request) (payload any, details map[string]any, err error)

// NewServer constructs a Server. Addr defaults to loopback.
func NewServer(cfg Config) (*Server, error) {
	if isNil(cfg.Controller) {
		if cfg.Controller != nil {
			return nil, fmt.Errorf("controller is required (got nil %T)", cfg.Controller)
		}
		return nil, errors.New("controller is required")
	}
	s := &Server{
		ctrl:            cfg.Controller,
		listener:        cfg.Listener,
		shutdownTimeout: durationOr(cfg.ShutdownTimeout, defaultShutdownTimeout),
	}
	s.srv = &http.Server{
		Addr:              normalizeAddr(cfg.Addr),
		Handler:           s.routes(),
		ReadHeaderTimeout: durationOr(cfg.ReadHeaderTimeout, defaultReadHeader),
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	serveErr := make(chan error, 1)
	go func() {
		if s.listener != nil {
			serveErr <- s.srv.Serve(s.listener)
			return
		}
		serveErr <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return ignoreClosed(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return ignoreClosed(<-serveErr)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

func (s *Server) routes() http.Handler {
	metrics.EmitBuildInfo()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/api/v1/status", serve(http.MethodGet, s.status))
	mux.Handle(signalPrefix, serve(http.MethodPost, s.signal))
	return mux
}

func (s *Server) status(r *http.Request) (any, map[string]any, error) {
	report, err := s.ctrl.Status(r.Context())
	return report, nil, err
}

func (s *Server) signal(r *http.Request) (any, map[string]any, error) {
	name := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, signalPrefix))
	details := map[string]any{"signal": name}
	if name == "" || strings.Contains(name, "/") {
		return nil, details, fmt.Errorf("%w: invalid signal path", api.ErrUnknownSignal)
	}
	result, err := s.ctrl.Signal(r.Context(), name)
	if err != nil {
		return nil, details, err
	}
	return map[string]any{"signal": result}, nil, nil
}

func serve(method string, fn endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{
				Code:    "method_not_allowed",
				Message: fmt.Sprintf("method %s not allowed", r.Method),
			})
			return
		}
		payload, details, err := fn(r)
		if err != nil {
			writeError(w, err, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, err error, extra map[string]any) {
	status, code := classifyError(err)
	details := map[string]any{"timestamp": time.Now().UTC()}
	for k, v := range extra {
		details[k] = v
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error(), Details: details})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return statusClientClosed, "context_canceled"
	case errors.Is(err, stdcontext.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, api.ErrUnknownSignal):
		return http.StatusNotFound, "unknown_signal"
	case errors.Is(err, api.ErrNotStarted):
		return http.StatusConflict, "not_started"
	case errors.Is(err, api.ErrNotRunning):
		return http.StatusConflict, "not_running"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// normalizeAddr binds a bare ":port" to loopback. Unparseable values are
// passed through for net.Listen to reject.
func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func isNil(ctrl api.Controller) bool {
	if ctrl == nil {
		return true
	}
	v := reflect.ValueOf(ctrl)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
