// internal/api/server.go
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/models"
	indextrace "bnpl-copilot/internal/workers/data-access/index-trace"
)

// Chatter answers one chat message.
type Chatter interface {
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

// TraceSearcher looks up a session's indexed traces.
type TraceSearcher interface {
	Execute(ctx context.Context, input *indextrace.Input) (*indextrace.Output, error)
}

// Options are the optional collaborators. A nil Traces makes the traces
// endpoint answer 503; a nil Ready always reports ready.
type Options struct {
	Traces   TraceSearcher
	Ready    func(ctx context.Context) error
	Gatherer prometheus.Gatherer
}

type Server struct {
	config   *Config
	chat     Chatter
	traces   TraceSearcher
	ready    func(ctx context.Context) error
	gatherer prometheus.Gatherer
	limiter  *sessionLimiter
	errors   *apperrors.ErrorHandler
	logger   logger.Logger
}

func NewServer(config *Config, chat Chatter, opts Options, log logger.Logger) *Server {
	log = log.Named("api")
	return &Server{
		config:   config,
		chat:     chat,
		traces:   opts.Traces,
		ready:    opts.Ready,
		gatherer: opts.Gatherer,
		limiter:  newSessionLimiter(config.RateLimitRPS, config.RateLimitBurst, config.LimiterIdle),
		errors:   apperrors.NewErrorHandler(log),
		logger:   log,
	}
}

// Handler returns the routed API with request logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	mux.HandleFunc("GET /api/sessions/{id}/traces", s.handleTraces)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return s.recoverer(s.accessLog(mux))
}

// Run serves until ctx is done, then drains in-flight requests for up to
// ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	defer s.limiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", map[string]interface{}{"address": s.config.Address})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("api shutting down", map[string]interface{}{"timeout": s.config.ShutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", map[string]interface{}{
			"method":              r.Method,
			"path":                r.URL.Path,
			"status":              rec.status,
			logger.FieldLatencyMs: time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic", map[string]interface{}{
					"path":  r.URL.Path,
					"panic": v,
				})
				writeError(w, &apperrors.StandardError{
					Code:      apperrors.ErrCodeInternal,
					Message:   "Unexpected error",
					Timestamp: time.Now().UTC(),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
