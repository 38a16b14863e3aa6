package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/jobengine/pkg/httpserver"
	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/monitor"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// Server serves the administrative HTTP surface of an engine.
type Server struct {
	engine    *queue.Engine
	monitor   *monitor.Aggregator
	logger    *slog.Logger
	heartbeat time.Duration
	checks    []httpserver.Check
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for request and error logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHeartbeat sets how often idle event streams receive a keep-alive comment. Default 15s.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithHealthCheck adds a named readiness check to /healthz.
func WithHealthCheck(name string, fn func(context.Context) error) Option {
	return func(s *Server) {
		if name != "" && fn != nil {
			s.checks = append(s.checks, httpserver.Check{Name: name, Fn: fn})
		}
	}
}

// New creates a server over engine and its monitor.
func New(engine *queue.Engine, agg *monitor.Aggregator, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, ErrEngineNil
	}
	if agg == nil {
		return nil, ErrMonitorNil
	}
	s := &Server{
		engine:    engine,
		monitor:   agg,
		logger:    slog.Default(),
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("adminapi"))
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", httpserver.HealthCheckHandler(s.logger, s.checks...))
	r.Get("/events", s.streamEvents)
	r.Get("/workers", s.workers)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.dashboard)
		r.Post("/", s.createJob)
		r.Delete("/", s.cleanJobs)

		r.Route("/{queue}", func(r chi.Router) {
			r.Get("/", s.queueInfo)
			r.Post("/", s.queueAction)
			r.Get("/{jobID}", s.jobDetails)
			r.Post("/{jobID}", s.jobAction)
			r.Delete("/{jobID}", s.removeJob)
		})
	})

	r.Route("/repeats", func(r chi.Router) {
		r.Get("/", s.listRepeats)
		r.Post("/", s.addRepeat)
		r.Delete("/{key}", s.removeRepeat)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, Response{Error: &ErrorDetail{Code: string(queue.KindNotFound), Message: "route not found"}})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: &ErrorDetail{Code: string(queue.KindInvalidArgument), Message: "method not allowed"}})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			logger.Duration(time.Since(start)))
	})
}
