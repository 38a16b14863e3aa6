package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

type (
	// Handler executes jobs with a given name. The returned value is stored
	// as the job result after JSON encoding.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (any, error)
	}

	// ProgressFunc records progress of the running job.
	ProgressFunc func(ctx context.Context, p Progress) error

	// TaskHandlerFunc handles a decoded payload.
	TaskHandlerFunc[T, R any] func(ctx context.Context, payload T, progress ProgressFunc) (R, error)
)

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (any, error)
}

// NewHandlerFunc returns a Handler named name that calls fn.
func NewHandlerFunc(name string, fn func(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (any, error)) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string { return h.name }

func (h *HandlerFunc) Handle(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (any, error) {
	return h.fn(ctx, payload, progress)
}

// NewTaskHandler wraps a typed function. Payloads that fail to decode fail
// the job permanently since retrying cannot fix them.
func NewTaskHandler[T, R any](name string, handler TaskHandlerFunc[T, R]) Handler {
	return &taskHandler[T, R]{name: name, handler: handler}
}

type taskHandler[T, R any] struct {
	name    string
	handler TaskHandlerFunc[T, R]
}

func (h *taskHandler[T, R]) Name() string {
	return h.name
}

func (h *taskHandler[T, R]) Handle(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (any, error) {
	var t T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, Permanent(fmt.Errorf("decode %s payload: %w", h.name, err))
		}
	}
	return h.handler(ctx, t, progress)
}

// Mux routes jobs to handlers by job name. Its own Name is used only for
// logging.
type Mux struct {
	mu       sync.RWMutex
	name     string
	handlers map[string]Handler
}

// NewMux creates a router with the given handlers registered.
func NewMux(name string, handlers ...Handler) *Mux {
	m := &Mux{name: name, handlers: make(map[string]Handler)}
	for _, h := range handlers {
		m.Register(h)
	}
	return m
}

// Register adds or replaces the handler for h.Name().
func (m *Mux) Register(h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[h.Name()] = h
}

// Names lists the registered job names.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		names = append(names, n)
	}
	return names
}

func (m *Mux) Name() string { return m.name }

func (m *Mux) Handle(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (any, error) {
	job, ok := JobFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: job missing from context", ErrHandlerNotFound)
	}

	m.mu.RLock()
	h, ok := m.handlers[job.Name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, job.Name)
	}
	return h.Handle(ctx, payload, progress)
}

type jobContextKey struct{}

// WithJob stores a job snapshot in ctx for handlers and log extractors.
func WithJob(ctx context.Context, job *Job) context.Context {
	return context.WithValue(ctx, jobContextKey{}, job)
}

// JobFromContext returns the job being processed.
func JobFromContext(ctx context.Context) (*Job, bool) {
	job, ok := ctx.Value(jobContextKey{}).(*Job)
	return job, ok && job != nil
}

// ContextLogExtractor adds the running job to log records. Pass it to
// logger.WithContextExtractors.
func ContextLogExtractor(ctx context.Context) (slog.Attr, bool) {
	job, ok := JobFromContext(ctx)
	if !ok {
		return slog.Attr{}, false
	}
	return slog.Group("job",
		slog.String("queue", job.Queue),
		slog.String("id", job.ID),
		slog.String("name", job.Name),
		slog.Int("attempt", job.AttemptsMade),
	), true
}
