package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail carries the error kind as code.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(kind queue.Kind) int {
	switch kind {
	case queue.KindNotFound:
		return http.StatusNotFound
	case queue.KindInvalidArgument:
		return http.StatusBadRequest
	case queue.KindInvalidTransition:
		return http.StatusConflict
	case queue.KindHandlerError:
		return http.StatusUnprocessableEntity
	case queue.KindTimeout:
		return http.StatusGatewayTimeout
	case queue.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(body)
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Data: data})
}

func (s *Server) okMeta(w http.ResponseWriter, data any, meta map[string]any) {
	writeJSON(w, http.StatusOK, Response{Data: data, Meta: meta})
}

func (s *Server) created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, Response{Data: data})
}

// fail renders err with the status of its kind. Internal errors are logged
// and their message is not exposed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := queue.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	if kind == queue.KindInternal {
		msg = http.StatusText(status)
	}
	s.logger.Log(r.Context(), level, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		logger.Error(err))

	writeJSON(w, status, Response{Error: &ErrorDetail{Code: string(kind), Message: msg}})
}

func decode(r *http.Request, v any) error {
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrInvalidBody
	}
	return nil
}
