package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

type repeatRequest struct {
	Key      string `json:"key"`
	Queue    string `json:"queue"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	Template struct {
		Name        string          `json:"name"`
		Payload     json.RawMessage `json:"payload"`
		Priority    int             `json:"priority"`
		MaxAttempts int             `json:"max_attempts"`
		TimeoutMS   int64           `json:"timeout"`
	} `json:"template"`
}

func (req repeatRequest) definition() queue.RepeatDefinition {
	return queue.RepeatDefinition{
		Key:      req.Key,
		Queue:    req.Queue,
		Schedule: req.Schedule,
		Timezone: req.Timezone,
		Template: queue.JobTemplate{
			Name:        req.Template.Name,
			Payload:     req.Template.Payload,
			Priority:    queue.Priority(req.Template.Priority),
			MaxAttempts: req.Template.MaxAttempts,
			Timeout:     time.Duration(req.Template.TimeoutMS) * time.Millisecond,
		},
	}
}

func (s *Server) listRepeats(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.Repeats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, nonNil(defs))
}

func (s *Server) addRepeat(w http.ResponseWriter, r *http.Request) {
	var req repeatRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	def, err := s.engine.AddRepeat(r.Context(), req.definition())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.created(w, def)
}

func (s *Server) removeRepeat(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	ids, err := s.engine.RemoveRepeat(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, map[string]any{"key": key, "removed": nonNil(ids)})
}
