package adminapi

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// Stream event names.
const (
	EventInitialStats = "initial-stats"
	EventStats        = "stats"
	EventQueueStatus  = "queue:status"
	EventHeartbeat    = "heartbeat"
)

// JobEventName returns the stream event name of a job event, such as job:completed.
func JobEventName(t queue.EventType) string {
	switch t {
	case queue.EventQueuePaused, queue.EventQueueResumed:
		return EventQueueStatus
	default:
		return "job:" + string(t)
	}
}

// streamEvents serves GET /events?queue=a,b&job=x,y&types=completed,failed as
// Server-Sent Events: the overview first, then matching job events and
// periodic snapshots.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseEventFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		s.fail(w, r, ErrStreamingUnsup)
		return
	}

	ctx := r.Context()
	// Subscribe before the overview is computed so no event falls in between.
	events := s.engine.Bus().Subscribe(ctx, filter)
	defer events.Close()
	snapshots := s.monitor.Subscribe(ctx)
	defer snapshots.Close()

	overview, err := s.monitor.Overview(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sse := datastar.NewSSE(w, r)
	if err := send(sse, EventInitialStats, overview); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	evCh, snapCh := events.Receive(ctx), snapshots.Receive(ctx)
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-evCh:
			if !ok {
				return
			}
			err = send(sse, JobEventName(msg.Data.Type), msg.Data)
		case msg, ok := <-snapCh:
			if !ok {
				snapCh = nil
				continue
			}
			err = send(sse, EventStats, msg.Data)
		case t := <-heartbeat.C:
			err = send(sse, EventHeartbeat, map[string]time.Time{"timestamp": t})
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.DebugContext(ctx, "event stream closed", logger.Error(err))
			}
			return
		}
	}
}

func send(sse *datastar.ServerSentEventGenerator, name string, v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return sse.Send(datastar.EventType(name), []string{string(b)})
}

func (s *Server) parseEventFilter(q url.Values) (queue.EventFilter, error) {
	var f queue.EventFilter
	for _, name := range splitList(q.Get("queue")) {
		if _, ok := s.engine.QueueConfig(name); !ok {
			return f, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
		}
		f.Queues = append(f.Queues, name)
	}
	f.JobIDs = splitList(q.Get("job"))
	for _, t := range splitList(q.Get("types")) {
		et := queue.EventType(t)
		if !slices.Contains(queue.EventTypes(), et) {
			return f, fmt.Errorf("%w: unknown event type %q", ErrInvalidParam, t)
		}
		f.Types = append(f.Types, et)
	}
	return f, nil
}

func splitList(raw string) []string {
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
