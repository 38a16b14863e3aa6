package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

const (
	defaultSteps    = 5
	maxSteps        = 100
	defaultStepTime = 200 * time.Millisecond
)

// simulatePayload drives the built-in simulate handler.
type simulatePayload struct {
	Steps     int    `json:"steps"`
	StepMS    int    `json:"step_ms"`
	Fail      string `json:"fail"`
	Permanent bool   `json:"permanent"`
}

type simulateResult struct {
	Steps    int   `json:"steps"`
	Elapsed  int64 `json:"elapsed_ms"`
	Finished int64 `json:"finished_at"`
}

// builtinHandlers returns the handlers attached to every queue by serve:
// echo returns its payload and simulate walks through timed steps. Every
// repeat template name in defs is served by simulate so the default
// schedules run out of the box.
func builtinHandlers(defs *queue.Definitions) *queue.Mux {
	mux := queue.NewMux("builtin",
		queue.NewHandlerFunc("echo", func(_ context.Context, payload json.RawMessage, _ queue.ProgressFunc) (any, error) {
			return payload, nil
		}),
		queue.NewTaskHandler("simulate", simulate),
	)
	if defs == nil {
		return mux
	}
	for _, r := range defs.Repeats {
		if r.Job.Name != "" && r.Job.Name != "echo" {
			mux.Register(queue.NewTaskHandler(r.Job.Name, simulate))
		}
	}
	return mux
}

func simulate(ctx context.Context, p simulatePayload, progress queue.ProgressFunc) (simulateResult, error) {
	steps := p.Steps
	if steps <= 0 {
		steps = defaultSteps
	}
	steps = min(steps, maxSteps)
	step := defaultStepTime
	if p.StepMS > 0 {
		step = time.Duration(p.StepMS) * time.Millisecond
	}

	start := time.Now()
	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := range steps {
		select {
		case <-ctx.Done():
			return simulateResult{}, ctx.Err()
		case <-timer.C:
		}
		if err := progress(ctx, queue.Progress{
			Percentage:  float64(i+1) / float64(steps) * 100,
			Message:     fmt.Sprintf("step %d of %d", i+1, steps),
			CurrentStep: i + 1,
			TotalSteps:  steps,
		}); err != nil {
			return simulateResult{}, err
		}
		timer.Reset(step)
	}

	if p.Fail != "" {
		err := errors.New(p.Fail)
		if p.Permanent {
			return simulateResult{}, queue.Permanent(err)
		}
		return simulateResult{}, err
	}
	now := time.Now()
	return simulateResult{Steps: steps, Elapsed: now.Sub(start).Milliseconds(), Finished: now.UnixMilli()}, nil
}
