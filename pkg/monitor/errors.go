package monitor

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

var (
	ErrSourceNil = errors.New("monitor: source is nil")

	// ErrInvalidTimeRange wraps queue.ErrInvalidArgument so the admin API reports it as a bad request.
	ErrInvalidTimeRange = fmt.Errorf("%w: time range must be hour, day or week", queue.ErrInvalidArgument)
)
