package adminapi

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

var (
	ErrEngineNil  = errors.New("adminapi: engine is nil")
	ErrMonitorNil = errors.New("adminapi: monitor is nil")

	ErrInvalidView    = fmt.Errorf("%w: invalid view parameter", queue.ErrInvalidArgument)
	ErrInvalidAction  = fmt.Errorf("%w: invalid action", queue.ErrInvalidArgument)
	ErrInvalidBody    = fmt.Errorf("%w: malformed request body", queue.ErrInvalidArgument)
	ErrMissingParam   = fmt.Errorf("%w: missing required parameter", queue.ErrInvalidArgument)
	ErrInvalidParam   = fmt.Errorf("%w: invalid parameter", queue.ErrInvalidArgument)
	ErrStreamingUnsup = errors.New("adminapi: response writer does not support streaming")
)
