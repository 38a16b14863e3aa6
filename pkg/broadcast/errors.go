package broadcast

import "fmt"

// ErrBroadcasterClosed is returned when publishing to a closed broadcaster.
type ErrBroadcasterClosed struct{}

func (e ErrBroadcasterClosed) Error() string {
	return "broadcast: broadcaster is closed"
}

// ErrPublishFailed wraps transport errors raised while publishing.
type ErrPublishFailed struct {
	Topic string
	Err   error
}

func (e ErrPublishFailed) Error() string {
	return fmt.Sprintf("broadcast: publish to topic %q failed: %v", e.Topic, e.Err)
}

func (e ErrPublishFailed) Unwrap() error {
	return e.Err
}

// ErrDecodeFailed is reported when a message received from a remote transport
// cannot be decoded.
type ErrDecodeFailed struct {
	Channel string
	Err     error
}

func (e ErrDecodeFailed) Error() string {
	return fmt.Sprintf("broadcast: decode message from channel %q failed: %v", e.Channel, e.Err)
}

func (e ErrDecodeFailed) Unwrap() error {
	return e.Err
}
