package channels

import "fmt"

// ErrChannelNotFound is returned when a channel ID does not exist or is not
// visible to the connection.
type ErrChannelNotFound struct {
	Channel string
	Cause   error
}

func (e *ErrChannelNotFound) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channels: channel not found: %s: %v", e.Channel, e.Cause)
	}
	return fmt.Sprintf("channels: channel not found: %s", e.Channel)
}

func (e *ErrChannelNotFound) Unwrap() error { return e.Cause }

// ErrFetchFailed is returned when a page of history could not be read.
type ErrFetchFailed struct {
	Channel string
	Before  string
	Cause   error
}

func (e *ErrFetchFailed) Error() string {
	return fmt.Sprintf("channels: fetch failed on %s (before %q): %v", e.Channel, e.Before, e.Cause)
}

func (e *ErrFetchFailed) Unwrap() error { return e.Cause }

// ErrClosed is returned by operations on a closed source.
type ErrClosed struct {
	Platform string
}

func (e *ErrClosed) Error() string {
	return fmt.Sprintf("channels: %s connection closed", e.Platform)
}
