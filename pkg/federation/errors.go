package federation

import (
	"context"
	"errors"
)

var (
	ErrAlreadyConnected   = errors.New("server already connected")
	ErrNotConnected       = errors.New("server not connected")
	ErrCapabilityMismatch = errors.New("server capabilities do not match configuration")
	ErrConnectTimeout     = errors.New("connect timed out")
	ErrConnect            = errors.New("connect failed")
	ErrAuth               = errors.New("authentication failed")
	ErrTransport          = errors.New("transport error")
	ErrRemoved            = errors.New("server removed during connection attempt")
	ErrInvalidConfig      = errors.New("invalid server configuration")
	ErrClosed             = errors.New("federation manager closed")
)

// failureReason labels a registration error for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrRemoved):
		return "removed"
	case errors.Is(err, ErrAlreadyConnected):
		return "already_connected"
	case errors.Is(err, ErrCapabilityMismatch):
		return "capability_mismatch"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrConnect):
		return "connect"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
