package call

import (
	"errors"
	"fmt"

	"github.com/fancall/backend/internal/media"
)

// ErrorKind is the call error taxonomy. Recoverable kinds are retried
// internally; non-recoverable kinds surface to the user with a retry
// affordance.
type ErrorKind string

const (
	KindPermissionDenied       ErrorKind = "permission_denied"
	KindDeviceNotFound         ErrorKind = "device_not_found"
	KindDeviceInUse            ErrorKind = "device_in_use"
	KindAuthExpired            ErrorKind = "auth_expired"
	KindConnectionTimeout      ErrorKind = "connection_timeout"
	KindConnectionFailed       ErrorKind = "connection_failed"
	KindChannelSubscribeFailed ErrorKind = "channel_subscribe_failed"
	KindUnknown                ErrorKind = "unknown"
)

// Error is a classified call error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf wraps a formatted error with a kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies an arbitrary error. It is the isolating boundary: any
// error this subsystem cannot name becomes KindUnknown rather than escaping.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var de *media.DeviceError
	if errors.As(err, &de) {
		switch de.Kind {
		case media.FailureDenied:
			return KindPermissionDenied
		case media.FailureNotFound:
			return KindDeviceNotFound
		case media.FailureInUse:
			return KindDeviceInUse
		}
	}
	return KindUnknown
}

// Retryable reports whether a manual retry can succeed without the user
// re-entering the queue. Auth expiry requires fresh credentials.
func Retryable(kind ErrorKind) bool {
	return kind != KindAuthExpired
}
