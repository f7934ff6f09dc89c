package webhook

import (
	"errors"
	"fmt"
)

// ErrUpstream is matched by every error this package returns for a failed call.
var ErrUpstream = errors.New("webhook: upstream call failed")

// HTTPError is a non-2xx final status from the upstream.
type HTTPError struct {
	Status      int
	BodyPreview string // truncated, secret redacted
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("webhook: upstream returned HTTP %d", e.Status)
}

func (e *HTTPError) Is(target error) bool { return target == ErrUpstream }

// ProtocolError means the final body is not a usable envelope.
type ProtocolError struct {
	Reason      string
	BodyPreview string // truncated, secret redacted
}

func (e *ProtocolError) Error() string {
	return "webhook: protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool { return target == ErrUpstream }

// UnavailableError is a network failure or timeout before a final response.
type UnavailableError struct {
	Err     error
	Timeout bool
}

func (e *UnavailableError) Error() string {
	if e.Timeout {
		return "webhook: upstream timed out: " + e.Err.Error()
	}
	return "webhook: upstream unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUpstream }

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
