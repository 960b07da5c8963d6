package errorsx

import "errors"

// ReasonedError pairs an error with the reason code the session layer
// uses to decide between reconnecting and surfacing the failure.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with a reason. The innermost reason wins: an error that
// already carries one passes through unchanged. Nil stays nil.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if hasAnyReason(err) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason returns err's reason code, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Recoverable reports whether an error reason indicates a mid-stream
// backend failure the session may recover from by reconnecting.
// Configuration and microphone errors are never recoverable.
func Recoverable(err error) bool {
	switch Reason(err) {
	case ReasonBackendConnect, ReasonBackendSend, ReasonBackendReconnect, ReasonBackendRateLimit, ReasonBackendClosed:
		return true
	}
	return false
}

func hasAnyReason(err error) bool {
	var re ReasonedError
	return errors.As(err, &re)
}
