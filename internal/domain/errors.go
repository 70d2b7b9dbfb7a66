// Package domain holds the types and error taxonomy shared by the pairing
// protocol packages.
package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Retryable failures are absorbed by the component that
// produced them; the rest surface to the operator.
var (
	ErrScanCancelled     = errors.New("code scan cancelled")
	ErrMatchNotFound     = errors.New("peripheral not found nearby")
	ErrConnectRetryable  = errors.New("connection attempt failed")
	ErrConnectTerminal   = errors.New("could not connect to peripheral")
	ErrLinkDropped       = errors.New("wireless link dropped")
	ErrTelemetryDecode   = errors.New("telemetry could not be decoded")
	ErrTelemetryTimeout  = errors.New("telemetry read timed out")
	ErrCompletionTimeout = errors.New("completion not confirmed in time")

	ErrCancelRefused = errors.New("cancel refused while reading telemetry")
	ErrBusy          = errors.New("a pairing session is already in progress")
	ErrInvalidCode   = errors.New("scanned code is not a valid peripheral identifier")
	ErrNoReading     = errors.New("no telemetry reading pending completion")
	ErrNotAttached   = errors.New("bridge host not attached")
	ErrClosed        = errors.New("session closed")
)

// Failure wraps a taxonomy sentinel with the operation that produced it.
type Failure struct {
	Op            string // e.g. "connect.watchdog"
	Err           error  // taxonomy sentinel or wrapped error
	Detail        string // bridge-provided reason, if any
	RequiresReset bool   // operator must power-cycle the host radio
}

func (f *Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", f.Op, f.Err, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure creates a Failure. RequiresReset is implied by ErrLinkDropped.
func NewFailure(op string, err error, detail string) *Failure {
	return &Failure{
		Op:            op,
		Err:           err,
		Detail:        detail,
		RequiresReset: errors.Is(err, ErrLinkDropped),
	}
}

// RequiresReset reports whether err instructs the operator to reset the
// host's wireless radio before retrying.
func RequiresReset(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.RequiresReset
	}
	return errors.Is(err, ErrLinkDropped)
}

// IsSilent reports whether err is part of normal operation and must not be
// shown to the operator as an error.
func IsSilent(err error) bool {
	return errors.Is(err, ErrScanCancelled) ||
		errors.Is(err, ErrConnectRetryable) ||
		errors.Is(err, ErrCompletionTimeout)
}

// UserMessage returns operator-facing text for err, including remediation
// steps where there are any.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMatchNotFound):
		return "Battery not found nearby. Move closer to the battery and scan the code again."
	case errors.Is(err, ErrLinkDropped):
		return "The Bluetooth link was lost. Turn Bluetooth off and on again on this device, then retry."
	case errors.Is(err, ErrConnectTerminal):
		return "Could not connect to the battery. Check that it is awake and retry."
	case errors.Is(err, ErrTelemetryDecode), errors.Is(err, ErrTelemetryTimeout):
		return "Could not read the battery level. Please retry."
	case errors.Is(err, ErrCancelRefused):
		return "Reading the battery, please wait until it finishes."
	case errors.Is(err, ErrInvalidCode):
		return "That code does not look like a battery code. Scan the label on the battery."
	case errors.Is(err, ErrBusy):
		return "A battery is already being paired."
	default:
		return err.Error()
	}
}
