package observe

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolMisuse matches every ProtocolMisuseError.
	ErrProtocolMisuse = errors.New("observe protocol misuse")
	// ErrStopped is returned when attaching to a multiplexer that already
	// shut down.
	ErrStopped = errors.New("multiplexer stopped")
	// ErrAlreadyReady is reported when a driver signals readiness or a query
	// error twice.
	ErrAlreadyReady = errors.New("multiplexer already ready")
)

// ProtocolMisuseError reports a subscription that cannot be served as
// requested, such as missing callbacks for the ordering mode.
type ProtocolMisuseError struct {
	Reason string
}

func (e *ProtocolMisuseError) Error() string {
	return "observe: " + e.Reason
}

func (e *ProtocolMisuseError) Is(target error) bool {
	return target == ErrProtocolMisuse
}

func misuse(format string, args ...any) error {
	return &ProtocolMisuseError{Reason: fmt.Sprintf(format, args...)}
}

// DriverFaultError describes a change log problem a tailing driver recovered
// from by re-syncing.
type DriverFaultError struct {
	Seq uint64
	Err error
}

func (e *DriverFaultError) Error() string {
	return fmt.Sprintf("tailing driver fault at seq %d: %v", e.Seq, e.Err)
}

func (e *DriverFaultError) Unwrap() error {
	return e.Err
}
