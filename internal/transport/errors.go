package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/simonvetter/modbus"
)

var (
	// ErrTransient marks a failure worth retrying: a timeout, a corrupted or
	// malformed frame, or a busy slave.
	ErrTransient = errors.New("transient transport error")
	// ErrExhausted means the retry budget ran out on transient failures.
	ErrExhausted = errors.New("transport retries exhausted")
)

// Error describes a failed register operation.
type Error struct {
	Op       string
	Name     string
	Address  uint16
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (address %d) after %d attempt(s): %v", e.Op, e.Name, e.Address, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// transientErrors are Modbus client failures worth retrying: the slave did not
// answer, the frame was damaged or misaddressed, or the slave asked us to come
// back later.
var transientErrors = []error{
	modbus.ErrRequestTimedOut,
	modbus.ErrBadCRC,
	modbus.ErrShortFrame,
	modbus.ErrProtocolError,
	modbus.ErrBadUnitId,
	modbus.ErrServerDeviceBusy,
	modbus.ErrAcknowledge,
	modbus.ErrGWTargetFailedToRespond,
	io.ErrUnexpectedEOF,
}

// IsTransient classifies an error from the wire client.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, t := range transientErrors {
		if errors.Is(err, t) {
			return true
		}
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsExhausted reports whether err came from a spent retry budget.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
