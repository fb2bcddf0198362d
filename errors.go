package mbclient

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for server-reported exception conditions. A ServerError
// unwraps to one of these, so callers can test with errors.Is.
var (
	ErrIllegalFunction     = errors.New("illegal function")
	ErrIllegalReadAddress  = errors.New("illegal read address range")
	ErrIllegalWriteAddress = errors.New("illegal write address range")
	ErrIllegalDataValue    = errors.New("illegal data value")
	ErrReadDeviceFailure   = errors.New("server device failure during read")
	ErrWriteDeviceFailure  = errors.New("server device failure during write")
	ErrServerBusy          = errors.New("server device busy")
	ErrUnknownException    = errors.New("unknown exception")
)

// ValidationError reports a caller-supplied argument that violates a
// protocol constraint. It is raised before any I/O happens, so the
// transport state is untouched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mbclient: invalid %s: %s", e.Field, e.Reason)
}

// newValidationError builds a ValidationError with a formatted reason.
func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ServerError reports a Modbus exception response from the remote device.
// FunctionCode is the code from the response with the error bit cleared.
// Exception responses are never retried.
type ServerError struct {
	FunctionCode  uint8
	ExceptionCode uint8
	reason        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mbclient: server exception for func %02X: code 0x%02X - %v",
		e.FunctionCode, e.ExceptionCode, e.reason)
}

// Unwrap exposes the sentinel classifying the exception.
func (e *ServerError) Unwrap() error {
	return e.reason
}

// newServerError classifies an exception response. Codes 2 and 4 carry a
// read or a write variant depending on the direction of the failed
// function.
func newServerError(functionCode, exceptionCode uint8) *ServerError {
	read := isReadFunction(functionCode)
	var reason error
	switch exceptionCode {
	case ExceptionCodeIllegalFunction:
		reason = ErrIllegalFunction
	case ExceptionCodeIllegalDataAddress:
		if read {
			reason = ErrIllegalReadAddress
		} else {
			reason = ErrIllegalWriteAddress
		}
	case ExceptionCodeIllegalDataValue:
		reason = ErrIllegalDataValue
	case ExceptionCodeServerDeviceFailure:
		if read {
			reason = ErrReadDeviceFailure
		} else {
			reason = ErrWriteDeviceFailure
		}
	case ExceptionCodeServerDeviceBusy:
		reason = ErrServerBusy
	default:
		reason = ErrUnknownException
	}
	return &ServerError{FunctionCode: functionCode, ExceptionCode: exceptionCode, reason: reason}
}

// TimeoutError reports that no valid response arrived within the
// transport timeout after every configured retry was spent.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mbclient: no response from server after %d attempts", e.Attempts)
}

// Timeout marks the error for callers that probe with the net.Error
// convention.
func (e *TimeoutError) Timeout() bool { return true }

// TransportError wraps an underlying transport fault. The cause is
// preserved for errors.Is and errors.As.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "mbclient: transport failure: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// isTimeout reports whether err (or anything it wraps) is a timeout in
// the net.Error sense.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
