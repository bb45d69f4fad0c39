package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no complete reply arrived within the request timeout.
	ErrTimeout = errors.New("transport: timeout")
	// ErrCommunication covers failures to open, write or read the line.
	ErrCommunication = errors.New("transport: communication error")
	// ErrMalformedResponse is returned for replies that fail framing or decoding checks.
	ErrMalformedResponse = errors.New("transport: malformed response")
	// ErrMissingField is matched by errors reporting a record absent from a response.
	ErrMissingField = errors.New("transport: missing field")
	// ErrUnsupportedFunction is returned for function codes a transport cannot issue.
	ErrUnsupportedFunction = errors.New("transport: unsupported function")
	// ErrInvalidRequest is returned for requests whose payload does not match the function.
	ErrInvalidRequest = errors.New("transport: invalid request")
)

// ExceptionError is a Modbus exception reply from a device.
type ExceptionError struct {
	Function  FunctionCode
	Exception uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("transport: device exception %d (%s) on %s", e.Exception, exceptionText(e.Exception), e.Function)
}

// Code packs the function and exception codes into one value, function in the high byte.
func (e *ExceptionError) Code() uint16 {
	return uint16(e.Function)<<8 | uint16(e.Exception)
}

func exceptionText(code uint8) string {
	switch code {
	case 1:
		return "illegal function"
	case 2:
		return "illegal data address"
	case 3:
		return "illegal data value"
	case 4:
		return "server device failure"
	case 5:
		return "acknowledge"
	case 6:
		return "server device busy"
	default:
		return "unknown"
	}
}

// MissingFieldError names the record a caller expected but did not find.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("transport: response has no %q record", e.Field)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}
