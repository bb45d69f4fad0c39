// Package transport defines the request/response exchange with devices on the
// rig's serial line, plus decorators that serialize and count exchanges.
//
// A Transport performs exactly one exchange per Send and never retries.
// Concrete implementations live in the mbrtu and rawserial subpackages; the
// transporttest subpackage provides a scripted fake.
package transport

import (
	"context"
	"time"

	"github.com/arloliu/go-gasrig/promise"
)

// FunctionCode is a Modbus function code.
type FunctionCode uint8

const (
	ReadCoilsFunc              FunctionCode = 0x01
	ReadDiscreteInputsFunc     FunctionCode = 0x02
	ReadHoldingRegistersFunc   FunctionCode = 0x03
	ReadInputRegistersFunc     FunctionCode = 0x04
	WriteSingleCoilFunc        FunctionCode = 0x05
	WriteSingleRegisterFunc    FunctionCode = 0x06
	WriteMultipleCoilsFunc     FunctionCode = 0x0F
	WriteMultipleRegistersFunc FunctionCode = 0x10
)

func (fc FunctionCode) String() string {
	switch fc {
	case ReadCoilsFunc:
		return "ReadCoils"
	case ReadDiscreteInputsFunc:
		return "ReadDiscreteInputs"
	case ReadHoldingRegistersFunc:
		return "ReadHoldingRegisters"
	case ReadInputRegistersFunc:
		return "ReadInputRegisters"
	case WriteSingleCoilFunc:
		return "WriteSingleCoil"
	case WriteSingleRegisterFunc:
		return "WriteSingleRegister"
	case WriteMultipleCoilsFunc:
		return "WriteMultipleCoils"
	case WriteMultipleRegistersFunc:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// IsRead reports whether fc reads bits or registers.
func (fc FunctionCode) IsRead() bool {
	return fc >= ReadCoilsFunc && fc <= ReadInputRegistersFunc
}

// Request describes one exchange. Build a fresh Request per call; it must
// not be modified once handed to a Transport.
type Request struct {
	// Port identifies the serial line, e.g. "/dev/ttyUSB0".
	Port string
	// Payload is the PDU data following the function code.
	Payload []byte
	// TargetID is the device address on the line.
	TargetID uint8
	Function FunctionCode
	// Timeout bounds the exchange. Zero selects the transport default.
	Timeout time.Duration
	// Layout describes how the response payload decodes into records.
	Layout []Field
}

// Record is one decoded value of a response.
type Record struct {
	Description string
	Value       float64
}

// Response is the decoded reply to a Request. It is read-only once returned.
type Response struct {
	Records []Record
	// Raw is the hex encoding of the response PDU, function code included.
	Raw string
}

// Value returns the value of the first record named desc.
func (r *Response) Value(desc string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	for _, rec := range r.Records {
		if rec.Description == desc {
			return rec.Value, true
		}
	}

	return 0, false
}

// Require returns the value of the record named desc, or an error wrapping
// ErrMissingField when the response has no such record.
func (r *Response) Require(desc string) (float64, error) {
	v, ok := r.Value(desc)
	if !ok {
		return 0, &MissingFieldError{Field: desc}
	}

	return v, nil
}

// Transport performs request/response exchanges on a serial line.
type Transport interface {
	// Send performs one exchange and blocks until the reply arrives, the
	// request times out or ctx is done.
	Send(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Send(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Exchange performs req on t inline and returns the outcome as a promise,
// ready to be chained with further steps.
func Exchange(ctx context.Context, t Transport, req Request) *promise.Promise[*Response] {
	return promise.Do(func() (*Response, error) {
		return t.Send(ctx, req)
	})
}
