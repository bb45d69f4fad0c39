package rawserial

import (
	"fmt"

	"github.com/sigurn/crc16"

	"github.com/arloliu/go-gasrig/transport"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

const (
	minFrameLen       = 4
	exceptionFrameLen = 5
	writeEchoFrameLen = 8
	maxFrameLen       = 256
)

// encodeFrame builds the RTU ADU: id, function, payload, CRC low byte first.
func encodeFrame(id uint8, fc transport.FunctionCode, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, id, byte(fc))
	frame = append(frame, payload...)
	sum := crc16.Checksum(frame, crcTable)

	return append(frame, byte(sum), byte(sum>>8))
}

// frameLen returns the total length of the reply frame starting in buf, or 0
// while more bytes are needed to tell.
func frameLen(buf []byte, fc transport.FunctionCode) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}
	if buf[1]&0x80 != 0 {
		return exceptionFrameLen, nil
	}

	switch fc {
	case transport.ReadCoilsFunc, transport.ReadDiscreteInputsFunc,
		transport.ReadHoldingRegistersFunc, transport.ReadInputRegistersFunc:
		if len(buf) < 3 {
			return 0, nil
		}
		return 3 + int(buf[2]) + 2, nil
	case transport.WriteSingleCoilFunc, transport.WriteSingleRegisterFunc,
		transport.WriteMultipleCoilsFunc, transport.WriteMultipleRegistersFunc:
		return writeEchoFrameLen, nil
	default:
		return 0, fmt.Errorf("%w: %s", transport.ErrUnsupportedFunction, fc)
	}
}

// decodeFrame checks a complete reply frame against the request and returns
// the PDU data following the function code.
func decodeFrame(frame []byte, id uint8, fc transport.FunctionCode) ([]byte, error) {
	n := len(frame)
	if n < minFrameLen {
		return nil, fmt.Errorf("%w: short frame of %d bytes", transport.ErrMalformedResponse, n)
	}

	want := crc16.Checksum(frame[:n-2], crcTable)
	got := uint16(frame[n-2]) | uint16(frame[n-1])<<8
	if want != got {
		return nil, fmt.Errorf("%w: crc %04x, expected %04x", transport.ErrMalformedResponse, got, want)
	}
	if frame[0] != id {
		return nil, fmt.Errorf("%w: reply from id %d, expected %d", transport.ErrMalformedResponse, frame[0], id)
	}

	replyFC := transport.FunctionCode(frame[1] & 0x7F)
	if replyFC != fc {
		return nil, fmt.Errorf("%w: reply function %s, expected %s", transport.ErrMalformedResponse, replyFC, fc)
	}
	if frame[1]&0x80 != 0 {
		return nil, &transport.ExceptionError{Function: fc, Exception: frame[2]}
	}

	return frame[2 : n-2], nil
}
