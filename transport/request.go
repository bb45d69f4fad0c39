package transport

import "encoding/binary"

// ReadInputs builds a read-input-registers request for qty registers at addr.
func ReadInputs(port string, id uint8, addr, qty uint16, layout ...Field) Request {
	return readRequest(port, id, ReadInputRegistersFunc, addr, qty, layout)
}

// ReadHoldings builds a read-holding-registers request for qty registers at addr.
func ReadHoldings(port string, id uint8, addr, qty uint16, layout ...Field) Request {
	return readRequest(port, id, ReadHoldingRegistersFunc, addr, qty, layout)
}

// ReadCoils builds a read-coils request for qty coils at addr.
func ReadCoils(port string, id uint8, addr, qty uint16, layout ...Field) Request {
	return readRequest(port, id, ReadCoilsFunc, addr, qty, layout)
}

// WriteCoil builds a write-single-coil request switching the coil at addr.
func WriteCoil(port string, id uint8, addr uint16, on bool) Request {
	var v uint16
	if on {
		v = 0xFF00
	}

	return Request{
		Port:     port,
		TargetID: id,
		Function: WriteSingleCoilFunc,
		Payload:  be16(addr, v),
	}
}

// WriteRegister builds a write-single-register request.
func WriteRegister(port string, id uint8, addr, value uint16) Request {
	return Request{
		Port:     port,
		TargetID: id,
		Function: WriteSingleRegisterFunc,
		Payload:  be16(addr, value),
	}
}

// WriteRegisters builds a write-multiple-registers request starting at addr.
func WriteRegisters(port string, id uint8, addr uint16, values []uint16) Request {
	payload := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(payload[0:], addr)
	binary.BigEndian.PutUint16(payload[2:], uint16(len(values)))
	payload[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(payload[5+2*i:], v)
	}

	return Request{
		Port:     port,
		TargetID: id,
		Function: WriteMultipleRegistersFunc,
		Payload:  payload,
	}
}

func readRequest(port string, id uint8, fc FunctionCode, addr, qty uint16, layout []Field) Request {
	return Request{
		Port:     port,
		TargetID: id,
		Function: fc,
		Payload:  be16(addr, qty),
		Layout:   layout,
	}
}

func be16(vals ...uint16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}

	return out
}

// AddressQuantity splits a read or single-write payload into its two words.
func AddressQuantity(payload []byte) (addr, second uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, ErrInvalidRequest
	}

	return binary.BigEndian.Uint16(payload[0:]), binary.BigEndian.Uint16(payload[2:]), nil
}
