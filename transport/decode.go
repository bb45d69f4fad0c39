package transport

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// Format tells Decode how to interpret the registers or bits of a Field.
type Format uint8

const (
	// Uint16 is one unsigned register.
	Uint16 Format = iota
	// Int16 is one two's-complement register.
	Int16
	// Uint32 spans two registers, high word first.
	Uint32
	// Float32BE is an IEEE-754 float over two registers, high word first.
	Float32BE
	// Float32LE is an IEEE-754 float over two registers, low word first.
	Float32LE
	// Bool is one coil or discrete input; Offset is the bit index.
	Bool
)

func (f Format) String() string {
	switch f {
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Uint32:
		return "uint32"
	case Float32BE:
		return "float32be"
	case Float32LE:
		return "float32le"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// ParseFormat maps a configuration name to a Format.
func ParseFormat(name string) (Format, error) {
	for f := Uint16; f <= Bool; f++ {
		if f.String() == name {
			return f, nil
		}
	}

	return 0, fmt.Errorf("transport: unknown format %q", name)
}

// Words returns how many registers f spans. Bool spans none.
func (f Format) Words() int {
	switch f {
	case Uint32, Float32BE, Float32LE:
		return 2
	case Bool:
		return 0
	default:
		return 1
	}
}

// Field describes one record of a response.
type Field struct {
	Description string
	// Offset is the register index within the reply, or the bit index for coil reads.
	Offset uint16
	Format Format
	// Scale multiplies the raw value. Zero means 1.
	Scale float64
}

// NewResponse decodes pdu, the response data that follows function code fc,
// into a Response.
func NewResponse(fc FunctionCode, pdu []byte, layout []Field) (*Response, error) {
	records, err := Decode(fc, pdu, layout)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 0, len(pdu)+1)
	raw = append(raw, byte(fc))
	raw = append(raw, pdu...)

	return &Response{Records: records, Raw: hex.EncodeToString(raw)}, nil
}

// Decode turns the response data following function code fc into records.
//
// For read functions pdu starts with the byte count. Single writes echo
// address and value; multiple writes echo address and quantity. An empty
// layout yields one record per register or bit for reads and the echoed
// words for writes.
func Decode(fc FunctionCode, pdu []byte, layout []Field) ([]Record, error) {
	switch fc {
	case ReadHoldingRegistersFunc, ReadInputRegistersFunc:
		data, err := readData(pdu)
		if err != nil {
			return nil, err
		}
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("%w: odd register byte count %d", ErrMalformedResponse, len(data))
		}

		return decodeRegisters(data, layout)

	case ReadCoilsFunc, ReadDiscreteInputsFunc:
		data, err := readData(pdu)
		if err != nil {
			return nil, err
		}

		return decodeBits(data, layout)

	case WriteSingleCoilFunc, WriteSingleRegisterFunc:
		return decodeEcho(pdu, "value")

	case WriteMultipleCoilsFunc, WriteMultipleRegistersFunc:
		return decodeEcho(pdu, "quantity")

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedFunction, uint8(fc))
	}
}

func readData(pdu []byte) ([]byte, error) {
	if len(pdu) < 1 {
		return nil, fmt.Errorf("%w: empty read reply", ErrMalformedResponse)
	}
	if int(pdu[0]) != len(pdu)-1 {
		return nil, fmt.Errorf("%w: byte count %d, got %d bytes", ErrMalformedResponse, pdu[0], len(pdu)-1)
	}

	return pdu[1:], nil
}

func decodeRegisters(data []byte, layout []Field) ([]Record, error) {
	if len(layout) == 0 {
		records := make([]Record, 0, len(data)/2)
		for i := 0; i < len(data)/2; i++ {
			records = append(records, Record{
				Description: fmt.Sprintf("register_%d", i),
				Value:       float64(binary.BigEndian.Uint16(data[2*i:])),
			})
		}

		return records, nil
	}

	records := make([]Record, 0, len(layout))
	for _, f := range layout {
		if f.Format == Bool {
			return nil, fmt.Errorf("%w: bool field %q in register reply", ErrMalformedResponse, f.Description)
		}

		start := 2 * int(f.Offset)
		end := start + 2*f.Format.Words()
		if end > len(data) {
			return nil, fmt.Errorf("%w: field %q needs bytes [%d,%d), reply has %d",
				ErrMalformedResponse, f.Description, start, end, len(data))
		}

		records = append(records, Record{
			Description: f.Description,
			Value:       scale(registerValue(f.Format, data[start:end]), f.Scale),
		})
	}

	return records, nil
}

func registerValue(f Format, b []byte) float64 {
	switch f {
	case Int16:
		return float64(int16(binary.BigEndian.Uint16(b)))
	case Uint32:
		return float64(binary.BigEndian.Uint32(b))
	case Float32BE:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case Float32LE:
		hi := binary.BigEndian.Uint16(b[2:])
		lo := binary.BigEndian.Uint16(b[0:])
		return float64(math.Float32frombits(uint32(hi)<<16 | uint32(lo)))
	default:
		return float64(binary.BigEndian.Uint16(b))
	}
}

func decodeBits(data []byte, layout []Field) ([]Record, error) {
	bit := func(i int) float64 {
		if data[i/8]&(1<<uint(i%8)) != 0 {
			return 1
		}
		return 0
	}

	if len(layout) == 0 {
		records := make([]Record, 0, 8*len(data))
		for i := 0; i < 8*len(data); i++ {
			records = append(records, Record{Description: fmt.Sprintf("coil_%d", i), Value: bit(i)})
		}

		return records, nil
	}

	records := make([]Record, 0, len(layout))
	for _, f := range layout {
		if int(f.Offset) >= 8*len(data) {
			return nil, fmt.Errorf("%w: bit %d of %q beyond %d-byte reply",
				ErrMalformedResponse, f.Offset, f.Description, len(data))
		}
		records = append(records, Record{Description: f.Description, Value: bit(int(f.Offset))})
	}

	return records, nil
}

func decodeEcho(pdu []byte, second string) ([]Record, error) {
	if len(pdu) != 4 {
		return nil, fmt.Errorf("%w: write echo of %d bytes", ErrMalformedResponse, len(pdu))
	}

	return []Record{
		{Description: "address", Value: float64(binary.BigEndian.Uint16(pdu[0:]))},
		{Description: second, Value: float64(binary.BigEndian.Uint16(pdu[2:]))},
	}, nil
}

func scale(v, factor float64) float64 {
	if factor == 0 {
		return v
	}

	return v * factor
}

// Float32Registers encodes v as two registers, high word first.
func Float32Registers(v float32) []uint16 {
	bits := math.Float32bits(v)
	return []uint16{uint16(bits >> 16), uint16(bits)}
}
