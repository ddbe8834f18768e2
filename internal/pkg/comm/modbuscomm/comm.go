// Package modbuscomm writes selected substation setpoints to a tap-changer
// controller over Modbus TCP.
package modbuscomm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DataType names the register encoding of the setpoint.
type DataType string

const (
	u16 DataType = "u16"
	u32 DataType = "u32"
	u64 DataType = "u64"
	i16 DataType = "i16"
	i32 DataType = "i32"
	i64 DataType = "i64"
	f32 DataType = "f32"
	f64 DataType = "f64"
)

// Endian is the byte order across the register words.
type Endian string

const (
	littleEndian Endian = "little"
	bigEndian    Endian = "big"
)

var (
	ErrUnknownDataType = errors.New("modbuscomm: unknown data type")
	ErrUnknownEndian   = errors.New("modbuscomm: unknown endianness")
	ErrShortResponse   = errors.New("modbuscomm: short register response")
)

// Register is the holding register that receives the setpoint.
type Register struct {
	Name       string   `json:"Name"`
	Address    uint16   `json:"Address"`
	DataType   DataType `json:"DataType"`
	Endianness Endian   `json:"Endianness"`
}

// Validate rejects registers the codec cannot handle.
func (r Register) Validate() error {
	if _, ok := formats[r.DataType]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDataType, r.DataType)
	}
	if r.Endianness != bigEndian && r.Endianness != littleEndian {
		return fmt.Errorf("%w: %q", ErrUnknownEndian, r.Endianness)
	}
	return nil
}

// format is the layout of a DataType: its width in 16 bit words and how the
// raw bits map to a value.
type format struct {
	words  uint16
	signed bool
	float  bool
}

var formats = map[DataType]format{
	u16: {words: 1},
	i16: {words: 1, signed: true},
	u32: {words: 2},
	i32: {words: 2, signed: true},
	f32: {words: 2, float: true},
	u64: {words: 4},
	i64: {words: 4, signed: true},
	f64: {words: 4, float: true},
}

// bits returns the raw register content of v, right aligned. Integer types
// truncate toward zero.
func (f format) bits(v float64) uint64 {
	switch {
	case f.float && f.words == 2:
		return uint64(math.Float32bits(float32(v)))
	case f.float:
		return math.Float64bits(v)
	case f.signed:
		return uint64(int64(v))
	}
	return uint64(v)
}

func (f format) value(b uint64) float64 {
	switch {
	case f.float && f.words == 2:
		return float64(math.Float32frombits(uint32(b)))
	case f.float:
		return math.Float64frombits(b)
	case f.signed:
		// sign extend from the register width
		shift := 64 - 16*uint(f.words)
		return float64(int64(b<<shift) >> shift)
	}
	return float64(b)
}

// encode lays val out in the registers described by register.
func encode(val float64, register Register) []byte {
	f, ok := formats[register.DataType]
	if !ok {
		return nil
	}
	buf := make([]byte, 2*f.words)
	order := getByteOrder(register.Endianness)
	b := f.bits(val)
	switch f.words {
	case 1:
		order.PutUint16(buf, uint16(b))
	case 2:
		order.PutUint32(buf, uint32(b))
	case 4:
		order.PutUint64(buf, b)
	}
	return buf
}

// decode reads the value held in a register response.
func decode(buf []byte, register Register) (float64, error) {
	f, ok := formats[register.DataType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDataType, register.DataType)
	}
	if len(buf) < int(2*f.words) {
		return 0, fmt.Errorf("%w: %d bytes for %s", ErrShortResponse, len(buf), register.DataType)
	}
	order := getByteOrder(register.Endianness)
	var b uint64
	switch f.words {
	case 1:
		b = uint64(order.Uint16(buf))
	case 2:
		b = uint64(order.Uint32(buf))
	case 4:
		b = order.Uint64(buf)
	}
	return f.value(b), nil
}

func getByteOrder(e Endian) binary.ByteOrder {
	if e == littleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// sizeOf returns the number of registers spanned by t, zero when unknown.
func sizeOf(t DataType) uint16 {
	return formats[t].words
}
