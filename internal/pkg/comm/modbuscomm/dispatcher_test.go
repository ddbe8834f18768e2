package modbuscomm

import (
	"errors"
	"io"
	"testing"

	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"gotest.tools/v3/assert"
)

// memory is an in-process holding register bank.
type memory struct {
	words   map[uint16][]byte
	corrupt bool
	fail    error
}

func newMemory() *memory {
	return &memory{words: make(map[uint16][]byte)}
}

func (m *memory) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([]byte, 0, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		w, ok := m.words[address+i]
		if !ok {
			w = []byte{0, 0}
		}
		out = append(out, w...)
	}
	return out, nil
}

func (m *memory) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	for i := uint16(0); i < quantity; i++ {
		w := []byte{value[2*i], value[2*i+1]}
		if m.corrupt {
			w[1]++
		}
		m.words[address+i] = w
	}
	return nil, nil
}

func TestWriteSetpoint(t *testing.T) {
	mem := newMemory()
	r := Register{Name: "setpoint", Address: 7, DataType: u16, Endianness: bigEndian}

	assert.NilError(t, WriteSetpoint(mem, r, 10, 230.5))
	assert.DeepEqual(t, mem.words[7], []byte{9, 1})

	v, err := ReadSetpoint(mem, r, 10)
	assert.NilError(t, err)
	assert.Equal(t, v, 230.5)
}

func TestWriteSetpointFloat(t *testing.T) {
	mem := newMemory()
	r := Register{Name: "setpoint", Address: 100, DataType: f32, Endianness: littleEndian}
	assert.NilError(t, WriteSetpoint(mem, r, 1, 239.5))
	v, err := ReadSetpoint(mem, r, 1)
	assert.NilError(t, err)
	assert.Equal(t, v, 239.5)
}

func TestWriteSetpointReadbackMismatch(t *testing.T) {
	mem := newMemory()
	mem.corrupt = true
	r := Register{Name: "setpoint", DataType: u16, Endianness: bigEndian}
	assert.ErrorContains(t, WriteSetpoint(mem, r, 10, 230), "readback")
}

func TestWriteSetpointTransportError(t *testing.T) {
	mem := newMemory()
	mem.fail = errors.New("connection reset")
	r := Register{Name: "setpoint", DataType: u16, Endianness: bigEndian}
	assert.ErrorContains(t, WriteSetpoint(mem, r, 10, 230), "connection reset")
}

func TestNewDispatcher(t *testing.T) {
	d, err := NewDispatcher(config.Default().Modbus, logging.Discard())
	assert.NilError(t, err)
	assert.Equal(t, d.register.Address, uint16(0))
	assert.Equal(t, d.register.DataType, u16)
	assert.Equal(t, d.handler.Address, "127.0.0.1:502")
	assert.Equal(t, d.handler.SlaveId, byte(1))

	cfg := config.Default().Modbus
	cfg.DataType = "bcd"
	_, err = NewDispatcher(cfg, logging.Discard())
	assert.Assert(t, errors.Is(err, ErrUnknownDataType))

	cfg = config.Default().Modbus
	cfg.Scale = 0
	_, err = NewDispatcher(cfg, logging.Discard())
	assert.ErrorContains(t, err, "scale")
}

func TestDispatchReleasesLogWriter(t *testing.T) {
	cfg := config.Default().Modbus
	cfg.EnableLogger = true
	cfg.Port = "1"
	cfg.Timeout = 200
	d, err := NewDispatcher(cfg, logging.Discard())
	assert.NilError(t, err)
	assert.Assert(t, d.logOut != nil)
	w := d.logOut.(io.Writer)

	// nothing listens on port 1, the writer must be released anyway
	assert.Assert(t, d.Dispatch("1001", 230) != nil)
	assert.Assert(t, d.logOut == nil)
	_, err = w.Write([]byte("late\n"))
	assert.Assert(t, errors.Is(err, io.ErrClosedPipe))

	assert.NilError(t, d.Close())
}

func TestDispatcherWithoutLogger(t *testing.T) {
	d, err := NewDispatcher(config.Default().Modbus, logging.Discard())
	assert.NilError(t, err)
	assert.Assert(t, d.logOut == nil)
	assert.NilError(t, d.Close())
}

func TestProtocolAddress(t *testing.T) {
	assert.Equal(t, protocolAddress(40001), uint16(0))
	assert.Equal(t, protocolAddress(40110), uint16(109))
	assert.Equal(t, protocolAddress(12), uint16(12))
}
