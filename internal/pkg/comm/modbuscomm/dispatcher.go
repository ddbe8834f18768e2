package modbuscomm

import (
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/goburrow/modbus"
	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/sirupsen/logrus"
)

// holdingBase is the conventional 4xxxx numbering offset of holding
// registers.
const holdingBase = 40001

// Client is the subset of modbus.Client used here.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Dispatcher writes setpoints to one holding register.
type Dispatcher struct {
	handler  *modbus.TCPClientHandler
	logOut   io.Closer
	register Register
	scale    float64
	log      *logrus.Entry
}

// NewDispatcher is a factory for the Dispatcher struct
func NewDispatcher(cfg config.Modbus, logger logrus.FieldLogger) (*Dispatcher, error) {
	reg := Register{
		Name:       "setpoint",
		Address:    protocolAddress(cfg.Register),
		DataType:   DataType(cfg.DataType),
		Endianness: Endian(cfg.Endianness),
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Scale <= 0 {
		return nil, fmt.Errorf("modbuscomm: scale must be positive")
	}

	handler := modbus.NewTCPClientHandler(cfg.IPAddr + ":" + cfg.Port)
	handler.Timeout = time.Millisecond * time.Duration(cfg.Timeout)
	handler.SlaveId = cfg.SlaveID

	entry := logging.Component(logger, "Modbus")
	var logOut io.WriteCloser
	if cfg.EnableLogger {
		logOut = entry.WriterLevel(logrus.DebugLevel)
		handler.Logger = log.New(logOut, "modbus: ", 0)
	}

	return &Dispatcher{
		handler:  handler,
		logOut:   logOut,
		register: reg,
		scale:    cfg.Scale,
		log:      entry,
	}, nil
}

// Dispatch writes setpoint in volts for networkID and verifies the
// readback. The Dispatcher is spent afterwards.
func (d *Dispatcher) Dispatch(networkID string, setpoint float64) error {
	defer d.Close()
	if err := d.handler.Connect(); err != nil {
		return err
	}

	if err := WriteSetpoint(modbus.NewClient(d.handler), d.register, d.scale, setpoint); err != nil {
		return fmt.Errorf("network %s: %w", networkID, err)
	}
	d.log.WithFields(logrus.Fields{"network": networkID, "setpoint": setpoint}).Info("setpoint dispatched")
	return nil
}

// Close drops the connection and releases the protocol log writer.
func (d *Dispatcher) Close() error {
	err := d.handler.Close()
	if d.logOut != nil {
		d.logOut.Close()
		d.logOut = nil
		d.handler.Logger = nil
	}
	return err
}

// WriteSetpoint encodes setpoint·scale into reg, writes it and reads it
// back.
func WriteSetpoint(c Client, reg Register, scale, setpoint float64) error {
	raw := setpoint * scale
	size := sizeOf(reg.DataType)
	if _, err := c.WriteMultipleRegisters(reg.Address, size, encode(raw, reg)); err != nil {
		return err
	}

	resp, err := c.ReadHoldingRegisters(reg.Address, size)
	if err != nil {
		return err
	}
	got, err := decode(resp, reg)
	if err != nil {
		return err
	}
	want, _ := decode(encode(raw, reg), reg)
	if got != want && !(math.IsNaN(got) && math.IsNaN(want)) {
		return fmt.Errorf("modbuscomm: readback %v does not match written %v", got/scale, want/scale)
	}
	return nil
}

// ReadSetpoint reads reg and returns it in volts.
func ReadSetpoint(c Client, reg Register, scale float64) (float64, error) {
	resp, err := c.ReadHoldingRegisters(reg.Address, sizeOf(reg.DataType))
	if err != nil {
		return 0, err
	}
	v, err := decode(resp, reg)
	if err != nil {
		return 0, err
	}
	return v / scale, nil
}

func protocolAddress(r uint16) uint16 {
	if r >= holdingBase {
		return r - holdingBase
	}
	return r
}
