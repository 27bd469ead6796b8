// Package sim is an in-memory stand-in for the motor controller. It keeps a
// holding register bank, models shaft speed from the commanded torque, and can
// inject communication faults per register.
package sim

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/simonvetter/modbus"

	"clutchtester/internal/registers"
)

// Op selects which direction a fault applies to.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Write is one register write observed by the device.
type Write struct {
	Address uint16
	Value   uint16
}

type faultKey struct {
	op   Op
	addr uint16
}

// Device simulates the motor controller.
type Device struct {
	regs *registers.Map

	mu       sync.Mutex
	bank     map[uint16]uint16
	scripts  map[uint16][]uint16
	faults   map[faultKey][]error
	writes   []Write
	backspin float64
	reads    int
}

// New returns a device with a cool motor and a full battery.
func New(regs *registers.Map) *Device {
	d := &Device{
		regs:    regs,
		bank:    map[uint16]uint16{},
		scripts: map[uint16][]uint16{},
		faults:  map[faultKey][]error{},
	}
	d.SetMeasurement(registers.MotorTemperature, 25)
	d.SetMeasurement(registers.ControllerTemperature, 25)
	d.SetMeasurement(registers.BatteryVoltage, 48)
	return d
}

// SetMeasurement sets the value a measurement reads back until changed.
func (d *Device) SetMeasurement(name string, value float64) {
	ms, err := d.regs.Measurement(name)
	if err != nil {
		panic(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.scripts, ms.Address)
	d.bank[ms.Address] = ms.Encode(value)
}

// ScriptMeasurement queues values returned by successive reads. The last value
// sticks once the queue drains.
func (d *Device) ScriptMeasurement(name string, values ...float64) {
	ms, err := d.regs.Measurement(name)
	if err != nil {
		panic(err)
	}
	raw := make([]uint16, len(values))
	for i, v := range values {
		raw[i] = ms.Encode(v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[ms.Address] = raw
}

// SetBackspin sets the shaft speed reported while negative torque is commanded.
// A healthy clutch holds this at zero.
func (d *Device) SetBackspin(rpm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backspin = rpm
}

// Fail makes the next operations on the named register return errs in order.
func (d *Device) Fail(op Op, name string, errs ...error) {
	addr, err := d.address(op, name)
	if err != nil {
		panic(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := faultKey{op, addr}
	d.faults[k] = append(d.faults[k], errs...)
}

// Writes returns every successful write in order.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// CommandHistory returns the decoded values written to the named command.
func (d *Device) CommandHistory(name string) []float64 {
	c, err := d.regs.Command(name)
	if err != nil {
		panic(err)
	}
	var out []float64
	for _, w := range d.Writes() {
		if w.Address == c.Address {
			out = append(out, c.Decode(w.Value))
		}
	}
	return out
}

// Reads returns the number of successful register reads.
func (d *Device) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// ReadHoldingRegister implements the transport connection.
func (d *Device) ReadHoldingRegister(ctx context.Context, addr uint16) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault(OpRead, addr); err != nil {
		return 0, err
	}
	d.reads++
	if q := d.scripts[addr]; len(q) > 0 {
		v := q[0]
		if len(q) > 1 {
			d.scripts[addr] = q[1:]
		}
		return v, nil
	}
	if v, ok := d.modelled(addr); ok {
		return v, nil
	}
	return d.bank[addr], nil
}

// WriteRegister implements the transport connection.
func (d *Device) WriteRegister(ctx context.Context, addr, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault(OpWrite, addr); err != nil {
		return err
	}
	d.bank[addr] = value
	d.writes = append(d.writes, Write{Address: addr, Value: value})
	return nil
}

// modelled derives shaft speed and torque from the command registers. Must be
// called with mu held.
func (d *Device) modelled(addr uint16) (uint16, bool) {
	rpm, err := d.regs.Measurement(registers.MotorRPM)
	if err != nil {
		return 0, false
	}
	torqueMs, err := d.regs.Measurement(registers.MotorTorque)
	if err != nil {
		return 0, false
	}
	torqueCmd, err := d.regs.Command(registers.TorqueCommand)
	if err != nil {
		return 0, false
	}
	speedCmd, err := d.regs.Command(registers.SpeedCommand)
	if err != nil {
		return 0, false
	}
	torque := torqueCmd.Decode(d.bank[torqueCmd.Address])

	switch addr {
	case rpm.Address:
		switch {
		case torque > 0:
			return rpm.Encode(speedCmd.Decode(d.bank[speedCmd.Address])), true
		case torque < 0:
			return rpm.Encode(d.backspin), true
		default:
			return rpm.Encode(0), true
		}
	case torqueMs.Address:
		return torqueMs.Encode(torque), true
	}
	return 0, false
}

func (d *Device) popFault(op Op, addr uint16) error {
	k := faultKey{op, addr}
	q := d.faults[k]
	if len(q) == 0 {
		return nil
	}
	d.faults[k] = q[1:]
	return q[0]
}

func (d *Device) address(op Op, name string) (uint16, error) {
	if op == OpWrite {
		c, err := d.regs.Command(name)
		if err != nil {
			return 0, err
		}
		return c.Address, nil
	}
	ms, err := d.regs.Measurement(name)
	if err != nil {
		return 0, errors.Wrap(err, "sim fault")
	}
	return ms.Address, nil
}

// Timeout is a transient fault as the Modbus client reports it.
func Timeout() error { return modbus.ErrRequestTimedOut }

// Busy is a transient exception response.
func Busy() error { return modbus.ErrServerDeviceBusy }

// IllegalAddress is a permanent exception response.
func IllegalAddress() error { return modbus.ErrIllegalDataAddress }
