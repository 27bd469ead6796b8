// Package registers translates symbolic motor controller commands and measurements
// into Modbus holding register addresses and raw 16-bit values.
package registers

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// MaxRaw is the largest value a single holding register can carry.
const MaxRaw = math.MaxUint16

// Command names understood by the motor controller.
const (
	SpeedRegulatorMode       = "set_speed_regulator_mode"
	TorqueCommand            = "set_remote_torque_command"
	RegenBatteryCurrentLimit = "set_remote_maximum_regen_battery_current_limit"
	BatteryCurrentLimit      = "set_remote_maximum_battery_current_limit"
	MotoringCurrentLimit     = "set_remote_maximum_motoring_current"
	BrakingCurrentLimit      = "set_remote_maximum_braking_current"
	BrakingTorqueLimit       = "set_remote_maximum_braking_torque"
	SpeedCommand             = "set_remote_speed_command"
	StateCommand             = "set_remote_state_command"
)

// wrapModulus is the modulus for signed values on a 16-bit register.
const wrapModulus uint32 = 1 << 16

// Measurement names read back from the motor controller.
const (
	MotorRPM              = "motor_rpm"
	MotorTorque           = "motor_torque"
	MotorTemperature      = "motor_temperature"
	ControllerTemperature = "controller_temperature"
	BatteryVoltage        = "battery_voltage"
)

// ErrUnknownName is returned when a command or measurement is not in the map.
var ErrUnknownName = errors.New("unknown register name")

// Command describes how an engineering value is written to a register.
// A non-zero Modulus makes negative values wrap around, which is how the
// controller represents signed torque and speed on an unsigned wire.
type Command struct {
	Name    string
	Address uint16
	Scale   float64
	Modulus uint32
}

// Encode converts an engineering value into the raw register value.
func (c Command) Encode(value float64) (uint16, error) {
	raw := int64(math.Round(value * c.Scale))
	if raw < 0 && c.Modulus != 0 {
		raw += int64(c.Modulus)
	}
	if raw < 0 || raw > MaxRaw {
		return 0, errors.Errorf("%s: value %v encodes to %d, outside register range", c.Name, value, raw)
	}
	return uint16(raw), nil
}

// Decode inverts Encode, unwrapping values in the upper half of the modulus.
func (c Command) Decode(raw uint16) float64 {
	v := int64(raw)
	if c.Modulus != 0 && v >= int64(c.Modulus/2) {
		v -= int64(c.Modulus)
	}
	return float64(v) / c.Scale
}

// Measurement describes how a raw register value is turned into engineering units.
type Measurement struct {
	Name    string
	Address uint16
	Scale   float64
	// Signed reads the register as a two's-complement int16.
	Signed bool
}

// Decode converts a raw register value into engineering units.
func (m Measurement) Decode(raw uint16) float64 {
	if m.Signed {
		return float64(int16(raw)) * m.Scale
	}
	return float64(raw) * m.Scale
}

// Encode is the inverse of Decode and is used by the simulator.
func (m Measurement) Encode(value float64) uint16 {
	raw := int64(math.Round(value / m.Scale))
	if m.Signed {
		return uint16(int16(raw))
	}
	if raw < 0 {
		return 0
	}
	if raw > MaxRaw {
		return MaxRaw
	}
	return uint16(raw)
}

// Map is an immutable lookup table of commands and measurements.
type Map struct {
	commands     map[string]Command
	measurements map[string]Measurement
}

// DefaultCommands is the command table of the motor controller.
func DefaultCommands() []Command {
	return []Command{
		{Name: SpeedRegulatorMode, Address: 11, Scale: 1},
		{Name: TorqueCommand, Address: 494, Scale: 40.46, Modulus: wrapModulus},
		{Name: RegenBatteryCurrentLimit, Address: 361, Scale: 8},
		{Name: BatteryCurrentLimit, Address: 360, Scale: 8},
		{Name: MotoringCurrentLimit, Address: 491, Scale: 40.96},
		{Name: BrakingCurrentLimit, Address: 492, Scale: 40.96},
		{Name: BrakingTorqueLimit, Address: 1680, Scale: 40.96},
		{Name: SpeedCommand, Address: 1677, Scale: 1, Modulus: wrapModulus},
		{Name: StateCommand, Address: 493, Scale: 1},
	}
}

// DefaultMeasurements is the telemetry table of the motor controller.
func DefaultMeasurements() []Measurement {
	return []Measurement{
		{Name: MotorRPM, Address: 263, Scale: 1, Signed: true},
		{Name: MotorTorque, Address: 264, Scale: 1 / 40.96, Signed: true},
		{Name: MotorTemperature, Address: 261, Scale: 1},
		{Name: ControllerTemperature, Address: 259, Scale: 1},
		{Name: BatteryVoltage, Address: 265, Scale: 1.0 / 32},
	}
}

// New builds a Map. Later entries with the same name replace earlier ones.
func New(commands []Command, measurements []Measurement) (*Map, error) {
	m := &Map{
		commands:     make(map[string]Command, len(commands)),
		measurements: make(map[string]Measurement, len(measurements)),
	}
	for _, c := range commands {
		if c.Scale == 0 {
			return nil, errors.Errorf("command %q has zero scale", c.Name)
		}
		m.commands[c.Name] = c
	}
	for _, ms := range measurements {
		if ms.Scale == 0 {
			return nil, errors.Errorf("measurement %q has zero scale", ms.Name)
		}
		m.measurements[ms.Name] = ms
	}
	return m, nil
}

// Default returns the map for the stock controller, with optional measurement
// address overrides keyed by measurement name.
func Default(addressOverrides map[string]uint16) (*Map, error) {
	measurements := DefaultMeasurements()
	for name, addr := range addressOverrides {
		found := false
		for i := range measurements {
			if measurements[i].Name == name {
				measurements[i].Address = addr
				found = true
			}
		}
		if !found {
			return nil, errors.Wrapf(ErrUnknownName, "measurement override %q", name)
		}
	}
	return New(DefaultCommands(), measurements)
}

// Command looks up a command by name.
func (m *Map) Command(name string) (Command, error) {
	c, ok := m.commands[name]
	if !ok {
		return Command{}, errors.Wrapf(ErrUnknownName, "command %q", name)
	}
	return c, nil
}

// Measurement looks up a measurement by name.
func (m *Map) Measurement(name string) (Measurement, error) {
	ms, ok := m.measurements[name]
	if !ok {
		return Measurement{}, errors.Wrapf(ErrUnknownName, "measurement %q", name)
	}
	return ms, nil
}

// Commands returns all commands ordered by address.
func (m *Map) Commands() []Command {
	out := make([]Command, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Measurements returns all measurements ordered by address.
func (m *Map) Measurements() []Measurement {
	out := make([]Measurement, 0, len(m.measurements))
	for _, ms := range m.measurements {
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
