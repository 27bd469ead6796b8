// Package threshold decides whether the rig may proceed given battery state of
// charge and motor temperature.
package threshold

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Limits are the safety thresholds. The zero value is not useful; start from
// DefaultLimits.
type Limits struct {
	// Battery gate: below MinSOCPct the engine waits BatteryDelay and retries.
	MinSOCPct    float64
	BatteryDelay time.Duration

	// Thermal gate: above MaxStartTempC at cycle start the rig cools until
	// CooldownTargetC, sampling every CooldownPoll.
	MaxStartTempC   float64
	CooldownTargetC float64
	CooldownPoll    time.Duration

	// Soft limits shown to operators, never enforced.
	WarnTempC  float64
	WarnSOCPct float64

	// Battery pack voltage at 0% and 100% state of charge.
	EmptyVoltage float64
	FullVoltage  float64
}

// DefaultLimits are the limits of the stock rig.
var DefaultLimits = Limits{
	MinSOCPct:       30,
	BatteryDelay:    300 * time.Second,
	MaxStartTempC:   90,
	CooldownTargetC: 30,
	CooldownPoll:    600 * time.Second,
	WarnTempC:       80,
	WarnSOCPct:      30,
	EmptyVoltage:    30,
	FullVoltage:     48,
}

// BatteryDecision is the result of a battery check.
type BatteryDecision struct {
	Proceed bool
	// Delay is how long to wait before checking again when Proceed is false.
	Delay time.Duration
}

// TempDecision is the result of a temperature check.
type TempDecision int

const (
	// Proceed means the motor is cool enough to start a cycle.
	Proceed TempDecision = iota
	// RequiresCooldown means the rig must pause until the motor cools.
	RequiresCooldown
)

func (d TempDecision) String() string {
	if d == RequiresCooldown {
		return "requires cooldown"
	}
	return "proceed"
}

// Monitor evaluates readings against Limits. It holds no run state.
type Monitor struct {
	Limits Limits
}

// New returns a monitor for limits.
func New(limits Limits) Monitor {
	return Monitor{Limits: limits}
}

// SOC converts a battery voltage into a state of charge fraction in [0, 1]
// by linear interpolation between the empty and full voltages.
func (m Monitor) SOC(voltage float64) float64 {
	span := m.Limits.FullVoltage - m.Limits.EmptyVoltage
	if span <= 0 {
		return 0
	}
	f := (voltage - m.Limits.EmptyVoltage) / span
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// CheckBattery gates a cycle on state of charge, in percent.
func (m Monitor) CheckBattery(socPct float64) BatteryDecision {
	if socPct < m.Limits.MinSOCPct {
		return BatteryDecision{Delay: m.Limits.BatteryDelay}
	}
	return BatteryDecision{Proceed: true}
}

// CheckTemperature gates a cycle on motor temperature.
func (m Monitor) CheckTemperature(motorTempC float64) TempDecision {
	if motorTempC > m.Limits.MaxStartTempC {
		return RequiresCooldown
	}
	return Proceed
}

// Waiter pauses for d and reports false if the wait was interrupted.
type Waiter func(ctx context.Context, d time.Duration) bool

// ErrCooldownInterrupted is returned when a cooldown wait is cut short.
var ErrCooldownInterrupted = errors.New("cooldown interrupted")

// Cooldown blocks until read reports a temperature at or below the cooldown
// target, sampling once per CooldownPoll. Failed reads are passed to onErr and
// count as still hot.
func (m Monitor) Cooldown(ctx context.Context, read func(context.Context) (float64, error), wait Waiter, onErr func(error)) (float64, error) {
	for {
		if !wait(ctx, m.Limits.CooldownPoll) {
			return 0, ErrCooldownInterrupted
		}
		temp, err := read(ctx)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			continue
		}
		if temp <= m.Limits.CooldownTargetC {
			return temp, nil
		}
	}
}

// Indicator is the operator-facing status light.
type Indicator string

// Indicator values, in no particular order. Classify resolves overlaps.
const (
	IndicatorIdle    Indicator = "idle"
	IndicatorRunning Indicator = "running"
	IndicatorWarning Indicator = "warning"
	IndicatorCooling Indicator = "cooling"
	IndicatorStopped Indicator = "stopped"
	IndicatorFault   Indicator = "fault"
)

// Warning reports whether readings cross the soft limits.
func (m Monitor) Warning(motorTempC, socPct float64) bool {
	return motorTempC > m.Limits.WarnTempC || socPct < m.Limits.WarnSOCPct
}

// Classify picks the status light for a running rig. Warning outranks running;
// a single reading is never both.
func (m Monitor) Classify(running bool, motorTempC, socPct float64) Indicator {
	if !running {
		return IndicatorIdle
	}
	if m.Warning(motorTempC, socPct) {
		return IndicatorWarning
	}
	return IndicatorRunning
}
