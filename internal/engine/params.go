package engine

import (
	"fmt"
	"iter"
	"math"
	"time"
)

// Unbounded as a target runs until stopped.
const Unbounded int64 = -1

// Params are the test parameters for one run. Torques and current limits are
// percentages of the controller's rating.
type Params struct {
	TargetRPM          float64 `json:"target_rpm" yaml:"target_rpm"`
	ForwardTorquePct   float64 `json:"forward_torque_pct" yaml:"forward_torque_pct"`
	ReverseTorquePct   float64 `json:"reverse_torque_pct" yaml:"reverse_torque_pct"`
	ForwardDurationS   float64 `json:"forward_duration_s" yaml:"forward_duration_s"`
	ReverseDurationS   float64 `json:"reverse_duration_s" yaml:"reverse_duration_s"`
	MaxMotorCurrentPct float64 `json:"max_motor_current_pct" yaml:"max_motor_current_pct"`
	MaxBrakeCurrentPct float64 `json:"max_brake_current_pct" yaml:"max_brake_current_pct"`
}

// DefaultParams are the parameters the rig ships with.
var DefaultParams = Params{
	TargetRPM:          320,
	ForwardTorquePct:   100,
	ReverseTorquePct:   -100,
	ForwardDurationS:   5,
	ReverseDurationS:   3,
	MaxMotorCurrentPct: 100,
	MaxBrakeCurrentPct: 100,
}

// ValidationError rejects parameters before any hardware is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks p for values the controller cannot be given.
func (p Params) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"target_rpm", p.TargetRPM},
		{"forward_torque_pct", p.ForwardTorquePct},
		{"reverse_torque_pct", p.ReverseTorquePct},
		{"forward_duration_s", p.ForwardDurationS},
		{"reverse_duration_s", p.ReverseDurationS},
		{"max_motor_current_pct", p.MaxMotorCurrentPct},
		{"max_brake_current_pct", p.MaxBrakeCurrentPct},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return invalid(f.name, "must be a finite number")
		}
	}
	switch {
	case p.ForwardTorquePct < 0 || p.ForwardTorquePct > 100:
		return invalid("forward_torque_pct", "%v is outside [0, 100]", p.ForwardTorquePct)
	case p.ReverseTorquePct > 0 || p.ReverseTorquePct < -100:
		return invalid("reverse_torque_pct", "%v is outside [-100, 0]", p.ReverseTorquePct)
	case p.ForwardDurationS <= 0:
		return invalid("forward_duration_s", "must be positive")
	case p.ReverseDurationS <= 0:
		return invalid("reverse_duration_s", "must be positive")
	case p.MaxMotorCurrentPct < 0 || p.MaxMotorCurrentPct > 100:
		return invalid("max_motor_current_pct", "%v is outside [0, 100]", p.MaxMotorCurrentPct)
	case p.MaxBrakeCurrentPct < 0 || p.MaxBrakeCurrentPct > 100:
		return invalid("max_brake_current_pct", "%v is outside [0, 100]", p.MaxBrakeCurrentPct)
	case math.Abs(p.TargetRPM) > math.MaxInt16:
		return invalid("target_rpm", "%v does not fit the speed register", p.TargetRPM)
	}
	return nil
}

// ValidateTarget accepts a positive cycle count or Unbounded.
func ValidateTarget(target int64) error {
	if target == 0 || target < Unbounded {
		return invalid("target_cycles", "%d is neither positive nor %d", target, Unbounded)
	}
	return nil
}

// Phase is one timed torque hold within a cycle.
type Phase struct {
	Name   string
	Torque float64
	Dwell  time.Duration
}

// Phase names.
const (
	PhaseForward = "forward"
	PhaseReverse = "reverse"
)

// Phases yields the phases of one cycle in order. The sequence can be ranged
// over any number of times.
func (p Params) Phases() iter.Seq[Phase] {
	phases := [...]Phase{
		{Name: PhaseForward, Torque: p.ForwardTorquePct, Dwell: seconds(p.ForwardDurationS)},
		{Name: PhaseReverse, Torque: p.ReverseTorquePct, Dwell: seconds(p.ReverseDurationS)},
	}
	return func(yield func(Phase) bool) {
		for _, ph := range phases {
			if !yield(ph) {
				return
			}
		}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
