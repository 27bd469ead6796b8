package engine

import (
	"time"

	"clutchtester/internal/threshold"
)

// State is the engine's position in its run state machine.
type State int

const (
	Idle State = iota
	Configuring
	Running
	Cooling
	Stopping
	Stopped
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Cooling:
		return "cooling"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// Active reports whether a run holds the transport in this state.
func (s State) Active() bool {
	switch s {
	case Configuring, Running, Cooling, Stopping:
		return true
	}
	return false
}

// Telemetry is the latest set of readings taken by the worker.
type Telemetry struct {
	MotorRPM        float64
	MotorTorquePct  float64
	MotorTempC      float64
	ControllerTempC float64
	BatteryVoltageV float64
	SOCPct          float64
	SampledAt       time.Time
}

// Status is a point-in-time copy of the engine's state for display.
type Status struct {
	State        State
	Phase        string
	PhaseElapsed time.Duration
	CycleCount   uint64
	StartCount   uint64
	TargetCycles int64
	Telemetry    Telemetry
	Indicator    threshold.Indicator
	// WearSuspected latches once any cycle of the run saw backspin.
	WearSuspected bool
	// Err is the error that faulted the run, if any.
	Err error
}

// Map renders the status for DoCommand and sensor readings.
func (s Status) Map() map[string]interface{} {
	m := map[string]interface{}{
		"state":             s.State.String(),
		"phase":             s.Phase,
		"phase_elapsed_s":   s.PhaseElapsed.Seconds(),
		"cycle_count":       s.CycleCount,
		"cycles_this_run":   s.CycleCount - s.StartCount,
		"target_cycles":     s.TargetCycles,
		"indicator":         string(s.Indicator),
		"wear_suspected":    s.WearSuspected,
		"motor_rpm":         s.Telemetry.MotorRPM,
		"motor_torque_pct":  s.Telemetry.MotorTorquePct,
		"motor_temp_c":      s.Telemetry.MotorTempC,
		"controller_temp_c": s.Telemetry.ControllerTempC,
		"battery_voltage_v": s.Telemetry.BatteryVoltageV,
		"battery_soc_pct":   s.Telemetry.SOCPct,
	}
	if !s.Telemetry.SampledAt.IsZero() {
		m["sampled_at"] = s.Telemetry.SampledAt.UTC().Format(time.RFC3339)
	}
	if s.Err != nil {
		m["error"] = s.Err.Error()
	}
	return m
}
