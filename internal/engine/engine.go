// Package engine runs the clutch endurance test: it configures the motor
// controller, alternates forward and reverse torque phases, gates each cycle on
// battery charge and motor temperature, and records every completed cycle.
//
// A run executes on a single worker goroutine. Callers interact through Start,
// Stop and Status, none of which touch the hardware or block on the worker.
package engine

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"clutchtester/internal/ledger"
	"clutchtester/internal/registers"
	"clutchtester/internal/telemetry"
	"clutchtester/internal/threshold"
)

var (
	// ErrAlreadyRunning rejects a start while a run is active.
	ErrAlreadyRunning = errors.New("test already running")
	// ErrClosed rejects a start after Close.
	ErrClosed = errors.New("engine closed")
)

// LedgerError rejects a start whose resume point cannot be read. A run never
// numbers its cycles without knowing the last recorded one.
type LedgerError struct {
	Err error
}

func (e *LedgerError) Error() string { return "reading cycle ledger: " + e.Err.Error() }

func (e *LedgerError) Unwrap() error { return e.Err }

// Hardware performs named register operations against the motor controller.
type Hardware interface {
	Write(ctx context.Context, name string, value float64) error
	Read(ctx context.Context, name string) (float64, error)
}

// Ledger is where completed cycles are persisted.
type Ledger interface {
	Last() (uint64, bool, error)
	Append(r ledger.Record) error
}

// Options tune an Engine. Zero fields take their defaults.
type Options struct {
	Monitor threshold.Monitor
	// DwellStep bounds how long a stop request can go unnoticed.
	DwellStep time.Duration
	// BatteryAttempts is how many battery checks are made before an
	// iteration is skipped.
	BatteryAttempts int
	// SkipDelay is the pause after a cycle is skipped for a failed reading.
	SkipDelay       time.Duration
	ShutdownTimeout time.Duration
	Publisher       telemetry.Publisher
	Now             func() time.Time
}

const (
	defaultDwellStep       = 100 * time.Millisecond
	defaultBatteryAttempts = 3
	defaultSkipDelay       = time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Engine is the cycle test state machine. At most one run is active at a time.
type Engine struct {
	hw      Hardware
	ledger  Ledger
	logger  logging.Logger
	monitor threshold.Monitor
	pub     telemetry.Publisher
	now     func() time.Time

	dwellStep       time.Duration
	batteryAttempts int
	skipDelay       time.Duration
	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
	stop   *atomic.Bool
	done   chan struct{}
	closed bool
}

// New returns an idle engine driving hw and recording to l.
func New(hw Hardware, l Ledger, logger logging.Logger, opts Options) *Engine {
	if opts.Monitor == (threshold.Monitor{}) {
		opts.Monitor = threshold.New(threshold.DefaultLimits)
	}
	if opts.DwellStep <= 0 {
		opts.DwellStep = defaultDwellStep
	}
	if opts.BatteryAttempts <= 0 {
		opts.BatteryAttempts = defaultBatteryAttempts
	}
	if opts.SkipDelay <= 0 {
		opts.SkipDelay = defaultSkipDelay
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Publisher == nil {
		opts.Publisher = telemetry.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		hw:              hw,
		ledger:          l,
		logger:          logger,
		monitor:         opts.Monitor,
		pub:             opts.Publisher,
		now:             opts.Now,
		dwellStep:       opts.DwellStep,
		batteryAttempts: opts.BatteryAttempts,
		skipDelay:       opts.SkipDelay,
		shutdownTimeout: opts.ShutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
		status:          Status{State: Idle, Indicator: threshold.IndicatorIdle},
	}
}

// Start validates the parameters, reads the resume point from the ledger, and
// begins a run on a new worker. It returns ErrAlreadyRunning, without side
// effects, while a run is active, and a *LedgerError when the ledger cannot be
// read. Neither touches the hardware.
func (e *Engine) Start(p Params, target int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.status.State.Active() {
		return ErrAlreadyRunning
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := ValidateTarget(target); err != nil {
		return err
	}
	count, err := e.resumeCount()
	if err != nil {
		return err
	}

	stop := &atomic.Bool{}
	done := make(chan struct{})
	e.stop = stop
	e.done = done
	e.status = Status{
		State:        Configuring,
		CycleCount:   count,
		StartCount:   count,
		TargetCycles: target,
		Indicator:    threshold.IndicatorRunning,
		Telemetry:    e.status.Telemetry,
	}
	e.logger.Infof("starting test: target %d cycles, %+v", target, p)

	utils.PanicCapturingGo(func() {
		defer close(done)
		e.run(e.ctx, stop, p, target, count)
	})
	return nil
}

// Stop asks the active run to wind down. It returns false when nothing is
// running. The run observes the request within one dwell step.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.State.Active() {
		return false
	}
	e.stop.Store(true)
	e.logger.Info("stop requested")
	return true
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Wait blocks until the current run, if any, has shut down.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any run, waits for its safe shutdown, and refuses further starts.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	if e.stop != nil {
		e.stop.Store(true)
	}
	e.mu.Unlock()
	e.cancel()
	return e.Wait(ctx)
}

func (e *Engine) update(f func(s *Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f(&e.status)
}

func (e *Engine) setState(st State) {
	e.update(func(s *Status) {
		s.State = st
		s.Indicator = e.indicator(*s)
		if st != Running {
			s.Phase = ""
			s.PhaseElapsed = 0
		}
	})
}

func (e *Engine) indicator(s Status) threshold.Indicator {
	switch s.State {
	case Idle:
		return threshold.IndicatorIdle
	case Cooling:
		return threshold.IndicatorCooling
	case Stopping, Stopped:
		return threshold.IndicatorStopped
	case Faulted:
		return threshold.IndicatorFault
	}
	if s.Telemetry.SampledAt.IsZero() {
		return threshold.IndicatorRunning
	}
	return e.monitor.Classify(true, s.Telemetry.MotorTempC, s.Telemetry.SOCPct)
}

func (e *Engine) run(ctx context.Context, stop *atomic.Bool, p Params, target int64, count uint64) {
	if err := e.configure(ctx, p); err != nil {
		e.logger.Errorf("setup failed, shutting down: %v", err)
		e.update(func(s *Status) { s.Err = err })
		e.setState(Stopping)
		e.shutdown()
		e.setState(Faulted)
		return
	}
	e.setState(Running)

	start := count
	for !stop.Load() {
		if !e.batteryOK(ctx, stop) {
			continue
		}
		temp, err := e.hw.Read(ctx, registers.MotorTemperature)
		if err != nil {
			e.logger.Errorf("reading motor temperature, skipping cycle: %v", err)
			e.wait(ctx, stop, e.skipDelay, nil)
			continue
		}
		if e.monitor.CheckTemperature(temp) == threshold.RequiresCooldown {
			if !e.cooldown(ctx, stop, temp) {
				break
			}
			continue
		}

		rec, ok := e.cycle(ctx, stop, p, count+1)
		if !ok {
			break
		}
		e.record(ctx, rec)
		count++
		e.update(func(s *Status) { s.CycleCount = count })

		if target != Unbounded && count >= start+uint64(target) {
			e.logger.Infof("target of %d cycles reached at cycle %d", target, count)
			break
		}
	}

	e.setState(Stopping)
	e.shutdown()
	e.setState(Stopped)
	e.logger.Infof("test stopped after %d cycles this run (ledger at %d)", count-start, count)
}

// resumeCount is the index of the last recorded cycle, 0 for a new ledger.
func (e *Engine) resumeCount() (uint64, error) {
	idx, found, err := e.ledger.Last()
	if err != nil {
		return 0, &LedgerError{Err: err}
	}
	if !found {
		return 0, nil
	}
	e.logger.Infof("resuming after cycle %d", idx)
	return idx, nil
}

func (e *Engine) configure(ctx context.Context, p Params) error {
	steps := []struct {
		name  string
		value float64
	}{
		{registers.SpeedRegulatorMode, 1},
		{registers.TorqueCommand, 0},
		{registers.RegenBatteryCurrentLimit, p.MaxBrakeCurrentPct},
		{registers.BatteryCurrentLimit, p.MaxMotorCurrentPct},
		{registers.MotoringCurrentLimit, p.MaxMotorCurrentPct},
		{registers.BrakingCurrentLimit, p.MaxBrakeCurrentPct},
		{registers.BrakingTorqueLimit, math.Abs(p.ReverseTorquePct)},
		{registers.SpeedCommand, p.TargetRPM},
		{registers.StateCommand, 1},
	}
	for _, s := range steps {
		if err := e.hw.Write(ctx, s.name, s.value); err != nil {
			return errors.Wrapf(err, "setup %s", s.name)
		}
	}
	return nil
}

// shutdown zeroes torque and disables the drive. It runs on its own context so
// it is still attempted after the engine's context is cancelled.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
	defer cancel()
	err := multierr.Combine(
		errors.Wrap(e.hw.Write(ctx, registers.TorqueCommand, 0), "zeroing torque"),
		errors.Wrap(e.hw.Write(ctx, registers.StateCommand, 0), "disabling drive"),
	)
	if err != nil {
		e.logger.Errorf("safe shutdown incomplete: %v", err)
	}
}

// wait sleeps for d in dwell steps, calling tick with the time waited so far.
// It returns false as soon as a stop is requested or ctx is done.
func (e *Engine) wait(ctx context.Context, stop *atomic.Bool, d time.Duration, tick func(time.Duration)) bool {
	var waited time.Duration
	for waited < d {
		if stop.Load() {
			return false
		}
		step := min(e.dwellStep, d-waited)
		if !utils.SelectContextOrWait(ctx, step) {
			return false
		}
		waited += step
		if tick != nil {
			tick(waited)
		}
	}
	return !stop.Load()
}

func (e *Engine) batteryOK(ctx context.Context, stop *atomic.Bool) bool {
	for attempt := 1; attempt <= e.batteryAttempts; attempt++ {
		var delay time.Duration
		v, err := e.hw.Read(ctx, registers.BatteryVoltage)
		if err != nil {
			e.logger.Warnf("reading battery voltage (check %d of %d): %v", attempt, e.batteryAttempts, err)
			delay = e.monitor.Limits.BatteryDelay
		} else {
			soc := e.monitor.SOC(v) * 100
			e.update(func(s *Status) {
				s.Telemetry.BatteryVoltageV = v
				s.Telemetry.SOCPct = soc
			})
			d := e.monitor.CheckBattery(soc)
			if d.Proceed {
				return true
			}
			e.logger.Warnf("battery at %.1f%% (%.2f V), waiting %v (check %d of %d)", soc, v, d.Delay, attempt, e.batteryAttempts)
			delay = d.Delay
		}
		if !e.wait(ctx, stop, delay, nil) {
			return false
		}
	}
	e.logger.Errorf("battery check failed %d times, skipping cycle", e.batteryAttempts)
	return false
}

func (e *Engine) cooldown(ctx context.Context, stop *atomic.Bool, temp float64) bool {
	e.logger.Warnf("motor at %.1f C, cooling to %.1f C before the next cycle", temp, e.monitor.Limits.CooldownTargetC)
	e.setState(Cooling)
	read := func(ctx context.Context) (float64, error) {
		v, err := e.hw.Read(ctx, registers.MotorTemperature)
		if err == nil {
			e.update(func(s *Status) { s.Telemetry.MotorTempC = v })
		}
		return v, err
	}
	wait := func(ctx context.Context, d time.Duration) bool {
		return e.wait(ctx, stop, d, nil)
	}
	temp, err := e.monitor.Cooldown(ctx, read, wait, func(err error) {
		e.logger.Warnf("reading motor temperature during cooldown: %v", err)
	})
	if err != nil {
		return false
	}
	e.logger.Infof("motor cooled to %.1f C, resuming", temp)
	e.setState(Running)
	return true
}

// cycle runs each phase once. It returns false if a stop interrupted it, in
// which case the partial record is discarded.
func (e *Engine) cycle(ctx context.Context, stop *atomic.Bool, p Params, index uint64) (ledger.Record, bool) {
	rec := ledger.Record{CycleIndex: index}
	for ph := range p.Phases() {
		e.update(func(s *Status) {
			s.Phase = ph.Name
			s.PhaseElapsed = 0
		})
		if err := e.hw.Write(ctx, registers.TorqueCommand, ph.Torque); err != nil {
			e.logger.Errorf("cycle %d: %s torque command skipped: %v", index, ph.Name, err)
		}
		ok := e.wait(ctx, stop, ph.Dwell, func(elapsed time.Duration) {
			e.update(func(s *Status) { s.PhaseElapsed = elapsed })
		})
		if !ok {
			return rec, false
		}
		rpm, err := e.hw.Read(ctx, registers.MotorRPM)
		if err != nil {
			e.logger.Errorf("cycle %d: reading %s phase rpm: %v", index, ph.Name, err)
			continue
		}
		e.update(func(s *Status) { s.Telemetry.MotorRPM = rpm })
		e.classify(&rec, ph, rpm)
	}
	return rec, true
}

// classify files an rpm sample by the sign of the torque commanded during its
// phase. Backspin under negative torque means the clutch is slipping.
func (e *Engine) classify(rec *ledger.Record, ph Phase, rpm float64) {
	switch {
	case ph.Torque > 0:
		rec.ForwardRPM = rpm
	case ph.Torque == 0:
		rec.ReverseRPM = rpm
	case ph.Torque < -1:
		rec.NegativePhaseRPM = rpm
		if rpm < 0 {
			rec.WearSuspected = true
			e.logger.Warnf("cycle %d: shaft turning at %.0f rpm under %.0f%% torque, one-way clutch may be worn",
				rec.CycleIndex, rpm, ph.Torque)
			e.update(func(s *Status) { s.WearSuspected = true })
		}
	default:
		e.logger.Debugf("cycle %d: %s phase torque %v too small to classify %v rpm", rec.CycleIndex, ph.Name, ph.Torque, rpm)
	}
}

// record samples the cycle-end telemetry, then persists and publishes rec.
// Failures here are logged and never stop the run.
func (e *Engine) record(ctx context.Context, rec ledger.Record) {
	tel := e.Status().Telemetry
	for _, m := range []struct {
		name string
		dst  *float64
	}{
		{registers.MotorTorque, &tel.MotorTorquePct},
		{registers.MotorTemperature, &tel.MotorTempC},
		{registers.ControllerTemperature, &tel.ControllerTempC},
		{registers.BatteryVoltage, &tel.BatteryVoltageV},
	} {
		v, err := e.hw.Read(ctx, m.name)
		if err != nil {
			e.logger.Warnf("cycle %d: reading %s, keeping last value: %v", rec.CycleIndex, m.name, err)
			continue
		}
		*m.dst = v
	}
	tel.SOCPct = e.monitor.SOC(tel.BatteryVoltageV) * 100
	tel.SampledAt = e.now()
	e.update(func(s *Status) {
		s.Telemetry = tel
		s.Indicator = e.indicator(*s)
	})
	if e.monitor.Warning(tel.MotorTempC, tel.SOCPct) {
		e.logger.Warnf("cycle %d: motor %.1f C, battery %.1f%%", rec.CycleIndex, tel.MotorTempC, tel.SOCPct)
	}

	rec.MotorTempC = tel.MotorTempC
	rec.ControllerTempC = tel.ControllerTempC
	rec.BatteryVoltageV = tel.BatteryVoltageV
	rec.RecordedAt = tel.SampledAt

	if err := e.ledger.Append(rec); err != nil {
		e.logger.Errorf("cycle %d: writing ledger: %v", rec.CycleIndex, err)
	} else {
		e.logger.Infof("cycle %d recorded", rec.CycleIndex)
	}
	if err := e.pub.Publish(ctx, rec); err != nil {
		e.logger.Warnf("cycle %d: publishing: %v", rec.CycleIndex, err)
	}
}
