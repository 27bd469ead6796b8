package clutchtester

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"clutchtester/internal/engine"
	"clutchtester/internal/ledger"
	"clutchtester/internal/registers"
	"clutchtester/internal/telemetry"
	"clutchtester/internal/threshold"
)

func testConfig(t *testing.T) *Config {
	return &Config{
		Simulate:   true,
		LedgerPath: filepath.Join(t.TempDir(), "Log_no_of_cycles.log"),
		Defaults: &Defaults{
			Parameters: engine.Params{
				TargetRPM:          320,
				ForwardTorquePct:   100,
				ReverseTorquePct:   -100,
				ForwardDurationS:   0.002,
				ReverseDurationS:   0.002,
				MaxMotorCurrentPct: 100,
				MaxBrakeCurrentPct: 100,
			},
			TargetCycles: 3,
		},
	}
}

func fastEngine() engine.Options {
	limits := threshold.DefaultLimits
	limits.BatteryDelay = time.Millisecond
	limits.CooldownPoll = time.Millisecond
	return engine.Options{Monitor: threshold.New(limits), DwellStep: time.Millisecond, SkipDelay: time.Millisecond}
}

func testController(t *testing.T, cfg *Config) *clutchTesterController {
	t.Helper()
	logger := logging.NewTestLogger(t)
	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test")
	ctrl, err := newController(name, cfg, logger, fastEngine())
	if err != nil {
		t.Fatalf("newController failed: %v", err)
	}
	t.Cleanup(func() {
		if err := ctrl.Close(context.Background()); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return ctrl
}

func waitForRun(t *testing.T, ctrl *clutchTesterController) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.rig.Engine.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
}

func TestNewController(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test")

	ctrl, err := NewController(context.Background(), nil, name, testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	if ctrl == nil {
		t.Fatal("NewController returned nil")
	}
	if ctrl.Name() != name {
		t.Errorf("Name() = %v, want %v", ctrl.Name(), name)
	}
	if err := ctrl.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestNewControllerBadSerialPort(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test")
	cfg := &Config{SerialPort: "/dev/does-not-exist-clutch", LedgerPath: filepath.Join(t.TempDir(), "l.log")}

	if _, err := NewController(context.Background(), nil, name, cfg, logger); err == nil {
		t.Error("expected error opening a missing serial port")
	}
}

func TestDoCommand(t *testing.T) {
	ctrl := testController(t, testConfig(t))

	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("DoCommand should return error for missing command")
	}
	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "explode"}); err == nil {
		t.Error("DoCommand should return error for unknown command")
	}
}

func TestStartRunsDefaultTarget(t *testing.T) {
	ctrl := testController(t, testConfig(t))

	result, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "start"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if result["status"] != "started" {
		t.Errorf("status = %v, want started", result["status"])
	}
	if result["target_cycles"] != int64(3) {
		t.Errorf("target_cycles = %v, want 3", result["target_cycles"])
	}
	waitForRun(t, ctrl)

	state, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "status"})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if state["state"] != "stopped" {
		t.Errorf("state = %v, want stopped", state["state"])
	}
	if state["cycle_count"] != uint64(3) {
		t.Errorf("cycle_count = %v, want 3", state["cycle_count"])
	}

	last, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "last_cycle"})
	if err != nil {
		t.Fatalf("last_cycle failed: %v", err)
	}
	if last["last_cycle"] != uint64(3) || last["found"] != true {
		t.Errorf("last_cycle = %v, found = %v", last["last_cycle"], last["found"])
	}
}

func TestStartOverridesParameters(t *testing.T) {
	ctrl := testController(t, testConfig(t))

	// JSON numbers arrive as float64
	_, err := ctrl.DoCommand(context.Background(), map[string]interface{}{
		"command":       "start",
		"target_cycles": float64(1),
		"parameters": map[string]interface{}{
			"target_rpm":         float64(250),
			"reverse_torque_pct": float64(-60),
		},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForRun(t, ctrl)

	speeds := ctrl.rig.Sim.CommandHistory(registers.SpeedCommand)
	if len(speeds) != 1 || speeds[0] != 250 {
		t.Errorf("speed commands = %v, want [250]", speeds)
	}
	brake := ctrl.rig.Sim.CommandHistory(registers.BrakingTorqueLimit)
	if len(brake) != 1 || brake[0] < 59.9 || brake[0] > 60.1 {
		t.Errorf("braking torque limit = %v, want [60]", brake)
	}
	recs, err := ctrl.rig.Ledger.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ForwardRPM != 250 {
		t.Errorf("records = %+v, want one cycle at 250 rpm", recs)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	ctrl := testController(t, testConfig(t))

	for name, cmd := range map[string]map[string]interface{}{
		"zero target":       {"command": "start", "target_cycles": float64(0)},
		"fractional target": {"command": "start", "target_cycles": 2.5},
		"string target":     {"command": "start", "target_cycles": "ten"},
		"positive reverse":  {"command": "start", "parameters": map[string]interface{}{"reverse_torque_pct": float64(20)}},
		"bad parameters":    {"command": "start", "parameters": "fast"},
	} {
		if _, err := ctrl.DoCommand(context.Background(), cmd); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if writes := ctrl.rig.Sim.Writes(); len(writes) != 0 {
		t.Errorf("rejected starts wrote %d registers", len(writes))
	}
}

func TestTrialLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Defaults.Parameters.ForwardDurationS = 30
	ctrl := testController(t, cfg)

	result, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "stop"})
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if result["status"] != "not_running" {
		t.Errorf("stop before start: status = %v, want not_running", result["status"])
	}

	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "start", "target_cycles": -1}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_, err = ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "start"})
	if !errors.Is(err, engine.ErrAlreadyRunning) {
		t.Errorf("second start: got %v, want ErrAlreadyRunning", err)
	}

	result, err = ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "stop"})
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if result["status"] != "stopping" {
		t.Errorf("status = %v, want stopping", result["status"])
	}
	waitForRun(t, ctrl)

	state := ctrl.GetState()
	if state["state"] != "stopped" {
		t.Errorf("state = %v, want stopped", state["state"])
	}
	if state["target_cycles"] != engine.Unbounded {
		t.Errorf("target_cycles = %v, want -1", state["target_cycles"])
	}
}

func TestResumeFromLedger(t *testing.T) {
	cfg := testConfig(t)
	l := ledger.New(cfg.LedgerPath)
	for i := uint64(1); i <= 41; i++ {
		if err := l.Append(ledger.Record{CycleIndex: i}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	ctrl := testController(t, cfg)

	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "start", "target_cycles": 2}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForRun(t, ctrl)

	state := ctrl.GetState()
	if state["cycle_count"] != uint64(43) {
		t.Errorf("cycle_count = %v, want 43", state["cycle_count"])
	}
	if state["cycles_this_run"] != uint64(2) {
		t.Errorf("cycles_this_run = %v, want 2", state["cycles_this_run"])
	}
}

func TestClose(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test")
	cfg := testConfig(t)
	cfg.Defaults.Parameters.ForwardDurationS = 30

	ctrl, err := newController(name, cfg, logger, fastEngine())
	if err != nil {
		t.Fatalf("newController failed: %v", err)
	}
	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "start"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// Close must leave the drive disabled
	states := ctrl.rig.Sim.CommandHistory(registers.StateCommand)
	if len(states) == 0 || states[len(states)-1] != 0 {
		t.Errorf("state commands = %v, want last to be 0", states)
	}
	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "start"}); err == nil {
		t.Error("start after Close should fail")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("simulated rig needs no serial port", func(t *testing.T) {
		cfg := &Config{Simulate: true}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 0 {
			t.Errorf("expected no dependencies, got %v", deps)
		}
	})

	t.Run("errors when serial_port missing", func(t *testing.T) {
		cfg := &Config{}
		_, _, err := cfg.Validate("test")
		if err == nil || !strings.Contains(err.Error(), "serial_port") {
			t.Errorf("expected serial_port error, got %v", err)
		}
	})

	t.Run("errors on unknown measurement override", func(t *testing.T) {
		cfg := &Config{SerialPort: "/dev/ttyUSB0", Measurements: map[string]uint16{"clutch_temp": 300}}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for unknown measurement")
		}
	})

	t.Run("errors on bad defaults", func(t *testing.T) {
		cfg := &Config{SerialPort: "/dev/ttyUSB0", Defaults: &Defaults{Parameters: engine.DefaultParams}}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for zero target_cycles")
		}
	})

	t.Run("errors on mqtt without broker", func(t *testing.T) {
		cfg := &Config{Simulate: true, MQTT: &telemetry.MQTTConfig{}}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing broker")
		}
	})

	t.Run("errors on slave id out of range", func(t *testing.T) {
		cfg := &Config{SerialPort: "/dev/ttyUSB0", SlaveID: 300}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for slave_id")
		}
	})
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.yaml")
	data := `serial_port: /dev/ttyUSB0
slave_id: 2
ledger_path: /var/lib/clutch/cycles.log
measurements:
  battery_voltage: 266
defaults:
  parameters:
    target_rpm: 300
    forward_torque_pct: 80
    reverse_torque_pct: -80
    forward_duration_s: 4
    reverse_duration_s: 2
    max_motor_current_pct: 90
    max_brake_current_pct: 90
  target_cycles: 500
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if cfg.SlaveID != 2 || cfg.Measurements["battery_voltage"] != 266 {
		t.Errorf("unexpected config %+v", cfg)
	}
	params, target := cfg.defaultRun()
	if params.ForwardTorquePct != 80 || target != 500 {
		t.Errorf("defaults = %+v, %d", params, target)
	}
	sc := cfg.serial()
	if sc.BaudRate != 115200 || sc.SlaveID != 2 || sc.Timeout != time.Second {
		t.Errorf("serial config = %+v", sc)
	}

	if err := os.WriteFile(path, []byte("serial_port: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Error("expected parse error")
	}
}
