package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"clutchtester"
	"clutchtester/internal/engine"
)

var (
	runTarget      int64
	runSimulate    bool
	runPort        string
	statusInterval time.Duration
	runParams      = engine.DefaultParams
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the endurance test",
	Long: `Configures the motor controller and cycles until the target is reached or
the process is interrupted. Ctrl-C stops the test after the current dwell step
and disables the drive.`,
	RunE: runTest,
}

func init() {
	f := runCmd.Flags()
	f.Int64Var(&runTarget, "target", 0, "cycles to run, -1 for no limit (default from config, else -1)")
	f.BoolVar(&runSimulate, "simulate", false, "drive a simulated controller")
	f.StringVar(&runPort, "port", "", "serial port, overrides the config")
	f.DurationVar(&statusInterval, "status-every", 5*time.Second, "how often to log status")
	f.Float64Var(&runParams.TargetRPM, "rpm", runParams.TargetRPM, "target speed")
	f.Float64Var(&runParams.ForwardTorquePct, "forward-torque", runParams.ForwardTorquePct, "forward torque, percent")
	f.Float64Var(&runParams.ReverseTorquePct, "reverse-torque", runParams.ReverseTorquePct, "reverse torque, percent")
	f.Float64Var(&runParams.ForwardDurationS, "forward-seconds", runParams.ForwardDurationS, "forward phase length")
	f.Float64Var(&runParams.ReverseDurationS, "reverse-seconds", runParams.ReverseDurationS, "reverse phase length")
	f.Float64Var(&runParams.MaxMotorCurrentPct, "motor-current", runParams.MaxMotorCurrentPct, "motoring current limit, percent")
	f.Float64Var(&runParams.MaxBrakeCurrentPct, "brake-current", runParams.MaxBrakeCurrentPct, "braking current limit, percent")
	rootCmd.AddCommand(runCmd)
}

func runTest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runSimulate {
		cfg.Simulate = true
	}
	if runPort != "" {
		cfg.SerialPort = runPort
	}
	if _, _, err := cfg.Validate("config"); err != nil {
		return err
	}

	params, target := runParams, engine.Unbounded
	if cfg.Defaults != nil {
		params, target = cfg.Defaults.Parameters, cfg.Defaults.TargetCycles
		// flags given on the command line win over the file
		overrideParams(cmd, &params)
	}
	if cmd.Flags().Changed("target") {
		target = runTarget
	}

	rig, err := clutchtester.OpenRig(cfg, logger, engine.Options{})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rig.Close(ctx); err != nil {
			logger.Errorf("closing rig: %v", err)
		}
	}()

	if err := rig.Engine.Start(params, target); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() { done <- rig.Engine.Wait(context.Background()) }()
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted, stopping test")
			rig.Engine.Stop()
			<-done
			return report(rig.Engine.Status())
		case <-ticker.C:
			logStatus(rig.Engine.Status())
		case <-done:
			return report(rig.Engine.Status())
		}
	}
}

func overrideParams(cmd *cobra.Command, p *engine.Params) {
	for flag, dst := range map[string]*float64{
		"rpm":             &p.TargetRPM,
		"forward-torque":  &p.ForwardTorquePct,
		"reverse-torque":  &p.ReverseTorquePct,
		"forward-seconds": &p.ForwardDurationS,
		"reverse-seconds": &p.ReverseDurationS,
		"motor-current":   &p.MaxMotorCurrentPct,
		"brake-current":   &p.MaxBrakeCurrentPct,
	} {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetFloat64(flag)
			*dst = v
		}
	}
}

func logStatus(st engine.Status) {
	tel := st.Telemetry
	logger.Infof("%s [%s] cycle %d: %s %.1fs, %.0f rpm, motor %.0f C, controller %.0f C, battery %.1f V (%.0f%%)",
		st.State, st.Indicator, st.CycleCount, st.Phase, st.PhaseElapsed.Seconds(),
		tel.MotorRPM, tel.MotorTempC, tel.ControllerTempC, tel.BatteryVoltageV, tel.SOCPct)
}

func report(st engine.Status) error {
	logStatus(st)
	if st.WearSuspected {
		logger.Warn("backspin was observed under reverse torque, inspect the one-way clutch")
	}
	if st.State == engine.Faulted {
		return fmt.Errorf("test faulted: %w", st.Err)
	}
	fmt.Printf("completed %d cycles this run, ledger at cycle %d\n", st.CycleCount-st.StartCount, st.CycleCount)
	return nil
}
