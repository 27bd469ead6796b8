package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"clutchtester/internal/registers"
	"clutchtester/internal/sim"
)

var (
	simListen   string
	simBackspin float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a simulated motor controller over Modbus TCP",
	Long: `Runs the in-memory controller model as a Modbus TCP server. Point a module or
another clutchtest at it by setting serial_port (or --port) to the listen URL.
A non-zero --backspin makes the shaft turn backwards under reverse torque, the
way a worn clutch does.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		regs, err := registers.Default(cfg.Measurements)
		if err != nil {
			return err
		}
		dev := sim.New(regs)
		dev.SetBackspin(simBackspin)

		srv, err := dev.Serve(simListen)
		if err != nil {
			return err
		}
		logger.Infof("simulated motor controller listening on %s", simListen)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		logger.Infof("served %d writes", len(dev.Writes()))
		return srv.Stop()
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simListen, "listen", "tcp://127.0.0.1:5502", "Modbus TCP listen URL")
	simulateCmd.Flags().Float64Var(&simBackspin, "backspin", 0, "shaft rpm reported under reverse torque")
	rootCmd.AddCommand(simulateCmd)
}
