// Command clutchtest runs the clutch endurance test from a bench terminal,
// without a Viam machine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"

	"clutchtester"
)

var (
	configPath string
	ledgerPath string
)

var logger = logging.NewLogger("clutchtest")

var rootCmd = &cobra.Command{
	Use:   "clutchtest",
	Short: "One-way clutch endurance tester",
	Long: `Drives the motor controller through alternating forward and reverse torque
phases and records each completed cycle in the cycle ledger.

Commands:
  run          Run the test until the target is reached or interrupted
  last-cycle   Print the last recorded cycle, which a new run resumes after
  history      Print every recorded cycle
  simulate     Serve a simulated motor controller over Modbus TCP`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "rig config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "cycle ledger file, overrides the config")
}

// loadConfig reads --config, or starts from an empty config when none is given.
func loadConfig() (*clutchtester.Config, error) {
	cfg := &clutchtester.Config{}
	if configPath != "" {
		var err error
		if cfg, err = clutchtester.LoadConfigFile(configPath); err != nil {
			return nil, err
		}
	}
	if ledgerPath != "" {
		cfg.LedgerPath = ledgerPath
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
