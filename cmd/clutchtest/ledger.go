package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clutchtester/internal/ledger"
)

var lastCycleCmd = &cobra.Command{
	Use:   "last-cycle",
	Short: "Print the last recorded cycle, which a new run resumes after",
	RunE: func(cmd *cobra.Command, _ []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		line, err := lastCycle(l)
		if err != nil {
			return err
		}
		fmt.Println(line)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print every well-formed record in the cycle ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		_, err = l.WriteTo(os.Stdout)
		return err
	},
}

func init() {
	rootCmd.AddCommand(lastCycleCmd, historyCmd)
}

func openLedger() (*ledger.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ledger.New(cfg.LedgerFile()), nil
}

// lastCycle describes the resume point. An empty history is reported as such
// rather than as cycle 1, which would read as one cycle already done.
func lastCycle(l *ledger.Ledger) (string, error) {
	idx, found, err := l.Last()
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("no cycles recorded in %s, the next run starts at cycle 1", l.Path()), nil
	}
	return fmt.Sprintf("%d", idx), nil
}
