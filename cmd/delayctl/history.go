package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewHistoryCommand() *cobra.Command {
	var (
		limit        int
		asJSON       bool
		measurements bool
	)

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recently resolved delays",
		GroupID: gAdvanced,
		Long: `Show recently resolved delays from the run log, newest first.
With --measurements, show recent measure sequences instead.

The run log is only kept when runLogPath is set in the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if measurements {
				return printMeasurements(cmd, limit, asJSON)
			}

			entries, err := apiClient.GetHistory(limit)
			if err != nil {
				return fmt.Errorf("failed to get history: %v", err)
			}

			if asJSON {
				return printJSON(cmd, entries)
			}

			if len(entries) == 0 {
				cmd.Println("No delays recorded yet.")
				return nil
			}
			for _, e := range entries {
				cmd.Printf("%s  chip %s  %s -> D=%d FTUNE=%.3f V  residual %s  session %s\n",
					e.RecordedAt.Local().Format(time.DateTime), e.Chip, formatDelay(e.Target),
					e.D, e.FTUNE, formatDelay(e.Residual), e.SessionID)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	f.BoolVar(&asJSON, "json", false, "Print history as JSON")
	f.BoolVar(&measurements, "measurements", false, "Show measure sequences instead of resolved delays")

	return cmd
}

func printMeasurements(cmd *cobra.Command, limit int, asJSON bool) error {
	entries, err := apiClient.GetMeasurements(limit)
	if err != nil {
		return fmt.Errorf("failed to get measurements: %v", err)
	}

	if asJSON {
		return printJSON(cmd, entries)
	}

	if len(entries) == 0 {
		cmd.Println("No measurements recorded yet.")
		return nil
	}
	for _, e := range entries {
		cmd.Printf("%s  %s  replies %v  session %s\n",
			e.StartedAt.Local().Format(time.DateTime), e.FinishedAt.Sub(e.StartedAt),
			e.Replies, e.SessionID)
	}
	return nil
}
