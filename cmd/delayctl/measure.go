package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/board"
)

func NewMeasureCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "measure",
		Short:   "Run the measure sequence",
		GroupID: gBasic,
		Long:    `Run the measure sequence: sequence reset, wait 10 ms, sequence init, wait 10 ms.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := apiClient.Measure()
			if err != nil {
				return fmt.Errorf("failed to run measure sequence: %v", err)
			}

			printMeasurement(cmd, m)
			return nil
		},
	}
}

func printMeasurement(cmd *cobra.Command, m *board.Measurement) {
	cmd.Printf("Measure sequence finished at %s (%s)", m.FinishedAt.Local().Format(time.TimeOnly), m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond))
	for _, r := range m.Replies {
		cmd.Printf(" %#04x", r)
	}
	cmd.Println()
}

func NewSweepCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "sweep [chip] [seconds...]",
		Short:   "Set each delay in turn and measure after each",
		GroupID: gBasic,
		Long: `Set each target delay on a chip in turn and run the measure sequence after each.

The sweep stops at the first target that fails. The steps completed before it
are still printed.`,
		Example: `  delayctl sweep A 1e-9 2e-9 3e-9`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chip, err := parseChipArg(args)
			if err != nil {
				return err
			}
			targets, err := parseFloatArgs(args[1:], "delay")
			if err != nil {
				return err
			}

			resp, sweepErr := apiClient.Sweep(chip, targets)
			if resp != nil && resp.Result != nil {
				if asJSON {
					if err := printJSON(cmd, resp); err != nil {
						return err
					}
				} else {
					cmd.Printf("Sweep %s on chip %s: %d/%d steps\n", resp.Result.ID, resp.Result.Chip, len(resp.Result.Steps), len(targets))
					for i, step := range resp.Result.Steps {
						cmd.Printf("  %d. %s -> D=%d FTUNE=%.3f V, residual %s\n",
							i+1, formatDelay(step.Target), step.Setting.D, step.Setting.FTUNE, formatDelay(step.Setting.Residual))
					}
				}
			}
			if sweepErr != nil {
				return sweepErr
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")

	return cmd
}
