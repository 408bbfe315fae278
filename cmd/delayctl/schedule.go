package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/types"
)

func NewScheduleCommand() *cobra.Command {
	var chipName string

	cmd := &cobra.Command{
		Use:     "schedule [cron-expression] [seconds...]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the periodic sweep",
		Long: `Manage the periodic sweep.

The daemon can run a sweep over a fixed list of target delays on a cron
schedule, e.g. to record measurements overnight. The schedule is saved to the
config file.

The schedule command can be used in multiple ways:
  delayctl schedule 'cron' seconds...   Set schedule with cron expression and targets
  delayctl schedule disable             Disable the schedule
  delayctl schedule skip                Skip next run
  delayctl schedule show                Show current schedule`,
		Example: `  delayctl schedule '0 2 * * *' 1e-9 2e-9 3e-9       (At 02:00 every day)
  delayctl schedule --chip B '@every 30m' 5e-9     (Every 30 minutes on chip B)`,
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			if len(args) < 2 {
				return fmt.Errorf("a schedule needs at least one target delay")
			}
			chip, err := calibration.ParseChipID(chipName)
			if err != nil {
				return err
			}
			targets, err := parseFloatArgs(args[1:], "delay")
			if err != nil {
				return err
			}
			return runScheduleSet(cmd, args[0], chip, targets)
		},
	}

	cmd.Flags().StringVar(&chipName, "chip", string(calibration.ChipA), "Chip to sweep")

	// Add subcommands
	cmd.AddCommand(
		newScheduleDisableCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable the sweep schedule",
		Long:  "Disable the periodic sweep.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleDisable(cmd)
		},
	}
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled sweep",
		Long:  "Skip the next scheduled sweep.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleSkip(cmd)
		},
	}
	return cmd
}

func newScheduleShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current sweep schedule",
		Long:  "Show the current sweep schedule and next run time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
	return cmd
}

func printSchedule(cmd *cobra.Command, sh *types.Schedule) {
	cmd.Printf("Sweep of %d target(s) on chip %s, schedule %s\n", len(sh.Targets), sh.Chip, bold("%s", sh.Cron))
	if sh.NextRun != nil {
		cmd.Printf("  Next run: %s\n", sh.NextRun.Local().Format(time.DateTime))
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string, chip calibration.ChipID, targets []float64) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	sh, err := apiClient.SetSchedule(cronExpr, chip, targets)
	if err != nil {
		return err
	}
	if sh == nil {
		cmd.Println("Sweep schedule disabled.")
		return nil
	}
	cmd.Print("Sweep scheduled. ")
	printSchedule(cmd, sh)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule("", "", nil); err != nil {
		return err
	}
	cmd.Println("Sweep schedule disabled.")
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	sh, err := apiClient.SkipSchedule()
	if err != nil {
		return err
	}
	cmd.Println("Next scheduled sweep skipped.")
	if sh != nil {
		printSchedule(cmd, sh)
	}
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	sh, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if sh == nil {
		cmd.Println("Sweep schedule is not set.")
		return nil
	}
	printSchedule(cmd, sh)
	return nil
}
