package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

func NewCalibrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Aliases: []string{"cal"},
		Short:   "Load or inspect chip calibrations",
		GroupID: gCalibration,
		Long: `Load or inspect chip calibrations.

Each chip has two tables: delay against D code and delay against FTUNE
voltage. By default they are read from delay_chip_<chip>_D.csv and
delay_chip_<chip>_FTUNE.csv in the configured calibration directory.`,
	}

	cmd.AddCommand(
		newCalibrationLoadCommand(),
		newCalibrationShowCommand(),
	)

	return cmd
}

func newCalibrationLoadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load [chip] [D.csv FTUNE.csv]",
		Short: "Make the daemon read the calibration files of a chip",
		Long: `Make the daemon read the calibration files of a chip, replacing the loaded ones.

Paths are read by the daemon, so relative paths are resolved against its
working directory. Without paths the default files are used.`,
		Example: `  delayctl calibration load A
  delayctl calibration load B /data/cal/b_d.csv /data/cal/b_ftune.csv`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 3 {
				return fmt.Errorf("expected a chip, optionally followed by the D and FTUNE files")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			chip, err := parseChipArg(args)
			if err != nil {
				return err
			}
			var dPath, ftunePath string
			if len(args) == 3 {
				dPath, ftunePath = args[1], args[2]
			}

			sum, err := apiClient.LoadCalibration(chip, dPath, ftunePath)
			if err != nil {
				return fmt.Errorf("failed to load calibration: %v", err)
			}

			printCalibration(cmd, sum)
			if !sum.Ready {
				logrus.Warnf("chip %s needs at least 2 points in each table before delays can be set", chip)
			}
			return nil
		},
	}
}

func newCalibrationShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show [chip]",
		Short: "Show the calibration loaded for a chip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chip, err := parseChipArg(args)
			if err != nil {
				return err
			}

			sum, err := apiClient.GetCalibration(chip)
			if err != nil {
				return fmt.Errorf("failed to get calibration: %v", err)
			}

			printCalibration(cmd, sum)
			return nil
		},
	}
}

func printCalibration(cmd *cobra.Command, sum *calibration.Summary) {
	cmd.Printf("%s %s\n", bold("Chip %s calibration:", sum.Chip), bool2Text(sum.Ready))
	printTable(cmd, "D", "%.0f", sum.D)
	printTable(cmd, "FTUNE", "%.3f V", sum.FTUNE)
}

func printTable(cmd *cobra.Command, name, valueFormat string, t calibration.TableSummary) {
	cmd.Printf("  %s: %d points", name, t.Points)
	if t.Source != "" {
		cmd.Printf(" from %s", t.Source)
	}
	cmd.Println()
	if t.Points < 2 {
		return
	}
	cmd.Printf("    %s: "+valueFormat+" to "+valueFormat+"\n", name, t.MinValue, t.MaxValue)
	cmd.Printf("    Delay: %s to %s\n", formatDelay(t.MinDelay), formatDelay(t.MaxDelay))
}
