package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/resolver"
	"github.com/psi-tdc/delayctl/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{annotationOffline: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewDelayCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delay [chip] [seconds]",
		Short:   "Set a calibrated delay on a chip",
		GroupID: gBasic,
		Long: `Set a calibrated delay on a chip.

The target is given in seconds, e.g. 5.115e-9 for 5.115 ns. The daemon picks
the D code and FTUNE voltage whose calibrated delay is closest to the target
and writes both to the chip. The calibration files of the chip are loaded
from the calibration directory the first time they are needed.

The command fails without touching the chip when no setting is within the
configured tolerance of the target.`,
		Example: `  delayctl delay A 5.115e-9
  delayctl delay b 12e-9`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chip, err := parseChipArg(args)
			if err != nil {
				return err
			}
			target, err := parseFloatArg(args[1], "delay")
			if err != nil {
				return err
			}

			s, err := apiClient.SetDelay(chip, target)
			if err != nil {
				return fmt.Errorf("failed to set delay: %v", err)
			}

			printSetting(cmd, s)
			return nil
		},
	}
}

func printSetting(cmd *cobra.Command, s *resolver.ResolvedSetting) {
	cmd.Printf("Chip %s: D=%s FTUNE=%s\n", s.Chip, bold("%d", s.D), bold("%.3f V", s.FTUNE))
	cmd.Printf("  Target:    %s\n", formatDelay(s.Target))
	cmd.Printf("  Predicted: %s\n", formatDelay(s.Predicted))
	cmd.Printf("  Residual:  %s\n", formatDelay(s.Residual))
	if s.Extrapolated {
		logrus.Warn("the target lies outside the calibrated FTUNE range, the setting is extrapolated")
	}
}

func NewSetDCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "set-d [chip] [code]",
		Short:   "Write a raw D code to a chip",
		GroupID: gAdvanced,
		Long:    `Write a raw D code (0-1023) to a chip without consulting the calibration.`,
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			chip, err := parseChipArg(args)
			if err != nil {
				return err
			}
			d, err := parseIntArg(args[1], "D code")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetD(chip, d)
			if err != nil {
				return fmt.Errorf("failed to set D: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}
			return nil
		},
	}
}

func NewSetFTUNECommand() *cobra.Command {
	return &cobra.Command{
		Use:     "set-ftune [chip] [volts]",
		Short:   "Write a raw FTUNE voltage to a chip",
		GroupID: gAdvanced,
		Long: `Write a raw FTUNE voltage (0-1.5 V) to a chip without consulting the calibration.

The DAC has a resolution of 1 mV.`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			chip, err := parseChipArg(args)
			if err != nil {
				return err
			}
			volts, err := parseFloatArg(args[1], "FTUNE voltage")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetFTUNE(chip, volts)
			if err != nil {
				return fmt.Errorf("failed to set FTUNE: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}
			return nil
		},
	}
}

func NewReopenCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reopen",
		Short:   "Reopen the board session",
		GroupID: gAdvanced,
		Long: `Release the board and open it again with the daemon's current config.

Use this after the board failed to open, or after changing warm-up,
tolerance, reference FTUNE or bus settings and reloading the daemon. Loaded
calibrations and applied settings are dropped, and the board warms up again
before delays can be set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := apiClient.ReopenSession()
			if err != nil {
				return fmt.Errorf("failed to reopen session: %v", err)
			}

			cmd.Println(msg)
			return nil
		},
	}
}
