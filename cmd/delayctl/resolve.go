package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/config"
	"github.com/psi-tdc/delayctl/pkg/resolver"
)

func NewResolveCommand() *cobra.Command {
	var (
		chipName  string
		tolerance float64
	)

	cmd := &cobra.Command{
		Use:     "resolve [D.csv] [FTUNE.csv] [seconds...]",
		Short:   "Resolve delays against calibration files without a board",
		GroupID: gCalibration,
		Long: `Resolve target delays against a pair of calibration files, without a daemon or board.

Tolerance and reference FTUNE voltage are read from the config file unless
given as flags. Nothing is written to any chip.`,
		Example:     `  delayctl resolve delay_chip_A_D.csv delay_chip_A_FTUNE.csv 1e-9 2.5e-9`,
		Args:        cobra.MinimumNArgs(3),
		Annotations: map[string]string{annotationOffline: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			chip, err := calibration.ParseChipID(chipName)
			if err != nil {
				return err
			}
			targets, err := parseFloatArgs(args[2:], "delay")
			if err != nil {
				return err
			}

			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}
			if tolerance <= 0 {
				tolerance = conf.Tolerance()
			}

			cal, err := calibration.LoadFiles(chip, args[0], args[1])
			if err != nil {
				return err
			}

			r := resolver.New(tolerance, conf.ReferenceFTUNE())
			r.FTUNEStep = board.FTUNEStep

			failed := 0
			for _, target := range targets {
				s, err := r.Resolve(target, cal)
				var unreachable *resolver.UnreachableError
				switch {
				case errors.As(err, &unreachable):
					failed++
					cmd.Printf("%s %s: best D=%d FTUNE=%.3f V misses by %s\n",
						color.RedString("✘"), formatDelay(target), unreachable.Best.D, unreachable.Best.FTUNE, formatDelay(unreachable.Best.Residual))
				case err != nil:
					return err
				case s.Extrapolated:
					cmd.Printf("%s %s: D=%d FTUNE=%.3f V, residual %s (extrapolated)\n",
						color.YellowString("!"), formatDelay(target), s.D, s.FTUNE, formatDelay(s.Residual))
				default:
					cmd.Printf("%s %s: D=%d FTUNE=%.3f V, residual %s\n",
						color.GreenString("✔"), formatDelay(target), s.D, s.FTUNE, formatDelay(s.Residual))
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d targets are unreachable within %s", failed, len(targets), formatDelay(tolerance))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&chipName, "chip", string(calibration.ChipA), "Chip the files belong to")
	f.Float64Var(&tolerance, "tolerance", 0, "Largest accepted residual in seconds (default from config)")

	return cmd
}
