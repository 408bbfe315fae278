package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/config"
	"github.com/psi-tdc/delayctl/pkg/session"
	"github.com/psi-tdc/delayctl/pkg/types"
)

type statusData struct {
	status *types.DaemonStatus
	config *config.RawFileConfig
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	st, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{status: st, config: conf}, nil
}

func stateText(st session.State) string {
	switch st {
	case session.StateReady:
		return color.New(color.Bold, color.FgGreen).Sprint(st)
	case session.StateWarmingUp:
		return color.New(color.Bold, color.FgYellow).Sprint(st)
	default:
		return color.New(color.Bold, color.FgRed).Sprint(st)
	}
}

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the board",
		Long:    `Get the board session state, loaded calibrations, applied settings and configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd, struct {
					*types.DaemonStatus
					Config *config.RawFileConfig `json:"config"`
				}{data.status, data.config})
			}

			conf := config.NewFileFromConfig(data.config, "")
			sess := data.status.Session

			// Session.
			cmd.Println(bold("Board session:"))
			cmd.Printf("  State: %s\n", stateText(sess.State))
			if sess.ID != "" {
				cmd.Printf("  Session: %s, opened %s\n", sess.ID, sess.OpenedAt.Local().Format(time.DateTime))
			}
			if sess.State == session.StateWarmingUp {
				cmd.Printf("  Ready in: %s\n", bold("%s", time.Until(sess.WarmUpUntil).Round(time.Second)))
			}
			if data.status.OpenError != "" {
				cmd.Printf("  Last open failed: %s (run %s to retry)\n",
					color.RedString(data.status.OpenError), bold("delayctl reopen"))
			}
			if data.status.DryRun {
				cmd.Printf("  %s\n", color.YellowString("Dry run: nothing is written to hardware"))
			}

			cmd.Println()

			// Chips.
			loaded := map[calibration.ChipID]calibration.Summary{}
			for _, sum := range sess.Calibration {
				loaded[sum.Chip] = sum
			}
			for _, chip := range calibration.Chips {
				cmd.Println(bold("Chip %s:", chip))
				if sum, ok := loaded[chip]; ok {
					cmd.Printf("  Calibration: %d D points, %d FTUNE points %s\n", sum.D.Points, sum.FTUNE.Points, bool2Text(sum.Ready))
				} else {
					cmd.Println("  Calibration: not loaded")
				}
				a, ok := sess.Applied[chip]
				if !ok {
					cmd.Println("  Applied: nothing")
					continue
				}
				if a.D != nil {
					cmd.Printf("  D: %s\n", bold("%d", *a.D))
				}
				if a.FTUNE != nil {
					cmd.Printf("  FTUNE: %s\n", bold("%.3f V", *a.FTUNE))
				}
				if a.Setting != nil {
					cmd.Printf("  Delay: %s (residual %s)\n", bold("%s", formatDelay(a.Setting.Target)), formatDelay(a.Setting.Residual))
				}
			}

			cmd.Println()

			// Config.
			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Warm-up: %s\n", bold("%s", conf.WarmUp()))
			cmd.Printf("  Tolerance: %s\n", bold("%s", formatDelay(conf.Tolerance())))
			if ref := conf.ReferenceFTUNE(); ref != nil {
				cmd.Printf("  Reference FTUNE: %s\n", bold("%.3f V", *ref))
			} else {
				cmd.Printf("  Reference FTUNE: %s\n", bold("lowest calibrated"))
			}
			cmd.Printf("  Calibration directory: %s\n", conf.CalibrationDir())
			cmd.Printf("  SPI: %s at %d Hz, I2C bus %s, DAC at %#02x\n", conf.SPIPort(), conf.SPISpeedHz(), conf.I2CBus(), conf.DACAddress())
			if p := conf.RunLogPath(); p != "" {
				cmd.Printf("  Run log: %s\n", p)
			} else {
				cmd.Printf("  Run log: %s\n", bool2Text(false))
			}
			if sh := data.status.Schedule; sh != nil {
				cmd.Printf("  Scheduled sweep: %s on chip %s, %d targets", sh.Cron, sh.Chip, len(sh.Targets))
				if sh.NextRun != nil {
					cmd.Printf(", next run %s", sh.NextRun.Local().Format(time.DateTime))
				}
				cmd.Println()
			}
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")

	return cmd
}
