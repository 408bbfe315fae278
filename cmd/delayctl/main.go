package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/psi-tdc/delayctl/pkg/client"
	"github.com/psi-tdc/delayctl/pkg/version"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/delayctl.sock"
	configPath     = "/etc/delayctl.json"
)

var (
	gBasic        = "Basic:"
	gCalibration  = "Calibration:"
	gAdvanced     = "Advanced:"
	gInstallation = "Installation:"
	commandGroups = []string{
		gBasic,
		gCalibration,
		gAdvanced,
		gInstallation,
	}
)

var apiClient = client.NewClient(unixSocketPath)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: delayctl daemon is not running")
		fmt.Fprintln(os.Stderr, "Is the daemon running? Have you installed it?")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or reinstall the daemon with the '--allow-non-root-access' flag to grant permissions to your user")
	}
}

// checkDaemonVersion warns when the daemon was built from another version.
func checkDaemonVersion() {
	daemonVersion, err := apiClient.GetVersion()
	if err != nil {
		logrus.WithError(err).Debug("failed to get daemon version")
		return
	}
	if daemonVersion != version.Version {
		logrus.WithFields(logrus.Fields{
			"clientVersion": version.Version,
			"daemonVersion": daemonVersion,
		}).Warn("version mismatch between client and daemon, reinstall the daemon with this binary")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delayctl",
		Short: "delayctl sets calibrated delays on the two-chip delay board",
		Long: `delayctl sets calibrated delays on the two-chip delay board.

A daemon owns the board: it enables it, waits for the warm-up and then
resolves target delays into a coarse D code and a fine FTUNE voltage per
chip, using the calibration tables measured for each chip.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)

			if cmd.Annotations[annotationOffline] == "" {
				checkDaemonVersion()
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "delayctl daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStatusCommand(),
		NewDelayCommand(),
		NewSetDCommand(),
		NewSetFTUNECommand(),
		NewMeasureCommand(),
		NewSweepCommand(),
		NewCalibrationCommand(),
		NewResolveCommand(),
		NewHistoryCommand(),
		NewScheduleCommand(),
		NewWatchCommand(),
		NewReopenCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
