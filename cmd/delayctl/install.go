package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/config"
	daemonutils "github.com/psi-tdc/delayctl/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	var (
		allowNonRootAccess = false
		dryRun             = false
	)

	cmd := &cobra.Command{
		Use:         "install",
		Short:       "Install delayctl daemon (system-wide)",
		GroupID:     gInstallation,
		Annotations: map[string]string{annotationOffline: "true"},
		Long: `Install delayctl daemon as a systemd service (system-wide).

This makes the daemon run in the background and automatically start on boot. You must run this command as root.

By default, only root user is allowed to access the daemon for security reasons. If you want to allow non-root users to set delays, use the --allow-non-root-access flag, so you don't have to use sudo every time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the delayctl daemon.")
			} else {
				logrus.Info("only root user is allowed to access the delayctl daemon.")
			}
			if cmd.Flags().Changed("dry-run") {
				conf.SetDryRun(dryRun)
			}

			// The unit reads the config on start, so save it first.
			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(daemonutils.Options{
				ConfigPath: configPath,
				SocketPath: unixSocketPath,
			})
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("`systemd' will use current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run ``delayctl install'' again.\n", exePath)

			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access delayctl daemon.")
	f.BoolVar(&dryRun, "dry-run", false, "Run the daemon against an in-memory board.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "uninstall",
		Short:       "Uninstall delayctl daemon (system-wide)",
		GroupID:     gInstallation,
		Annotations: map[string]string{annotationOffline: "true"},
		Long: `Uninstall delayctl daemon from systemd (system-wide).

This stops the daemon, which disables the board, and removes the service.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			fmt.Println("successfully uninstalled")

			cmd.Printf("Your config is kept in %s, in case you want to use `delayctl' again. If you want a complete uninstall, you can remove both config file and delayctl itself manually.\n", configPath)

			return nil
		},
	}

	return cmd
}
