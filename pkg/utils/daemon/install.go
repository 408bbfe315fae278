// Package daemon installs delayctl as a systemd service.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	unitName = "delayctl.service"
	unitDir  = "/etc/systemd/system"

	// runSystemctl is replaced in tests.
	runSystemctl = func(args ...string) error {
		out, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return nil
	}
)

// Options are passed to the daemon started by the unit.
type Options struct {
	ConfigPath   string
	SocketPath   string
	AllowNonRoot bool
}

func unitPath() string {
	return filepath.Join(unitDir, unitName)
}

func renderUnit(exePath string, opts Options) string {
	var args []string
	if opts.ConfigPath != "" {
		args = append(args, "--config="+opts.ConfigPath)
	}
	if opts.SocketPath != "" {
		args = append(args, "--daemon-socket="+opts.SocketPath)
	}
	if opts.AllowNonRoot {
		args = append(args, "--always-allow-non-root-access")
	}

	argStr := ""
	if len(args) > 0 {
		argStr = " " + strings.Join(args, " ")
	}

	unit := strings.ReplaceAll(unitTemplate, "{{EXEC}}", exePath)
	return strings.ReplaceAll(unit, "{{ARGS}}", argStr)
}

func Install(opts Options) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	err = os.Chmod(exePath, 0755)
	if err != nil {
		return fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	return install(exePath, opts)
}

func install(exePath string, opts Options) error {
	logrus.Infof("writing systemd unit to %s", unitDir)

	// mkdir -p
	err := os.MkdirAll(unitDir, 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", unitDir, err)
	}

	// warn if the file already exists
	_, err = os.Stat(unitPath())
	if err == nil {
		logrus.Warnf("%s already exists, overwriting", unitPath())
	}

	err = os.WriteFile(unitPath(), []byte(renderUnit(exePath, opts)), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", unitPath(), err)
	}

	logrus.Infof("starting delayctl")

	if err := runSystemctl("daemon-reload"); err != nil {
		return err
	}
	if err := runSystemctl("enable", "--now", unitName); err != nil {
		return fmt.Errorf("failed to start %s: %w", unitName, err)
	}

	return nil
}
