// Package types holds the request and response bodies shared by the daemon
// and its clients.
package types

import (
	"time"

	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/session"
)

// DaemonStatus is returned by GET /status.
type DaemonStatus struct {
	Session  session.Status `json:"session"`
	DryRun   bool           `json:"dryRun"`
	Schedule *Schedule      `json:"schedule,omitempty"`
	// OpenError is why the last attempt to open the board failed.
	OpenError string `json:"openError,omitempty"`
}

// Schedule describes the periodic sweep. An empty Cron disables it.
type Schedule struct {
	Cron    string             `json:"cron"`
	Chip    calibration.ChipID `json:"chip"`
	Targets []float64          `json:"targets"`
	NextRun *time.Time         `json:"nextRun,omitempty"`
}

// CalibrationRequest is the body of PUT /calibration/:chip. Empty paths
// fall back to the configured calibration directory.
type CalibrationRequest struct {
	DPath     string `json:"dPath,omitempty"`
	FTUNEPath string `json:"ftunePath,omitempty"`
}

type SweepRequest struct {
	Chip    calibration.ChipID `json:"chip"`
	Targets []float64          `json:"targets"`
}

// SweepResponse carries the completed steps even when the sweep stopped
// early. Error is empty on success.
type SweepResponse struct {
	Result *session.SweepResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}
