package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

type Config interface {
	WarmUp() time.Duration
	Tolerance() float64
	// ReferenceFTUNE is nil when the lowest calibrated voltage is used.
	ReferenceFTUNE() *float64
	CalibrationDir() string
	SPIPort() string
	SPISpeedHz() int64
	I2CBus() string
	DACAddress() uint16
	DryRun() bool
	RunLogPath() string
	AllowNonRootAccess() bool
	SweepCron() string
	SweepChip() calibration.ChipID
	SweepTargets() []float64

	SetWarmUp(time.Duration)
	SetTolerance(float64)
	SetCalibrationDir(string)
	SetDryRun(bool)
	SetAllowNonRootAccess(bool)
	SetSweep(cronExpr string, chip calibration.ChipID, targets []float64)

	LogrusFields() logrus.Fields

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
