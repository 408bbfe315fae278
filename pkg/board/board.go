// Package board drives the two SY89296U delay chips of the TDC test setup.
//
// The D code of each chip is latched by the FPGA, which is reached over SPI
// with 16-bit command frames. FTUNE is an analog voltage produced by a
// MAX5825 DAC on I2C.
package board

import (
	"context"
	"errors"
	"math"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

// ErrOutOfRange is returned when a D code or FTUNE voltage lies outside what
// the chip accepts. Nothing is written in that case.
var ErrOutOfRange = errors.New("value out of range")

// Transport is the hardware boundary used by a session. Calls are
// synchronous and cannot be interrupted once issued; the context is only
// consulted before a call starts and between the steps of the measure
// sequence.
type Transport interface {
	// Enable powers the delay outputs and resets the DAC.
	Enable(ctx context.Context) error
	// Disable turns the delay outputs off.
	Disable(ctx context.Context) error
	WriteD(ctx context.Context, chip calibration.ChipID, d int) error
	WriteFTUNE(ctx context.Context, chip calibration.ChipID, volts float64) error
	RunMeasureSequence(ctx context.Context) (*Measurement, error)
	Close() error
}

// Measurement records one run of the measure sequence.
type Measurement struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	// Replies holds the FPGA's answer to each command of the sequence.
	Replies []uint16 `json:"replies"`
}

// SequenceStepDelay is the settling time after each measure sequence command.
const SequenceStepDelay = 10 * time.Millisecond

// FTUNEStep is the smallest FTUNE change the DAC can output, in volts.
const FTUNEStep = 1e-3

// CheckD validates a D code.
func CheckD(d int) error {
	if d < calibration.MinD || d > calibration.MaxD {
		return pkgerrors.Wrapf(ErrOutOfRange, "D must be in [%d, %d], got %d", calibration.MinD, calibration.MaxD, d)
	}
	return nil
}

// CheckFTUNE validates an FTUNE voltage.
func CheckFTUNE(volts float64) error {
	if math.IsNaN(volts) || volts < calibration.MinFTUNE || volts > calibration.MaxFTUNE {
		return pkgerrors.Wrapf(ErrOutOfRange, "FTUNE must be in [%g, %g] V, got %v", calibration.MinFTUNE, calibration.MaxFTUNE, volts)
	}
	return nil
}

func checkChip(chip calibration.ChipID) error {
	_, err := calibration.ParseChipID(string(chip))
	return err
}

// sleep waits for d unless ctx is done first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
