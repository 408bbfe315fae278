package board

import (
	"math"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

// DefaultDACAddress is the I2C address of the MAX5825 on the board.
const DefaultDACAddress = 0b0001_0011

// MAX5825 commands.
const (
	dacCmdSoftwareReset byte = 0b0011_0101
	dacCmdCodeLoad      byte = 0b1011_0000

	maxDACMillivolts = 2047
)

var dacResetData = []byte{0b1001_0110, 0b0011_0000}

// dacChannels maps each chip to the DAC output driving its FTUNE pin.
var dacChannels = map[calibration.ChipID]byte{
	calibration.ChipA: 6,
	calibration.ChipB: 2,
}

// DAC is a MAX5825 octal DAC on I2C.
type DAC struct {
	c conn.Conn
}

// NewDAC wraps an I2C device.
func NewDAC(c conn.Conn) *DAC {
	return &DAC{c: c}
}

// Reset issues a software reset, returning every output to zero.
func (d *DAC) Reset() error {
	return d.write(dacCmdSoftwareReset, dacResetData)
}

// SetOutput loads and updates channel with mV millivolts.
func (d *DAC) SetOutput(channel byte, mV int) error {
	if channel > 7 {
		return pkgerrors.Wrapf(ErrOutOfRange, "DAC channel must be in [0, 7], got %d", channel)
	}
	if mV < 0 || mV > maxDACMillivolts {
		return pkgerrors.Wrapf(ErrOutOfRange, "DAC output must be in [0, %d] mV, got %d", maxDACMillivolts, mV)
	}
	code := 2 * mV
	return d.write(dacCmdCodeLoad|channel, []byte{byte((code & 0xFF0) >> 4), byte((code & 0x0F) << 4)})
}

// SetFTUNE drives the FTUNE pin of chip to volts, rounded to the nearest
// millivolt.
func (d *DAC) SetFTUNE(chip calibration.ChipID, volts float64) error {
	if err := CheckFTUNE(volts); err != nil {
		return err
	}
	ch, ok := dacChannels[chip]
	if !ok {
		return pkgerrors.Wrapf(calibration.ErrInvalidChip, "no FTUNE output for chip %q", chip)
	}
	return d.SetOutput(ch, int(math.Round(volts*1e3)))
}

func (d *DAC) write(cmd byte, data []byte) error {
	logrus.WithFields(logrus.Fields{
		"cmd":  cmd,
		"data": data,
	}).Trace("Trying to write to DAC")

	w := append([]byte{cmd}, data...)
	if err := d.c.Tx(w, nil); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"cmd":  cmd,
		"data": data,
	}).Trace("Write to DAC succeed")

	return nil
}
