package board

import (
	"encoding/binary"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

// FPGA command words.
const (
	CmdEnable   uint16 = 0b1001_0000_1001_0001
	CmdDisable  uint16 = 0b1001_0000_1001_0000
	CmdSeqReset uint16 = 0b0100_0000_0000_0000
	CmdSeqInit  uint16 = 0b0100_1000_0000_0000

	cmdSetDChipA uint16 = 0b0010 << 12
	cmdSetDChipB uint16 = 0b0011 << 12
)

// FPGA talks to the test setup FPGA over a full-duplex SPI connection.
type FPGA struct {
	c conn.Conn
}

// NewFPGA wraps an SPI connection configured for 8-bit words, mode 0.
func NewFPGA(c conn.Conn) *FPGA {
	return &FPGA{c: c}
}

// Send writes one 16-bit frame MSB first and returns the frame clocked back.
func (f *FPGA) Send(word uint16) (uint16, error) {
	logrus.WithFields(logrus.Fields{
		"frame": word,
	}).Trace("Trying to send frame to FPGA")

	w := make([]byte, 2)
	r := make([]byte, 2)
	binary.BigEndian.PutUint16(w, word)
	if err := f.c.Tx(w, r); err != nil {
		return 0, err
	}
	reply := binary.BigEndian.Uint16(r)

	logrus.WithFields(logrus.Fields{
		"frame": word,
		"reply": reply,
	}).Trace("Send frame to FPGA succeed")

	return reply, nil
}

// SetDCommand builds the frame that latches code d into chip.
func SetDCommand(chip calibration.ChipID, d int) (uint16, error) {
	if err := CheckD(d); err != nil {
		return 0, err
	}
	switch chip {
	case calibration.ChipA:
		return cmdSetDChipA | uint16(d), nil
	case calibration.ChipB:
		return cmdSetDChipB | uint16(d), nil
	}
	return 0, pkgerrors.Wrapf(calibration.ErrInvalidChip, "no D register for chip %q", chip)
}

// SetD latches code d into chip.
func (f *FPGA) SetD(chip calibration.ChipID, d int) error {
	cmd, err := SetDCommand(chip, d)
	if err != nil {
		return err
	}
	_, err = f.Send(cmd)
	return err
}

func (f *FPGA) String() string {
	return "FPGA(" + f.c.String() + ")"
}
