package board

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

// Options selects the buses the board is wired to.
type Options struct {
	// SPIPort is the periph name of the FPGA port, e.g. "SPI0.0".
	SPIPort    string
	SPISpeedHz int64
	// I2CBus is the periph name of the DAC bus, e.g. "1".
	I2CBus     string
	DACAddress uint16
}

// DefaultOptions matches the test setup wiring on a Raspberry Pi.
func DefaultOptions() Options {
	return Options{
		SPIPort:    "SPI0.0",
		SPISpeedHz: 1_200_000,
		I2CBus:     "1",
		DACAddress: DefaultDACAddress,
	}
}

// Board is the Transport backed by real hardware.
type Board struct {
	fpga *FPGA
	dac  *DAC

	closers []func() error
}

// Open initializes the host drivers and opens both buses.
func Open(opts Options) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to initialize host drivers")
	}

	port, err := spireg.Open(opts.SPIPort)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open SPI port %q", opts.SPIPort)
	}
	spiConn, err := port.Connect(physic.Frequency(opts.SPISpeedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, pkgerrors.Wrapf(err, "failed to configure SPI port %q", opts.SPIPort)
	}

	bus, err := i2creg.Open(opts.I2CBus)
	if err != nil {
		_ = port.Close()
		return nil, pkgerrors.Wrapf(err, "failed to open I2C bus %q", opts.I2CBus)
	}

	b := New(spiConn, &i2c.Dev{Bus: bus, Addr: opts.DACAddress})
	b.closers = []func() error{port.Close, bus.Close}

	logrus.WithFields(logrus.Fields{
		"spiPort":    opts.SPIPort,
		"spiSpeedHz": opts.SPISpeedHz,
		"i2cBus":     opts.I2CBus,
		"dacAddress": opts.DACAddress,
	}).Info("board opened")

	return b, nil
}

// New builds a Board on already opened connections.
func New(fpgaConn, dacConn conn.Conn) *Board {
	return &Board{
		fpga: NewFPGA(fpgaConn),
		dac:  NewDAC(dacConn),
	}
}

func (b *Board) Enable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.fpga.Send(CmdEnable); err != nil {
		return err
	}
	return b.dac.Reset()
}

func (b *Board) Disable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.fpga.Send(CmdDisable)
	return err
}

func (b *Board) WriteD(ctx context.Context, chip calibration.ChipID, d int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fpga.SetD(chip, d)
}

func (b *Board) WriteFTUNE(ctx context.Context, chip calibration.ChipID, volts float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.dac.SetFTUNE(chip, volts)
}

// RunMeasureSequence resets and re-arms the FPGA measurement sequencer.
func (b *Board) RunMeasureSequence(ctx context.Context) (*Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &Measurement{StartedAt: time.Now()}
	for _, cmd := range []uint16{CmdSeqReset, CmdSeqInit} {
		reply, err := b.fpga.Send(cmd)
		if err != nil {
			return nil, err
		}
		m.Replies = append(m.Replies, reply)
		if err := sleep(ctx, SequenceStepDelay); err != nil {
			return nil, err
		}
	}
	m.FinishedAt = time.Now()

	return m, nil
}

// Close releases the buses opened by Open.
func (b *Board) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.closers = nil
	return firstErr
}
