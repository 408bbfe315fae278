package board

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

// Write is one call recorded by Mock.
type Write struct {
	Op    string             `json:"op"`
	Chip  calibration.ChipID `json:"chip,omitempty"`
	D     int                `json:"d,omitempty"`
	FTUNE float64            `json:"ftune,omitempty"`
}

// Mock is an in-memory Transport for dry runs and tests. It validates
// arguments the same way the hardware does.
type Mock struct {
	mu sync.Mutex

	// Err, when set, is returned by every call instead of doing anything.
	Err error

	Enabled bool
	Closed  bool
	D       map[calibration.ChipID]int
	FTUNE   map[calibration.ChipID]float64
	Writes  []Write
}

// NewMock returns a disabled mock board.
func NewMock() *Mock {
	return &Mock{
		D:     make(map[calibration.ChipID]int),
		FTUNE: make(map[calibration.ChipID]float64),
	}
}

func (m *Mock) record(w Write) {
	logrus.WithFields(logrus.Fields{
		"op":    w.Op,
		"chip":  w.Chip,
		"d":     w.D,
		"ftune": w.FTUNE,
	}).Trace("Mock board write")
	m.Writes = append(m.Writes, w)
}

func (m *Mock) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Enabled = true
	// The DAC reset zeroes every output.
	m.FTUNE = make(map[calibration.ChipID]float64)
	m.record(Write{Op: "enable"})
	return nil
}

func (m *Mock) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Enabled = false
	m.record(Write{Op: "disable"})
	return nil
}

func (m *Mock) WriteD(ctx context.Context, chip calibration.ChipID, d int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := SetDCommand(chip, d); err != nil {
		return err
	}
	m.D[chip] = d
	m.record(Write{Op: "d", Chip: chip, D: d})
	return nil
}

func (m *Mock) WriteFTUNE(ctx context.Context, chip calibration.ChipID, volts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckFTUNE(volts); err != nil {
		return err
	}
	if err := checkChip(chip); err != nil {
		return err
	}
	m.FTUNE[chip] = volts
	m.record(Write{Op: "ftune", Chip: chip, FTUNE: volts})
	return nil
}

func (m *Mock) RunMeasureSequence(ctx context.Context) (*Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	m.record(Write{Op: "measure"})
	return &Measurement{StartedAt: now, FinishedAt: now, Replies: []uint16{0, 0}}, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return m.Err
}

// Ops returns the recorded operation names in order.
func (m *Mock) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]string, len(m.Writes))
	for i, w := range m.Writes {
		ops[i] = w.Op
	}
	return ops
}
