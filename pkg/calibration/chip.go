package calibration

import (
	"math"

	pkgerrors "github.com/pkg/errors"
)

// ChipCalibration pairs the D and FTUNE tables of one chip.
type ChipCalibration struct {
	Chip  ChipID
	D     *Table
	FTUNE *Table

	// DSource and FTUNESource record where the tables came from, if known.
	DSource     string
	FTUNESource string
}

// Load builds a ChipCalibration from already parsed point lists.
func Load(chip ChipID, dPoints, ftunePoints []Point) (*ChipCalibration, error) {
	d, err := NewTable(dPoints)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "chip %s: D table", chip)
	}
	ftune, err := NewTable(ftunePoints)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "chip %s: FTUNE table", chip)
	}

	return &ChipCalibration{
		Chip:  chip,
		D:     d,
		FTUNE: ftune,
	}, nil
}

// IsReady reports whether both tables hold at least two points.
func (c *ChipCalibration) IsReady() bool {
	return c != nil && c.D.Ready() && c.FTUNE.Ready()
}

// SearchSpace is the region of (D, FTUNE) settings that the calibration
// covers and the hardware accepts.
type SearchSpace struct {
	DMin     int     `json:"dMin"`
	DMax     int     `json:"dMax"`
	FTUNEMin float64 `json:"ftuneMin"`
	FTUNEMax float64 `json:"ftuneMax"`
}

// SearchSpace intersects the calibrated parameter ranges with the chip's
// hardware domains. Only integer D codes inside the calibrated range are
// searched.
func (c *ChipCalibration) SearchSpace() (SearchSpace, error) {
	if !c.IsReady() {
		return SearchSpace{}, c.notReady()
	}

	dLo, dHi, _ := c.D.ValueRange()
	fLo, fHi, _ := c.FTUNE.ValueRange()

	s := SearchSpace{
		DMin:     max(MinD, int(math.Ceil(dLo))),
		DMax:     min(MaxD, int(math.Floor(dHi))),
		FTUNEMin: math.Max(MinFTUNE, fLo),
		FTUNEMax: math.Min(MaxFTUNE, fHi),
	}

	if s.DMin > s.DMax {
		return SearchSpace{}, pkgerrors.Wrapf(ErrInsufficientCalibrationData,
			"chip %s: D table [%g, %g] covers no code in [%d, %d]", c.Chip, dLo, dHi, MinD, MaxD)
	}
	if s.FTUNEMin > s.FTUNEMax {
		return SearchSpace{}, pkgerrors.Wrapf(ErrInsufficientCalibrationData,
			"chip %s: FTUNE table [%g, %g] lies outside [%g, %g] V", c.Chip, fLo, fHi, MinFTUNE, MaxFTUNE)
	}

	return s, nil
}

func (c *ChipCalibration) notReady() error {
	if c == nil {
		return pkgerrors.Wrap(ErrInsufficientCalibrationData, "no calibration")
	}
	return pkgerrors.Wrapf(ErrInsufficientCalibrationData,
		"chip %s: D table has %d point(s), FTUNE table has %d point(s), both need at least 2",
		c.Chip, c.D.Len(), c.FTUNE.Len())
}

// TableSummary describes one table for status output.
type TableSummary struct {
	Points   int     `json:"points"`
	MinValue float64 `json:"minValue"`
	MaxValue float64 `json:"maxValue"`
	MinDelay float64 `json:"minDelay"`
	MaxDelay float64 `json:"maxDelay"`
	Source   string  `json:"source,omitempty"`
}

// Summary is a JSON-friendly view of a ChipCalibration.
type Summary struct {
	Chip  ChipID       `json:"chip"`
	Ready bool         `json:"ready"`
	D     TableSummary `json:"d"`
	FTUNE TableSummary `json:"ftune"`
}

func (c *ChipCalibration) Summary() Summary {
	return Summary{
		Chip:  c.Chip,
		Ready: c.IsReady(),
		D:     summarize(c.D, c.DSource),
		FTUNE: summarize(c.FTUNE, c.FTUNESource),
	}
}

func summarize(t *Table, source string) TableSummary {
	s := TableSummary{Points: t.Len(), Source: source}
	if !t.Ready() {
		return s
	}
	s.MinValue, s.MaxValue, _ = t.ValueRange()
	s.MinDelay, s.MaxDelay, _ = t.DelayRange()
	return s
}
