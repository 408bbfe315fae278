package calibration

import (
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ChipID names one of the two delay chips on the board.
type ChipID string

const (
	ChipA ChipID = "A"
	ChipB ChipID = "B"
)

// Chips lists every chip on the board.
var Chips = []ChipID{ChipA, ChipB}

// Parameter domains of the SY89296U delay chips as wired on the board.
const (
	MinD     = 0
	MaxD     = 1023
	MinFTUNE = 0.0
	MaxFTUNE = 1.5
)

// ParseChipID accepts "A"/"B" in either case.
func ParseChipID(s string) (ChipID, error) {
	switch ChipID(strings.ToUpper(strings.TrimSpace(s))) {
	case ChipA:
		return ChipA, nil
	case ChipB:
		return ChipB, nil
	}
	return "", pkgerrors.Wrapf(ErrInvalidChip, "chip must be A or B, got %q", s)
}

// Parameter is the control input a table was measured against.
type Parameter string

const (
	ParameterD     Parameter = "D"
	ParameterFTUNE Parameter = "FTUNE"
)

// Point is one calibration measurement. Value is the parameter setting
// (D code or FTUNE volts), Delay the measured delay in seconds.
type Point struct {
	Value float64 `json:"value"`
	Delay float64 `json:"delay"`
}
