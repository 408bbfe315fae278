package calibration

import "errors"

var (
	// ErrInsufficientCalibrationData is returned when a table has fewer than
	// two points, so nothing can be interpolated.
	ErrInsufficientCalibrationData = errors.New("insufficient calibration data")

	// ErrDuplicatePoint is returned when two points share a parameter value.
	ErrDuplicatePoint = errors.New("duplicate calibration point")

	// ErrInvalidPoint is returned for NaN or infinite values.
	ErrInvalidPoint = errors.New("invalid calibration point")

	ErrInvalidChip = errors.New("invalid chip")
)
