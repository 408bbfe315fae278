// Package calibration holds the measured curves that relate a delay chip's
// control parameters to the delay it produces. It contains:
//
//   - Point: one measured (parameter value, delay) pair
//   - Table: a sorted curve for one parameter (D or FTUNE) of one chip
//   - ChipCalibration: the D and FTUNE tables of one chip
//
// Delays are in seconds throughout. D values are raw codes stored as
// float64; FTUNE values are volts.
//
// Tables assume the measured delay is monotonic in the parameter. That is not
// checked: on a non-monotonic curve InvertNearest may settle on any of the
// parameter values that produce the requested delay.
package calibration
