// Package resolver turns a requested delay into the (D, FTUNE) setting of
// one chip whose predicted delay is closest to it.
//
// The two parameters are calibrated independently, so the total delay is
// modelled as
//
//	total(D, FTUNE) = base(D) + offset(FTUNE)
//
// where base is read from the D table and offset is the FTUNE table's delay
// relative to the reference voltage at which the D table was measured. The
// search is two 1-D stages: the D table is inverted and rounded to a code,
// then the FTUNE table is inverted for the residual. When the residual does
// not fit in the FTUNE range, the neighbouring codes are tried as well.
package resolver

import (
	"errors"
	"fmt"
	"math"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

// DefaultTolerance is the largest residual, in seconds, accepted by default.
const DefaultTolerance = 1e-12

// ErrUnreachableDelay is returned when no setting gets within tolerance of
// the target.
var ErrUnreachableDelay = errors.New("unreachable delay")

// ResolvedSetting is the operating point chosen for a target delay.
type ResolvedSetting struct {
	Chip  calibration.ChipID `json:"chip"`
	D     int                `json:"d"`
	FTUNE float64            `json:"ftune"`

	Target    float64 `json:"target"`
	Predicted float64 `json:"predicted"`
	// Residual is Target - Predicted.
	Residual float64 `json:"residual"`
	// Extrapolated is set when the chosen FTUNE sits on a clamped end of its
	// table, i.e. the target lies outside the measured range but the miss is
	// still within tolerance.
	Extrapolated bool `json:"extrapolated"`
}

func (s *ResolvedSetting) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"chip":         s.Chip,
		"d":            s.D,
		"ftune":        s.FTUNE,
		"target":       s.Target,
		"predicted":    s.Predicted,
		"residual":     s.Residual,
		"extrapolated": s.Extrapolated,
	}
}

// UnreachableError reports the best candidate found for an unreachable
// target. It matches ErrUnreachableDelay with errors.Is.
type UnreachableError struct {
	Best      ResolvedSetting
	Tolerance float64
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("target delay %g s on chip %s is unreachable: best setting D=%d FTUNE=%.4f V predicts %g s, off by %g s (tolerance %g s)",
		e.Best.Target, e.Best.Chip, e.Best.D, e.Best.FTUNE, e.Best.Predicted, e.Best.Residual, e.Tolerance)
}

func (e *UnreachableError) Unwrap() error {
	return ErrUnreachableDelay
}

// Resolver searches a chip's calibration for the setting closest to a target.
type Resolver struct {
	// Tolerance is the largest accepted |residual| in seconds.
	Tolerance float64
	// ReferenceFTUNE is the voltage at which the D table was measured. Nil
	// means the lowest calibrated FTUNE voltage.
	ReferenceFTUNE *float64
	// FTUNEStep quantizes the chosen voltage to what the DAC can output.
	// Zero keeps it continuous.
	FTUNEStep float64
}

// New returns a Resolver with the given tolerance and no quantization.
func New(tolerance float64, referenceFTUNE *float64) *Resolver {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Resolver{
		Tolerance:      tolerance,
		ReferenceFTUNE: referenceFTUNE,
	}
}

// candidate is a ResolvedSetting plus whether its fine stage was clamped.
type candidate struct {
	ResolvedSetting
	clamped bool
}

// Resolve returns the setting whose predicted delay is closest to target.
// It fails with calibration.ErrInsufficientCalibrationData when either
// table is unusable and with an *UnreachableError when the best residual
// exceeds the tolerance.
func (r *Resolver) Resolve(target float64, cal *calibration.ChipCalibration) (*ResolvedSetting, error) {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return nil, pkgerrors.Errorf("invalid target delay %v", target)
	}

	space, err := cal.SearchSpace()
	if err != nil {
		return nil, err
	}

	ref := r.reference(space)
	refDelay, _, err := cal.FTUNE.LookupNearest(ref)
	if err != nil {
		return nil, err
	}

	// Coarse stage.
	code, _, err := cal.D.InvertNearest(target)
	if err != nil {
		return nil, err
	}
	codes := []int{int(math.Round(code))}
	if code-math.Floor(code) == 0.5 {
		// Exactly between two codes: let better pick, so ties go low.
		codes = []int{int(math.Floor(code)), int(math.Ceil(code))}
	}

	var (
		best  candidate
		found bool
	)
	for _, d := range codes {
		c, err := r.fine(cal, space, refDelay, target, clamp(d, space.DMin, space.DMax))
		if err != nil {
			return nil, err
		}
		if !found || better(c, best) {
			best, found = c, true
		}
	}

	// The residual did not fit in the FTUNE range: an adjacent code may do
	// better.
	if best.clamped {
		d0 := best.D
		for _, d := range []int{d0 - 1, d0 + 1} {
			if d < space.DMin || d > space.DMax {
				continue
			}
			c, err := r.fine(cal, space, refDelay, target, d)
			if err != nil {
				return nil, err
			}
			if better(c, best) {
				best = c
			}
		}
	}

	best.Extrapolated = best.clamped

	if math.Abs(best.Residual) > r.tolerance() {
		return nil, &UnreachableError{Best: best.ResolvedSetting, Tolerance: r.tolerance()}
	}

	s := best.ResolvedSetting
	return &s, nil
}

// fine fixes D to code and finds the FTUNE voltage that makes up the rest.
func (r *Resolver) fine(cal *calibration.ChipCalibration, space calibration.SearchSpace, refDelay, target float64, code int) (candidate, error) {
	base, _, err := cal.D.LookupNearest(float64(code))
	if err != nil {
		return candidate{}, err
	}

	want := refDelay + (target - base)
	v, clamped, err := cal.FTUNE.InvertNearest(want)
	if err != nil {
		return candidate{}, err
	}

	if v < space.FTUNEMin {
		v, clamped = space.FTUNEMin, true
	} else if v > space.FTUNEMax {
		v, clamped = space.FTUNEMax, true
	}
	v = r.quantize(v, space)

	tuned, _, err := cal.FTUNE.LookupNearest(v)
	if err != nil {
		return candidate{}, err
	}

	predicted := base + (tuned - refDelay)
	return candidate{
		ResolvedSetting: ResolvedSetting{
			Chip:      cal.Chip,
			D:         code,
			FTUNE:     v,
			Target:    target,
			Predicted: predicted,
			Residual:  target - predicted,
		},
		clamped: clamped,
	}, nil
}

func (r *Resolver) reference(space calibration.SearchSpace) float64 {
	if r.ReferenceFTUNE == nil {
		return space.FTUNEMin
	}
	return math.Min(math.Max(*r.ReferenceFTUNE, space.FTUNEMin), space.FTUNEMax)
}

func (r *Resolver) quantize(v float64, space calibration.SearchSpace) float64 {
	if r.FTUNEStep <= 0 {
		return v
	}
	q := math.Round(v/r.FTUNEStep) * r.FTUNEStep
	// Stepping outside the calibrated range would leave the prediction
	// unsupported by data.
	for q < space.FTUNEMin {
		q += r.FTUNEStep
	}
	for q > space.FTUNEMax {
		q -= r.FTUNEStep
	}
	if q < space.FTUNEMin {
		return v
	}
	return q
}

func (r *Resolver) tolerance() float64 {
	if r.Tolerance <= 0 {
		return DefaultTolerance
	}
	return r.Tolerance
}

// better prefers the smaller absolute residual, then the lower code.
func better(a, b candidate) bool {
	ra, rb := math.Abs(a.Residual), math.Abs(b.Residual)
	if ra != rb {
		return ra < rb
	}
	return a.D < b.D
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
