package calibration

import (
	"math"
	"sort"

	pkgerrors "github.com/pkg/errors"
)

// Table is a measured curve for one parameter of one chip, sorted by
// parameter value. A Table is immutable once built.
type Table struct {
	points []Point
	// increasing is true when the last point's delay is not below the
	// first one's. Inversion searches in that direction.
	increasing bool
}

// NewTable sorts a copy of points by parameter value. Tables with fewer than
// two points can be built, but every lookup on them fails with
// ErrInsufficientCalibrationData.
func NewTable(points []Point) (*Table, error) {
	ps := make([]Point, len(points))
	copy(ps, points)

	for _, p := range ps {
		if !isFinite(p.Value) || !isFinite(p.Delay) {
			return nil, pkgerrors.Wrapf(ErrInvalidPoint, "point (%v, %v)", p.Value, p.Delay)
		}
	}

	sort.Slice(ps, func(i, j int) bool { return ps[i].Value < ps[j].Value })

	for i := 1; i < len(ps); i++ {
		if ps[i].Value == ps[i-1].Value {
			return nil, pkgerrors.Wrapf(ErrDuplicatePoint, "parameter value %g appears more than once", ps[i].Value)
		}
	}

	t := &Table{points: ps}
	if len(ps) > 0 {
		t.increasing = ps[len(ps)-1].Delay >= ps[0].Delay
	}

	return t, nil
}

// Len returns the number of points.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.points)
}

// Ready reports whether the table can be interpolated.
func (t *Table) Ready() bool {
	return t.Len() >= 2
}

// Points returns a copy of the sorted points.
func (t *Table) Points() []Point {
	if t == nil {
		return nil
	}
	ps := make([]Point, len(t.points))
	copy(ps, t.points)
	return ps
}

// ValueRange returns the lowest and highest calibrated parameter values.
func (t *Table) ValueRange() (float64, float64, error) {
	if err := t.check(); err != nil {
		return 0, 0, err
	}
	return t.points[0].Value, t.points[len(t.points)-1].Value, nil
}

// DelayRange returns the delays at both ends of the curve, lowest first.
func (t *Table) DelayRange() (float64, float64, error) {
	if err := t.check(); err != nil {
		return 0, 0, err
	}
	lo, hi := t.points[0].Delay, t.points[len(t.points)-1].Delay
	if !t.increasing {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

// LookupNearest returns the delay produced by parameter value v, linearly
// interpolated between the two bracketing points. Outside the calibrated
// range the delay of the nearest end point is returned and extrapolated is
// set.
func (t *Table) LookupNearest(v float64) (delay float64, extrapolated bool, err error) {
	if err := t.check(); err != nil {
		return 0, false, err
	}

	ps := t.points
	n := len(ps)

	if v <= ps[0].Value {
		return ps[0].Delay, v < ps[0].Value, nil
	}
	if v >= ps[n-1].Value {
		return ps[n-1].Delay, v > ps[n-1].Value, nil
	}

	// ps[i-1].Value < v <= ps[i].Value
	i := sort.Search(n, func(i int) bool { return ps[i].Value >= v })
	if ps[i].Value == v {
		return ps[i].Delay, false, nil
	}

	return interpolate(ps[i-1].Value, ps[i-1].Delay, ps[i].Value, ps[i].Delay, v), false, nil
}

// InvertNearest returns the parameter value that produces delay d. Inside
// the measured delay range the two bracketing points are interpolated.
// Outside it the parameter of the nearest end point is returned and
// extrapolated is set.
func (t *Table) InvertNearest(d float64) (value float64, extrapolated bool, err error) {
	if err := t.check(); err != nil {
		return 0, false, err
	}

	ps := t.points
	n := len(ps)

	lo, hi := ps[0], ps[n-1]
	if !t.increasing {
		lo, hi = hi, lo
	}
	if d < lo.Delay {
		return lo.Value, true, nil
	}
	if d > hi.Delay {
		return hi.Value, true, nil
	}

	var i int
	if t.increasing {
		i = sort.Search(n, func(i int) bool { return ps[i].Delay >= d })
	} else {
		i = sort.Search(n, func(i int) bool { return ps[i].Delay <= d })
	}
	if i >= n {
		i = n - 1
	}
	if ps[i].Delay == d || i == 0 {
		return ps[i].Value, false, nil
	}

	return interpolate(ps[i-1].Delay, ps[i-1].Value, ps[i].Delay, ps[i].Value, d), false, nil
}

func (t *Table) check() error {
	if t.Len() < 2 {
		return pkgerrors.Wrapf(ErrInsufficientCalibrationData, "table has %d point(s), need at least 2", t.Len())
	}
	return nil
}

// interpolate evaluates the line through (x0, y0) and (x1, y1) at x.
func interpolate(x0, y0, x1, y1, x float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
