package session

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/resolver"
)

// LoadCalibrationFiles reads the D and FTUNE tables of chip and installs
// them, replacing anything cached. It works in every state. A calibration
// with too few points is installed anyway and reported when it is used.
func (s *Session) LoadCalibrationFiles(chip calibration.ChipID, dPath, ftunePath string) (*calibration.ChipCalibration, error) {
	c, err := calibration.LoadFiles(chip, dPath, ftunePath)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"chip":        chip,
		"dPoints":     c.D.Len(),
		"ftunePoints": c.FTUNE.Len(),
	}
	if !c.IsReady() {
		logrus.WithFields(fields).Warn("calibration has fewer than 2 points in a table, delays cannot be resolved with it")
	} else {
		logrus.WithFields(fields).Info("calibration loaded")
	}

	s.mu.Lock()
	s.store.Set(chip, c)
	s.mu.Unlock()

	return c, nil
}

// Calibration returns the calibration installed for chip without loading
// anything.
func (s *Session) Calibration(chip calibration.ChipID) (*calibration.ChipCalibration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Get(chip)
}

func (s *Session) calibrationFor(chip calibration.ChipID) (*calibration.ChipCalibration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.GetOrLoad(chip, s.opts.Paths)
}

// SetD writes a raw D code to chip.
func (s *Session) SetD(ctx context.Context, chip calibration.ChipID, d int) error {
	t, err := s.ready()
	if err != nil {
		return err
	}
	if err := t.WriteD(ctx, chip, d); err != nil {
		return err
	}

	s.updateApplied(chip, func(a *Applied) {
		a.D = &d
		a.Setting = nil
	})
	return nil
}

// SetFTUNE writes a raw FTUNE voltage to chip.
func (s *Session) SetFTUNE(ctx context.Context, chip calibration.ChipID, volts float64) error {
	t, err := s.ready()
	if err != nil {
		return err
	}
	if err := t.WriteFTUNE(ctx, chip, volts); err != nil {
		return err
	}

	s.updateApplied(chip, func(a *Applied) {
		a.FTUNE = &volts
		a.Setting = nil
	})
	return nil
}

// SetDelay resolves target (seconds) against the calibration of chip and
// writes the resulting D code and FTUNE voltage. The calibration is loaded
// from the default location on first use if none was loaded explicitly.
func (s *Session) SetDelay(ctx context.Context, chip calibration.ChipID, target float64) (*resolver.ResolvedSetting, error) {
	t, err := s.ready()
	if err != nil {
		return nil, err
	}

	cal, err := s.calibrationFor(chip)
	if err != nil {
		return nil, err
	}

	setting, err := s.resolver.Resolve(target, cal)
	if err != nil {
		var ue *resolver.UnreachableError
		if errors.As(err, &ue) {
			logrus.WithFields(ue.Best.LogrusFields()).Warn("target delay is unreachable")
		}
		return nil, err
	}

	entry := logrus.WithFields(setting.LogrusFields())
	if setting.Extrapolated {
		entry.Warn("target delay lies outside the measured range, setting is extrapolated")
	}

	if err := t.WriteD(ctx, chip, setting.D); err != nil {
		return nil, err
	}
	if err := t.WriteFTUNE(ctx, chip, setting.FTUNE); err != nil {
		return nil, err
	}

	entry.Info("delay set")

	s.updateApplied(chip, func(a *Applied) {
		d, v := setting.D, setting.FTUNE
		a.D, a.FTUNE = &d, &v
		a.Setting = setting
	})

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordResolution(ctx, s.ID(), setting); err != nil {
			logrus.WithError(err).Warn("failed to record resolution")
		}
	}

	return setting, nil
}

// RunMeasureSequence triggers one measurement with the current settings.
func (s *Session) RunMeasureSequence(ctx context.Context) (*board.Measurement, error) {
	t, err := s.ready()
	if err != nil {
		return nil, err
	}

	m, err := t.RunMeasureSequence(ctx)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"session":  s.ID(),
		"duration": m.FinishedAt.Sub(m.StartedAt).String(),
	}).Debug("measure sequence finished")

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordMeasurement(ctx, s.ID(), m); err != nil {
			logrus.WithError(err).Warn("failed to record measurement")
		}
	}

	return m, nil
}

// Sweep sets each target delay on chip in turn and runs the measure
// sequence after each. It stops at the first error and returns the steps
// completed so far together with that error.
func (s *Session) Sweep(ctx context.Context, chip calibration.ChipID, targets []float64) (*SweepResult, error) {
	if _, err := s.ready(); err != nil {
		return nil, err
	}

	res := &SweepResult{
		ID:    xid.New().String(),
		Chip:  chip,
		Steps: make([]SweepStep, 0, len(targets)),
	}
	log := logrus.WithFields(logrus.Fields{
		"session": s.ID(),
		"sweep":   res.ID,
		"chip":    chip,
	})
	log.WithField("targets", len(targets)).Info("sweep started")

	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			return res, pkgerrors.Wrapf(err, "sweep stopped before target %d", i)
		}

		setting, err := s.SetDelay(ctx, chip, target)
		if err != nil {
			log.WithError(err).Warnf("sweep stopped at target %d", i)
			return res, err
		}
		m, err := s.RunMeasureSequence(ctx)
		if err != nil {
			log.WithError(err).Warnf("sweep stopped at target %d", i)
			return res, err
		}

		res.Steps = append(res.Steps, SweepStep{Target: target, Setting: setting, Measurement: m})
	}

	log.Info("sweep finished")
	return res, nil
}

// Status returns a snapshot of the session. It is safe to call at any time.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ID:          s.id,
		State:       s.state,
		OpenedAt:    s.openedAt,
		WarmUpUntil: s.warmUpUntil,
		Calibration: []calibration.Summary{},
		Applied:     make(map[calibration.ChipID]Applied, len(s.applied)),
	}
	for _, chip := range s.store.Chips() {
		c, _ := s.store.Get(chip)
		st.Calibration = append(st.Calibration, c.Summary())
	}
	for chip, a := range s.applied {
		st.Applied[chip] = a
	}

	return st
}

func (s *Session) updateApplied(chip calibration.ChipID, fn func(a *Applied)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.applied[chip]
	fn(&a)
	a.UpdatedAt = time.Now()
	s.applied[chip] = a
}
