// Package store caches the calibration of each chip for the lifetime of one
// session.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

// ErrCalibrationNotFound is returned when a chip has no calibration loaded
// and its default files do not exist.
var ErrCalibrationNotFound = errors.New("calibration not found")

// PathProvider returns the default D and FTUNE calibration files of a chip.
type PathProvider func(chip calibration.ChipID) (dPath string, ftunePath string)

// LoadFunc reads the calibration of a chip from its two files.
type LoadFunc func(chip calibration.ChipID, dPath, ftunePath string) (*calibration.ChipCalibration, error)

// DefaultPaths returns a PathProvider that looks for
// delay_chip_<chip>_D.csv and delay_chip_<chip>_FTUNE.csv in dir.
func DefaultPaths(dir string) PathProvider {
	return func(chip calibration.ChipID) (string, string) {
		return filepath.Join(dir, FileName(chip, calibration.ParameterD)),
			filepath.Join(dir, FileName(chip, calibration.ParameterFTUNE))
	}
}

// FileName is the default calibration file name of one chip parameter.
func FileName(chip calibration.ChipID, param calibration.Parameter) string {
	return fmt.Sprintf("delay_chip_%s_%s.csv", chip, param)
}

// Store maps each chip to its loaded calibration. It is not safe for
// concurrent use.
type Store struct {
	entries map[calibration.ChipID]*calibration.ChipCalibration
	load    LoadFunc
}

// New returns an empty store. A nil load uses calibration.LoadFiles.
func New(load LoadFunc) *Store {
	if load == nil {
		load = calibration.LoadFiles
	}
	return &Store{
		entries: make(map[calibration.ChipID]*calibration.ChipCalibration),
		load:    load,
	}
}

// Get returns the cached calibration of chip, if any.
func (s *Store) Get(chip calibration.ChipID) (*calibration.ChipCalibration, bool) {
	c, ok := s.entries[chip]
	return c, ok
}

// Set installs cal for chip, replacing any cached entry.
func (s *Store) Set(chip calibration.ChipID, cal *calibration.ChipCalibration) {
	s.entries[chip] = cal
}

// Chips returns the chips that have a calibration, in board order.
func (s *Store) Chips() []calibration.ChipID {
	var chips []calibration.ChipID
	for _, c := range calibration.Chips {
		if _, ok := s.entries[c]; ok {
			chips = append(chips, c)
		}
	}
	return chips
}

// GetOrLoad returns the cached calibration of chip. On a miss it loads the
// files named by paths and caches the result, so the files are read at most
// once per store. A calibration that is not ready is returned as an error and
// not cached.
func (s *Store) GetOrLoad(chip calibration.ChipID, paths PathProvider) (*calibration.ChipCalibration, error) {
	if c, ok := s.entries[chip]; ok {
		return c, nil
	}

	if paths == nil {
		return nil, pkgerrors.Wrapf(ErrCalibrationNotFound, "chip %s: no calibration loaded and no default location", chip)
	}

	dPath, ftunePath := paths(chip)
	for _, p := range []string{dPath, ftunePath} {
		_, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			return nil, pkgerrors.Wrapf(ErrCalibrationNotFound, "chip %s: %s does not exist", chip, p)
		}
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "chip %s: failed to stat %s", chip, p)
		}
	}

	c, err := s.load(chip, dPath, ftunePath)
	if err != nil {
		return nil, err
	}
	if !c.IsReady() {
		_, err := c.SearchSpace()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"chip":      chip,
		"dFile":     dPath,
		"ftuneFile": ftunePath,
	}).Info("loaded default calibration")

	s.entries[chip] = c
	return c, nil
}
