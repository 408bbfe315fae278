package calibration

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ReadCSV parses calibration points from r.
//
// Lines starting with '#' and blank lines are skipped. The first row may be a
// header: the delay column is then the first one whose name contains "delay"
// and the parameter column is the first other column. Without a header,
// column 0 is the parameter and column 1 the delay.
func ReadCSV(r io.Reader) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	valueCol, delayCol := 0, 1
	var points []Point

	for first := true; ; first = false {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to read csv")
		}
		line, _ := cr.FieldPos(0)

		if first && !isNumeric(record[0]) {
			valueCol, delayCol, err = headerColumns(record)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "line %d", line)
			}
			continue
		}

		if len(record) <= max(valueCol, delayCol) {
			return nil, pkgerrors.Errorf("line %d: expected at least %d columns, got %d", line, max(valueCol, delayCol)+1, len(record))
		}

		value, err := strconv.ParseFloat(strings.TrimSpace(record[valueCol]), 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "line %d: invalid parameter value", line)
		}
		delay, err := strconv.ParseFloat(strings.TrimSpace(record[delayCol]), 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "line %d: invalid delay", line)
		}

		points = append(points, Point{Value: value, Delay: delay})
	}

	return points, nil
}

// ReadCSVFile parses the calibration file at path.
func ReadCSVFile(path string) ([]Point, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open file %s", path)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", path)
		}
	}(fp)

	points, err := ReadCSV(fp)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "file %s", path)
	}

	return points, nil
}

// LoadFiles reads the D and FTUNE files of one chip.
func LoadFiles(chip ChipID, dPath, ftunePath string) (*ChipCalibration, error) {
	dPoints, err := ReadCSVFile(dPath)
	if err != nil {
		return nil, err
	}
	ftunePoints, err := ReadCSVFile(ftunePath)
	if err != nil {
		return nil, err
	}

	c, err := Load(chip, dPoints, ftunePoints)
	if err != nil {
		return nil, err
	}
	c.DSource = dPath
	c.FTUNESource = ftunePath

	logrus.WithFields(logrus.Fields{
		"chip":        chip,
		"dFile":       dPath,
		"dPoints":     c.D.Len(),
		"ftuneFile":   ftunePath,
		"ftunePoints": c.FTUNE.Len(),
	}).Debug("calibration files loaded")

	return c, nil
}

func headerColumns(header []string) (int, int, error) {
	delayCol := -1
	for i, name := range header {
		if strings.Contains(strings.ToLower(name), "delay") {
			delayCol = i
			break
		}
	}
	if delayCol < 0 {
		return 0, 0, pkgerrors.Errorf("header %q has no delay column", strings.Join(header, ","))
	}
	if len(header) < 2 {
		return 0, 0, pkgerrors.Errorf("header %q has no parameter column", strings.Join(header, ","))
	}

	valueCol := 0
	if delayCol == 0 {
		valueCol = 1
	}
	return valueCol, delayCol, nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}
