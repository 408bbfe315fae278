package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/config"
	"github.com/psi-tdc/delayctl/pkg/resolver"
	"github.com/psi-tdc/delayctl/pkg/runlog"
	"github.com/psi-tdc/delayctl/pkg/types"
)

func chipPath(prefix string, chip calibration.ChipID) string {
	return prefix + "/" + strings.ToLower(string(chip))
}

func (c *Client) GetStatus() (*types.DaemonStatus, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}

	var st types.DaemonStatus
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}

// ReopenSession closes the board session and opens it again with the
// daemon's current config. The board opens in the background.
func (c *Client) ReopenSession() (string, error) {
	ret, err := c.Post("/session", "")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to reopen session")
	}
	return unquote(ret), nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}

	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}

func (c *Client) GetCalibration(chip calibration.ChipID) (*calibration.Summary, error) {
	ret, err := c.Get(chipPath("/calibration", chip))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration of chip %s", chip)
	}
	return unmarshalSummary(ret)
}

// LoadCalibration makes the daemon read the calibration files of chip.
// Empty paths select the files in the configured calibration directory.
func (c *Client) LoadCalibration(chip calibration.ChipID, dPath, ftunePath string) (*calibration.Summary, error) {
	payload, err := json.Marshal(types.CalibrationRequest{DPath: dPath, FTUNEPath: ftunePath})
	if err != nil {
		return nil, err
	}

	ret, err := c.Put(chipPath("/calibration", chip), string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load calibration of chip %s", chip)
	}
	return unmarshalSummary(ret)
}

func unmarshalSummary(ret string) (*calibration.Summary, error) {
	var sum calibration.Summary
	if err := json.Unmarshal([]byte(ret), &sum); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration summary")
	}
	return &sum, nil
}

// SetDelay asks the daemon to resolve and apply a target delay in seconds.
func (c *Client) SetDelay(chip calibration.ChipID, target float64) (*resolver.ResolvedSetting, error) {
	ret, err := c.Put(chipPath("/delay", chip), strconv.FormatFloat(target, 'g', -1, 64))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set delay of chip %s", chip)
	}

	var s resolver.ResolvedSetting
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal resolved setting")
	}
	return &s, nil
}

func (c *Client) SetD(chip calibration.ChipID, d int) (string, error) {
	ret, err := c.Put(chipPath("/d", chip), strconv.Itoa(d))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to set D of chip %s", chip)
	}
	return unquote(ret), nil
}

func (c *Client) SetFTUNE(chip calibration.ChipID, volts float64) (string, error) {
	ret, err := c.Put(chipPath("/ftune", chip), strconv.FormatFloat(volts, 'g', -1, 64))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to set FTUNE of chip %s", chip)
	}
	return unquote(ret), nil
}

func (c *Client) Measure() (*board.Measurement, error) {
	ret, err := c.Post("/measure", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to run measure sequence")
	}

	var m board.Measurement
	if err := json.Unmarshal([]byte(ret), &m); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal measurement")
	}
	return &m, nil
}

// Sweep runs a sweep on the daemon. When the sweep stops early the
// completed steps are returned together with the error.
func (c *Client) Sweep(chip calibration.ChipID, targets []float64) (*types.SweepResponse, error) {
	payload, err := json.Marshal(types.SweepRequest{Chip: chip, Targets: targets})
	if err != nil {
		return nil, err
	}

	ret, sendErr := c.Post("/sweep", string(payload))

	var resp types.SweepResponse
	if err := json.Unmarshal([]byte(ret), &resp); err != nil {
		if sendErr != nil {
			return nil, pkgerrors.Wrapf(sendErr, "failed to run sweep")
		}
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal sweep response")
	}
	if sendErr != nil {
		var se *StatusError
		if errors.As(sendErr, &se) && resp.Error != "" {
			return &resp, fmt.Errorf("sweep stopped (%d): %s", se.Code, resp.Error)
		}
		return &resp, pkgerrors.Wrapf(sendErr, "failed to run sweep")
	}
	return &resp, nil
}

func (c *Client) GetHistory(limit int) ([]runlog.Entry, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get history")
	}

	var entries []runlog.Entry
	if err := json.Unmarshal([]byte(ret), &entries); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal history")
	}
	return entries, nil
}

func (c *Client) GetMeasurements(limit int) ([]runlog.MeasurementEntry, error) {
	path := "/history?kind=measurements"
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}

	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get measurements")
	}

	var entries []runlog.MeasurementEntry
	if err := json.Unmarshal([]byte(ret), &entries); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal measurements")
	}
	return entries, nil
}

// GetSchedule returns nil when no sweep is scheduled.
func (c *Client) GetSchedule() (*types.Schedule, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}
	return unmarshalSchedule(ret)
}

// SetSchedule replaces the sweep schedule. An empty cron expression
// clears it.
func (c *Client) SetSchedule(cronExpr string, chip calibration.ChipID, targets []float64) (*types.Schedule, error) {
	payload, err := json.Marshal(types.Schedule{Cron: cronExpr, Chip: chip, Targets: targets})
	if err != nil {
		return nil, err
	}

	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	return unmarshalSchedule(ret)
}

func (c *Client) SkipSchedule() (*types.Schedule, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to skip scheduled sweep")
	}
	return unmarshalSchedule(ret)
}

func unmarshalSchedule(ret string) (*types.Schedule, error) {
	var sh *types.Schedule
	if err := json.Unmarshal([]byte(ret), &sh); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return sh, nil
}

// unquote removes the JSON quotes around plain messages.
func unquote(ret string) string {
	var s string
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return ret
	}
	return s
}
