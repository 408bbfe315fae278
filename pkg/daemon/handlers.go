package daemon

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/config"
	"github.com/psi-tdc/delayctl/pkg/events"
	"github.com/psi-tdc/delayctl/pkg/store"
	"github.com/psi-tdc/delayctl/pkg/types"
	"github.com/psi-tdc/delayctl/pkg/version"
)

const defaultHistoryLimit = 20

func getStatus(c *gin.Context) {
	st := types.DaemonStatus{
		Session:  sess.Status(),
		DryRun:   conf.DryRun(),
		Schedule: currentSchedule(),

		OpenError: lastOpenErr(),
	}
	c.IndentedJSON(http.StatusOK, st)
}

func reopenSessionHandler(c *gin.Context) {
	if err := reopenSession(); err != nil {
		logrus.Errorf("failed to reopen board session: %v", err)
		abortWithError(c, err)
		return
	}

	c.IndentedJSON(http.StatusAccepted, "board session is reopening, check status for progress")
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func getCalibration(c *gin.Context) {
	chip, ok := chipParam(c)
	if !ok {
		return
	}

	cal, found := sess.Calibration(chip)
	if !found {
		abortWithError(c, fmt.Errorf("no calibration loaded for chip %s: %w", chip, store.ErrCalibrationNotFound))
		return
	}

	c.IndentedJSON(http.StatusOK, cal.Summary())
}

func setCalibration(c *gin.Context) {
	chip, ok := chipParam(c)
	if !ok {
		return
	}

	var req types.CalibrationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
	}

	dPath, ftunePath := store.DefaultPaths(conf.CalibrationDir())(chip)
	if req.DPath != "" {
		dPath = req.DPath
	}
	if req.FTUNEPath != "" {
		ftunePath = req.FTUNEPath
	}

	cal, err := sess.LoadCalibrationFiles(chip, dPath, ftunePath)
	if err != nil {
		logrus.Errorf("failed to load calibration of chip %s: %v", chip, err)
		abortWithError(c, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, cal.Summary())
}

func setDelay(c *gin.Context) {
	chip, ok := chipParam(c)
	if !ok {
		return
	}

	var target float64
	if err := c.ShouldBindJSON(&target); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	sessMu.Lock()
	defer sessMu.Unlock()

	// A client hanging up must not leave D written without FTUNE.
	setting, err := sess.SetDelay(context.WithoutCancel(c.Request.Context()), chip, target)
	if err != nil {
		abortWithError(c, err)
		return
	}
	publishSetting(events.SettingAppliedEvent{Chip: chip, D: &setting.D, FTUNE: &setting.FTUNE, Setting: setting})

	c.IndentedJSON(http.StatusCreated, setting)
}

func setD(c *gin.Context) {
	chip, ok := chipParam(c)
	if !ok {
		return
	}

	var d int
	if err := c.ShouldBindJSON(&d); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	sessMu.Lock()
	defer sessMu.Unlock()

	if err := sess.SetD(context.WithoutCancel(c.Request.Context()), chip, d); err != nil {
		abortWithError(c, err)
		return
	}
	publishSetting(events.SettingAppliedEvent{Chip: chip, D: &d})

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set D of chip %s to %d", chip, d))
}

func setFTUNE(c *gin.Context) {
	chip, ok := chipParam(c)
	if !ok {
		return
	}

	var volts float64
	if err := c.ShouldBindJSON(&volts); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	sessMu.Lock()
	defer sessMu.Unlock()

	if err := sess.SetFTUNE(context.WithoutCancel(c.Request.Context()), chip, volts); err != nil {
		abortWithError(c, err)
		return
	}
	publishSetting(events.SettingAppliedEvent{Chip: chip, FTUNE: &volts})

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set FTUNE of chip %s to %.3f V", chip, volts))
}

func measure(c *gin.Context) {
	sessMu.Lock()
	defer sessMu.Unlock()

	m, err := sess.RunMeasureSequence(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, m)
}

func sweep(c *gin.Context) {
	var req types.SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}
	chip, err := calibration.ParseChipID(string(req.Chip))
	if err != nil {
		abortWithError(c, err)
		return
	}

	sessMu.Lock()
	defer sessMu.Unlock()

	res, err := sess.Sweep(context.WithoutCancel(c.Request.Context()), chip, req.Targets)
	publishSweep(res, chip, len(req.Targets), false, err)
	if err != nil {
		code := statusFor(err)
		c.IndentedJSON(code, types.SweepResponse{Result: res, Error: err.Error()})
		_ = c.AbortWithError(code, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, types.SweepResponse{Result: res})
}

func getHistory(c *gin.Context) {
	if runLog == nil {
		err := fmt.Errorf("run log is disabled, set runLogPath in the config")
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}

	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l <= 0 {
			err = fmt.Errorf("limit must be a positive integer, got %q", s)
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		limit = l
	}

	var (
		entries any
		err     error
	)
	if c.Query("kind") == "measurements" {
		entries, err = runLog.RecentMeasurements(c.Request.Context(), limit)
	} else {
		entries, err = runLog.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		logrus.Errorf("failed to read run log: %v", err)
		abortWithError(c, err)
		return
	}

	c.IndentedJSON(http.StatusOK, entries)
}

func getSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, currentSchedule())
}

func setSchedule(c *gin.Context) {
	var req types.Schedule
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if req.Chip == "" {
		req.Chip = conf.SweepChip()
	}
	chip, err := calibration.ParseChipID(string(req.Chip))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if req.Cron != "" && len(req.Targets) == 0 {
		err := fmt.Errorf("a scheduled sweep needs at least one target")
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := sweepScheduler.Schedule(req.Cron); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetSweep(req.Cron, chip, req.Targets)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if req.Cron == "" {
		logrus.Info("cleared sweep schedule")
	} else {
		logrus.WithFields(logrus.Fields{
			"cron":    req.Cron,
			"chip":    chip,
			"targets": len(req.Targets),
		}).Info("set sweep schedule")
	}

	c.IndentedJSON(http.StatusCreated, currentSchedule())
}

func skipSchedule(c *gin.Context) {
	if err := sweepScheduler.Skip(); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, currentSchedule())
}

// currentSchedule returns nil when no sweep is scheduled.
func currentSchedule() *types.Schedule {
	if sweepScheduler == nil {
		return nil
	}
	expr, next, _ := sweepScheduler.Status()
	if expr == "" {
		return nil
	}

	sh := &types.Schedule{
		Cron:    expr,
		Chip:    conf.SweepChip(),
		Targets: conf.SweepTargets(),
	}
	if !next.IsZero() {
		sh.NextRun = &next
	}
	return sh
}
