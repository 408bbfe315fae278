package daemon

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/resolver"
	"github.com/psi-tdc/delayctl/pkg/session"
	"github.com/psi-tdc/delayctl/pkg/store"
)

// Logger is the logrus logger handler
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// other handler can change c.Path so:
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		entry := logger.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency, // time to process
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
		})

		if len(c.Errors) > 0 {
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
		} else {
			msg := fmt.Sprintf("%s %s %d (%dms)", c.Request.Method, path, statusCode, latency)
			//nolint:gocritic
			if statusCode >= http.StatusInternalServerError {
				entry.Error(msg)
			} else if statusCode >= http.StatusBadRequest {
				entry.Warn(msg)
			} else {
				entry.Debug(msg)
			}
		}
	}
}

// statusFor maps an operation error to the HTTP status returned to clients.
func statusFor(err error) int {
	var numErr *strconv.NumError
	var parseErr *csv.ParseError

	switch {
	case errors.Is(err, calibration.ErrInvalidChip),
		errors.Is(err, calibration.ErrInvalidPoint),
		errors.Is(err, calibration.ErrDuplicatePoint),
		errors.Is(err, board.ErrOutOfRange),
		errors.As(err, &numErr),
		errors.As(err, &parseErr):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, resolver.ErrUnreachableDelay):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrCalibrationNotFound),
		errors.Is(err, calibration.ErrInsufficientCalibrationData),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	code := statusFor(err)
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

// chipParam reads the :chip path parameter and aborts the request when it
// is not a chip of the board.
func chipParam(c *gin.Context) (calibration.ChipID, bool) {
	chip, err := calibration.ParseChipID(c.Param("chip"))
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	return chip, true
}
