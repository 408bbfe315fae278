package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/config"
	"github.com/psi-tdc/delayctl/pkg/events"
	"github.com/psi-tdc/delayctl/pkg/runlog"
	"github.com/psi-tdc/delayctl/pkg/session"
	"github.com/psi-tdc/delayctl/pkg/store"
)

var (
	conf   config.Config
	sess   *session.Session
	runLog *runlog.SQLite

	// sessMu serializes every call that drives the board.
	sessMu = &sync.Mutex{}

	sweepScheduler *Scheduler

	sseHub *events.EventHub
	// stopEvents is closed on shutdown to end open event streams.
	stopEvents chan struct{}

	// Background Open of sess. Guarded by sessMu.
	openCancel context.CancelFunc
	openDone   chan struct{}

	openErrMu sync.Mutex
	openErr   string
)

// openBoard acquires the board described by conf. It is a test seam.
var openBoard = func() (board.Transport, error) {
	if conf.DryRun() {
		logrus.Warn("dry run: using an in-memory board, nothing is written to hardware")
		return board.NewMock(), nil
	}
	return board.Open(board.Options{
		SPIPort:    conf.SPIPort(),
		SPISpeedHz: conf.SPISpeedHz(),
		I2CBus:     conf.I2CBus(),
		DACAddress: conf.DACAddress(),
	})
}

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", getStatus)
	router.GET("/config", getConfig)
	router.GET("/version", getVersion)
	router.GET("/calibration/:chip", getCalibration)
	router.PUT("/calibration/:chip", setCalibration)
	router.PUT("/delay/:chip", setDelay)
	router.PUT("/d/:chip", setD)
	router.PUT("/ftune/:chip", setFTUNE)
	router.POST("/measure", measure)
	router.POST("/sweep", sweep)
	router.GET("/history", getHistory)
	router.GET("/schedule", getSchedule)
	router.PUT("/schedule", setSchedule)
	router.POST("/schedule/skip", skipSchedule)
	router.GET("/events", streamEvents)
	router.POST("/session", reopenSessionHandler)

	return router
}

// newSession builds a session from the current config.
func newSession() *session.Session {
	return session.New(func() (board.Transport, error) { return openBoard() }, sessionOptions())
}

// sessionOptions reads the session settings from the current config. The
// calibration directory is read on every lookup so a reloaded config takes
// effect.
func sessionOptions() session.Options {
	opts := session.Options{
		WarmUp:         conf.WarmUp(),
		Tolerance:      conf.Tolerance(),
		ReferenceFTUNE: conf.ReferenceFTUNE(),
		Paths: func(chip calibration.ChipID) (string, string) {
			return store.DefaultPaths(conf.CalibrationDir())(chip)
		},
		OnStateChange: publishStateChange,
	}
	if runLog != nil {
		opts.Recorder = runLog
	}
	return opts
}

// openSessionAsync opens sess in the background so status answers during
// warm-up. Callers hold sessMu.
func openSessionAsync() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	openCancel, openDone = cancel, done
	setOpenErr("")

	s := sess
	go func() {
		defer close(done)
		err := s.Open(ctx)
		if err == nil {
			logrus.WithField("session", s.ID()).Info("board ready")
			return
		}
		if session.IsWarmUpInterrupted(err) {
			logrus.Info("warm-up interrupted")
			return
		}
		setOpenErr(err.Error())
		logrus.Errorf("failed to open board session: %v", err)
	}()
}

// stopOpen cancels a background Open and waits for it to return. Callers
// hold sessMu.
func stopOpen() {
	if openCancel == nil {
		return
	}
	openCancel()
	<-openDone
	openCancel, openDone = nil, nil
}

// reopenSession closes the board session, applies the current config to it
// and opens it again in the background.
func reopenSession() error {
	sessMu.Lock()
	defer sessMu.Unlock()

	stopOpen()
	if err := sess.Close(); err != nil {
		logrus.Errorf("failed to release board: %v", err)
	}
	if err := sess.Reconfigure(sessionOptions()); err != nil {
		return err
	}
	logrus.WithFields(conf.LogrusFields()).Info("reopening board session")
	openSessionAsync()
	return nil
}

func setOpenErr(msg string) {
	openErrMu.Lock()
	openErr = msg
	openErrMu.Unlock()
}

func lastOpenErr() string {
	openErrMu.Lock()
	defer openErrMu.Unlock()
	return openErr
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	if p := conf.RunLogPath(); p != "" {
		runLog, err = runlog.Open(context.Background(), p)
		if err != nil {
			logrus.Fatalf("failed to open run log: %v", err)
		}
	}

	sseHub = events.NewEventHub()
	stopEvents = make(chan struct{})
	sess = newSession()
	router := setupRoutes()

	sweepScheduler = NewScheduler(runScheduledSweep, sweepPreCheck, func(err error) {
		logrus.WithError(err).Error("scheduled sweep failed")
	})
	applySweepSchedule()
	sweepScheduler.Start()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			applySweepSchedule()
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")

			// A session that failed to open is retried with the new settings.
			// A working one keeps running until it is reopened explicitly.
			if sess.State() == session.StateClosed {
				if err := reopenSession(); err != nil {
					logrus.Errorf("failed to reopen board session: %v", err)
				}
			} else {
				logrus.Info("board settings apply after the session is reopened (delayctl reopen)")
			}
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A socket left behind by a crashed daemon blocks Listen.
	if _, err := os.Stat(unixSocketPath); err == nil {
		logrus.Warnf("removing stale socket %s", unixSocketPath)
		if err := os.Remove(unixSocketPath); err != nil {
			logrus.Fatal(err)
		}
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	sessMu.Lock()
	openSessionAsync()
	sessMu.Unlock()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	close(stopEvents)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("stopping sweep scheduler")
	sweepScheduler.Stop()

	logrus.Info("closing board session")
	sessMu.Lock()
	stopOpen()
	err = sess.Close()
	sessMu.Unlock()
	if err != nil {
		logrus.Errorf("failed to release board: %v", err)
	}

	if runLog != nil {
		logrus.Info("closing run log")
		if err := runLog.Close(); err != nil {
			logrus.Errorf("failed to close run log: %v", err)
		}
	}

	logrus.Info("exiting")
	return nil
}

func applySweepSchedule() {
	expr := conf.SweepCron()
	if err := sweepScheduler.Schedule(expr); err != nil {
		logrus.Errorf("invalid sweep schedule %q: %v", expr, err)
		return
	}
	if expr == "" {
		logrus.Debug("no sweep scheduled")
		return
	}
	_, next, _ := sweepScheduler.Status()
	logrus.WithFields(logrus.Fields{
		"cron":    expr,
		"chip":    conf.SweepChip(),
		"targets": len(conf.SweepTargets()),
		"nextRun": next.Format(time.DateTime),
	}).Info("sweep scheduled")
}

func sweepPreCheck() error {
	if st := sess.State(); st != session.StateReady {
		return errors.New("board session is " + string(st))
	}
	return nil
}

func runScheduledSweep() error {
	chip, targets := conf.SweepChip(), conf.SweepTargets()
	if len(targets) == 0 {
		return errors.New("no sweep targets configured")
	}

	sessMu.Lock()
	defer sessMu.Unlock()

	res, err := sess.Sweep(context.Background(), chip, targets)
	publishSweep(res, chip, len(targets), true, err)
	if res != nil {
		logrus.WithFields(logrus.Fields{
			"sweep": res.ID,
			"chip":  chip,
			"steps": len(res.Steps),
		}).Info("scheduled sweep done")
	}
	return err
}
