package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/config"
	"github.com/psi-tdc/delayctl/pkg/events"
	"github.com/psi-tdc/delayctl/pkg/resolver"
	"github.com/psi-tdc/delayctl/pkg/runlog"
	"github.com/psi-tdc/delayctl/pkg/session"
	"github.com/psi-tdc/delayctl/pkg/store"
	"github.com/psi-tdc/delayctl/pkg/types"
	"github.com/psi-tdc/delayctl/pkg/utils/ptr"
)

func writeCalibration(t *testing.T, dir string, chip calibration.ChipID) {
	t.Helper()
	files := map[calibration.Parameter]string{
		calibration.ParameterD:     "D,delay\n0,0\n1023,1.023e-8\n",
		calibration.ParameterFTUNE: "FTUNE,delay\n0,0\n1,5e-11\n",
	}
	for param, content := range files {
		if err := os.WriteFile(filepath.Join(dir, store.FileName(chip, param)), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write calibration: %v", err)
		}
	}
}

// setupTestDaemon wires the package globals to a mock board with no warm-up
// and returns the router.
func setupTestDaemon(t *testing.T, withRunLog bool) (*board.Mock, *gin.Engine) {
	t.Helper()

	dir := t.TempDir()
	writeCalibration(t, dir, calibration.ChipA)

	conf = config.NewFileFromConfig(&config.RawFileConfig{
		WarmUpSeconds:  ptr.To(0.0),
		CalibrationDir: ptr.To(dir),
		DryRun:         ptr.To(true),
	}, filepath.Join(dir, "config.json"))

	mock := board.NewMock()
	origOpenBoard := openBoard
	openBoard = func() (board.Transport, error) { return mock, nil }

	runLog = nil
	if withRunLog {
		l, err := runlog.Open(context.Background(), ":memory:")
		if err != nil {
			t.Fatalf("failed to open run log: %v", err)
		}
		runLog = l
	}

	sweepScheduler = NewScheduler(runScheduledSweep, sweepPreCheck, nil)
	sseHub = events.NewEventHub()
	stopEvents = make(chan struct{})
	sess = newSession()
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	t.Cleanup(func() {
		sessMu.Lock()
		stopOpen()
		_ = sess.Close()
		sessMu.Unlock()
		setOpenErr("")
		if runLog != nil {
			_ = runLog.Close()
			runLog = nil
		}
		openBoard = origOpenBoard
		sseHub = nil
	})

	return mock, setupRoutes()
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid chip", calibration.ErrInvalidChip, http.StatusBadRequest},
		{"out of range", fmt.Errorf("wrapped: %w", board.ErrOutOfRange), http.StatusBadRequest},
		{"duplicate point", calibration.ErrDuplicatePoint, http.StatusBadRequest},
		{"invalid state", session.ErrInvalidState, http.StatusConflict},
		{"unreachable", &resolver.UnreachableError{}, http.StatusUnprocessableEntity},
		{"not found", store.ErrCalibrationNotFound, http.StatusFailedDependency},
		{"insufficient", calibration.ErrInsufficientCalibrationData, http.StatusFailedDependency},
		{"missing file", os.ErrNotExist, http.StatusFailedDependency},
		{"hardware", errors.New("spi: transfer failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestSetDelayHandler(t *testing.T) {
	mock, router := setupTestDaemon(t, true)

	w := doRequest(router, http.MethodPut, "/delay/a", "5.115e-9")
	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}

	var setting resolver.ResolvedSetting
	if err := json.Unmarshal(w.Body.Bytes(), &setting); err != nil {
		t.Fatalf("failed to decode setting: %v", err)
	}
	if setting.Chip != calibration.ChipA || setting.D != 511 {
		t.Fatalf("unexpected setting %+v", setting)
	}
	if mock.D[calibration.ChipA] != 511 {
		t.Fatalf("D was not written, got %d", mock.D[calibration.ChipA])
	}

	w = doRequest(router, http.MethodGet, "/history?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	var entries []runlog.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(entries) != 1 || entries[0].D != 511 {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestSetDelayErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid chip", "/delay/c", "1e-9", http.StatusBadRequest},
		{"invalid body", "/delay/a", "\"soon\"", http.StatusBadRequest},
		{"unreachable", "/delay/a", "2e-8", http.StatusUnprocessableEntity},
		{"no calibration files", "/delay/b", "1e-9", http.StatusFailedDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, router := setupTestDaemon(t, false)

			w := doRequest(router, http.MethodPut, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
			}
			for _, op := range mock.Ops() {
				if op == "d" || op == "ftune" {
					t.Fatalf("nothing should be written on error, got %v", mock.Ops())
				}
			}
		})
	}
}

func TestNotReady(t *testing.T) {
	_, router := setupTestDaemon(t, false)
	if err := sess.Close(); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}

	w := doRequest(router, http.MethodPut, "/d/a", "10")
	if w.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	var st types.DaemonStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if st.Session.State != session.StateClosed || !st.DryRun {
		t.Fatalf("unexpected status %+v", st)
	}
}

// waitForOpen waits for the background open started by POST /session.
func waitForOpen(t *testing.T) {
	t.Helper()
	sessMu.Lock()
	done := openDone
	sessMu.Unlock()
	if done == nil {
		t.Fatal("no session open in progress")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish opening")
	}
}

func getDaemonStatus(t *testing.T, router *gin.Engine) types.DaemonStatus {
	t.Helper()
	w := doRequest(router, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	var st types.DaemonStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	return st
}

func TestReopenSessionRecovers(t *testing.T) {
	mock, router := setupTestDaemon(t, false)
	if err := sess.Close(); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}

	failures := 1
	openBoard = func() (board.Transport, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("spi: no such device")
		}
		return mock, nil
	}

	if w := doRequest(router, http.MethodPost, "/session", ""); w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	waitForOpen(t)

	st := getDaemonStatus(t, router)
	if st.Session.State != session.StateClosed || !strings.Contains(st.OpenError, "no such device") {
		t.Fatalf("failed open should leave the session closed with the error, got %+v", st)
	}
	if w := doRequest(router, http.MethodPut, "/d/a", "10"); w.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d", w.Code)
	}

	if w := doRequest(router, http.MethodPost, "/session", ""); w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	waitForOpen(t)

	st = getDaemonStatus(t, router)
	if st.Session.State != session.StateReady || st.OpenError != "" {
		t.Fatalf("session should be ready after reopening, got %+v", st)
	}
	if w := doRequest(router, http.MethodPut, "/delay/a", "5.115e-9"); w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if mock.D[calibration.ChipA] != 511 {
		t.Fatalf("got D=%d, want 511", mock.D[calibration.ChipA])
	}
}

func TestReopenSessionAppliesConfig(t *testing.T) {
	_, router := setupTestDaemon(t, false)
	oldID := sess.ID()

	// A tolerance of 1 s makes every target reachable.
	conf.SetTolerance(1)

	if w := doRequest(router, http.MethodPost, "/session", ""); w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	waitForOpen(t)

	if sess.State() != session.StateReady || sess.ID() == oldID {
		t.Fatalf("expected a new ready session, got %s %s", sess.State(), sess.ID())
	}
	if w := doRequest(router, http.MethodPut, "/delay/a", "2e-8"); w.Code != http.StatusCreated {
		t.Fatalf("reopened session should use the new tolerance, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRawWrites(t *testing.T) {
	mock, router := setupTestDaemon(t, false)

	if w := doRequest(router, http.MethodPut, "/d/B", "42"); w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if w := doRequest(router, http.MethodPut, "/ftune/b", "0.25"); w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if w := doRequest(router, http.MethodPut, "/ftune/b", "1.6"); w.Code != http.StatusBadRequest {
		t.Fatalf("out of range FTUNE should be rejected, got %d", w.Code)
	}
	if w := doRequest(router, http.MethodPut, "/d/a", "1024"); w.Code != http.StatusBadRequest {
		t.Fatalf("out of range D should be rejected, got %d", w.Code)
	}

	if mock.D[calibration.ChipB] != 42 || mock.FTUNE[calibration.ChipB] != 0.25 {
		t.Fatalf("unexpected board state D=%v FTUNE=%v", mock.D, mock.FTUNE)
	}
}

func TestCalibrationHandlers(t *testing.T) {
	_, router := setupTestDaemon(t, false)

	if w := doRequest(router, http.MethodGet, "/calibration/a", ""); w.Code != http.StatusFailedDependency {
		t.Fatalf("calibration should not be loaded yet, got %d", w.Code)
	}

	w := doRequest(router, http.MethodPut, "/calibration/a", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	var sum calibration.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if sum.Chip != calibration.ChipA || !sum.Ready {
		t.Fatalf("unexpected summary %+v", sum)
	}

	if w := doRequest(router, http.MethodGet, "/calibration/a", ""); w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}

	body := `{"dPath": "/nonexistent/d.csv", "ftunePath": "/nonexistent/f.csv"}`
	if w := doRequest(router, http.MethodPut, "/calibration/b", body); w.Code != http.StatusFailedDependency {
		t.Fatalf("missing files should be reported, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMeasureAndSweep(t *testing.T) {
	mock, router := setupTestDaemon(t, false)

	if w := doRequest(router, http.MethodPost, "/measure", ""); w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}

	w := doRequest(router, http.MethodPost, "/sweep", `{"chip": "A", "targets": [1e-9, 2e-9, 1e-6]}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	var resp types.SweepResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode sweep response: %v", err)
	}
	if resp.Error == "" || resp.Result == nil || len(resp.Result.Steps) != 2 {
		t.Fatalf("expected 2 completed steps and an error, got %+v", resp)
	}
	if mock.D[calibration.ChipA] != 200 {
		t.Fatalf("last completed step should stay applied, got D=%d", mock.D[calibration.ChipA])
	}
}

func TestHistoryDisabled(t *testing.T) {
	_, router := setupTestDaemon(t, false)

	if w := doRequest(router, http.MethodGet, "/history", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", w.Code)
	}
}

func TestMeasurementHistory(t *testing.T) {
	_, router := setupTestDaemon(t, true)

	for i := 0; i < 2; i++ {
		if w := doRequest(router, http.MethodPost, "/measure", ""); w.Code != http.StatusCreated {
			t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
		}
	}

	w := doRequest(router, http.MethodGet, "/history?kind=measurements&limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	var entries []runlog.MeasurementEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("failed to decode measurements: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != sess.ID() || len(entries[0].Replies) != 2 {
		t.Fatalf("unexpected measurements %+v", entries)
	}
}

func TestScheduleHandlers(t *testing.T) {
	_, router := setupTestDaemon(t, false)

	if w := doRequest(router, http.MethodPut, "/schedule", `{"cron": "@every 1h"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("a schedule without targets should be rejected, got %d", w.Code)
	}
	if w := doRequest(router, http.MethodPut, "/schedule", `{"cron": "whenever", "targets": [1e-9]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("an invalid expression should be rejected, got %d", w.Code)
	}

	w := doRequest(router, http.MethodPut, "/schedule", `{"cron": "@every 1h", "chip": "b", "targets": [1e-9]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	var sh types.Schedule
	if err := json.Unmarshal(w.Body.Bytes(), &sh); err != nil {
		t.Fatalf("failed to decode schedule: %v", err)
	}
	if sh.Chip != calibration.ChipB || sh.NextRun == nil {
		t.Fatalf("unexpected schedule %+v", sh)
	}
	if conf.SweepCron() != "@every 1h" {
		t.Fatalf("schedule was not saved to the config")
	}

	if w := doRequest(router, http.MethodPost, "/schedule/skip", ""); w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}

	if w := doRequest(router, http.MethodPut, "/schedule", `{"cron": ""}`); w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if w := doRequest(router, http.MethodPost, "/schedule/skip", ""); w.Code != http.StatusConflict {
		t.Fatalf("skip without a schedule should conflict, got %d", w.Code)
	}
}

func TestRunScheduledSweep(t *testing.T) {
	mock, _ := setupTestDaemon(t, false)

	if err := runScheduledSweep(); err == nil {
		t.Fatalf("a sweep without targets should fail")
	}

	conf.SetSweep("@every 1h", calibration.ChipA, []float64{3e-9})
	if err := sweepPreCheck(); err != nil {
		t.Fatalf("precheck failed: %v", err)
	}
	if err := runScheduledSweep(); err != nil {
		t.Fatalf("scheduled sweep failed: %v", err)
	}
	if mock.D[calibration.ChipA] != 300 {
		t.Fatalf("unexpected D %d", mock.D[calibration.ChipA])
	}

	_ = sess.Close()
	if err := sweepPreCheck(); err == nil {
		t.Fatalf("precheck should fail on a closed session")
	}
}
