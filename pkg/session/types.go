package session

import (
	"context"
	"errors"
	"time"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/resolver"
	"github.com/psi-tdc/delayctl/pkg/store"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateClosed    State = "CLOSED"
	StateWarmingUp State = "WARMING_UP"
	StateReady     State = "READY"
)

// ErrInvalidState is returned when an operation is not allowed in the
// current state.
var ErrInvalidState = errors.New("invalid session state")

// DefaultWarmUp is how long the board is left to settle after it is enabled.
const DefaultWarmUp = 30 * time.Second

// Opener acquires the hardware for a session.
type Opener func() (board.Transport, error)

// Recorder persists what a session did. Recording failures are logged and
// never fail the operation.
type Recorder interface {
	RecordResolution(ctx context.Context, sessionID string, s *resolver.ResolvedSetting) error
	RecordMeasurement(ctx context.Context, sessionID string, m *board.Measurement) error
}

// Options configures a Session.
type Options struct {
	// WarmUp is the wait between enabling the board and READY. Zero disables
	// it.
	WarmUp time.Duration
	// Tolerance is the largest residual accepted by SetDelay, in seconds.
	Tolerance float64
	// ReferenceFTUNE is the voltage the D tables were measured at. Nil means
	// the lowest calibrated FTUNE voltage.
	ReferenceFTUNE *float64
	// Paths locates the calibration of a chip that was not loaded
	// explicitly. Nil disables lazy loading.
	Paths store.PathProvider
	// Recorder is optional.
	Recorder Recorder
	// OnStateChange is called on every state transition while the session
	// lock is held. It must not call back into the Session.
	OnStateChange func(sessionID string, from, to State)
}

// Applied is the last setting written to a chip.
type Applied struct {
	D     *int     `json:"d,omitempty"`
	FTUNE *float64 `json:"ftune,omitempty"`
	// Setting is set when D and FTUNE came from SetDelay.
	Setting   *resolver.ResolvedSetting `json:"setting,omitempty"`
	UpdatedAt time.Time                 `json:"updatedAt"`
}

// Status is a snapshot of a Session for display.
type Status struct {
	ID          string                         `json:"id,omitempty"`
	State       State                          `json:"state"`
	OpenedAt    time.Time                      `json:"openedAt,omitempty"`
	WarmUpUntil time.Time                      `json:"warmUpUntil,omitempty"`
	Calibration []calibration.Summary          `json:"calibration"`
	Applied     map[calibration.ChipID]Applied `json:"applied"`
}

// SweepStep is one target of a sweep.
type SweepStep struct {
	Target      float64                   `json:"target"`
	Setting     *resolver.ResolvedSetting `json:"setting"`
	Measurement *board.Measurement        `json:"measurement"`
}

// SweepResult collects the steps completed by a sweep.
type SweepResult struct {
	ID    string             `json:"id"`
	Chip  calibration.ChipID `json:"chip"`
	Steps []SweepStep        `json:"steps"`
}
