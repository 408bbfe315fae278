// Package events carries daemon notifications to subscribed clients as
// server-sent events.
package events

import (
	"encoding/json"

	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/resolver"
)

// Event name constants
const (
	SessionState   = "session.state"
	SettingApplied = "setting.applied"
	SweepFinished  = "sweep.finished"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// SessionStateEvent is the typed payload for session.state. From is empty
// in the snapshot sent when a client subscribes.
type SessionStateEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Ts        int64  `json:"ts"`
}

// SettingAppliedEvent is the typed payload for setting.applied. Setting is
// set when D and FTUNE were resolved from a target delay.
type SettingAppliedEvent struct {
	Chip    calibration.ChipID        `json:"chip"`
	D       *int                      `json:"d,omitempty"`
	FTUNE   *float64                  `json:"ftune,omitempty"`
	Setting *resolver.ResolvedSetting `json:"setting,omitempty"`
	Ts      int64                     `json:"ts"`
}

// SweepFinishedEvent is the typed payload for sweep.finished.
type SweepFinishedEvent struct {
	SweepID   string             `json:"sweepId"`
	Chip      calibration.ChipID `json:"chip"`
	Steps     int                `json:"steps"`
	Targets   int                `json:"targets"`
	Scheduled bool               `json:"scheduled"`
	Error     string             `json:"error,omitempty"`
	Ts        int64              `json:"ts"`
}

// DecodeAs decodes the event payload into T. An empty payload yields the
// zero value.
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
