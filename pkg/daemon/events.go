package daemon

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/events"
	"github.com/psi-tdc/delayctl/pkg/session"
)

// publishStateChange runs under the session lock, so it only hands the
// event to the hub.
func publishStateChange(id string, from, to session.State) {
	sseHub.Publish(events.SessionState, events.SessionStateEvent{
		SessionID: id,
		From:      string(from),
		To:        string(to),
		Ts:        time.Now().Unix(),
	})
}

func publishSetting(ev events.SettingAppliedEvent) {
	ev.Ts = time.Now().Unix()
	sseHub.Publish(events.SettingApplied, ev)
}

func publishSweep(res *session.SweepResult, chip calibration.ChipID, targets int, scheduled bool, err error) {
	ev := events.SweepFinishedEvent{
		Chip:      chip,
		Targets:   targets,
		Scheduled: scheduled,
		Ts:        time.Now().Unix(),
	}
	if res != nil {
		ev.SweepID = res.ID
		ev.Steps = len(res.Steps)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	sseHub.Publish(events.SweepFinished, ev)
}

// streamEvents sends the current session state, then every published
// event until the client goes away or the daemon shuts down.
func streamEvents(c *gin.Context) {
	ch := sseHub.Subscribe()
	defer sseHub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	st := sess.Status()
	c.SSEvent(events.SessionState, events.SessionStateEvent{
		SessionID: st.ID,
		To:        string(st.State),
		Ts:        time.Now().Unix(),
	})
	c.Writer.Flush()

	logrus.WithField("subscribers", sseHub.Subscribers()).Debug("event subscriber connected")

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			logrus.Debug("event subscriber disconnected")
			return
		case <-stopEvents:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(ev.Name, ev.Data)
			c.Writer.Flush()
		}
	}
}
