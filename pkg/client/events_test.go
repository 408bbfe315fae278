package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psi-tdc/delayctl/pkg/events"
)

func TestReadEvents(t *testing.T) {
	stream := "event:session.state\ndata:{\"to\":\"READY\"}\n\n" +
		": comment\n" +
		"event: sweep.finished\ndata: {\"steps\":2}\n\n" +
		"data:{\"a\":1}\ndata:{\"b\":2}\n\n"

	var got []events.Event
	err := readEvents(strings.NewReader(stream), func(ev events.Event) bool {
		got = append(got, ev)
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, events.SessionState, got[0].Name)
	st, err := events.DecodeAs[events.SessionStateEvent](got[0])
	require.NoError(t, err)
	assert.Equal(t, "READY", st.To)

	assert.Equal(t, events.SweepFinished, got[1].Name)
	assert.JSONEq(t, `{"steps":2}`, string(got[1].Data))

	assert.Equal(t, "", got[2].Name)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}", string(got[2].Data))
}

func TestReadEventsStop(t *testing.T) {
	stream := "event:a\ndata:1\n\nevent:b\ndata:2\n\n"

	n := 0
	err := readEvents(strings.NewReader(stream), func(events.Event) bool {
		n++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubscribeEvents(t *testing.T) {
	c := serveUnix(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "event:setting.applied\ndata:{\"chip\":\"A\",\"d\":7}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.SubscribeEvents(ctx)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.SettingApplied, ev.Name)
		payload, err := events.DecodeAs[events.SettingAppliedEvent](ev)
		require.NoError(t, err)
		require.NotNil(t, payload.D)
		assert.Equal(t, 7, *payload.D)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscribeEventsDaemonNotRunning(t *testing.T) {
	c := NewClient(t.TempDir() + "/missing.sock")
	_, err := c.SubscribeEvents(context.Background())
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}
