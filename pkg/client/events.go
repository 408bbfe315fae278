package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/events"
)

// SubscribeEvents streams daemon events until ctx is cancelled or the
// daemon closes the stream. The returned channel is closed at that point.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan events.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}

	ch := make(chan events.Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		err := readEvents(resp.Body, func(ev events.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("event stream ended")
		}
	}()

	return ch, nil
}

// readEvents parses a text/event-stream body. emit returning false stops
// reading.
func readEvents(r io.Reader, emit func(events.Event) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		name string
		data strings.Builder
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if name != "" || data.Len() > 0 {
				ev := events.Event{Name: name, Data: []byte(data.String())}
				if !emit(ev) {
					return nil
				}
			}
			name = ""
			data.Reset()
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
