package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// EventHandler consumes events from a subscription, in arrival order.
type EventHandler func(Event)

// ErrorHandler is invoked once when a subscription dies for a reason other
// than cancellation.
type ErrorHandler func(error)

// Subscribe opens a long-lived SSE stream against /event and dispatches each
// parsed event to onEvent from a dedicated goroutine. The returned cancel
// function tears the stream down; after cancellation the goroutine exits
// silently without calling onError.
func (c *Client) Subscribe(ctx context.Context, onEvent EventHandler, onError ErrorHandler) (context.CancelFunc, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout; rely on context cancellation.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open event stream: status %d", resp.StatusCode)
	}

	go func() {
		defer resp.Body.Close()
		err := readEvents(resp.Body, onEvent)
		if streamCtx.Err() != nil {
			return // cancelled; exit silently
		}
		if err == nil {
			err = errors.New("event stream closed by agent")
		}
		slog.Debug("agent event stream ended", "base_url", c.baseURL, "error", err)
		if onError != nil {
			onError(err)
		}
	}()

	return cancel, nil
}

// readEvents parses the SSE wire format: `event:` and `data:` fields, events
// separated by a blank line. data is JSON; the emitted event's type comes from
// the `event:` field or the payload's `type` field, and its properties from
// the payload's `properties` object or the whole payload.
func readEvents(r interface{ Read([]byte) (int, error) }, onEvent EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024) // large tool outputs

	var eventName string
	var data strings.Builder

	flush := func() {
		if data.Len() == 0 {
			eventName = ""
			return
		}
		ev, err := parseEvent(eventName, data.String())
		eventName = ""
		data.Reset()
		if err != nil {
			slog.Debug("skipping malformed sse event", "error", err)
			return
		}
		onEvent(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}
	flush()
	return scanner.Err()
}

func parseEvent(name, payload string) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Event{}, fmt.Errorf("decode sse data: %w", err)
	}

	ev := Event{Type: name}
	if ev.Type == "" {
		if t, ok := raw["type"].(string); ok {
			ev.Type = t
		}
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		ev.Properties = props
	} else {
		ev.Properties = raw
	}
	return ev, nil
}
