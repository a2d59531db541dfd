// Package stream relays workflow events to a remote caller as server-sent
// events.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/workflow"
)

// ContentType is the media type of a relayed stream.
const ContentType = "text/event-stream"

const interruptedMessage = "stream ended before the run completed"

// WriteEvent writes one event frame and flushes it when w supports it.
func WriteEvent(w io.Writer, e workflow.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Kind, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", e.Kind, err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Relay copies events from src to w until a done event has been written.
// A heartbeat is written whenever no event arrived for interval; zero
// disables heartbeats. If src closes before done while ctx is still live,
// an error and a done event are written so the caller always sees the end
// of the stream. Relay returns ctx.Err() when the caller goes away.
func Relay(ctx context.Context, w io.Writer, src <-chan workflow.Event, interval time.Duration, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Nop()
	}
	var tick <-chan time.Time
	reset := func() {}
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
		reset = func() { ticker.Reset(interval) }
	}
	return relay(ctx, w, src, tick, reset, logger)
}

func relay(ctx context.Context, w io.Writer, src <-chan workflow.Event, tick <-chan time.Time, reset func(), logger *logging.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-src:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				logger.Warn("stream: source closed without done event")
				if err := WriteEvent(w, workflow.ErrorEvent(interruptedMessage, "StreamInterrupted")); err != nil {
					return err
				}
				return WriteEvent(w, workflow.DoneEvent())
			}
			if err := WriteEvent(w, e); err != nil {
				return err
			}
			if e.Kind == workflow.EventDone {
				return nil
			}
			reset()

		case t := <-tick:
			hb := workflow.Event{Kind: workflow.EventHeartbeat, Data: workflow.HeartbeatData{Timestamp: t.UTC().Format(time.RFC3339)}}
			if err := WriteEvent(w, hb); err != nil {
				return err
			}
		}
	}
}
