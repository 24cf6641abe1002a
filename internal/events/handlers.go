package events

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// LogConfig configures the logging handler
type LogConfig struct {
	// Writer is where logs are written (default: os.Stderr)
	Writer io.Writer

	// IncludePayload includes event payload in log output
	IncludePayload bool

	// TimeFormat is the timestamp format (default: RFC3339)
	TimeFormat string
}

// LogHandler returns a handler that logs events to the configured writer
// Format: time [event.type] job action=#N key=value err="..."
func LogHandler(cfg LogConfig) Handler {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	return func(e Event) {
		var buf strings.Builder
		if !e.Time.IsZero() {
			buf.WriteString(e.Time.Format(cfg.TimeFormat))
			buf.WriteString(" ")
		}
		buf.WriteString(e.String())

		if cfg.IncludePayload && len(e.Payload) > 0 {
			keys := make([]string, 0, len(e.Payload))
			for k := range e.Payload {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&buf, " %s=%v", k, e.Payload[k])
			}
		}
		if e.Error != "" {
			fmt.Fprintf(&buf, " err=%q", e.Error)
		}
		buf.WriteString("\n")

		fmt.Fprint(cfg.Writer, buf.String())
	}
}

// Recorder collects events in memory; used by tests and the batch summary.
type Recorder struct {
	ch chan Event
}

// NewRecorder creates a recorder buffering up to capacity events
func NewRecorder(capacity int) *Recorder {
	return &Recorder{ch: make(chan Event, capacity)}
}

// Handler returns the handler to subscribe on a bus. Events beyond capacity are dropped.
func (r *Recorder) Handler() Handler {
	return func(e Event) {
		select {
		case r.ch <- e:
		default:
		}
	}
}

// Events drains everything recorded so far
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
