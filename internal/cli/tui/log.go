package tui

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// LogMsg is one log line routed into the TUI.
type LogMsg struct {
	Line  string
	Level slog.Level
}

const (
	maxLogLine  = 2000
	logBacklog  = 200
	levelPrefix = "level="
)

// LogWriter is an io.Writer for the process logger while the alt screen is
// up. Complete lines are forwarded as LogMsg; when the program falls behind,
// lines are dropped and counted.
type LogWriter struct {
	program Sender

	mu      sync.Mutex
	pending []byte

	queue   chan LogMsg
	dropped atomic.Int64
}

// NewLogWriter starts forwarding lines to program.
func NewLogWriter(program Sender) *LogWriter {
	w := &LogWriter{program: program, queue: make(chan LogMsg, logBacklog)}
	go w.forward()
	return w
}

func (w *LogWriter) forward() {
	for msg := range w.queue {
		if w.program != nil {
			w.program.Send(msg)
		}
	}
}

// Write implements io.Writer.
func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.enqueue(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush forwards a trailing line that has no newline yet.
func (w *LogWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.enqueue(string(w.pending))
		w.pending = nil
	}
}

// Dropped reports how many lines were discarded because the queue was full.
func (w *LogWriter) Dropped() int64 {
	return w.dropped.Load()
}

func (w *LogWriter) enqueue(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if len(line) > maxLogLine {
		line = line[:maxLogLine] + "..."
	}
	select {
	case w.queue <- LogMsg{Line: line, Level: lineLevel(line)}:
	default:
		w.dropped.Add(1)
	}
}

// lineLevel reads the level attribute of a slog text record. Lines without
// one are treated as info.
func lineLevel(line string) slog.Level {
	i := strings.Index(line, levelPrefix)
	if i < 0 {
		return slog.LevelInfo
	}
	name, _, _ := strings.Cut(line[i+len(levelPrefix):], " ")
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
