// Package eventlog persists execution events as newline-delimited JSON
// with daily file rotation, and keeps a bounded in-memory ring for the
// /events endpoint. A single writer goroutine drains a buffered channel so
// event emission never blocks on disk.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/rs/zerolog"
)

const (
	defaultRingSize = 1000
	queueSize       = 1024
)

// Entry is one serialized event line.
type Entry struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      string                 `json:"eventType"`
	Module         string                 `json:"module,omitempty"`
	Mode           string                 `json:"mode"`
	ServiceVersion string                 `json:"serviceVersion"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// ModeSource reports the current operation mode for stamping entries.
type ModeSource func() string

// Logger subscribes to the event bus and appends every event to
// logs/execution_events_YYYY-MM-DD.ndjson.
type Logger struct {
	dir     string
	version string
	mode    ModeSource
	log     zerolog.Logger

	queue chan Entry
	done  chan struct{}

	mu       sync.Mutex
	ring     []Entry
	ringSize int
	degraded bool
	lastErr  string

	file    *os.File
	fileDay string
}

// New creates the event logger. An unwritable log directory is a startup
// failure; later write errors degrade the file log while the ring keeps
// serving.
func New(dir, serviceVersion string, mode ModeSource, log zerolog.Logger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	probe := filepath.Join(dir, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("event log directory not writable: %w", err)
	}
	os.Remove(probe)

	l := &Logger{
		dir:      dir,
		version:  serviceVersion,
		mode:     mode,
		log:      log.With().Str("component", "event_log").Logger(),
		queue:    make(chan Entry, queueSize),
		done:     make(chan struct{}),
		ringSize: defaultRingSize,
	}
	go l.writeLoop()
	return l, nil
}

// Attach subscribes the logger to the bus and pumps events until the
// subscription channel closes.
func (l *Logger) Attach(bus *events.Bus) {
	sub := bus.Subscribe()
	go func() {
		for ev := range sub.Events() {
			l.Record(ev)
		}
	}()
}

// Record enqueues one event. A full queue drops the entry from the file
// log but still records it in the ring.
func (l *Logger) Record(ev events.Event) {
	entry := Entry{
		Timestamp:      ev.Timestamp,
		EventType:      string(ev.Type),
		Module:         ev.Module,
		Mode:           l.mode(),
		ServiceVersion: l.version,
		Data:           ev.Data,
	}

	l.mu.Lock()
	l.ring = append(l.ring, entry)
	if len(l.ring) > l.ringSize {
		l.ring = l.ring[len(l.ring)-l.ringSize:]
	}
	l.mu.Unlock()

	select {
	case l.queue <- entry:
	default:
		l.noteDegraded("event log queue full")
	}
}

// Recent returns up to limit newest entries, newest first.
func (l *Logger) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]Entry, 0, limit)
	for i := len(l.ring) - 1; i >= len(l.ring)-limit; i-- {
		out = append(out, l.ring[i])
	}
	return out
}

// Degraded reports whether file logging has failed; /status surfaces it.
func (l *Logger) Degraded() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded, l.lastErr
}

// Close flushes the queue and closes the current file.
func (l *Logger) Close() {
	close(l.queue)
	<-l.done
}

func (l *Logger) writeLoop() {
	defer close(l.done)
	for entry := range l.queue {
		if err := l.append(entry); err != nil {
			l.noteDegraded(err.Error())
			l.log.Error().Err(err).Msg("Event log write failed")
		}
	}
	if l.file != nil {
		l.file.Close()
	}
}

// append writes one NDJSON line, rotating to a new file when the UTC day
// changes.
func (l *Logger) append(entry Entry) error {
	day := entry.Timestamp.UTC().Format("2006-01-02")
	if l.file == nil || day != l.fileDay {
		if l.file != nil {
			l.file.Close()
		}
		path := filepath.Join(l.dir, fmt.Sprintf("execution_events_%s.ndjson", day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open event log %s: %w", path, err)
		}
		l.file = f
		l.fileDay = day
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode event entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event entry: %w", err)
	}

	l.mu.Lock()
	l.degraded = false
	l.lastErr = ""
	l.mu.Unlock()
	return nil
}

func (l *Logger) noteDegraded(msg string) {
	l.mu.Lock()
	l.degraded = true
	l.lastErr = msg
	l.mu.Unlock()
}
