// Package logbuffer is an in-process ring buffer of recent log lines, used
// to back the DEBUG-gated /logs dump and /api/logs/stream endpoints
// (spec.md §6/SPEC_FULL.md §4/§8). It is wired as one of several
// zerolog.MultiLevelWriter sinks in cmd/mudgate, alongside the
// console writer, so nothing about the logger's normal output changes.
package logbuffer

import (
	"bytes"
	"sync"
)

// Buffer retains up to max most-recent log lines and fans out every write
// to any currently subscribed stream reader.
type Buffer struct {
	mu          sync.Mutex
	lines       [][]byte
	max         int
	subscribers map[chan []byte]struct{}
}

// New returns a Buffer retaining at most max lines.
func New(max int) *Buffer {
	if max <= 0 {
		max = 500
	}
	return &Buffer{max: max, subscribers: make(map[chan []byte]struct{})}
}

// Write implements io.Writer. zerolog calls this once per log record; p
// typically ends in a newline, which is trimmed before storage.
func (b *Buffer) Write(p []byte) (int, error) {
	line := make([]byte, len(bytes.TrimRight(p, "\n")))
	copy(line, bytes.TrimRight(p, "\n"))

	b.mu.Lock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
	subs := make([]chan []byte, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
			// Slow subscriber: drop rather than block logging (spec §5's
			// no-head-of-line-blocking principle applies here too).
		}
	}
	return len(p), nil
}

// Snapshot returns every retained line joined by newlines, oldest first.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Join(b.lines, []byte("\n"))
}

// Subscribe registers a channel that receives every subsequent line as it
// is written. The returned cancel func must be called to unregister it.
func (b *Buffer) Subscribe() (ch chan []byte, cancel func()) {
	ch = make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
	}
}
