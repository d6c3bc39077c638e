// Package debug provides the observability sink used by the pipeline.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger receives categorized diagnostic messages.
type Logger interface {
	Log(category, format string, args ...any)
}

type nop struct{}

func (nop) Log(string, string, ...any) {}

// Nop discards everything.
var Nop Logger = nop{}

// Writer writes one timestamped line per message.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	counters map[string]int
}

// New returns a Writer logging to w.
func New(w io.Writer) *Writer {
	return &Writer{w: w, counters: map[string]int{}}
}

// Open truncates (or creates) the file at path and logs into it.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	w := New(f)
	w.closer = f
	w.Log("debug", "=== Debug logging started ===")
	return w, nil
}

// Log writes a message to the log
func (l *Writer) Log(category, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.w, "[%s] %-10s %s\n", ts, category, msg)
	if f, ok := l.w.(*os.File); ok {
		f.Sync() // flush immediately so we see logs even on crash
	}
}

// LogEvery logs only every n calls of the same category and format (use for high-frequency events).
func (l *Writer) LogEvery(n int, category, format string, args ...any) {
	l.mu.Lock()
	key := category + format
	l.counters[key]++
	count := l.counters[key]
	l.mu.Unlock()

	if n <= 1 || count%n == 0 {
		l.Log(category, format+" (every %d, count=%d)", append(args, n, count)...)
	}
}

// Close closes the underlying file, if the Writer was created by Open.
func (l *Writer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
