// Package progress provides terminal progress indicators and the shared
// atomic counters that transfer and checkout operations report through.
package progress

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxen-ai/oxen-go/internal/termcolor"
)

// Tracker is a thread-safe byte and file counter shared across the worker
// pool of a pull, push, or checkout.
type Tracker struct {
	bytes atomic.Int64
	files atomic.Int64
}

// NewTracker creates a zeroed tracker.
func NewTracker() *Tracker { return &Tracker{} }

// AddBytes records transferred bytes.
func (t *Tracker) AddBytes(n int64) { t.bytes.Add(n) }

// AddFiles records completed files.
func (t *Tracker) AddFiles(n int64) { t.files.Add(n) }

// Bytes returns the byte count so far.
func (t *Tracker) Bytes() int64 { return t.bytes.Load() }

// Files returns the file count so far.
func (t *Tracker) Files() int64 { return t.files.Load() }

// HumanBytes renders a byte count for progress lines.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Spinner displays an animated braille spinner on stderr while a
// long-running operation is in progress, optionally with a live counter
// from a Tracker. It is only displayed when stderr is a TTY; in
// non-interactive environments (piped output, CI) it is silent.
type Spinner struct {
	msg     string
	tracker *Tracker
	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewSpinner creates a Spinner displaying msg.
func NewSpinner(msg string) *Spinner {
	return &Spinner{msg: msg, done: make(chan struct{})}
}

// WithTracker attaches a live byte/file counter to the spinner line.
func (s *Spinner) WithTracker(t *Tracker) *Spinner {
	s.tracker = t
	return s
}

// Start begins the spinner animation in a background goroutine. It writes
// to stderr so it never pollutes stdout.
func (s *Spinner) Start() {
	if !termcolor.IsTerminal(os.Stderr.Fd()) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-s.done:
				// Clear the spinner line.
				fmt.Fprintf(os.Stderr, "\r\033[K")
				return
			case <-ticker.C:
				if s.tracker != nil {
					fmt.Fprintf(os.Stderr, "\r%s %s (%d files, %s)",
						frames[i%len(frames)], s.msg, s.tracker.Files(), HumanBytes(s.tracker.Bytes()))
				} else {
					fmt.Fprintf(os.Stderr, "\r%s %s", frames[i%len(frames)], s.msg)
				}
				i++
			}
		}
	}()
}

// Stop halts the spinner animation and clears the line. Safe to call more
// than once.
func (s *Spinner) Stop() {
	s.stopped.Do(func() { close(s.done) })
	s.wg.Wait()
}
