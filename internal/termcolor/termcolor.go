// Package termcolor provides ANSI color output for the CLI with automatic
// TTY detection, the NO_COLOR convention (https://no-color.org/), and the
// OXEN_COLOR override.
package termcolor

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ANSI escape codes.
const (
	reset   = "\033[0m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	cyan    = "\033[36m"
	bold    = "\033[1m"
	boldYel = "\033[1;33m"
)

// ColorMode controls when color output is used.
type ColorMode int

const (
	// ColorAuto enables color only when writing to a terminal.
	ColorAuto ColorMode = iota
	// ColorAlways forces color output regardless of terminal detection.
	ColorAlways
	// ColorNever disables color output unconditionally.
	ColorNever
)

// ParseColorMode parses "auto", "always", or "never".
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "auto", "":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	default:
		return ColorAuto, fmt.Errorf("invalid color mode %q: must be auto, always, or never", s)
	}
}

// ModeFromEnv resolves the OXEN_COLOR environment variable, defaulting to
// auto on absence or invalid values.
func ModeFromEnv() ColorMode {
	mode, err := ParseColorMode(os.Getenv("OXEN_COLOR"))
	if err != nil {
		return ColorAuto
	}
	return mode
}

// IsTerminal reports whether the file descriptor refers to a terminal.
func IsTerminal(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// ShouldColorize reports whether color output should be enabled for f:
// f is a terminal and NO_COLOR is not set.
func ShouldColorize(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return IsTerminal(f.Fd())
}

// Writer wraps an io.Writer and conditionally applies ANSI color codes.
type Writer struct {
	io.Writer
	enabled bool
}

// NewWriter resolves mode against f's terminal status.
func NewWriter(f *os.File, mode ColorMode) *Writer {
	var enabled bool
	switch mode {
	case ColorAlways:
		enabled = true
	case ColorNever:
		enabled = false
	default:
		enabled = ShouldColorize(f)
	}
	return &Writer{Writer: f, enabled: enabled}
}

// Enabled reports whether color output is active.
func (w *Writer) Enabled() bool { return w.enabled }

func (w *Writer) wrap(code, s string) string {
	if !w.enabled {
		return s
	}
	return code + s + reset
}

// Red wraps s in red, used for removed paths and errors.
func (w *Writer) Red(s string) string { return w.wrap(red, s) }

// Green wraps s in green, used for added paths.
func (w *Writer) Green(s string) string { return w.wrap(green, s) }

// Yellow wraps s in yellow, used for modified paths.
func (w *Writer) Yellow(s string) string { return w.wrap(yellow, s) }

// Cyan wraps s in cyan, used for commit hashes and branch names.
func (w *Writer) Cyan(s string) string { return w.wrap(cyan, s) }

// Bold wraps s in bold.
func (w *Writer) Bold(s string) string { return w.wrap(bold, s) }

// BoldYellow wraps s in bold yellow, used for conflict warnings.
func (w *Writer) BoldYellow(s string) string { return w.wrap(boldYel, s) }

// Status colors a staged-status label the way `oxen status` renders it:
// added green, modified yellow, removed red.
func (w *Writer) Status(label string) string {
	switch label {
	case "added":
		return w.Green(label)
	case "modified":
		return w.Yellow(label)
	case "removed":
		return w.Red(label)
	default:
		return label
	}
}
