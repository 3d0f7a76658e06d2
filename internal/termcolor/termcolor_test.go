package termcolor

import (
	"os"
	"strings"
	"testing"
)

func TestParseColorMode(t *testing.T) {
	cases := []struct {
		in      string
		want    ColorMode
		wantErr bool
	}{
		{"auto", ColorAuto, false},
		{"", ColorAuto, false},
		{"always", ColorAlways, false},
		{"never", ColorNever, false},
		{"rainbow", ColorAuto, true},
	}
	for _, tc := range cases {
		got, err := ParseColorMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseColorMode(%q): err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseColorMode(%q): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWriter_NeverModeIsPlain(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewWriter(f, ColorNever)
	if w.Enabled() {
		t.Error("ColorNever must disable color")
	}
	if got := w.Green("added"); got != "added" {
		t.Errorf("disabled Green: got %q", got)
	}
}

func TestWriter_AlwaysModeWraps(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewWriter(f, ColorAlways)
	if !w.Enabled() {
		t.Error("ColorAlways must enable color")
	}
	got := w.Red("removed")
	if !strings.Contains(got, "removed") || got == "removed" {
		t.Errorf("Red should wrap in escape codes: got %q", got)
	}
	if !strings.HasSuffix(got, reset) {
		t.Errorf("colored output must end with reset: got %q", got)
	}
}

func TestWriter_AutoOnRegularFileIsPlain(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewWriter(f, ColorAuto)
	if w.Enabled() {
		t.Error("a regular file is not a terminal; auto mode must disable color")
	}
}

func TestStatusColors(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewWriter(f, ColorAlways)
	if got := w.Status("added"); !strings.Contains(got, green) {
		t.Errorf("added should be green: %q", got)
	}
	if got := w.Status("modified"); !strings.Contains(got, yellow) {
		t.Errorf("modified should be yellow: %q", got)
	}
	if got := w.Status("removed"); !strings.Contains(got, red) {
		t.Errorf("removed should be red: %q", got)
	}
	if got := w.Status("unknown"); got != "unknown" {
		t.Errorf("unknown label must pass through: %q", got)
	}
}
