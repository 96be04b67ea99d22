package report

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestConsole_Summary(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})

	r := sampleReport(t)
	r.Aborted = true
	r.AbortReason = "threshold iteration_duration: p(95) < 500 crossed"
	r.AddWarning("drain deadline exceeded")
	c.PrintSummary(r)

	out := buf.String()
	for _, want := range []string{
		"checkout - Failed ✗",
		"Run ID:        run-1",
		"Duration:      3.5s",
		"Peak VUs:      5",
		"Iterations:    10 (1 failed)",
		"Aborted:       threshold iteration_duration",
		"iteration_success.............: rate=90.00% passes=9 fails=1",
		"iterations....................: count=10",
		"p(95)=100.00ms",
		"✗ iteration_success: rate > 0.95 (actual: 0.9000)",
		"✓ iteration_duration: p(95) < 500 (actual: 100) [abortOnFail]",
		"Warnings:",
		"  - drain deadline exceeded",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("summary contains ANSI codes with colors disabled")
	}
}

func TestConsole_QuietSummary(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, Quiet: true, NoColor: true})

	c.PrintHeader("x", "id", nil)
	c.Update(Progress{Elapsed: time.Second, Total: 2 * time.Second})

	r := New("id", "x")
	r.Passed = true
	c.PrintSummary(r)

	if got := buf.String(); got != "PASSED\n" {
		t.Errorf("quiet output = %q, want %q", got, "PASSED\n")
	}

	buf.Reset()
	c.PrintSummary(nil)
	if buf.Len() != 0 {
		t.Errorf("nil report printed %q", buf.String())
	}
}

func TestConsole_HeaderAndProgress(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})
	if c.IsTTY() {
		t.Fatal("a buffer is not a terminal")
	}

	c.PrintHeader("checkout", "run-1", []Stage{{Name: "ramp", Duration: "1s", Target: 5}})
	c.Update(Progress{
		Elapsed:      time.Second,
		Total:        4 * time.Second,
		Stage:        0,
		Stages:       2,
		StageName:    "ramp",
		Desired:      5,
		Live:         4,
		Iterations:   1500,
		Failures:     3,
		IterationP95: 42 * time.Millisecond,
	})

	out := buf.String()
	for _, want := range []string{
		"checkout - Running",
		"Stage 1:  ramp  1s -> 5 VUs",
		" 25% 1.0s/4.0s | ramp 1/2 | VUs 4/5 | iters 1,500 (3 failed) | p95 42.00ms",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestConsole_TTYRedrawsInPlace(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true, ForceTTY: true})

	c.Update(Progress{Elapsed: time.Second, Total: 2 * time.Second})
	c.Update(Progress{Elapsed: 2 * time.Second, Total: 2 * time.Second})

	out := buf.String()
	if strings.Count(out, clearLine) != 2 {
		t.Errorf("expected 2 in-place redraws, got %q", out)
	}
	if strings.Contains(out, "\n") {
		t.Errorf("live updates must not add lines: %q", out)
	}
}

func TestProgressFraction(t *testing.T) {
	tests := []struct {
		p    Progress
		want float64
	}{
		{Progress{Elapsed: 0, Total: time.Second}, 0},
		{Progress{Elapsed: 500 * time.Millisecond, Total: time.Second}, 0.5},
		{Progress{Elapsed: 2 * time.Second, Total: time.Second}, 1},
		{Progress{Elapsed: time.Second}, 1},
	}
	for _, tt := range tests {
		if got := tt.p.Fraction(); got != tt.want {
			t.Errorf("Fraction(%v/%v) = %v, want %v", tt.p.Elapsed, tt.p.Total, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{450 * time.Millisecond, "450ms"},
		{12500 * time.Millisecond, "12.5s"},
		{3*time.Minute + 4*time.Second, "3m 04s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.duration); got != tt.expected {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, got, tt.expected)
		}
	}
}

func TestFormatMillis(t *testing.T) {
	tests := []struct {
		ms       float64
		expected string
	}{
		{0, "0ms"},
		{0.25, "250µs"},
		{12.345, "12.35ms"},
		{1500, "1.50s"},
	}
	for _, tt := range tests {
		if got := formatMillis(tt.ms); got != tt.expected {
			t.Errorf("formatMillis(%v) = %q, want %q", tt.ms, got, tt.expected)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		n        int64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.n); got != tt.expected {
			t.Errorf("formatNumber(%d) = %q, want %q", tt.n, got, tt.expected)
		}
	}
}
