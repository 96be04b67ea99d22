// Package report holds the end-of-run report and its JSON and console
// renderings.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/wesleyorama2/vuramp/internal/load/metrics"
	"github.com/wesleyorama2/vuramp/internal/load/scheduler"
	"github.com/wesleyorama2/vuramp/internal/load/threshold"
)

// Stage is a configured stage as shown in the report.
type Stage struct {
	Name     string `json:"name"`
	Duration string `json:"duration"`
	Target   int    `json:"target"`
}

// Report is the outcome of one run.
type Report struct {
	RunID            string                            `json:"runId"`
	Name             string                            `json:"name"`
	StartTime        time.Time                         `json:"startTime"`
	EndTime          time.Time                         `json:"endTime"`
	Duration         string                            `json:"duration"`
	DurationMs       int64                             `json:"durationMs"`
	Aborted          bool                              `json:"aborted"`
	AbortReason      string                            `json:"abortReason,omitempty"`
	Stages           []Stage                           `json:"stages"`
	PeakConcurrency  int                               `json:"peakConcurrency"`
	Iterations       int64                             `json:"iterations"`
	FailedIterations int64                             `json:"failedIterations"`
	Metrics          map[string]metrics.SeriesSnapshot `json:"metrics"`
	Thresholds       threshold.Result                  `json:"thresholds"`
	History          []scheduler.Point                 `json:"history,omitempty"`
	Passed           bool                              `json:"passed"`
	Errors           []string                          `json:"errors"`
	Warnings         []string                          `json:"warnings,omitempty"`
}

// New returns an empty report for a run.
func New(runID, name string) *Report {
	return &Report{
		RunID:    runID,
		Name:     name,
		Duration: "0s",
		Stages:   []Stage{},
		Metrics:  map[string]metrics.SeriesSnapshot{},
		Thresholds: threshold.Result{
			Passed:       true,
			PerThreshold: map[string]threshold.Outcome{},
		},
		Errors: []string{},
	}
}

// StagesOf converts scheduler stages to their report form.
func StagesOf(stages []scheduler.Stage) []Stage {
	out := make([]Stage, len(stages))
	for i, st := range stages {
		out[i] = Stage{Name: st.Name, Duration: st.Duration.String(), Target: st.Target}
	}
	return out
}

// SetStages copies the scheduler stages into the report.
func (r *Report) SetStages(stages []scheduler.Stage) {
	r.Stages = StagesOf(stages)
}

// SetElapsed sets Duration and DurationMs.
func (r *Report) SetElapsed(d time.Duration) {
	r.Duration = d.String()
	r.DurationMs = d.Milliseconds()
}

// Elapsed returns the run duration.
func (r *Report) Elapsed() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// AddError appends err to Errors. Nil errors are ignored.
func (r *Report) AddError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// AddWarning appends a non-fatal problem.
func (r *Report) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// FailedThresholds returns the failing threshold outcomes.
func (r *Report) FailedThresholds() []threshold.Outcome {
	return r.Thresholds.Failed()
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// WriteFile writes the report as JSON to path, creating parent directories.
func (r *Report) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read decodes a report written by WriteJSON.
func Read(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}

// ReadFile decodes the report stored at path.
func ReadFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}
	defer f.Close()
	return Read(f)
}
