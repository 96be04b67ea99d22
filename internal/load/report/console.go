package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/vuramp/internal/load/metrics"
	"github.com/wesleyorama2/vuramp/internal/load/threshold"
)

const (
	ruleWidth   = 56
	metricWidth = 30
	barWidth    = 30
	clearLine   = "\r\033[2K"
)

// ColorScheme holds the colors of console output.
type ColorScheme struct {
	Title  *color.Color
	Rule   *color.Color
	Label  *color.Color
	Value  *color.Color
	Dim    *color.Color
	Pass   *color.Color
	Warn   *color.Color
	Fail   *color.Color
	Accent *color.Color
}

// DefaultColorScheme returns the colored scheme.
func DefaultColorScheme() *ColorScheme {
	s := &ColorScheme{
		Title:  color.New(color.Bold),
		Rule:   color.New(color.FgCyan),
		Label:  color.New(color.FgWhite),
		Value:  color.New(color.FgCyan),
		Dim:    color.New(color.Faint),
		Pass:   color.New(color.FgGreen, color.Bold),
		Warn:   color.New(color.FgYellow, color.Bold),
		Fail:   color.New(color.FgRed, color.Bold),
		Accent: color.New(color.FgMagenta),
	}
	for _, c := range s.all() {
		c.EnableColor()
	}
	return s
}

// NoColorScheme returns a scheme that prints plain text.
func NoColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	for _, c := range s.all() {
		c.DisableColor()
	}
	return s
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{s.Title, s.Rule, s.Label, s.Value, s.Dim, s.Pass, s.Warn, s.Fail, s.Accent}
}

// Progress is one live update of a running test.
type Progress struct {
	Elapsed    time.Duration
	Total      time.Duration
	Stage      int
	Stages     int
	StageName  string
	Desired    int
	Live       int
	Iterations int64
	Failures   int64
	// Approximate iteration latency from the live histogram.
	IterationAvg time.Duration
	IterationP95 time.Duration
}

// Fraction returns progress in [0,1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	f := float64(p.Elapsed) / float64(p.Total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ConsoleConfig configures a Console.
type ConsoleConfig struct {
	Writer   io.Writer
	Quiet    bool
	NoColor  bool
	ForceTTY bool
}

// Console renders the header, live progress and summary of a run.
type Console struct {
	w      io.Writer
	isTTY  bool
	quiet  bool
	colors *ColorScheme

	mu       sync.Mutex
	liveLine bool
}

// NewConsole creates a console writer. Without a writer it writes to stdout.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)

	colors := NoColorScheme()
	if !cfg.NoColor && isTTY && supportsColors() {
		colors = DefaultColorScheme()
	}

	return &Console{
		w:      cfg.Writer,
		isTTY:  isTTY,
		quiet:  cfg.Quiet,
		colors: colors,
	}
}

// IsTTY reports whether progress is redrawn in place.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the test name and its stage plan.
func (c *Console) PrintHeader(name, runID string, stages []Stage) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rule := c.colors.Rule.Sprint(strings.Repeat("━", ruleWidth))
	c.println(rule)
	c.println(c.colors.Title.Sprintf("%s - Running", name))
	c.println(rule)
	c.println(fmt.Sprintf("Run ID:   %s", c.colors.Dim.Sprint(runID)))
	for i, st := range stages {
		c.println(fmt.Sprintf("Stage %d:  %s  %s -> %s VUs",
			i+1, c.colors.Accent.Sprint(st.Name), st.Duration, c.colors.Value.Sprint(st.Target)))
	}
	c.println("")
}

// Update prints a progress line. On a terminal the line is redrawn in place.
func (c *Console) Update(p Progress) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.progressLine(p)
	if c.isTTY {
		fmt.Fprint(c.w, clearLine+line)
		c.liveLine = true
		return
	}
	c.println(line)
}

func (c *Console) progressLine(p Progress) string {
	frac := p.Fraction()
	filled := int(frac * barWidth)
	bar := "[" + strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled) + "]"

	stage := p.StageName
	if p.Stages > 0 {
		stage = fmt.Sprintf("%s %d/%d", p.StageName, p.Stage+1, p.Stages)
	}

	failColor := c.colors.Pass
	if p.Failures > 0 {
		failColor = c.colors.Warn
	}

	return fmt.Sprintf("%s %3.0f%% %s/%s | %s | VUs %s/%d | iters %s (%s failed) | p95 %s",
		c.colors.Pass.Sprint(bar),
		frac*100,
		formatDuration(p.Elapsed),
		formatDuration(p.Total),
		c.colors.Accent.Sprint(stage),
		c.colors.Value.Sprint(p.Live),
		p.Desired,
		formatNumber(p.Iterations),
		failColor.Sprint(formatNumber(p.Failures)),
		formatMillis(float64(p.IterationP95)/float64(time.Millisecond)),
	)
}

// PrintSummary prints the final report. In quiet mode only PASSED or FAILED
// is printed. A nil report prints nothing.
func (c *Console) PrintSummary(r *Report) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLine {
		fmt.Fprint(c.w, clearLine)
		c.liveLine = false
	}

	if c.quiet {
		if r.Passed {
			c.println(c.colors.Pass.Sprint("PASSED"))
		} else {
			c.println(c.colors.Fail.Sprint("FAILED"))
		}
		return
	}

	status := c.colors.Pass.Sprint("Completed ✓")
	if !r.Passed {
		status = c.colors.Fail.Sprint("Failed ✗")
	}

	rule := c.colors.Rule.Sprint(strings.Repeat("━", ruleWidth))
	c.println("")
	c.println(rule)
	c.println(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(r.Name), status))
	c.println(rule)
	c.println("")

	c.println(fmt.Sprintf("Run ID:        %s", r.RunID))
	c.println(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(r.Elapsed()))))
	c.println(fmt.Sprintf("Peak VUs:      %s", c.colors.Value.Sprint(r.PeakConcurrency)))
	c.println(fmt.Sprintf("Iterations:    %s (%s failed)",
		c.colors.Value.Sprint(formatNumber(r.Iterations)), formatNumber(r.FailedIterations)))
	if r.Aborted {
		c.println(fmt.Sprintf("Aborted:       %s", c.colors.Warn.Sprint(r.AbortReason)))
	}
	c.println("")

	if len(r.Metrics) > 0 {
		c.println(c.colors.Title.Sprint("Metrics:"))
		names := make([]string, 0, len(r.Metrics))
		for name := range r.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.println("  " + c.metricLine(name, r.Metrics[name]))
		}
		c.println("")
	}

	if outcomes := r.Thresholds.Outcomes(); len(outcomes) > 0 {
		c.println(c.colors.Title.Sprint("Thresholds:"))
		for _, o := range outcomes {
			c.println("  " + c.thresholdLine(o))
		}
		c.println("")
	}

	if len(r.Warnings) > 0 {
		c.println(c.colors.Warn.Sprint("Warnings:"))
		for _, w := range r.Warnings {
			c.println("  - " + w)
		}
		c.println("")
	}

	if len(r.Errors) > 0 {
		c.println(c.colors.Fail.Sprint("Errors:"))
		for _, e := range r.Errors {
			c.println("  - " + e)
		}
		c.println("")
	}
}

func (c *Console) metricLine(name string, ss metrics.SeriesSnapshot) string {
	label := name
	if pad := metricWidth - len(name); pad > 0 {
		label += strings.Repeat(".", pad)
	}
	label = c.colors.Label.Sprint(label) + ":"

	v := ss.Values
	var body string
	switch ss.Kind {
	case metrics.Counter:
		body = fmt.Sprintf("count=%s", c.colors.Value.Sprint(formatFloat(v["count"])))
	case metrics.Rate:
		body = fmt.Sprintf("rate=%s passes=%s fails=%s",
			c.colors.Value.Sprintf("%.2f%%", v["rate"]*100),
			formatFloat(v["passes"]), formatFloat(v["fails"]))
	case metrics.Trend:
		parts := make([]string, 0, 7)
		for _, agg := range []string{"avg", "min", "med", "max", "p(90)", "p(95)", "p(99)"} {
			parts = append(parts, fmt.Sprintf("%s=%s", agg, c.colors.Value.Sprint(formatMillis(v[agg]))))
		}
		body = strings.Join(parts, " ")
	}
	return label + " " + body
}

func (c *Console) thresholdLine(o threshold.Outcome) string {
	mark := c.colors.Pass.Sprint("✓")
	if !o.Passed {
		mark = c.colors.Fail.Sprint("✗")
	}
	line := fmt.Sprintf("%s %s: %s (actual: %s)", mark, o.Metric, o.Expression, formatFloat(o.Actual))
	if o.Error != "" {
		line += " " + c.colors.Fail.Sprint(o.Error)
	}
	if o.AbortOnFail {
		line += c.colors.Dim.Sprint(" [abortOnFail]")
	}
	return line
}

func (c *Console) println(s string) {
	fmt.Fprintln(c.w, s)
}

// formatDuration renders d for humans: 450ms, 12.5s, 3m 04s, 1h 02m 03s.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
}

// formatMillis renders a millisecond value.
func formatMillis(ms float64) string {
	switch {
	case ms <= 0:
		return "0ms"
	case ms < 1:
		return fmt.Sprintf("%.0fµs", ms*1000)
	case ms < 1000:
		return fmt.Sprintf("%.2fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}

// formatFloat drops the fraction of whole numbers.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return formatNumber(int64(f))
	}
	return strconv.FormatFloat(f, 'f', 4, 64)
}

// formatNumber adds thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head == 0 {
		head = 3
	}
	b.WriteString(s[:head])
	for i := head; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
