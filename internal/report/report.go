// Package report summarises the cross-session decision counters.
package report

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/lox/stopgo/internal/aggregate"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// RateStats describes one decision rate across sessions.
type RateStats struct {
	// Sessions is the number of sessions with at least one decision.
	Sessions int
	// Pooled is total chosen over total decisions.
	Pooled float64
	Mean   float64
	StdDev float64
	Lo, Hi float64
}

// Summary is the report over every row of avgDecisions.csv.
type Summary struct {
	Rows   int
	Latest aggregate.Counters
	Stop   RateStats
	Right  RateStats
}

// SessionDeltas converts cumulative rows into per-session counts. A row
// whose counters went down starts a new cumulative series.
func SessionDeltas(rows []aggregate.Row) []aggregate.Counters {
	out := make([]aggregate.Counters, 0, len(rows))
	var prev aggregate.Counters
	for _, row := range rows {
		d := row.Counters.Sub(prev)
		if d.StopGo < 0 || d.Stop < 0 || d.RightLeft < 0 || d.Right < 0 {
			d = row.Counters
		}
		out = append(out, d)
		prev = row.Counters
	}
	return out
}

// Summarize computes per-session rate statistics with 95% t intervals.
func Summarize(rows []aggregate.Row) Summary {
	s := Summary{Rows: len(rows)}
	if len(rows) == 0 {
		return s
	}

	var stops, rights []float64
	var total aggregate.Counters
	for _, d := range SessionDeltas(rows) {
		total.StopGo += d.StopGo
		total.Stop += d.Stop
		total.RightLeft += d.RightLeft
		total.Right += d.Right
		if r, ok := d.StopRate(); ok {
			stops = append(stops, r)
		}
		if r, ok := d.RightRate(); ok {
			rights = append(rights, r)
		}
	}

	s.Latest = rows[len(rows)-1].Counters
	s.Stop = rateStats(stops)
	s.Right = rateStats(rights)
	s.Stop.Pooled, _ = total.StopRate()
	s.Right.Pooled, _ = total.RightRate()
	return s
}

func rateStats(values []float64) RateStats {
	rs := RateStats{Sessions: len(values)}
	switch len(values) {
	case 0:
		return rs
	case 1:
		rs.Mean = values[0]
		rs.Lo, rs.Hi = 0, 1
		return rs
	}

	rs.Mean, rs.StdDev = stat.MeanStdDev(values, nil)
	se := rs.StdDev / math.Sqrt(float64(len(values)))
	t := distuv.StudentsT{Nu: float64(len(values) - 1), Mu: 0, Sigma: 1}
	margin := t.Quantile(0.975) * se
	rs.Lo = math.Max(0, rs.Mean-margin)
	rs.Hi = math.Min(1, rs.Mean+margin)
	return rs
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#96CEB4")).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))
)

// Render writes s as a styled text block.
func Render(w io.Writer, s Summary) error {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Decision summary"))
	b.WriteString("\n\n")

	line := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	line("Sessions", fmt.Sprintf("%d", s.Rows))
	if s.Rows == 0 {
		b.WriteString(mutedStyle.Render("no sessions recorded"))
		b.WriteString("\n")
		_, err := io.WriteString(w, b.String())
		return err
	}
	line("Stop/Go", fmt.Sprintf("%d decisions, %d stop", s.Latest.StopGo, s.Latest.Stop))
	line("Right/Left", fmt.Sprintf("%d decisions, %d right", s.Latest.RightLeft, s.Latest.Right))
	b.WriteString("\n")
	line("Stop rate", formatRate(s.Stop))
	line("Right rate", formatRate(s.Right))

	_, err := io.WriteString(w, b.String())
	return err
}

func formatRate(r RateStats) string {
	if r.Sessions == 0 {
		return mutedStyle.Render("n/a")
	}
	return fmt.Sprintf("%.3f pooled, %.3f ± %.3f per session (95%% CI %.3f–%.3f, n=%d)",
		r.Pooled, r.Mean, r.StdDev, r.Lo, r.Hi, r.Sessions)
}
