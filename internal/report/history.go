package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lox/stopgo/internal/history"
)

// RenderHistory writes one line per settled pair followed by each
// participant's total.
func RenderHistory(w io.Writer, room string, entries []history.Entry) error {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Room " + room))
	b.WriteString("\n\n")

	if len(entries) == 0 {
		b.WriteString(mutedStyle.Render("no rounds recorded"))
		b.WriteString("\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	for _, e := range entries {
		choice := e.RedChoice
		if e.BlueChoice != "" {
			choice += "/" + e.BlueChoice
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("Round %d", e.Round)))
		b.WriteString(valueStyle.Render(fmt.Sprintf("%s vs %s  table %s  %-10s %g / %g",
			e.Red, e.Blue, e.World, choice, e.RedPayoff, e.BluePayoff)))
		b.WriteString("\n")
	}

	totals := history.Totals(entries)
	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b.WriteString("\n")
	for _, id := range ids {
		b.WriteString(labelStyle.Render(id))
		b.WriteString(valueStyle.Render(fmt.Sprintf("%g", totals[id])))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
