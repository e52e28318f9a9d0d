package main

import (
	"os"

	"github.com/lox/stopgo/internal/aggregate"
	"github.com/lox/stopgo/internal/report"
)

// ReportCmd summarises avgDecisions.csv.
type ReportCmd struct {
	File string `arg:"" optional:"" default:"data/avgDecisions.csv" help:"Path to avgDecisions.csv"`
}

func (c *ReportCmd) Run() error {
	rows, err := aggregate.ReadRows(c.File)
	if err != nil {
		return err
	}
	return report.Render(os.Stdout, report.Summarize(rows))
}
