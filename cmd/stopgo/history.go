package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lox/stopgo/internal/fileutil"
	"github.com/lox/stopgo/internal/history"
	"github.com/lox/stopgo/internal/report"
)

// HistoryCmd prints the settled rounds of one room.
type HistoryCmd struct {
	Room    string `arg:"" help:"Room id"`
	DataDir string `kong:"default='data',help='Session data directory'"`
}

func (c *HistoryCmd) Run() error {
	path := filepath.Join(c.DataDir, c.Room, history.DefaultFilename)
	if !fileutil.Exists(path) {
		return fmt.Errorf("no round history for room %s (looked in %s)", c.Room, path)
	}
	entries, err := history.Load(path)
	if err != nil {
		return err
	}
	return report.RenderHistory(os.Stdout, c.Room, entries)
}
