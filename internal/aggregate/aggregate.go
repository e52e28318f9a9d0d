// Package aggregate keeps the cross-session decision counters that seed
// dynamic bots.
package aggregate

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"sync"

	"github.com/lox/stopgo/internal/fileutil"
)

// Header is the column order of avgDecisions.csv.
var Header = []string{"Node", "StopGo", "Stop", "RightLeft", "Right"}

// Counters are cumulative human decision counts.
type Counters struct {
	StopGo    int `json:"stopGo"`
	Stop      int `json:"stop"`
	RightLeft int `json:"rightLeft"`
	Right     int `json:"right"`
}

// StopRate returns the share of STOP decisions, ok=false when none exist.
func (c Counters) StopRate() (float64, bool) {
	if c.StopGo == 0 {
		return 0, false
	}
	return float64(c.Stop) / float64(c.StopGo), true
}

// RightRate returns the share of RIGHT decisions, ok=false when none exist.
func (c Counters) RightRate() (float64, bool) {
	if c.RightLeft == 0 {
		return 0, false
	}
	return float64(c.Right) / float64(c.RightLeft), true
}

// Sub returns c minus o, field by field.
func (c Counters) Sub(o Counters) Counters {
	return Counters{
		StopGo:    c.StopGo - o.StopGo,
		Stop:      c.Stop - o.Stop,
		RightLeft: c.RightLeft - o.RightLeft,
		Right:     c.Right - o.Right,
	}
}

// Store guards the counters shared by all rooms of a server process.
type Store struct {
	path string

	mu       sync.Mutex
	counters Counters
}

// NewStore returns a store backed by the CSV file at path. Call Load to seed
// it from earlier sessions.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load replaces the counters with the last row of the backing file. A
// missing or empty file leaves all counters at zero.
func (s *Store) Load() error {
	rows, err := ReadRows(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.mu.Lock()
			s.counters = Counters{}
			s.mu.Unlock()
			return nil
		}
		return err
	}

	var last Counters
	if len(rows) > 0 {
		last = rows[len(rows)-1].Counters
	}
	s.mu.Lock()
	s.counters = last
	s.mu.Unlock()
	return nil
}

// RecordStopGo counts one RED decision.
func (s *Store) RecordStopGo(stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.StopGo++
	if stop {
		s.counters.Stop++
	}
}

// RecordRightLeft counts one BLUE decision.
func (s *Store) RecordRightLeft(right bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.RightLeft++
	if right {
		s.counters.Right++
	}
}

// Snapshot returns the current counters.
func (s *Store) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Persist appends the current counters as one row tagged with node, writing
// the header first when the file is new.
func (s *Store) Persist(node string) error {
	c := s.Snapshot()
	row := []string{
		node,
		strconv.Itoa(c.StopGo),
		strconv.Itoa(c.Stop),
		strconv.Itoa(c.RightLeft),
		strconv.Itoa(c.Right),
	}
	if err := fileutil.AppendCSV(s.path, Header, row); err != nil {
		return fmt.Errorf("persist aggregate counters: %w", err)
	}
	return nil
}

// Row is one persisted snapshot.
type Row struct {
	Node     string
	Counters Counters
}

// ReadRows parses every data row of the file at path.
func ReadRows(path string) ([]Row, error) {
	records, err := fileutil.ReadCSV(path)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && rec[0] == Header[0] {
			continue
		}
		if len(rec) != len(Header) {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", path, i+1, len(Header), len(rec))
		}
		var vals [4]int
		for j := range vals {
			v, err := strconv.Atoi(rec[j+1])
			if err != nil {
				return nil, fmt.Errorf("%s line %d column %s: %w", path, i+1, Header[j+1], err)
			}
			vals[j] = v
		}
		rows = append(rows, Row{
			Node:     rec[0],
			Counters: Counters{StopGo: vals[0], Stop: vals[1], RightLeft: vals[2], Right: vals[3]},
		})
	}
	return rows, nil
}
