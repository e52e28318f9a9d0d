// Package memory stores the per-decision records of a session and dumps them
// to JSON and CSV.
package memory

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lox/stopgo/internal/fileutil"
)

// DefaultHeaders is the db.csv column order.
var DefaultHeaders = []string{
	"room", "treatment",
	"time", "timeup", "timestamp", "player", "bot",
	"stage.stage", "stage.step", "stage.round",
	"redChoice", "blueChoice", "bonus", "partner",
}

// Stage locates a record in the session's stage sequence.
type Stage struct {
	Stage int `json:"stage"`
	Step  int `json:"step"`
	Round int `json:"round"`
}

// Record is one completed step of one participant.
type Record struct {
	Room       string   `json:"room"`
	Treatment  string   `json:"treatment"`
	Time       int64    `json:"time"`
	Timeup     bool     `json:"timeup"`
	Timestamp  int64    `json:"timestamp"`
	Player     string   `json:"player"`
	Bot        bool     `json:"bot"`
	Stage      Stage    `json:"stage"`
	RedChoice  string   `json:"redChoice,omitempty"`
	BlueChoice string   `json:"blueChoice,omitempty"`
	Bonus      *float64 `json:"bonus,omitempty"`
	Partner    string   `json:"partner,omitempty"`
}

// Field returns the CSV rendering of the column name. Nested fields use
// dotted names such as "stage.round".
func (r *Record) Field(name string, bool2num bool) (string, bool) {
	switch name {
	case "room":
		return r.Room, true
	case "treatment":
		return r.Treatment, true
	case "time":
		return strconv.FormatInt(r.Time, 10), true
	case "timeup":
		return formatBool(r.Timeup, bool2num), true
	case "timestamp":
		return strconv.FormatInt(r.Timestamp, 10), true
	case "player":
		return r.Player, true
	case "bot":
		return formatBool(r.Bot, bool2num), true
	case "stage.stage":
		return strconv.Itoa(r.Stage.Stage), true
	case "stage.step":
		return strconv.Itoa(r.Stage.Step), true
	case "stage.round":
		return strconv.Itoa(r.Stage.Round), true
	case "redChoice":
		return orNA(r.RedChoice), true
	case "blueChoice":
		return orNA(r.BlueChoice), true
	case "bonus":
		if r.Bonus == nil {
			return "NA", true
		}
		return strconv.FormatFloat(*r.Bonus, 'f', -1, 64), true
	case "partner":
		return orNA(r.Partner), true
	default:
		return "", false
	}
}

func formatBool(v, asNum bool) string {
	switch {
	case asNum && v:
		return "1"
	case asNum:
		return "0"
	default:
		return strconv.FormatBool(v)
	}
}

func orNA(s string) string {
	if s == "" {
		return "NA"
	}
	return s
}

// InsertHook is called on every record before it is stored.
type InsertHook func(*Record)

// Memory is an append-only record store. It is owned by a single room
// goroutine and is not safe for concurrent use.
type Memory struct {
	records []*Record
	last    map[string]*Record
	hooks   []InsertHook
}

// New returns an empty memory.
func New() *Memory {
	return &Memory{last: make(map[string]*Record)}
}

// OnInsert registers a hook applied to every subsequently inserted record.
func (m *Memory) OnInsert(hook InsertHook) {
	m.hooks = append(m.hooks, hook)
}

// Insert runs the insert hooks on rec and stores it.
func (m *Memory) Insert(rec *Record) {
	for _, hook := range m.hooks {
		hook(rec)
	}
	m.records = append(m.records, rec)
	m.last[rec.Player] = rec
}

// Last returns the most recent record of player.
func (m *Memory) Last(player string) (*Record, bool) {
	rec, ok := m.last[player]
	return rec, ok
}

// SetBonus stores bonus on player's most recent record. It reports false when
// the player has no records.
func (m *Memory) SetBonus(player string, bonus float64) bool {
	rec, ok := m.last[player]
	if !ok {
		return false
	}
	rec.Bonus = &bonus
	return true
}

// Records returns all records in insertion order.
func (m *Memory) Records() []*Record {
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// Len returns the number of stored records.
func (m *Memory) Len() int { return len(m.records) }

// SaveJSON writes all records to path as a JSON array.
func (m *Memory) SaveJSON(path string) error {
	records := m.records
	if records == nil {
		records = []*Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	return fileutil.WriteFileAtomic(path, data, 0o644)
}

// CSVOptions controls SaveCSV.
type CSVOptions struct {
	// Headers selects and orders the columns. Empty means DefaultHeaders.
	Headers []string
	// Bool2Num writes booleans as 1 and 0.
	Bool2Num bool
}

// SaveCSV writes all records to path with a header row.
func (m *Memory) SaveCSV(path string, opts CSVOptions) error {
	headers := opts.Headers
	if len(headers) == 0 {
		headers = DefaultHeaders
	}
	var probe Record
	for _, h := range headers {
		if _, ok := probe.Field(h, false); !ok {
			return fmt.Errorf("unknown column %q", h)
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headers); err != nil {
		return err
	}
	row := make([]string, len(headers))
	for _, rec := range m.records {
		for i, h := range headers {
			row[i], _ = rec.Field(h, opts.Bool2Num)
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
