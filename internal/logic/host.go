package logic

import (
	"github.com/lox/stopgo/internal/aggregate"
	"github.com/lox/stopgo/internal/bot"
	"github.com/lox/stopgo/internal/game"
	"github.com/lox/stopgo/internal/matcher"
	"github.com/lox/stopgo/internal/memory"
)

// Matcher reports the current round's pairing.
type Matcher interface {
	RoleFor(id string) (game.Role, error)
	MatchFor(id string) (string, error)
	Matches() []game.RoundPair
}

// Messenger delivers messages to participants.
type Messenger interface {
	// Say sends msgType with data to participant to.
	Say(msgType, to string, data any)
	// Err reports a rejected message to participant to.
	Err(to string, err error)
}

// Participant is the registry entry of a connected or replaced participant.
type Participant struct {
	ID         string
	WorkerID   string
	AccessCode string
	ExitCode   string
	Bot        bool
}

// Registry looks up participants by id.
type Registry interface {
	Participant(id string) (Participant, bool)
}

// BotOptions describes the automated participant that replaces a
// disconnected one.
type BotOptions struct {
	ReplaceID string
	Step      string
	Round     int
	// StepDone is set when the replaced participant already completed Step.
	StepDone bool
	Table    game.Table
	Recorded game.RedChoice
	// Partner and Role are empty once the round has reached its results.
	Partner  string
	Role     game.Role
	Settings bot.Settings
}

// BotSpawner connects an automated participant under an existing id.
type BotSpawner interface {
	ConnectBot(opts BotOptions) error
}

// Memory stores decision records and dumps them at the end of a session.
type Memory interface {
	OnInsert(hook memory.InsertHook)
	Insert(rec *memory.Record)
	SetBonus(player string, bonus float64) bool
	SaveJSON(path string) error
	SaveCSV(path string, opts memory.CSVOptions) error
}

// Counters is the cross-session aggregate store.
type Counters interface {
	RecordStopGo(stop bool)
	RecordRightLeft(right bool)
	Snapshot() aggregate.Counters
	Persist(node string) error
}

// RoundRecorder receives every settled pair.
type RoundRecorder interface {
	Record(round int, pair game.RoundPair, table game.Table, result *game.Result)
	EndRound(round int) error
	Close() error
}

var (
	_ Matcher  = (*matcher.RoundRobin)(nil)
	_ Memory   = (*memory.Memory)(nil)
	_ Counters = (*aggregate.Store)(nil)
)
