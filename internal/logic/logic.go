// Package logic drives one stop-go session: it draws tables, collects
// decisions, settles pairs, substitutes bots for disconnected participants
// and persists the session at the end.
//
// Logic is not safe for concurrent use. The server calls every method from
// the room's event loop.
package logic

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"time"

	"github.com/coder/quartz"
	"github.com/lox/stopgo/internal/bot"
	"github.com/lox/stopgo/internal/fileutil"
	"github.com/lox/stopgo/internal/game"
	"github.com/lox/stopgo/internal/memory"
	"github.com/lox/stopgo/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrWrongStep is returned for a done message naming a step other than the
// current one.
var ErrWrongStep = errors.New("done message for a step that is not active")

// ErrNotAccepting is returned for messages that arrive when the session does
// not accept them.
var ErrNotAccepting = errors.New("message not accepted in the current step")

// Session artefact names.
const (
	FileJSON     = "db.json"
	FileCSV      = "db.csv"
	FileEmail    = "email.csv"
	FileFeedback = "feedback.csv"
)

// Config holds per-session settings.
type Config struct {
	Room      string
	Treatment string
	Rounds    int
	PI        float64
	Schedule  game.Schedule

	ForfeitRed  game.RedChoice
	ForfeitBlue game.BlueChoice

	// RoomDir receives db.json, db.csv, email.csv and feedback.csv.
	RoomDir string
	Bot     bot.Settings
}

// Deps are the collaborators supplied by the host.
type Deps struct {
	Matcher   Matcher
	Messenger Messenger
	Registry  Registry
	Bots      BotSpawner
	Memory    Memory
	Counters  Counters
	// History is optional.
	History RoundRecorder
	Rand    *rand.Rand
	Clock   quartz.Clock
	Logger  zerolog.Logger
}

// Logic is the session state machine.
type Logic struct {
	cfg Config
	Deps

	logger  zerolog.Logger
	session *game.Session

	roster      []string
	step        string
	round       int
	stepStarted time.Time
	completed   map[string]bool

	humans   map[string]bool
	replaced map[string]bool
	ended    bool
}

// New validates cfg and returns a Logic ready for Init.
func New(cfg Config, deps Deps) (*Logic, error) {
	if cfg.Rounds < 1 {
		return nil, fmt.Errorf("rounds must be positive, got %d", cfg.Rounds)
	}
	if cfg.PI < 0 || cfg.PI > 1 {
		return nil, fmt.Errorf("pi must be within [0,1], got %v", cfg.PI)
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if cfg.ForfeitRed == "" {
		cfg.ForfeitRed = game.Stop
	}
	if cfg.ForfeitBlue == "" {
		cfg.ForfeitBlue = game.Left
	}
	if deps.Matcher == nil || deps.Messenger == nil || deps.Registry == nil || deps.Memory == nil || deps.Counters == nil {
		return nil, errors.New("logic: matcher, messenger, registry, memory and counters are required")
	}
	if deps.Rand == nil {
		return nil, errors.New("logic: random source is required")
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}

	return &Logic{
		cfg:       cfg,
		Deps:      deps,
		logger:    deps.Logger.With().Str("component", "logic").Str("room", cfg.Room).Logger(),
		session:   game.NewSession(),
		completed: make(map[string]bool),
		humans:    make(map[string]bool),
		replaced:  make(map[string]bool),
	}, nil
}

// Init registers the session roster and stamps every memory record with the
// room, treatment and bot flag.
func (l *Logic) Init(ids []string) {
	l.roster = append([]string(nil), ids...)
	for _, id := range ids {
		if p, ok := l.Registry.Participant(id); ok && !p.Bot {
			l.humans[id] = true
		}
	}
	l.Memory.OnInsert(func(rec *memory.Record) {
		rec.Room = l.cfg.Room
		rec.Treatment = l.cfg.Treatment
		rec.Bot = l.isBot(rec.Player)
	})
	l.logger.Info().
		Int("participants", len(ids)).
		Int("humans", len(l.humans)).
		Str("treatment", l.cfg.Treatment).
		Msg("Session initialised")
}

// Session exposes totals and histories.
func (l *Logic) Session() *game.Session { return l.session }

// Step returns the current step and round.
func (l *Logic) Step() (string, int) { return l.step, l.round }

// Ended reports whether the end step has been entered.
func (l *Logic) Ended() bool { return l.ended }

// HasHumans reports whether any human participant remains connected.
func (l *Logic) HasHumans() bool { return len(l.humans) > 0 }

func (l *Logic) isBot(id string) bool {
	if l.replaced[id] {
		return true
	}
	p, ok := l.Registry.Participant(id)
	return ok && p.Bot
}

// EnterStep starts step in round. Entering red-choice begins a new round:
// every pair gets a table, announced to RED. Entering results settles every
// pair. Entering end reports totals and persists the session.
func (l *Logic) EnterStep(step string, round int) error {
	l.step = step
	l.round = round
	l.stepStarted = l.Clock.Now()
	l.completed = make(map[string]bool)

	switch step {
	case protocol.StepInstructions, protocol.StepBlueChoice:
		return nil
	case protocol.StepRedChoice:
		return l.beginRound(round)
	case protocol.StepResults:
		l.settleRound()
		return nil
	case protocol.StepEnd:
		l.enterEnd()
		return nil
	default:
		return fmt.Errorf("unknown step %q", step)
	}
}

func (l *Logic) beginRound(round int) error {
	draw := func() game.Table { return game.DrawTable(l.Rand, l.cfg.PI) }
	pairs, err := l.session.BeginRound(round, l.Matcher.Matches(), draw)
	if err != nil {
		return err
	}
	for _, ps := range pairs {
		l.Messenger.Say(protocol.TypeTable, ps.Pair.Red, ps.Table)
	}
	l.logger.Debug().Int("round", round).Int("pairs", len(pairs)).Msg("Round started")
	return nil
}

// Waiting returns the roster members that have not completed the current
// step, in roster order.
func (l *Logic) Waiting() []string {
	var out []string
	for _, id := range l.roster {
		if !l.completed[id] {
			out = append(out, id)
		}
	}
	return out
}

// StepComplete reports whether every roster member completed the step.
func (l *Logic) StepComplete() bool {
	return len(l.Waiting()) == 0
}

// HandleDone processes a done message. Rejections are reported to the sender
// through the messenger and returned; the sender's step stays open.
func (l *Logic) HandleDone(from string, d protocol.Done) error {
	err := l.handleDone(from, d)
	if err != nil {
		l.Messenger.Err(from, err)
		l.logger.Warn().Err(err).Str("participant", from).Str("step", l.step).Msg("Decision rejected")
	}
	return err
}

func (l *Logic) handleDone(from string, d protocol.Done) error {
	if l.step == "" || l.ended {
		return ErrNotAccepting
	}
	if d.Step != "" && d.Step != l.step {
		return fmt.Errorf("%w: got %q, current step is %q", ErrWrongStep, d.Step, l.step)
	}
	if l.completed[from] {
		return &game.DuplicateDecisionError{Participant: from, Step: l.step}
	}

	rec := l.newRecord(from, false)

	switch l.step {
	case protocol.StepRedChoice:
		if err := l.acceptRed(from, d.Red, rec, true); err != nil {
			return err
		}
	case protocol.StepBlueChoice:
		if err := l.acceptBlue(from, d.Blue, rec, true); err != nil {
			return err
		}
	}

	l.completed[from] = true
	l.Memory.Insert(rec)
	return nil
}

// acceptRed handles the red-choice step for id. Counted decisions update the
// aggregate counters when id is human.
func (l *Logic) acceptRed(id string, choice game.RedChoice, rec *memory.Record, counted bool) error {
	role, err := l.Matcher.RoleFor(id)
	if err != nil {
		return l.unmatched(id, err)
	}
	partner, _ := l.Matcher.MatchFor(id)
	rec.Partner = partner
	if role != game.Red {
		return nil
	}
	if choice == "" {
		return &game.ValidationError{Participant: id, Field: "redChoice", Reason: "missing"}
	}

	ps, err := l.session.Pair(id)
	if err != nil {
		return err
	}
	if err := ps.RecordRed(choice); err != nil {
		return err
	}
	rec.RedChoice = string(choice)
	if counted && !l.isBot(id) {
		l.Counters.RecordStopGo(choice == game.Stop)
	}
	l.Messenger.Say(protocol.TypeRedChoice, partner, choice)
	return nil
}

// unmatched absorbs the matching error of a roster member sitting out the
// round. Ids outside the roster keep the error.
func (l *Logic) unmatched(id string, err error) error {
	if slices.Contains(l.roster, id) {
		return nil
	}
	return err
}

func (l *Logic) acceptBlue(id string, choice game.BlueChoice, rec *memory.Record, counted bool) error {
	role, err := l.Matcher.RoleFor(id)
	if err != nil {
		return l.unmatched(id, err)
	}
	partner, _ := l.Matcher.MatchFor(id)
	rec.Partner = partner
	if role != game.Blue {
		return nil
	}

	ps, err := l.session.Pair(id)
	if err != nil {
		return err
	}
	if choice == "" {
		if ps.Phase == game.AwaitingBlue && ps.Choice.Red == game.Stop {
			return nil
		}
		if ps.Phase == game.AwaitingRed {
			return &game.OutOfOrderError{Participant: id, Role: game.Blue, Phase: ps.Phase}
		}
		return &game.ValidationError{Participant: id, Field: "blueChoice", Reason: "missing"}
	}

	recorded, err := ps.RecordBlue(choice)
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}
	rec.BlueChoice = string(choice)
	if counted && !l.isBot(id) {
		l.Counters.RecordRightLeft(choice == game.Right)
	}
	l.Messenger.Say(protocol.TypeBlueChoice, partner, choice)
	return nil
}

// Forfeit completes id's current step with the configured default decision.
// Forfeited records are marked timeup and never counted.
func (l *Logic) Forfeit(id string) {
	if l.completed[id] || l.step == "" || l.ended {
		return
	}
	rec := l.newRecord(id, true)

	var err error
	switch l.step {
	case protocol.StepRedChoice:
		err = l.acceptRed(id, l.cfg.ForfeitRed, rec, false)
	case protocol.StepBlueChoice:
		choice := l.cfg.ForfeitBlue
		if ps, perr := l.session.Pair(id); perr == nil && ps.Choice != nil && ps.Choice.Red == game.Stop {
			choice = ""
		}
		err = l.acceptBlue(id, choice, rec, false)
	}
	if err != nil {
		l.logger.Error().Err(err).Str("participant", id).Str("step", l.step).Msg("Forfeit failed")
	}

	l.completed[id] = true
	l.Memory.Insert(rec)
	l.logger.Info().Str("participant", id).Str("step", l.step).Int("round", l.round).Msg("Step timed out")
}

func (l *Logic) settleRound() {
	for _, ps := range l.session.Pairs() {
		result, err := l.session.Settle(ps, l.cfg.Schedule)
		if err != nil {
			l.logger.Error().Err(err).Str("red", ps.Pair.Red).Str("blue", ps.Pair.Blue).Msg("Settlement failed")
			l.Messenger.Err(ps.Pair.Red, err)
			l.Messenger.Err(ps.Pair.Blue, err)
			continue
		}

		l.Memory.SetBonus(ps.Pair.Red, result.Payoffs.Red)
		l.Memory.SetBonus(ps.Pair.Blue, result.Payoffs.Blue)
		if l.History != nil {
			l.History.Record(l.round, ps.Pair, ps.Table, result)
		}

		l.Messenger.Say(protocol.TypeResults, ps.Pair.Red, result)
		l.Messenger.Say(protocol.TypeResults, ps.Pair.Blue, result)
	}

	if l.History != nil {
		if err := l.History.EndRound(l.round); err != nil {
			l.logger.Warn().Err(err).Int("round", l.round).Msg("Round history flush failed")
		}
	}
}

func (l *Logic) enterEnd() {
	l.ended = true

	sent := make(map[string]bool, len(l.roster))
	win := func(id string) {
		if sent[id] {
			return
		}
		sent[id] = true
		p, _ := l.Registry.Participant(id)
		l.Messenger.Say(protocol.TypeWin, id, protocol.WinData{
			TotalRaw: l.session.Total(id),
			Exit:     p.ExitCode,
		})
	}
	for _, pair := range l.Matcher.Matches() {
		win(pair.Red)
		win(pair.Blue)
	}
	for _, id := range l.roster {
		win(id)
	}

	l.saveAll()
}

func (l *Logic) saveAll() {
	jsonPath := filepath.Join(l.cfg.RoomDir, FileJSON)
	if err := l.Memory.SaveJSON(jsonPath); err != nil {
		l.logPersistence(&game.PersistenceError{Path: jsonPath, Err: err})
	}

	csvPath := filepath.Join(l.cfg.RoomDir, FileCSV)
	if err := l.Memory.SaveCSV(csvPath, memory.CSVOptions{Headers: memory.DefaultHeaders, Bool2Num: true}); err != nil {
		l.logPersistence(&game.PersistenceError{Path: csvPath, Err: err})
	}

	if err := l.Counters.Persist(l.cfg.Room); err != nil {
		l.logPersistence(&game.PersistenceError{Path: "avgDecisions.csv", Err: err})
	}

	if l.History != nil {
		if err := l.History.Close(); err != nil {
			l.logPersistence(&game.PersistenceError{Path: "history.toml", Err: err})
		}
	}

	l.logger.Info().Int("rounds", l.session.Round()).Msg("Session saved")
}

// HandleText appends an email or feedback submission to the room's CSV
// file. Submissions are accepted once the end step has been entered.
func (l *Logic) HandleText(kind, from, text string) error {
	if !l.ended {
		return ErrNotAccepting
	}

	var file string
	switch kind {
	case protocol.TypeEmail:
		file = FileEmail
	case protocol.TypeFeedback:
		file = FileFeedback
	default:
		return fmt.Errorf("unknown submission kind %q", kind)
	}

	p, ok := l.Registry.Participant(from)
	if !ok {
		l.logger.Warn().Str("participant", from).Str("kind", kind).Msg("Submission from unknown participant skipped")
		return nil
	}

	path := filepath.Join(l.cfg.RoomDir, file)
	if err := fileutil.AppendCSV(path, nil, []string{
		firstNonEmpty(p.ID, p.AccessCode, "NA"),
		firstNonEmpty(p.WorkerID, "NA"),
		text,
	}); err != nil {
		perr := &game.PersistenceError{Path: path, Err: err}
		l.logPersistence(perr)
		return perr
	}
	return nil
}

func (l *Logic) logPersistence(err *game.PersistenceError) {
	l.logger.Error().Err(err.Err).Str("path", err.Path).Msg("Persistence failed")
}

// OnDisconnect handles a participant leaving. While the session is active
// and still has a human participant, the leaver is replaced by a bot that
// takes over its id, role, table and recorded decision.
func (l *Logic) OnDisconnect(id string) {
	wasHuman := l.humans[id]
	delete(l.humans, id)

	if !wasHuman || l.step == "" || l.ended {
		return
	}
	if len(l.humans) == 0 {
		l.logger.Info().Str("participant", id).Msg("Last human left; not substituting")
		return
	}

	opts := BotOptions{
		ReplaceID: id,
		Step:      l.step,
		Round:     l.round,
		StepDone:  l.completed[id],
		Settings:  l.cfg.Bot,
	}
	if ps, err := l.session.Pair(id); err == nil {
		opts.Table = ps.Table
		if ps.Choice != nil && ps.Pair.Red == id {
			opts.Recorded = ps.Choice.Red
		}
	}
	if l.step != protocol.StepResults {
		if partner, err := l.Matcher.MatchFor(id); err == nil {
			opts.Partner = partner
			opts.Role, _ = l.Matcher.RoleFor(id)
		}
	}

	if l.Bots == nil {
		l.logger.Warn().Str("participant", id).Msg("No bot spawner configured; participant left unreplaced")
		return
	}
	if err := l.Bots.ConnectBot(opts); err != nil {
		l.logger.Error().Err(err).Str("participant", id).Msg("Bot substitution failed")
		return
	}
	l.replaced[id] = true
	l.logger.Info().
		Str("participant", id).
		Str("step", l.step).
		Int("round", l.round).
		Str("role", string(opts.Role)).
		Msg("Participant replaced by bot")
}

func (l *Logic) newRecord(id string, timeup bool) *memory.Record {
	now := l.Clock.Now()
	return &memory.Record{
		Time:      now.Sub(l.stepStarted).Milliseconds(),
		Timeup:    timeup,
		Timestamp: now.UnixMilli(),
		Player:    id,
		Stage:     stagePosition(l.step, l.round),
	}
}

// stagePosition numbers steps the way db.csv reports them: instructions is
// stage 1, the repeated game steps stage 2 and the end stage 3.
func stagePosition(step string, round int) memory.Stage {
	switch step {
	case protocol.StepInstructions:
		return memory.Stage{Stage: 1, Step: 1, Round: 1}
	case protocol.StepRedChoice:
		return memory.Stage{Stage: 2, Step: 1, Round: round}
	case protocol.StepBlueChoice:
		return memory.Stage{Stage: 2, Step: 2, Round: round}
	case protocol.StepResults:
		return memory.Stage{Stage: 2, Step: 3, Round: round}
	default:
		return memory.Stage{Stage: 3, Step: 1, Round: 1}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
