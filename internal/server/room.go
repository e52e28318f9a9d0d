package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/lox/stopgo/internal/aggregate"
	"github.com/lox/stopgo/internal/bot"
	"github.com/lox/stopgo/internal/game"
	"github.com/lox/stopgo/internal/history"
	"github.com/lox/stopgo/internal/logic"
	"github.com/lox/stopgo/internal/matcher"
	"github.com/lox/stopgo/internal/memory"
	"github.com/lox/stopgo/internal/protocol"
	"github.com/lox/stopgo/internal/randutil"
	"github.com/rs/zerolog"
)

// Room statuses reported by /rooms.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusAborted  = "aborted"
)

// RoomConfig configures a room.
type RoomConfig struct {
	ID       string
	Settings GameSettings
	// Dir receives the session artefacts.
	Dir      string
	Counters *aggregate.Store
	// Recorder is optional.
	Recorder *history.Recorder
	Rand     *rand.Rand
	Clock    quartz.Clock
	// OnReplace is called when a participant is replaced by a bot.
	OnReplace func(logic.Participant)
	// OnFinish is called from the room loop once the room has closed.
	OnFinish func(*Room)
}

// RoomSummary is the JSON view of a room.
type RoomSummary struct {
	ID           string             `json:"id"`
	Treatment    string             `json:"treatment"`
	Status       string             `json:"status"`
	Step         string             `json:"step"`
	Round        int                `json:"round"`
	Rounds       int                `json:"rounds"`
	Participants int                `json:"participants"`
	Bots         int                `json:"bots"`
	CreatedAt    time.Time          `json:"created_at"`
	Totals       map[string]float64 `json:"totals,omitempty"`
}

type stage struct {
	step  string
	round int
}

// stagePlan lists every step of a session in order.
func stagePlan(rounds int) []stage {
	plan := []stage{{step: protocol.StepInstructions, round: 1}}
	for r := 1; r <= rounds; r++ {
		plan = append(plan,
			stage{step: protocol.StepRedChoice, round: r},
			stage{step: protocol.StepBlueChoice, round: r},
			stage{step: protocol.StepResults, round: r},
		)
	}
	return append(plan, stage{step: protocol.StepEnd, round: rounds})
}

type event any

type inboundEvent struct {
	from string
	msg  protocol.Inbound
}

type leaveEvent struct {
	id string
}

type timeoutEvent struct {
	seq int
}

// member receives messages addressed to one participant id.
type member interface {
	deliver(msgType string, data any)
}

type humanMember struct {
	p *Participant
}

func (h humanMember) deliver(msgType string, data any) {
	if err := h.p.Send(msgType, data); err != nil {
		h.p.logger.Debug().Err(err).Str("type", msgType).Str("participant", h.p.ID()).Msg("Send failed")
	}
}

// Room runs one session on a single goroutine. Transport goroutines only
// post events; every logic callback happens on the room loop.
type Room struct {
	cfg    RoomConfig
	logger zerolog.Logger

	events   chan event
	local    []event
	loopDone chan struct{}

	members  map[string]member
	humans   map[string]*Participant
	registry map[string]logic.Participant
	order    []string
	gone     map[string]bool

	matcher *matcher.RoundRobin
	memory  *memory.Memory
	logic   *logic.Logic

	stages   []stage
	stageIdx int
	seq      int
	timer    *quartz.Timer
	finished bool

	mu      sync.RWMutex
	summary RoomSummary
}

// NewRoom builds a room for participants, in seating order.
func NewRoom(cfg RoomConfig, participants []*Participant, logger zerolog.Logger) (*Room, error) {
	if cfg.Rand == nil {
		return nil, errors.New("room: random source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}

	r := &Room{
		cfg:      cfg,
		logger:   logger.With().Str("component", "room").Str("room", cfg.ID).Logger(),
		events:   make(chan event, 64),
		loopDone: make(chan struct{}),
		members:  make(map[string]member, len(participants)),
		humans:   make(map[string]*Participant, len(participants)),
		registry: make(map[string]logic.Participant, len(participants)),
		gone:     make(map[string]bool),
		memory:   memory.New(),
		stages:   stagePlan(cfg.Settings.Rounds),
		stageIdx: -1,
	}

	for _, p := range participants {
		info := p.Info()
		r.order = append(r.order, info.ID)
		r.members[info.ID] = humanMember{p: p}
		r.humans[info.ID] = p
		r.registry[info.ID] = info
	}

	m, err := matcher.NewRoundRobin(r.order, nil)
	if err != nil {
		return nil, err
	}
	r.matcher = m

	deps := logic.Deps{
		Matcher:   m,
		Messenger: r,
		Registry:  r,
		Bots:      r,
		Memory:    r.memory,
		Counters:  cfg.Counters,
		Rand:      cfg.Rand,
		Clock:     cfg.Clock,
		Logger:    logger,
	}
	if cfg.Recorder != nil {
		deps.History = cfg.Recorder
	}

	s := cfg.Settings
	r.logic, err = logic.New(logic.Config{
		Room:        cfg.ID,
		Treatment:   s.Treatment,
		Rounds:      s.Rounds,
		PI:          s.PI,
		Schedule:    s.Schedule,
		ForfeitRed:  s.ForfeitRed,
		ForfeitBlue: s.ForfeitBlue,
		RoomDir:     cfg.Dir,
		Bot:         s.Bot,
	}, deps)
	if err != nil {
		return nil, err
	}

	r.summary = RoomSummary{
		ID:           cfg.ID,
		Treatment:    s.Treatment,
		Status:       StatusRunning,
		Rounds:       s.Rounds,
		Participants: len(r.order),
		CreatedAt:    cfg.Clock.Now(),
	}
	return r, nil
}

// ID returns the room id.
func (r *Room) ID() string { return r.cfg.ID }

// Done is closed when the room loop has exited.
func (r *Room) Done() <-chan struct{} { return r.loopDone }

// Summary returns a snapshot for reporting.
func (r *Room) Summary() RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.summary
	if s.Totals != nil {
		totals := make(map[string]float64, len(s.Totals))
		for k, v := range s.Totals {
			totals[k] = v
		}
		s.Totals = totals
	}
	return s
}

// Post hands an event to the room loop. It reports false once the room has
// closed.
func (r *Room) Post(ev event) bool {
	select {
	case <-r.loopDone:
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.loopDone:
		return false
	}
}

// Run executes the session until it finishes or ctx is cancelled.
func (r *Room) Run(ctx context.Context) {
	defer close(r.loopDone)

	r.logic.Init(r.order)
	r.logger.Info().
		Str("treatment", r.cfg.Settings.Treatment).
		Strs("roster", r.matcher.Roster()).
		Msg("Room started")
	r.enterStage(0)
	r.drain()

	for !r.finished {
		select {
		case ev := <-r.events:
			r.handle(ev)
			r.drain()
		case <-ctx.Done():
			r.finish(StatusAborted)
		}
	}
}

// enqueue schedules an event produced on the room loop itself.
func (r *Room) enqueue(ev event) {
	r.local = append(r.local, ev)
}

func (r *Room) drain() {
	for len(r.local) > 0 && !r.finished {
		ev := r.local[0]
		r.local = r.local[1:]
		r.handle(ev)
	}
}

func (r *Room) handle(ev event) {
	if r.finished {
		return
	}
	switch e := ev.(type) {
	case inboundEvent:
		r.handleInbound(e)
	case leaveEvent:
		r.leave(e.id)
	case timeoutEvent:
		r.handleTimeout(e)
	default:
		r.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Unknown room event")
	}
}

func (r *Room) current() stage {
	return r.stages[r.stageIdx]
}

func (r *Room) handleInbound(e inboundEvent) {
	if r.gone[e.from] {
		return
	}
	switch m := e.msg.(type) {
	case protocol.Done:
		if err := r.logic.HandleDone(e.from, m); err != nil {
			return
		}
		r.checkAdvance()

	case protocol.Text:
		err := r.logic.HandleText(m.Kind, e.from, m.Text)
		switch {
		case err == nil:
		case errors.Is(err, logic.ErrNotAccepting):
			r.sendError(e.from, protocol.CodeWrongStep, err.Error())
		default:
			r.sendError(e.from, protocol.CodeInternal, err.Error())
		}

	case protocol.Join:
		r.sendError(e.from, protocol.CodeInvalidMessage, "already joined")
	}
}

func (r *Room) handleTimeout(e timeoutEvent) {
	if e.seq != r.seq {
		return
	}
	st := r.current()
	if st.step == protocol.StepEnd {
		r.finish(StatusFinished)
		return
	}

	waiting := r.logic.Waiting()
	for _, id := range waiting {
		r.logic.Forfeit(id)
	}
	r.logger.Info().
		Str("step", st.step).
		Int("round", st.round).
		Strs("forfeited", waiting).
		Msg("Step timed out")
	r.checkAdvance()
}

func (r *Room) checkAdvance() {
	if r.finished || r.current().step == protocol.StepEnd {
		return
	}
	if r.logic.StepComplete() {
		r.enterStage(r.stageIdx + 1)
	}
}

func (r *Room) enterStage(i int) {
	r.stopTimer()
	r.stageIdx = i
	r.seq++
	st := r.current()

	if st.step == protocol.StepRedChoice {
		r.matcher.Advance(st.round)
	}

	timeout := r.cfg.Settings.StepTimeout
	if st.step == protocol.StepEnd {
		timeout = r.cfg.Settings.EndLinger
	}
	if timeout > 0 {
		seq := r.seq
		r.timer = r.cfg.Clock.AfterFunc(timeout, func() {
			r.Post(timeoutEvent{seq: seq})
		}, "room", st.step)
	}

	if err := r.logic.EnterStep(st.step, st.round); err != nil {
		r.logger.Error().Err(err).Str("step", st.step).Int("round", st.round).Msg("Failed to enter step")
	}
	for _, id := range r.order {
		if m, ok := r.members[id]; ok {
			m.deliver(protocol.TypeStep, r.stepData(id, st, timeout))
		}
	}
	r.updateSummary(st)

	r.logger.Debug().Str("step", st.step).Int("round", st.round).Msg("Entered step")

	if st.step == protocol.StepEnd {
		if timeout <= 0 || len(r.connectedHumans()) == 0 {
			r.finish(StatusFinished)
		}
		return
	}
	for _, id := range r.order {
		if r.gone[id] {
			r.logic.Forfeit(id)
		}
	}
	r.checkAdvance()
}

func (r *Room) stepData(id string, st stage, timeout time.Duration) protocol.StepData {
	data := protocol.StepData{
		Room:   r.cfg.ID,
		Step:   st.step,
		Round:  st.round,
		Rounds: r.cfg.Settings.Rounds,
	}
	if timeout > 0 {
		data.TimeoutMs = timeout.Milliseconds()
	}
	switch st.step {
	case protocol.StepRedChoice, protocol.StepBlueChoice, protocol.StepResults:
		if role, err := r.matcher.RoleFor(id); err == nil {
			data.Role = string(role)
			data.Partner, _ = r.matcher.MatchFor(id)
		}
	}
	return data
}

func (r *Room) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Room) connectedHumans() []string {
	var ids []string
	for _, id := range r.order {
		if _, ok := r.members[id].(humanMember); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Room) leave(id string) {
	if _, ok := r.members[id]; !ok || r.gone[id] {
		return
	}
	delete(r.members, id)
	delete(r.humans, id)

	r.logic.OnDisconnect(id)

	if _, replaced := r.members[id]; !replaced {
		r.gone[id] = true
		r.logger.Info().Str("participant", id).Msg("Participant left")
		if r.logic.Ended() {
			if len(r.connectedHumans()) == 0 {
				r.finish(StatusFinished)
			}
			return
		}
		r.logic.Forfeit(id)
		r.checkAdvance()
	}
}

func (r *Room) finish(status string) {
	if r.finished {
		return
	}
	r.finished = true
	r.stopTimer()

	if status == StatusAborted && !r.logic.Ended() {
		r.logger.Warn().Str("step", r.current().step).Msg("Room aborted before the end step")
	}

	for _, id := range r.order {
		p, ok := r.humans[id]
		if !ok {
			continue
		}
		if err := p.Send(protocol.TypeGameOver, protocol.GameOverData{Room: r.cfg.ID, Rounds: r.cfg.Settings.Rounds}); err != nil {
			r.logger.Debug().Err(err).Str("participant", id).Msg("Failed to send game over")
		}
		p.Close()
	}

	r.mu.Lock()
	r.summary.Status = status
	r.summary.Totals = r.logic.Session().Totals()
	r.mu.Unlock()

	r.logger.Info().Str("status", status).Msg("Room closed")
	if r.cfg.OnFinish != nil {
		r.cfg.OnFinish(r)
	}
}

func (r *Room) updateSummary(st stage) {
	bots := 0
	for _, p := range r.registry {
		if p.Bot {
			bots++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Step = st.step
	r.summary.Round = st.round
	r.summary.Bots = bots
	if st.step == protocol.StepResults || st.step == protocol.StepEnd {
		r.summary.Totals = r.logic.Session().Totals()
	}
}

// Say delivers a logic message to a participant.
func (r *Room) Say(msgType, to string, data any) {
	m, ok := r.members[to]
	if !ok {
		r.logger.Debug().Str("type", msgType).Str("participant", to).Msg("Dropping message for departed participant")
		return
	}
	m.deliver(msgType, data)
}

// Err reports a rejected message to a participant.
func (r *Room) Err(to string, err error) {
	r.sendError(to, errorCode(err), err.Error())
}

func (r *Room) sendError(to, code, message string) {
	r.Say(protocol.TypeError, to, protocol.ErrorData{Code: code, Message: message})
}

// Participant looks up the registry entry of id, including participants that
// have left.
func (r *Room) Participant(id string) (logic.Participant, bool) {
	p, ok := r.registry[id]
	return p, ok
}

// ConnectBot seats an in-process bot under the replaced participant's id.
func (r *Room) ConnectBot(opts logic.BotOptions) error {
	strategy, err := bot.NewStrategy(opts.Settings, r.cfg.Counters)
	if err != nil {
		return err
	}
	player := bot.NewPlayer(opts.ReplaceID, strategy, randutil.Derive(r.cfg.Rand), r.logger)
	if opts.Table != "" {
		player.SetTable(opts.Table)
	}
	if opts.Step == protocol.StepRedChoice && opts.Recorded != "" && !opts.StepDone {
		player.Inherit(opts.Recorded)
	}

	n := &npc{player: player, room: r}
	r.members[opts.ReplaceID] = n

	entry := r.registry[opts.ReplaceID]
	entry.Bot = true
	r.registry[opts.ReplaceID] = entry
	if r.cfg.OnReplace != nil {
		r.cfg.OnReplace(entry)
	}
	r.updateSummary(r.current())

	if !opts.StepDone {
		n.deliver(protocol.TypeStep, protocol.StepData{
			Room:    r.cfg.ID,
			Step:    opts.Step,
			Round:   opts.Round,
			Rounds:  r.cfg.Settings.Rounds,
			Role:    string(opts.Role),
			Partner: opts.Partner,
		})
	}
	return nil
}

func errorCode(err error) string {
	var (
		validation *game.ValidationError
		order      *game.OutOfOrderError
		duplicate  *game.DuplicateDecisionError
		matching   *game.MatchingError
	)
	switch {
	case errors.As(err, &validation):
		return protocol.CodeValidation
	case errors.As(err, &order):
		return protocol.CodeOutOfOrder
	case errors.As(err, &duplicate):
		return protocol.CodeDuplicate
	case errors.As(err, &matching):
		return protocol.CodeUnmatched
	case errors.Is(err, logic.ErrWrongStep), errors.Is(err, logic.ErrNotAccepting):
		return protocol.CodeWrongStep
	default:
		return protocol.CodeInternal
	}
}

var (
	_ logic.Messenger  = (*Room)(nil)
	_ logic.Registry   = (*Room)(nil)
	_ logic.BotSpawner = (*Room)(nil)
)
