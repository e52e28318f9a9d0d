// Package bot implements automated participants.
package bot

import (
	"math/rand/v2"

	"github.com/lox/stopgo/internal/game"
	"github.com/lox/stopgo/internal/protocol"
	"github.com/rs/zerolog"
)

// Player answers step announcements on behalf of an automated participant.
// It keeps the table and partner choice it has been told about, plus any
// RED decision inherited from a participant it replaced.
type Player struct {
	id       string
	strategy Strategy
	rng      *rand.Rand
	logger   zerolog.Logger

	table     game.Table
	inherited game.RedChoice
	redSeen   game.RedChoice
}

// NewPlayer returns a player deciding with strategy.
func NewPlayer(id string, strategy Strategy, rng *rand.Rand, logger zerolog.Logger) *Player {
	return &Player{
		id:       id,
		strategy: strategy,
		rng:      rng,
		logger:   logger.With().Str("component", "bot").Str("participant", id).Logger(),
	}
}

// ID returns the participant id the player acts for.
func (p *Player) ID() string { return p.id }

// SetTable records the table announced to RED.
func (p *Player) SetTable(t game.Table) { p.table = t }

// Inherit records a RED decision already made by the participant this
// player replaces. It is replayed at the current round's red-choice step
// and dropped once the round reaches its results.
func (p *Player) Inherit(c game.RedChoice) { p.inherited = c }

// ObserveRedChoice records RED's forwarded decision when playing BLUE.
func (p *Player) ObserveRedChoice(c game.RedChoice) { p.redSeen = c }

// Respond returns the done message for step. Participants who do not decide
// in the step acknowledge it with an empty decision.
func (p *Player) Respond(step protocol.StepData) protocol.DoneData {
	done := protocol.DoneData{Step: step.Step}
	role := game.Role(step.Role)

	switch {
	case step.Step == protocol.StepRedChoice && role == game.Red:
		choice := p.inherited
		if choice == "" {
			choice = p.strategy.RedChoice(p.table, p.rng)
		}
		p.inherited = ""
		done.RedChoice = string(choice)
		p.logger.Debug().
			Int("round", step.Round).
			Str("table", string(p.table)).
			Str("choice", done.RedChoice).
			Msg("RED decision")

	case step.Step == protocol.StepBlueChoice && role == game.Blue:
		if p.redSeen == game.Stop {
			break
		}
		done.BlueChoice = string(p.strategy.BlueChoice(p.rng))
		p.logger.Debug().
			Int("round", step.Round).
			Str("choice", done.BlueChoice).
			Msg("BLUE decision")
	}

	if step.Step == protocol.StepResults {
		p.table = ""
		p.redSeen = ""
		p.inherited = ""
	}
	return done
}
