package server

import (
	"github.com/lox/stopgo/internal/bot"
	"github.com/lox/stopgo/internal/game"
	"github.com/lox/stopgo/internal/protocol"
)

// npc is an in-process bot standing in for a participant that left. It
// answers on the room loop by queueing its decisions as room events.
type npc struct {
	player *bot.Player
	room   *Room
}

func (n *npc) deliver(msgType string, data any) {
	switch msgType {
	case protocol.TypeTable:
		if t, ok := data.(game.Table); ok {
			n.player.SetTable(t)
		}
	case protocol.TypeRedChoice:
		if c, ok := data.(game.RedChoice); ok {
			n.player.ObserveRedChoice(c)
		}
	case protocol.TypeStep:
		if step, ok := data.(protocol.StepData); ok {
			n.respond(step)
		}
	case protocol.TypeError:
		if e, ok := data.(protocol.ErrorData); ok {
			n.room.logger.Warn().
				Str("participant", n.player.ID()).
				Str("code", e.Code).
				Str("message", e.Message).
				Msg("Bot decision rejected")
		}
	}
}

func (n *npc) respond(step protocol.StepData) {
	if step.Step == protocol.StepEnd {
		return
	}
	d := n.player.Respond(step)
	n.room.enqueue(inboundEvent{
		from: n.player.ID(),
		msg: protocol.Done{
			Step: d.Step,
			Red:  game.RedChoice(d.RedChoice),
			Blue: game.BlueChoice(d.BlueChoice),
		},
	})
}
