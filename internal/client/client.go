// Package client is an automated websocket participant. It joins a server,
// answers every step with a bot strategy and reports its final payout.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lox/stopgo/internal/bot"
	"github.com/lox/stopgo/internal/game"
	"github.com/lox/stopgo/internal/protocol"
	"github.com/lox/stopgo/internal/randutil"
	"github.com/rs/zerolog"
)

// Config configures a client.
type Config struct {
	// URL is the server's websocket endpoint, e.g. ws://localhost:8080/ws.
	URL        string
	Treatment  string
	WorkerID   string
	AccessCode string
	Strategy   bot.Strategy
	Rand       *rand.Rand

	// Email and Feedback are submitted once the session has ended.
	Email    string
	Feedback string

	// DropStep and DropRound make the client disconnect when that step is
	// announced, leaving the server to substitute a bot.
	DropStep  string
	DropRound int

	Logger zerolog.Logger
}

// Outcome is what a participant learned during the session.
type Outcome struct {
	ParticipantID string
	Room          string
	Total         float64
	Exit          string
	Results       []game.Result
	Errors        int
	Dropped       bool
}

// Client plays one session.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	player *bot.Player
	out    Outcome
}

// New returns a client for cfg, filling in a fixed even-odds strategy and
// a time-seeded random source when unset.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = bot.Fixed{ChanceOfStop: 0.5, ChanceOfRight: 0.5}
	}
	if cfg.Rand == nil {
		cfg.Rand = randutil.New(time.Now().UnixNano())
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "client").Logger(),
	}, nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if c.cfg.Treatment != "" {
		q := u.Query()
		q.Set("treatment", c.cfg.Treatment)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run connects, joins and plays until the server ends the session, the
// connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) (Outcome, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return c.out, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return c.out, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := send(conn, protocol.TypeJoin, protocol.JoinData{
		WorkerID:   c.cfg.WorkerID,
		AccessCode: c.cfg.AccessCode,
	}); err != nil {
		return c.out, err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return c.out, ctx.Err()
			}
			if c.out.Exit != "" {
				return c.out, nil
			}
			return c.out, fmt.Errorf("connection closed before the session ended: %w", err)
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed message")
			continue
		}

		finished, err := c.handle(conn, &msg)
		if err != nil {
			return c.out, err
		}
		if finished {
			return c.out, nil
		}
	}
}

func (c *Client) handle(conn *websocket.Conn, msg *protocol.Message) (bool, error) {
	switch msg.Type {
	case protocol.TypeWelcome:
		var data protocol.WelcomeData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return false, fmt.Errorf("decode welcome: %w", err)
		}
		c.out.ParticipantID = data.ParticipantID
		c.player = bot.NewPlayer(data.ParticipantID, c.cfg.Strategy, c.cfg.Rand, c.cfg.Logger)
		c.logger.Debug().Str("participant", data.ParticipantID).Int("waiting", data.Waiting).Msg("Joined")

	case protocol.TypeTable:
		var table game.Table
		if err := json.Unmarshal(msg.Data, &table); err != nil {
			return false, fmt.Errorf("decode table: %w", err)
		}
		c.player.SetTable(table)

	case protocol.TypeRedChoice:
		var choice game.RedChoice
		if err := json.Unmarshal(msg.Data, &choice); err != nil {
			return false, fmt.Errorf("decode red choice: %w", err)
		}
		c.player.ObserveRedChoice(choice)

	case protocol.TypeStep:
		var step protocol.StepData
		if err := json.Unmarshal(msg.Data, &step); err != nil {
			return false, fmt.Errorf("decode step: %w", err)
		}
		c.out.Room = step.Room
		if c.cfg.DropStep != "" && step.Step == c.cfg.DropStep && (c.cfg.DropRound == 0 || step.Round == c.cfg.DropRound) {
			c.out.Dropped = true
			c.logger.Debug().Str("step", step.Step).Int("round", step.Round).Msg("Dropping connection")
			return true, nil
		}
		if step.Step == protocol.StepEnd {
			return false, nil
		}
		return false, send(conn, protocol.TypeDone, c.player.Respond(step))

	case protocol.TypeResults:
		var result game.Result
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			return false, fmt.Errorf("decode results: %w", err)
		}
		c.out.Results = append(c.out.Results, result)

	case protocol.TypeWin:
		var win protocol.WinData
		if err := json.Unmarshal(msg.Data, &win); err != nil {
			return false, fmt.Errorf("decode win: %w", err)
		}
		c.out.Total = win.TotalRaw
		c.out.Exit = win.Exit
		if c.cfg.Email != "" {
			if err := send(conn, protocol.TypeEmail, protocol.TextData{Text: c.cfg.Email}); err != nil {
				return false, err
			}
		}
		if c.cfg.Feedback != "" {
			if err := send(conn, protocol.TypeFeedback, protocol.TextData{Text: c.cfg.Feedback}); err != nil {
				return false, err
			}
		}

	case protocol.TypeError:
		var e protocol.ErrorData
		_ = json.Unmarshal(msg.Data, &e)
		c.out.Errors++
		c.logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("Server rejected a message")

	case protocol.TypeGameOver:
		return true, nil
	}
	return false, nil
}

func send(conn *websocket.Conn, msgType string, data any) error {
	payload, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}
