package main

import (
	"fmt"
	"time"

	"github.com/lox/stopgo/cmd/stopgo/shared"
	"github.com/lox/stopgo/internal/aggregate"
	"github.com/lox/stopgo/internal/bot"
	"github.com/lox/stopgo/internal/client"
	"github.com/lox/stopgo/internal/randutil"
	"golang.org/x/sync/errgroup"
)

// BotCmd connects automated participants, e.g. to fill a group during a
// pilot or to exercise a deployment.
type BotCmd struct {
	Server        string  `arg:"" default:"ws://localhost:8080/ws" help:"WebSocket server URL"`
	Count         int     `kong:"default='1',help='Number of participants to connect'"`
	Treatment     string  `help:"Treatment to join (server default when empty)"`
	Type          string  `kong:"default='fixed',enum='fixed,dynamic',help='Decision strategy'"`
	ChanceOfStop  float64 `kong:"default='0.5',help='Probability of STOP as RED'"`
	ChanceOfRight float64 `kong:"default='0.5',help='Probability of RIGHT as BLUE'"`
	Counters      string  `help:"avgDecisions.csv to seed the dynamic strategy"`
	WorkerPrefix  string  `kong:"default='bot',help='Worker id prefix; participants are numbered from 1'"`
	Email         string  `help:"Email to submit after the session"`
	Feedback      string  `help:"Feedback to submit after the session"`
	Seed          *int64  `kong:"help='Deterministic RNG seed (optional)'"`
	Debug         bool    `kong:"help='Enable debug logging'"`
}

func (c *BotCmd) Run() error {
	logger, err := shared.SetupLogger(shared.LogOptions{Debug: c.Debug})
	if err != nil {
		return err
	}
	if c.Count < 1 {
		return fmt.Errorf("count must be positive, got %d", c.Count)
	}

	settings := bot.Settings{Type: c.Type, ChanceOfStop: c.ChanceOfStop, ChanceOfRight: c.ChanceOfRight}
	counters := aggregate.NewStore(c.Counters)
	if c.Counters != "" {
		if err := counters.Load(); err != nil {
			return err
		}
	}

	seed := time.Now().UnixNano()
	if c.Seed != nil {
		seed = *c.Seed
	}
	rng := randutil.New(seed)

	ctx, cancel := shared.SignalContext(logger)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= c.Count; i++ {
		strategy, err := bot.NewStrategy(settings, counters)
		if err != nil {
			return err
		}
		cl, err := client.New(client.Config{
			URL:       c.Server,
			Treatment: c.Treatment,
			WorkerID:  fmt.Sprintf("%s-%d", c.WorkerPrefix, i),
			Strategy:  strategy,
			Rand:      randutil.Derive(rng),
			Email:     c.Email,
			Feedback:  c.Feedback,
			Logger:    logger,
		})
		if err != nil {
			return err
		}

		g.Go(func() error {
			out, err := cl.Run(ctx)
			if err != nil {
				return fmt.Errorf("participant %d: %w", i, err)
			}
			logger.Info().
				Str("participant", out.ParticipantID).
				Str("room", out.Room).
				Float64("total", out.Total).
				Str("exit", out.Exit).
				Int("rejected", out.Errors).
				Msg("Session finished")
			return nil
		})
	}
	return g.Wait()
}
