package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	rand "math/rand/v2"

	"github.com/lox/stopgo/cmd/stopgo/shared"
	"github.com/lox/stopgo/internal/randutil"
	"github.com/lox/stopgo/internal/server"
)

// ServerCmd runs the websocket server.
type ServerCmd struct {
	Config  string `kong:"default='stopgo.hcl',help='HCL configuration file (defaults apply when missing)'"`
	Addr    string `kong:"help='Listen address, overrides the config file'"`
	DataDir string `kong:"help='Session data directory, overrides the config file'"`
	Seed    *int64 `kong:"help='Deterministic RNG seed (optional)'"`
	Debug   bool   `kong:"help='Enable debug logging'"`
	LogJSON bool   `kong:"name='log-json',help='Log JSON lines instead of console output'"`
}

func (c *ServerCmd) Run() error {
	cfg, err := server.LoadFileConfig(c.Config)
	if err != nil {
		return err
	}
	if c.DataDir != "" {
		cfg.Server.DataDir = c.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := shared.SetupLogger(shared.LogOptions{
		Level: cfg.Server.LogLevel,
		Debug: c.Debug,
		JSON:  c.LogJSON,
	})
	if err != nil {
		return err
	}

	var rng *rand.Rand
	if c.Seed != nil {
		logger.Info().Int64("seed", *c.Seed).Msg("Using deterministic seed")
		rng = randutil.New(*c.Seed)
	} else {
		seed := time.Now().UnixNano()
		logger.Info().Int64("seed", seed).Msg("Using random seed")
		rng = randutil.New(seed)
	}

	s, err := server.NewServer(logger, rng, server.WithFileConfig(cfg))
	if err != nil {
		return err
	}

	addr := c.Addr
	if addr == "" {
		addr = cfg.ServerAddress()
	}
	logger.Info().
		Str("address", addr).
		Str("data_dir", cfg.Server.DataDir).
		Strs("treatments", s.Treatments()).
		Msg("Starting stop-go server")

	ctx, cancel := shared.SignalContext(logger)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		if err := s.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}
