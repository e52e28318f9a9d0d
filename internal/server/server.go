// Package server hosts stop-go sessions over websockets: participants join
// a lobby per treatment, full groups become rooms, and each room runs one
// session on its own event loop.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/lox/stopgo/internal/aggregate"
	"github.com/lox/stopgo/internal/auth"
	"github.com/lox/stopgo/internal/history"
	"github.com/lox/stopgo/internal/logic"
	"github.com/lox/stopgo/internal/protocol"
	"github.com/lox/stopgo/internal/randutil"
	"github.com/lox/stopgo/internal/sessionid"
	"github.com/rs/zerolog"
)

// AggregateFile is the cross-session decision counter file under the data
// directory.
const AggregateFile = "avgDecisions.csv"

// Server is the websocket host.
type Server struct {
	logger zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
	ids   *sessionid.Generator

	clock              quartz.Clock
	dataDir            string
	historyFlushRounds int
	games              map[string]GameSettings
	defaultTreatment   string

	verifier     auth.Verifier
	authFailOpen bool

	upgrader websocket.Upgrader
	decoder  *protocol.Decoder
	counters *aggregate.Store
	history  *history.Manager
	rooms    *RoomManager

	// groupMu orders group formation against lobby departures.
	groupMu  sync.Mutex
	lobbies  map[string]*Lobby
	replaced map[string]bool

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for step timeouts.
func WithClock(clock quartz.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithDataDir sets where room directories and avgDecisions.csv live.
func WithDataDir(dir string) Option {
	return func(s *Server) { s.dataDir = dir }
}

// WithGame registers a treatment. The first registered treatment is the
// default for participants that do not name one.
func WithGame(settings GameSettings) Option {
	return func(s *Server) {
		if s.defaultTreatment == "" {
			s.defaultTreatment = settings.Treatment
		}
		s.games[settings.Treatment] = settings
	}
}

// WithHistoryFlushRounds sets how many rounds the history recorder buffers.
func WithHistoryFlushRounds(n int) Option {
	return func(s *Server) { s.historyFlushRounds = n }
}

// WithVerifier checks join credentials with v. When failOpen is set,
// participants are admitted while the verifier is unavailable.
func WithVerifier(v auth.Verifier, failOpen bool) Option {
	return func(s *Server) {
		s.verifier = v
		s.authFailOpen = failOpen
	}
}

// WithFileConfig applies the data directory, history settings and every
// game block of cfg.
func WithFileConfig(cfg *FileConfig) Option {
	return func(s *Server) {
		if cfg.Server.DataDir != "" {
			s.dataDir = cfg.Server.DataDir
		}
		if cfg.Server.HistoryFlushRounds > 0 {
			s.historyFlushRounds = cfg.Server.HistoryFlushRounds
		}
		if cfg.Server.AuthURL != "" {
			WithVerifier(auth.NewHTTPVerifier(cfg.Server.AuthURL, cfg.Server.AuthSecret, auth.DefaultTimeout), cfg.Server.AuthFailOpen)(s)
		}
		for _, g := range cfg.Games {
			settings, err := g.Settings()
			if err != nil {
				s.logger.Error().Err(err).Str("treatment", g.Treatment).Msg("Skipping invalid game")
				continue
			}
			WithGame(settings)(s)
		}
	}
}

// NewServer creates a server. The aggregate counters are loaded from the
// data directory before it returns.
func NewServer(logger zerolog.Logger, rng *rand.Rand, opts ...Option) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		logger:   logger.With().Str("component", "server").Logger(),
		rng:      rng,
		clock:    quartz.NewReal(),
		dataDir:  "data",
		games:    make(map[string]GameSettings),
		lobbies:  make(map[string]*Lobby),
		replaced: make(map[string]bool),
		verifier: auth.AllowAll{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.games) == 0 {
		WithGame(DefaultGameSettings())(s)
	}
	for name, g := range s.games {
		if err := g.Validate(); err != nil {
			cancel()
			return nil, err
		}
		s.lobbies[name] = NewLobby(name, g.GroupSize, randutil.Derive(rng))
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("compile message schemas: %w", err)
	}
	s.decoder = protocol.NewDecoder(validator)

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s.counters = aggregate.NewStore(filepath.Join(s.dataDir, AggregateFile))
	if err := s.counters.Load(); err != nil {
		cancel()
		return nil, fmt.Errorf("load aggregate counters: %w", err)
	}

	s.ids = sessionid.NewGenerator(randutil.Reader{R: randutil.Derive(rng)})
	s.rooms = NewRoomManager(logger)
	s.history = history.NewManager(logger, history.ManagerConfig{
		BaseDir:     s.dataDir,
		FlushRounds: s.historyFlushRounds,
	})

	snap := s.counters.Snapshot()
	s.logger.Info().
		Str("data_dir", s.dataDir).
		Strs("treatments", s.Treatments()).
		Int("stop_go", snap.StopGo).
		Int("right_left", snap.RightLeft).
		Msg("Server initialised")
	return s, nil
}

// Treatments returns the configured treatment names, sorted.
func (s *Server) Treatments() []string {
	names := make([]string, 0, len(s.games))
	for name := range s.games {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counters exposes the aggregate decision counters.
func (s *Server) Counters() *aggregate.Store { return s.counters }

// Rooms exposes the room manager.
func (s *Server) Rooms() *RoomManager { return s.rooms }

// Handler returns the HTTP handler serving /ws, /health and /rooms.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /rooms", s.handleRooms)
	mux.HandleFunc("GET /rooms/{id}", s.handleRoom)
	return mux
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Starting WebSocket server")
	return s.httpServer.ListenAndServe()
}

// Shutdown aborts running rooms, closes waiting participants, flushes round
// history and stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if n := s.rooms.Running(); n > 0 {
		s.logger.Warn().Int("rooms", n).Msg("Aborting running rooms")
	}
	s.cancel()

	s.groupMu.Lock()
	for _, lobby := range s.lobbies {
		for _, p := range lobby.Drain() {
			p.Close()
		}
	}
	s.groupMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.history.Shutdown()
	if s.httpServer != nil {
		if herr := s.httpServer.Shutdown(ctx); herr != nil && err == nil {
			err = herr
		}
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK")
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.List())
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := sessionid.Validate(id); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorData{Code: protocol.CodeInvalidMessage, Message: err.Error()})
		return
	}
	room, ok := s.rooms.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, protocol.ErrorData{Code: "not_found", Message: "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, room.Summary())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	treatment := r.URL.Query().Get("treatment")
	if treatment == "" {
		treatment = s.defaultTreatment
	}
	if _, ok := s.games[treatment]; !ok {
		http.Error(w, fmt.Sprintf("%v: %s", ErrUnknownTreatment, treatment), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	p := NewParticipant(conn, s.logger)
	go p.WritePump()
	go s.serve(p, treatment)
}

func (s *Server) serve(p *Participant, treatment string) {
	p.ReadPump(func(raw []byte) { s.handleRaw(p, treatment, raw) })

	s.groupMu.Lock()
	room := p.Room()
	if room == nil {
		s.lobbies[treatment].Remove(p)
	}
	s.groupMu.Unlock()

	if room != nil {
		room.Post(leaveEvent{id: p.ID()})
	}
	p.Close()
}

func (s *Server) handleRaw(p *Participant, treatment string, raw []byte) {
	msg, err := s.decoder.Decode(raw)
	if err != nil {
		code := protocol.CodeInvalidMessage
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.Field != "" {
			code = protocol.CodeValidation
		}
		p.SendError(code, err.Error())
		return
	}

	if room := p.Room(); room != nil {
		room.Post(inboundEvent{from: p.ID(), msg: msg})
		return
	}

	switch m := msg.(type) {
	case protocol.Join:
		s.join(p, treatment, m)
	default:
		if p.ID() == "" {
			p.SendError(protocol.CodeInvalidMessage, "join first")
			return
		}
		p.SendError(protocol.CodeWrongStep, "waiting for the group to fill")
	}
}

func (s *Server) join(p *Participant, treatment string, j protocol.Join) {
	if p.ID() != "" {
		p.SendError(protocol.CodeInvalidMessage, "already joined")
		return
	}
	workerID, ok := s.verify(p, j)
	if !ok {
		return
	}
	if workerID != "" && s.isReplaced(workerID) {
		p.SendError(protocol.CodeInvalidMessage, ErrReconnectDisallowed.Error())
		p.Close()
		return
	}

	s.rngMu.Lock()
	id, err := s.ids.Participant()
	var exit string
	if err == nil {
		exit, err = s.ids.ExitCode()
	}
	s.rngMu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate participant id")
		p.SendError(protocol.CodeInternal, "could not assign an id")
		return
	}
	p.setInfo(logic.Participant{
		ID:         id,
		WorkerID:   workerID,
		AccessCode: j.AccessCode,
		ExitCode:   exit,
	})

	settings := s.games[treatment]

	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	waiting, group := s.lobbies[treatment].Add(p)
	if err := p.Send(protocol.TypeWelcome, protocol.WelcomeData{
		ParticipantID: id,
		GroupSize:     settings.GroupSize,
		Waiting:       waiting,
	}); err != nil {
		s.logger.Debug().Err(err).Str("participant", id).Msg("Failed to send welcome")
	}
	s.logger.Info().
		Str("participant", id).
		Str("treatment", treatment).
		Int("waiting", waiting).
		Msg("Participant joined")

	if group != nil {
		s.startRoom(settings, group)
	}
}

// verify checks the join credentials and returns the worker id to record.
// On rejection the participant is told and disconnected.
func (s *Server) verify(p *Participant, j protocol.Join) (string, bool) {
	ident, err := s.verifier.Verify(s.ctx, auth.Credentials{WorkerID: j.WorkerID, AccessCode: j.AccessCode})
	switch {
	case err == nil:
		if ident != nil && ident.WorkerID != "" {
			return ident.WorkerID, true
		}
		return j.WorkerID, true
	case errors.Is(err, auth.ErrUnavailable) && s.authFailOpen:
		s.logger.Warn().Err(err).Str("worker", j.WorkerID).Msg("Credential check unavailable, admitting participant")
		return j.WorkerID, true
	default:
		s.logger.Info().Err(err).Str("worker", j.WorkerID).Msg("Join rejected")
		p.SendError(protocol.CodeAccessDenied, "access denied")
		p.Close()
		return "", false
	}
}

func (s *Server) isReplaced(workerID string) bool {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	return s.replaced[workerID]
}

// startRoom must be called with groupMu held.
func (s *Server) startRoom(settings GameSettings, group []*Participant) {
	s.rngMu.Lock()
	roomID, err := s.ids.Room()
	roomRand := randutil.Derive(s.rng)
	s.rngMu.Unlock()

	fail := func(err error) {
		s.logger.Error().Err(err).Str("treatment", settings.Treatment).Msg("Failed to start room")
		for _, p := range group {
			p.SendError(protocol.CodeInternal, "could not start the session")
			p.Close()
		}
	}
	if err != nil {
		fail(err)
		return
	}

	dir := filepath.Join(s.dataDir, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fail(err)
		return
	}

	recorder, err := s.history.CreateRecorder(roomID)
	if err != nil {
		s.logger.Warn().Err(err).Str("room", roomID).Msg("Round history disabled")
		recorder = nil
	}

	room, err := NewRoom(RoomConfig{
		ID:       roomID,
		Settings: settings,
		Dir:      dir,
		Counters: s.counters,
		Recorder: recorder,
		Rand:     roomRand,
		Clock:    s.clock,
		OnReplace: func(p logic.Participant) {
			if p.WorkerID == "" {
				return
			}
			s.groupMu.Lock()
			s.replaced[p.WorkerID] = true
			s.groupMu.Unlock()
		},
		OnFinish: func(r *Room) {
			s.history.RemoveRecorder(r.ID())
		},
	}, group, s.logger)
	if err != nil {
		s.history.RemoveRecorder(roomID)
		fail(err)
		return
	}

	s.rooms.Register(room)
	for _, p := range group {
		p.setRoom(room)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		room.Run(s.ctx)
	}()
}
