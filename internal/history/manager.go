package history

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

// ManagerConfig configures the server-wide manager.
type ManagerConfig struct {
	// BaseDir holds one directory per room.
	BaseDir       string
	FlushInterval time.Duration
	FlushRounds   int
	Clock         quartz.Clock
}

// Manager owns the recorders of all live rooms and flushes them
// periodically.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu        sync.RWMutex
	recorders map[string]*Recorder
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates and starts a manager.
func NewManager(logger zerolog.Logger, cfg ManagerConfig) *Manager {
	if cfg.BaseDir == "" {
		cfg.BaseDir = "data"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.FlushRounds <= 0 {
		cfg.FlushRounds = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger.With().Str("component", "history").Logger(),
		recorders: make(map[string]*Recorder),
		stop:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// CreateRecorder registers a recorder writing to <BaseDir>/<room>/history.toml.
func (m *Manager) CreateRecorder(room string) (*Recorder, error) {
	m.mu.RLock()
	_, exists := m.recorders[room]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("history: recorder for %s already exists", room)
	}

	rec, err := NewRecorder(RecorderConfig{
		Room:        room,
		OutputDir:   filepath.Join(m.cfg.BaseDir, room),
		FlushRounds: m.cfg.FlushRounds,
		Clock:       m.cfg.Clock,
	}, m.logger)
	if err != nil {
		return nil, err
	}
	rec.onDisable = func() { go m.RemoveRecorder(room) }

	m.mu.Lock()
	m.recorders[room] = rec
	m.mu.Unlock()
	return rec, nil
}

// RemoveRecorder flushes and unregisters the recorder of room.
func (m *Manager) RemoveRecorder(room string) {
	m.mu.Lock()
	rec, ok := m.recorders[room]
	delete(m.recorders, room)
	m.mu.Unlock()

	if ok {
		if err := rec.Flush(); err != nil {
			m.logger.Error().Err(err).Str("room", room).Msg("History flush on remove failed")
		}
	}
}

// Len returns the number of registered recorders.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recorders)
}

// Shutdown stops the flush loop and flushes every recorder.
func (m *Manager) Shutdown() {
	close(m.stop)
	m.wg.Wait()

	m.mu.Lock()
	recorders := m.recorders
	m.recorders = make(map[string]*Recorder)
	m.mu.Unlock()

	for room, rec := range recorders {
		if err := rec.Flush(); err != nil {
			m.logger.Error().Err(err).Str("room", room).Msg("History flush on shutdown failed")
		}
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := m.cfg.Clock.NewTicker(m.cfg.FlushInterval, "history", "flush")
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flushAll()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) flushAll() {
	m.mu.RLock()
	snapshot := make(map[string]*Recorder, len(m.recorders))
	for k, v := range m.recorders {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for room, rec := range snapshot {
		if err := rec.flushAndTrack(); err != nil {
			m.logger.Error().Err(err).Str("room", room).Msg("History flush failed")
		}
	}
}
