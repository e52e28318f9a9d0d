package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/coder/quartz"
	"github.com/lox/stopgo/internal/game"
	"github.com/rs/zerolog"
)

// maxConsecutiveFailures disables a recorder.
const maxConsecutiveFailures = 3

// RecorderConfig configures a per-room recorder.
type RecorderConfig struct {
	Room      string
	OutputDir string
	Filename  string
	// FlushRounds flushes after this many completed rounds.
	FlushRounds int
	Clock       quartz.Clock
}

// Recorder buffers settled pairs and appends them to the room's history
// file. After repeated write failures it drops its buffer and disables
// itself; the session carries on without a history.
type Recorder struct {
	cfg     RecorderConfig
	logger  zerolog.Logger
	outPath string

	mu                  sync.Mutex
	flushMu             sync.Mutex
	buffer              []Entry
	roundsSinceFlush    int
	consecutiveFailures int
	disabled            bool
	onDisable           func()
}

// NewRecorder creates the output directory and returns a recorder.
func NewRecorder(cfg RecorderConfig, logger zerolog.Logger) (*Recorder, error) {
	if cfg.Room == "" {
		return nil, errors.New("history: Room is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("history: OutputDir is required")
	}
	if cfg.Filename == "" {
		cfg.Filename = DefaultFilename
	}
	if cfg.FlushRounds <= 0 {
		cfg.FlushRounds = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}

	return &Recorder{
		cfg:     cfg,
		logger:  logger.With().Str("component", "history").Str("room", cfg.Room).Logger(),
		outPath: filepath.Join(cfg.OutputDir, cfg.Filename),
	}, nil
}

// Path returns the history file.
func (r *Recorder) Path() string { return r.outPath }

// Record buffers one settled pair.
func (r *Recorder) Record(round int, pair game.RoundPair, table game.Table, result *game.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled || result == nil {
		return
	}
	r.buffer = append(r.buffer, NewEntry(round, pair, table, result, r.cfg.Clock.Now()))
}

// EndRound flushes once FlushRounds rounds have completed since the last
// flush.
func (r *Recorder) EndRound(round int) error {
	r.mu.Lock()
	r.roundsSinceFlush++
	due := r.roundsSinceFlush >= r.cfg.FlushRounds
	r.mu.Unlock()
	if !due {
		return nil
	}
	return r.flushAndTrack()
}

// Close flushes whatever is buffered.
func (r *Recorder) Close() error {
	return r.flushAndTrack()
}

func (r *Recorder) flushAndTrack() error {
	err := r.Flush()
	if disabled, dropped := r.HandleFlushResult(err); disabled {
		r.logger.Error().Int("dropped_entries", dropped).Msg("Round history disabled after repeated failures")
	}
	return err
}

// Flush appends buffered entries to the history file.
func (r *Recorder) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.disabled || len(r.buffer) == 0 {
		r.roundsSinceFlush = 0
		r.mu.Unlock()
		return nil
	}
	entries := append([]Entry(nil), r.buffer...)
	r.mu.Unlock()

	file, err := os.OpenFile(r.outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	written := 0
	for _, e := range entries {
		if err := writeEntry(file, e); err != nil {
			r.finalizeFlush(written)
			return err
		}
		written++
	}
	r.finalizeFlush(written)
	return file.Close()
}

// HandleFlushResult counts consecutive failures and reports whether the
// recorder was disabled by this one.
func (r *Recorder) HandleFlushResult(err error) (disabled bool, dropped int) {
	r.mu.Lock()
	if err == nil {
		r.consecutiveFailures = 0
		r.mu.Unlock()
		return false, 0
	}
	if r.disabled {
		r.mu.Unlock()
		return false, 0
	}
	r.consecutiveFailures++
	if r.consecutiveFailures < maxConsecutiveFailures {
		r.mu.Unlock()
		return false, 0
	}
	dropped = len(r.buffer)
	r.buffer = nil
	r.disabled = true
	notify := r.onDisable
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
	return true, dropped
}

// IsDisabled reports whether the recorder has given up.
func (r *Recorder) IsDisabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled
}

// Buffered returns the number of entries awaiting a flush.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

func (r *Recorder) finalizeFlush(flushed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if flushed >= len(r.buffer) {
		r.buffer = r.buffer[:0]
	} else {
		r.buffer = r.buffer[flushed:]
	}
	if flushed > 0 {
		r.roundsSinceFlush = 0
	}
}

func writeEntry(file *os.File, e Entry) error {
	if _, err := fmt.Fprintf(file, "[%s]\n", e.SectionName()); err != nil {
		return err
	}
	if err := toml.NewEncoder(file).Encode(e); err != nil {
		return err
	}
	_, err := file.WriteString("\n")
	return err
}
