package server

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/lox/stopgo/internal/bot"
	"github.com/lox/stopgo/internal/game"
)

// DefaultTreatment names the game used when a participant does not ask for one.
const DefaultTreatment = "standard"

// FileConfig represents the complete server configuration file.
type FileConfig struct {
	Server ServerSettings `hcl:"server,block"`
	Games  []GameConfig   `hcl:"game,block"`
}

// ServerSettings contains server-level configuration.
type ServerSettings struct {
	Address  string `hcl:"address,optional"`
	Port     int    `hcl:"port,optional"`
	DataDir  string `hcl:"data_dir,optional"`
	LogLevel string `hcl:"log_level,optional"`
	// HistoryFlushRounds flushes round history after this many rounds.
	HistoryFlushRounds int `hcl:"history_flush_rounds,optional"`

	// AuthURL enables credential checks on join.
	AuthURL      string `hcl:"auth_url,optional"`
	AuthSecret   string `hcl:"auth_secret,optional"`
	AuthFailOpen bool   `hcl:"auth_fail_open,optional"`
}

// GameConfig defines one treatment.
type GameConfig struct {
	Treatment   string        `hcl:"treatment,label"`
	GroupSize   int           `hcl:"group_size,optional"`
	Rounds      int           `hcl:"rounds,optional"`
	PI          *float64      `hcl:"pi,optional"`
	StepTimeout string        `hcl:"step_timeout,optional"`
	EndLinger   string        `hcl:"end_linger,optional"`
	ForfeitRed  string        `hcl:"forfeit_red,optional"`
	ForfeitBlue string        `hcl:"forfeit_blue,optional"`
	Payoffs     *PayoffConfig `hcl:"payoffs,block"`
	Bot         *bot.Settings `hcl:"bot,block"`
}

// PayoffConfig is the payoff schedule block:
//
//	payoffs {
//	  stop {
//	    red  = 3
//	    blue = 3
//	  }
//	  go "A" {
//	    left {
//	      red  = 5
//	      blue = 5
//	    }
//	    right {
//	      red  = 0
//	      blue = 1
//	    }
//	  }
//	}
type PayoffConfig struct {
	Stop PairPayoff     `hcl:"stop,block"`
	Go   []TablePayoffs `hcl:"go,block"`
}

// TablePayoffs holds the GO outcomes of one table.
type TablePayoffs struct {
	Table string     `hcl:"table,label"`
	Left  PairPayoff `hcl:"left,block"`
	Right PairPayoff `hcl:"right,block"`
}

// PairPayoff is a RED/BLUE payoff pair.
type PairPayoff struct {
	Red  float64 `hcl:"red"`
	Blue float64 `hcl:"blue"`
}

// GameSettings is a validated, typed game configuration.
type GameSettings struct {
	Treatment   string
	GroupSize   int
	Rounds      int
	PI          float64
	StepTimeout time.Duration
	EndLinger   time.Duration
	ForfeitRed  game.RedChoice
	ForfeitBlue game.BlueChoice
	Schedule    game.Schedule
	Bot         bot.Settings
}

// DefaultGameSettings returns the standard treatment.
func DefaultGameSettings() GameSettings {
	return GameSettings{
		Treatment:   DefaultTreatment,
		GroupSize:   4,
		Rounds:      3,
		PI:          0.5,
		StepTimeout: 30 * time.Second,
		EndLinger:   2 * time.Minute,
		ForfeitRed:  game.Stop,
		ForfeitBlue: game.Left,
		Schedule:    game.DefaultSchedule(),
		Bot:         bot.DefaultSettings(),
	}
}

// Validate checks ranges and that the payoff schedule is complete.
func (g GameSettings) Validate() error {
	if g.Treatment == "" {
		return fmt.Errorf("game: treatment name required")
	}
	if g.GroupSize < 2 {
		return fmt.Errorf("game %s: group_size must be at least 2, got %d", g.Treatment, g.GroupSize)
	}
	if g.Rounds < 1 {
		return fmt.Errorf("game %s: rounds must be positive, got %d", g.Treatment, g.Rounds)
	}
	if g.PI < 0 || g.PI > 1 {
		return fmt.Errorf("game %s: pi must be within [0,1], got %v", g.Treatment, g.PI)
	}
	if g.StepTimeout <= 0 {
		return fmt.Errorf("game %s: step_timeout must be positive", g.Treatment)
	}
	if g.EndLinger < 0 {
		return fmt.Errorf("game %s: end_linger must not be negative", g.Treatment)
	}
	if err := g.Schedule.Validate(); err != nil {
		return fmt.Errorf("game %s: %w", g.Treatment, err)
	}
	if err := g.Bot.Validate(); err != nil {
		return fmt.Errorf("game %s: bot: %w", g.Treatment, err)
	}
	return nil
}

// DefaultFileConfig returns default server configuration.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Server: ServerSettings{
			Address:            "localhost",
			Port:               8080,
			DataDir:            "data",
			LogLevel:           "info",
			HistoryFlushRounds: 1,
		},
		Games: []GameConfig{{Treatment: DefaultTreatment}},
	}
}

// LoadFileConfig loads configuration from an HCL file. A missing file
// yields the defaults.
func LoadFileConfig(filename string) (*FileConfig, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultFileConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config FileConfig
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	defaults := DefaultFileConfig().Server
	if config.Server.Address == "" {
		config.Server.Address = defaults.Address
	}
	if config.Server.Port == 0 {
		config.Server.Port = defaults.Port
	}
	if config.Server.DataDir == "" {
		config.Server.DataDir = defaults.DataDir
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = defaults.LogLevel
	}
	if config.Server.HistoryFlushRounds == 0 {
		config.Server.HistoryFlushRounds = defaults.HistoryFlushRounds
	}
	if len(config.Games) == 0 {
		config.Games = DefaultFileConfig().Games
	}

	return &config, nil
}

// Validate validates the server configuration and every game block.
func (c *FileConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.HistoryFlushRounds < 0 {
		return fmt.Errorf("history_flush_rounds must not be negative")
	}
	if len(c.Games) == 0 {
		return fmt.Errorf("at least one game must be configured")
	}

	seen := make(map[string]bool, len(c.Games))
	for _, g := range c.Games {
		if seen[g.Treatment] {
			return fmt.Errorf("game %s: defined more than once", g.Treatment)
		}
		seen[g.Treatment] = true
		if _, err := g.Settings(); err != nil {
			return err
		}
	}
	return nil
}

// ServerAddress returns the listen address.
func (c *FileConfig) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// GameSettings converts every game block, keyed by treatment.
func (c *FileConfig) GameSettings() (map[string]GameSettings, error) {
	out := make(map[string]GameSettings, len(c.Games))
	for _, g := range c.Games {
		s, err := g.Settings()
		if err != nil {
			return nil, err
		}
		out[s.Treatment] = s
	}
	return out, nil
}

// Treatments returns the configured treatment names, sorted.
func (c *FileConfig) Treatments() []string {
	names := make([]string, 0, len(c.Games))
	for _, g := range c.Games {
		names = append(names, g.Treatment)
	}
	sort.Strings(names)
	return names
}

// Settings applies defaults to g and validates the result.
func (g GameConfig) Settings() (GameSettings, error) {
	s := DefaultGameSettings()
	s.Treatment = g.Treatment
	if g.GroupSize != 0 {
		s.GroupSize = g.GroupSize
	}
	if g.Rounds != 0 {
		s.Rounds = g.Rounds
	}
	if g.PI != nil {
		s.PI = *g.PI
	}

	var err error
	if g.StepTimeout != "" {
		if s.StepTimeout, err = time.ParseDuration(g.StepTimeout); err != nil {
			return s, fmt.Errorf("game %s: step_timeout: %w", g.Treatment, err)
		}
	}
	if g.EndLinger != "" {
		if s.EndLinger, err = time.ParseDuration(g.EndLinger); err != nil {
			return s, fmt.Errorf("game %s: end_linger: %w", g.Treatment, err)
		}
	}
	if g.ForfeitRed != "" {
		c, ok := game.ParseRedChoice(g.ForfeitRed)
		if !ok {
			return s, fmt.Errorf("game %s: forfeit_red %q is not STOP or GO", g.Treatment, g.ForfeitRed)
		}
		s.ForfeitRed = c
	}
	if g.ForfeitBlue != "" {
		c, ok := game.ParseBlueChoice(g.ForfeitBlue)
		if !ok {
			return s, fmt.Errorf("game %s: forfeit_blue %q is not LEFT or RIGHT", g.Treatment, g.ForfeitBlue)
		}
		s.ForfeitBlue = c
	}
	if g.Payoffs != nil {
		sched, err := g.Payoffs.Schedule()
		if err != nil {
			return s, fmt.Errorf("game %s: %w", g.Treatment, err)
		}
		s.Schedule = sched
	}
	if g.Bot != nil {
		b := *g.Bot
		if b.Type == "" {
			b.Type = bot.TypeDynamic
		}
		s.Bot = b
	}

	return s, s.Validate()
}

// Schedule converts the block into a payoff schedule.
func (p PayoffConfig) Schedule() (game.Schedule, error) {
	sched := game.Schedule{
		Stop: game.Payoffs{Red: p.Stop.Red, Blue: p.Stop.Blue},
		Go:   make(map[game.Table]map[game.BlueChoice]game.Payoffs, len(p.Go)),
	}
	for _, tp := range p.Go {
		table, ok := game.ParseTable(tp.Table)
		if !ok {
			return sched, fmt.Errorf("payoffs: unknown table %q", tp.Table)
		}
		if _, dup := sched.Go[table]; dup {
			return sched, fmt.Errorf("payoffs: table %s defined more than once", table)
		}
		sched.Go[table] = map[game.BlueChoice]game.Payoffs{
			game.Left:  {Red: tp.Left.Red, Blue: tp.Left.Blue},
			game.Right: {Red: tp.Right.Red, Blue: tp.Right.Blue},
		}
	}
	return sched, sched.Validate()
}
