package bot

import (
	"fmt"
	"math/rand/v2"

	"github.com/lox/stopgo/internal/aggregate"
	"github.com/lox/stopgo/internal/game"
)

// Strategy types accepted in configuration.
const (
	TypeFixed   = "fixed"
	TypeDynamic = "dynamic"
)

// Strategy decides for an automated participant.
type Strategy interface {
	Name() string
	RedChoice(table game.Table, rng *rand.Rand) game.RedChoice
	BlueChoice(rng *rand.Rand) game.BlueChoice
}

// Fixed stops and picks RIGHT with constant probabilities.
type Fixed struct {
	ChanceOfStop  float64
	ChanceOfRight float64
}

func (f Fixed) Name() string { return TypeFixed }

func (f Fixed) RedChoice(_ game.Table, rng *rand.Rand) game.RedChoice {
	if rng.Float64() < f.ChanceOfStop {
		return game.Stop
	}
	return game.Go
}

func (f Fixed) BlueChoice(rng *rand.Rand) game.BlueChoice {
	if rng.Float64() < f.ChanceOfRight {
		return game.Right
	}
	return game.Left
}

// CounterSource supplies the aggregate human decision counts.
type CounterSource interface {
	Snapshot() aggregate.Counters
}

// Dynamic mimics human participants: it stops and picks RIGHT at the rates
// observed across sessions. Without human data for a decision it falls back
// to the fixed chances.
type Dynamic struct {
	Source   CounterSource
	Fallback Fixed
}

func (d Dynamic) Name() string { return TypeDynamic }

func (d Dynamic) RedChoice(table game.Table, rng *rand.Rand) game.RedChoice {
	rate, ok := d.Source.Snapshot().StopRate()
	if !ok {
		return d.Fallback.RedChoice(table, rng)
	}
	return Fixed{ChanceOfStop: rate}.RedChoice(table, rng)
}

func (d Dynamic) BlueChoice(rng *rand.Rand) game.BlueChoice {
	rate, ok := d.Source.Snapshot().RightRate()
	if !ok {
		return d.Fallback.BlueChoice(rng)
	}
	return Fixed{ChanceOfRight: rate}.BlueChoice(rng)
}

// Settings configures a strategy.
type Settings struct {
	Type          string  `hcl:"type,optional" json:"botType"`
	ChanceOfStop  float64 `hcl:"chance_of_stop,optional" json:"chanceOfStop"`
	ChanceOfRight float64 `hcl:"chance_of_right,optional" json:"chanceOfRight"`
}

// DefaultSettings returns a dynamic strategy with even fallback chances.
func DefaultSettings() Settings {
	return Settings{Type: TypeDynamic, ChanceOfStop: 0.5, ChanceOfRight: 0.5}
}

// Validate checks the type and that both chances are probabilities.
func (s Settings) Validate() error {
	switch s.Type {
	case TypeFixed, TypeDynamic:
	default:
		return fmt.Errorf("unknown bot type %q (want %s or %s)", s.Type, TypeFixed, TypeDynamic)
	}
	if s.ChanceOfStop < 0 || s.ChanceOfStop > 1 {
		return fmt.Errorf("chance_of_stop must be within [0,1], got %v", s.ChanceOfStop)
	}
	if s.ChanceOfRight < 0 || s.ChanceOfRight > 1 {
		return fmt.Errorf("chance_of_right must be within [0,1], got %v", s.ChanceOfRight)
	}
	return nil
}

// NewStrategy builds the strategy described by s. A dynamic strategy needs a
// counter source.
func NewStrategy(s Settings, source CounterSource) (Strategy, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	fixed := Fixed{ChanceOfStop: s.ChanceOfStop, ChanceOfRight: s.ChanceOfRight}
	if s.Type == TypeFixed {
		return fixed, nil
	}
	if source == nil {
		return nil, fmt.Errorf("dynamic bot requires aggregate counters")
	}
	return Dynamic{Source: source, Fallback: fixed}, nil
}
