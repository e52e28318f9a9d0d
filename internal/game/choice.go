package game

import (
	"math/rand/v2"
	"strings"
)

// Role is the part a participant plays in a round.
type Role string

const (
	Red  Role = "RED"
	Blue Role = "BLUE"
)

// RedChoice is the decision RED makes after seeing the table.
type RedChoice string

const (
	Stop RedChoice = "STOP"
	Go   RedChoice = "GO"
)

// ParseRedChoice accepts "STOP" or "GO" in any case.
func ParseRedChoice(s string) (RedChoice, bool) {
	switch RedChoice(strings.ToUpper(strings.TrimSpace(s))) {
	case Stop:
		return Stop, true
	case Go:
		return Go, true
	default:
		return "", false
	}
}

// BlueChoice is the decision BLUE makes when RED goes.
type BlueChoice string

const (
	Left  BlueChoice = "LEFT"
	Right BlueChoice = "RIGHT"
)

// ParseBlueChoice accepts "LEFT" or "RIGHT" in any case.
func ParseBlueChoice(s string) (BlueChoice, bool) {
	switch BlueChoice(strings.ToUpper(strings.TrimSpace(s))) {
	case Left:
		return Left, true
	case Right:
		return Right, true
	default:
		return "", false
	}
}

// Table identifies the payoff table (world state) in force for a pair.
type Table string

const (
	TableA Table = "A"
	TableB Table = "B"
)

// ParseTable accepts "A" or "B" in any case.
func ParseTable(s string) (Table, bool) {
	switch Table(strings.ToUpper(strings.TrimSpace(s))) {
	case TableA:
		return TableA, true
	case TableB:
		return TableB, true
	default:
		return "", false
	}
}

// DrawTable selects A with probability pi and B otherwise.
func DrawTable(rng *rand.Rand, pi float64) Table {
	if rng.Float64() < pi {
		return TableA
	}
	return TableB
}

// RoundPair is one RED/BLUE pairing for a round.
type RoundPair struct {
	Red  string `json:"RED"`
	Blue string `json:"BLUE"`
}
