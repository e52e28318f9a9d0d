package game

import "fmt"

// Payoffs holds one amount per role.
type Payoffs struct {
	Red  float64 `json:"RED" toml:"red"`
	Blue float64 `json:"BLUE" toml:"blue"`
}

// Schedule is the static payoff configuration. Stop applies whenever RED
// stops; Go is keyed by table and then by BLUE's choice.
type Schedule struct {
	Stop Payoffs
	Go   map[Table]map[BlueChoice]Payoffs
}

// DefaultSchedule returns the schedule used when none is configured. Going
// pays off when BLUE picks the side that matches the table.
func DefaultSchedule() Schedule {
	return Schedule{
		Stop: Payoffs{Red: 3, Blue: 3},
		Go: map[Table]map[BlueChoice]Payoffs{
			TableA: {
				Left:  Payoffs{Red: 5, Blue: 5},
				Right: Payoffs{Red: 0, Blue: 1},
			},
			TableB: {
				Left:  Payoffs{Red: 0, Blue: 1},
				Right: Payoffs{Red: 5, Blue: 5},
			},
		},
	}
}

// Validate checks that every table and blue choice has an entry.
func (s Schedule) Validate() error {
	for _, table := range []Table{TableA, TableB} {
		byChoice, ok := s.Go[table]
		if !ok {
			return fmt.Errorf("payoff schedule: missing GO entries for table %s", table)
		}
		for _, choice := range []BlueChoice{Left, Right} {
			if _, ok := byChoice[choice]; !ok {
				return fmt.Errorf("payoff schedule: missing GO.%s.%s", table, choice)
			}
		}
	}
	return nil
}

// ComputePayoffs returns the payoffs for a choice record under table. When
// RED stopped the table and BLUE's choice are irrelevant. When RED went the
// result is schedule.Go[table][blue]; a missing blue choice or schedule entry
// is a LookupError.
func ComputePayoffs(rec *ChoiceRecord, table Table, schedule Schedule) (Payoffs, error) {
	if rec == nil {
		return Payoffs{}, &LookupError{Reason: "no RED decision recorded", Err: ErrNoChoiceRecord}
	}

	switch rec.Red {
	case Stop:
		return schedule.Stop, nil
	case Go:
		if !rec.HasBlue() {
			return Payoffs{}, &LookupError{Reason: "RED chose GO but BLUE has not decided"}
		}
		byChoice, ok := schedule.Go[table]
		if !ok {
			return Payoffs{}, &LookupError{Reason: fmt.Sprintf("no GO entries for table %q", table)}
		}
		payoffs, ok := byChoice[rec.Blue]
		if !ok {
			return Payoffs{}, &LookupError{Reason: fmt.Sprintf("no GO.%s.%s entry", table, rec.Blue)}
		}
		return payoffs, nil
	default:
		return Payoffs{}, &LookupError{Reason: fmt.Sprintf("unknown RED choice %q", rec.Red)}
	}
}
