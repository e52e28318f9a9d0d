package game

// ChoiceRecord holds the decisions of one pair for the current round. Blue is
// empty until BLUE decides and stays empty when RED stops.
type ChoiceRecord struct {
	Red  RedChoice  `json:"redChoice"`
	Blue BlueChoice `json:"blueChoice,omitempty"`
}

// HasBlue reports whether BLUE's decision has been recorded.
func (c *ChoiceRecord) HasBlue() bool {
	return c != nil && c.Blue != ""
}

// Choices is the pair of decisions reported in a Result. Blue is empty when
// RED stopped.
type Choices struct {
	Red  RedChoice  `json:"RED"`
	Blue BlueChoice `json:"BLUE,omitempty"`
}

// Result is the immutable outcome of one settled pair. The same *Result is
// appended to both participants' histories and must not be modified.
type Result struct {
	Payoffs Payoffs `json:"payoffs"`
	Choices Choices `json:"choices"`
	World   Table   `json:"world"`
}
