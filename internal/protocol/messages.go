// Package protocol defines the JSON messages exchanged between the server
// and participants over websocket.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/lox/stopgo/internal/game"
)

// Participant -> server
const (
	TypeJoin     = "join"
	TypeDone     = "done"
	TypeEmail    = "email"
	TypeFeedback = "feedback"
)

// Server -> participant
const (
	TypeWelcome    = "welcome"
	TypeStep       = "step"
	TypeTable      = "TABLE"
	TypeRedChoice  = "RED-CHOICE"
	TypeBlueChoice = "BLUE-CHOICE"
	TypeResults    = "RESULTS"
	TypeWin        = "WIN"
	TypeError      = "error"
	TypeGameOver   = "game_over"
)

// Step names, in session order. The decision and results steps repeat once
// per round.
const (
	StepInstructions = "instructions"
	StepRedChoice    = "red-choice"
	StepBlueChoice   = "blue-choice"
	StepResults      = "results"
	StepEnd          = "end"
)

// Message is the envelope of every frame.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage wraps data in an envelope stamped with the current time.
func NewMessage(msgType string, data any) (*Message, error) {
	msg := &Message{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// Encode marshals data into a complete frame.
func Encode(msgType string, data any) ([]byte, error) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// JoinData asks to be placed in the waiting room.
type JoinData struct {
	WorkerID   string `json:"workerId,omitempty"`
	AccessCode string `json:"accessCode,omitempty"`
}

// DoneData completes the sender's current step. Only the choice matching the
// sender's role and step is read.
type DoneData struct {
	Step       string `json:"step,omitempty"`
	RedChoice  string `json:"redChoice,omitempty"`
	BlueChoice string `json:"blueChoice,omitempty"`
}

// TextData carries a free-text email or feedback submission.
type TextData struct {
	Text string `json:"text"`
}

// WelcomeData acknowledges a join.
type WelcomeData struct {
	ParticipantID string `json:"participantId"`
	GroupSize     int    `json:"groupSize"`
	Waiting       int    `json:"waiting"`
}

// StepData announces a new step. Role and Partner are empty outside the
// decision and results steps, and for participants without a match.
type StepData struct {
	Room      string `json:"room"`
	Step      string `json:"step"`
	Round     int    `json:"round"`
	Rounds    int    `json:"rounds"`
	Role      string `json:"role,omitempty"`
	Partner   string `json:"partner,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// ResultsData is the RESULTS payload.
type ResultsData = game.Result

// WinData is the final payoff and completion code.
type WinData struct {
	TotalRaw float64 `json:"totalRaw"`
	Exit     string  `json:"exit"`
}

// ErrorData reports a rejected message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GameOverData closes the session.
type GameOverData struct {
	Room   string `json:"room"`
	Rounds int    `json:"rounds"`
}

// Error codes sent in ErrorData.
const (
	CodeInvalidMessage = "invalid_message"
	CodeValidation     = "validation"
	CodeOutOfOrder     = "out_of_order"
	CodeDuplicate      = "duplicate_decision"
	CodeUnmatched      = "unmatched"
	CodeWrongStep      = "wrong_step"
	CodeAccessDenied   = "access_denied"
	CodeInternal       = "internal"
)
