package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lox/stopgo/internal/game"
)

// ErrUnknownMessageType is returned for message types the server does not
// accept from participants.
var ErrUnknownMessageType = errors.New("unknown message type")

// Inbound is a decoded participant message: Join, Done or Text.
type Inbound interface {
	inbound()
}

// Join is a decoded join request.
type Join struct {
	WorkerID   string
	AccessCode string
}

// Done is a decoded step completion. Absent choices are left empty; a
// choice that is present must be well-formed.
type Done struct {
	Step string
	Red  game.RedChoice
	Blue game.BlueChoice
}

// Text is a decoded email or feedback submission.
type Text struct {
	Kind string
	Text string
}

func (Join) inbound() {}
func (Done) inbound() {}
func (Text) inbound() {}

// DecodeError reports a frame that failed validation or decoding.
type DecodeError struct {
	Type  string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("decode %s: field %s: %v", e.Type, e.Field, e.Err)
	case e.Type != "":
		return fmt.Sprintf("decode %s: %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("decode message: %v", e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder validates and decodes inbound frames.
type Decoder struct {
	validator *Validator
}

// NewDecoder returns a decoder backed by v. A nil validator skips schema
// checks.
func NewDecoder(v *Validator) *Decoder {
	return &Decoder{validator: v}
}

// Decode validates raw and returns its typed form.
func (d *Decoder) Decode(raw []byte) (Inbound, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if d.validator != nil {
		if err := d.validator.Validate(raw); err != nil {
			return nil, &DecodeError{Type: msg.Type, Err: err}
		}
	}

	switch msg.Type {
	case TypeJoin:
		var data JoinData
		if err := unmarshalData(msg.Data, &data); err != nil {
			return nil, &DecodeError{Type: msg.Type, Err: err}
		}
		return Join{WorkerID: data.WorkerID, AccessCode: data.AccessCode}, nil

	case TypeDone:
		var data DoneData
		if err := unmarshalData(msg.Data, &data); err != nil {
			return nil, &DecodeError{Type: msg.Type, Err: err}
		}
		done := Done{Step: data.Step}
		if data.RedChoice != "" {
			c, ok := game.ParseRedChoice(data.RedChoice)
			if !ok {
				return nil, &DecodeError{Type: msg.Type, Field: "redChoice", Err: fmt.Errorf("%q is not STOP or GO", data.RedChoice)}
			}
			done.Red = c
		}
		if data.BlueChoice != "" {
			c, ok := game.ParseBlueChoice(data.BlueChoice)
			if !ok {
				return nil, &DecodeError{Type: msg.Type, Field: "blueChoice", Err: fmt.Errorf("%q is not LEFT or RIGHT", data.BlueChoice)}
			}
			done.Blue = c
		}
		return done, nil

	case TypeEmail, TypeFeedback:
		var data TextData
		if err := unmarshalData(msg.Data, &data); err != nil {
			return nil, &DecodeError{Type: msg.Type, Err: err}
		}
		return Text{Kind: msg.Type, Text: data.Text}, nil

	default:
		return nil, &DecodeError{Type: msg.Type, Err: ErrUnknownMessageType}
	}
}

func unmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
