package server

import "errors"

var (
	// ErrParticipantClosed is returned when sending to a closed participant.
	ErrParticipantClosed = errors.New("participant connection closed")
	// ErrSendTimeout is returned when a participant's send buffer stays full.
	ErrSendTimeout = errors.New("send timeout")
	// ErrReconnectDisallowed is returned when a replaced participant id tries
	// to join again.
	ErrReconnectDisallowed = errors.New("participant was replaced and may not reconnect")
	// ErrUnknownTreatment is returned for a join naming an unconfigured game.
	ErrUnknownTreatment = errors.New("unknown treatment")
)
