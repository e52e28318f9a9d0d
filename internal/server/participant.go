package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lox/stopgo/internal/logic"
	"github.com/lox/stopgo/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	sendBuffer = 64
)

// Participant is a connected human participant.
type Participant struct {
	conn      *websocket.Conn
	send      chan []byte
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
	logger    zerolog.Logger

	mu   sync.RWMutex
	info logic.Participant
	room *Room
}

// NewParticipant wraps a websocket connection.
func NewParticipant(conn *websocket.Conn, logger zerolog.Logger) *Participant {
	return &Participant{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "participant").Logger(),
	}
}

// ID returns the assigned participant id, empty before join.
func (p *Participant) ID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.ID
}

// Info returns the registry entry.
func (p *Participant) Info() logic.Participant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

func (p *Participant) setInfo(info logic.Participant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
}

// Room returns the room the participant plays in, if any.
func (p *Participant) Room() *Room {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.room
}

func (p *Participant) setRoom(r *Room) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room = r
}

// Done is closed once the connection is closed.
func (p *Participant) Done() <-chan struct{} { return p.done }

// Send encodes and queues a message.
func (p *Participant) Send(msgType string, data any) error {
	payload, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}
	return p.SendRaw(payload)
}

// SendRaw queues an encoded message.
func (p *Participant) SendRaw(payload []byte) error {
	select {
	case <-p.closing:
		return ErrParticipantClosed
	case <-p.done:
		return ErrParticipantClosed
	default:
	}

	select {
	case p.send <- payload:
		return nil
	case <-p.closing:
		return ErrParticipantClosed
	case <-p.done:
		return ErrParticipantClosed
	case <-time.After(time.Second):
		return ErrSendTimeout
	}
}

// SendError reports a rejected message to the participant.
func (p *Participant) SendError(code, message string) {
	if err := p.Send(protocol.TypeError, protocol.ErrorData{Code: code, Message: message}); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to send error")
	}
}

// Close flushes queued messages to the peer and then closes the
// connection.
func (p *Participant) Close() {
	p.closeOnce.Do(func() { close(p.closing) })
}

func (p *Participant) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// ReadPump reads messages until the connection fails and hands each one to
// handle.
func (p *Participant) ReadPump(handle func(raw []byte)) {
	defer func() {
		p.markDone()
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.Warn().Err(err).Msg("Unexpected WebSocket close error")
			}
			return
		}
		handle(message)
	}
}

// WritePump writes queued messages and pings until the participant is
// closed or the read side fails.
func (p *Participant) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case message := <-p.send:
			if err := p.write(message); err != nil {
				p.logger.Debug().Err(err).Msg("Write failed")
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.closing:
			p.flush()
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-p.done:
			return
		}
	}
}

func (p *Participant) flush() {
	for {
		select {
		case message := <-p.send:
			if err := p.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Participant) write(message []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, message)
}
