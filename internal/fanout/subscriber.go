package fanout

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vdavid/aliasmail/internal/models"
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSubscriberSlow   = errors.New("subscriber buffer full")
)

// Subscriber is one live delivery channel.
type Subscriber interface {
	Send(event models.Event) error
	Close() error
}

// ChanSubscriber delivers events into a buffered channel. A full buffer fails the
// send instead of blocking the publisher.
type ChanSubscriber struct {
	mu     sync.Mutex
	events chan models.Event
	closed bool
}

// NewChanSubscriber creates a subscriber with the given buffer size.
func NewChanSubscriber(buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSubscriber{events: make(chan models.Event, buffer)}
}

// Events is closed once the subscriber is closed.
func (s *ChanSubscriber) Events() <-chan models.Event {
	return s.events
}

func (s *ChanSubscriber) Send(event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.events <- event:
		return nil
	default:
		return ErrSubscriberSlow
	}
}

func (s *ChanSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// WSSubscriber writes events as JSON text frames to a WebSocket connection.
type WSSubscriber struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

// NewWSSubscriber wraps conn. Each write is bounded by writeTimeout.
func NewWSSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *WSSubscriber {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSSubscriber{conn: conn, writeTimeout: writeTimeout}
}

// Conn returns the underlying WebSocket connection.
func (s *WSSubscriber) Conn() *websocket.Conn {
	return s.conn
}

func (s *WSSubscriber) Send(event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSubscriberClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(event)
}

// Ping sends a ping control frame to keep the connection alive.
func (s *WSSubscriber) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSubscriberClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *WSSubscriber) Close() error {
	return s.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason sends a close frame with the given code before closing.
func (s *WSSubscriber) CloseWithReason(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	// Best effort; the peer may already be gone.
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}
