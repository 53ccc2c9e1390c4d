package fanout

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/aliasmail/internal/logging"
	"github.com/vdavid/aliasmail/internal/models"
)

type failingSubscriber struct {
	mu     sync.Mutex
	sends  int
	failAt int
	closed bool
}

func (s *failingSubscriber) Send(models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if s.sends >= s.failAt {
		return errors.New("broken pipe")
	}
	return nil
}

func (s *failingSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *failingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// blockingSubscriber holds its first Send until release is closed.
type blockingSubscriber struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	events []models.Event
}

func newBlockingSubscriber() *blockingSubscriber {
	return &blockingSubscriber{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingSubscriber) Send(event models.Event) error {
	s.mu.Lock()
	first := len(s.events) == 0
	s.events = append(s.events, event)
	s.mu.Unlock()

	if first {
		close(s.started)
		<-s.release
	}
	return nil
}

func (s *blockingSubscriber) Close() error { return nil }

func (s *blockingSubscriber) received() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func receive(t *testing.T, sub *ChanSubscriber) models.Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscriber closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return models.Event{}
	}
}

func TestHub_Subscribe(t *testing.T) {
	cached := []models.Message{{ID: "m2"}, {ID: "m1"}}
	hub := NewHub(2, func(alias string) []models.Message {
		if alias == "a@gmail.com" {
			return cached
		}
		return nil
	}, logging.Discard())

	t.Run("sends the snapshot first", func(t *testing.T) {
		sub := NewChanSubscriber(8)
		require.NoError(t, hub.Subscribe("owner-1", "A@gmail.com", sub))

		event := receive(t, sub)
		assert.Equal(t, models.EventSnapshot, event.Type)
		assert.Equal(t, "a@gmail.com", event.Alias)
		assert.Equal(t, cached, event.Payload)

		hub.Publish("a@gmail.com", models.Message{ID: "m3"})
		event = receive(t, sub)
		assert.Equal(t, models.EventNewMessage, event.Type)
		assert.Equal(t, "m3", event.Payload.(models.Message).ID)

		hub.Unsubscribe(sub)
	})

	t.Run("empty snapshot is an empty list", func(t *testing.T) {
		sub := NewChanSubscriber(8)
		require.NoError(t, hub.Subscribe("owner-1", "b@gmail.com", sub))
		event := receive(t, sub)
		assert.Equal(t, []models.Message{}, event.Payload)
		hub.Unsubscribe(sub)
	})

	t.Run("enforces the per-owner limit", func(t *testing.T) {
		first, second := NewChanSubscriber(8), NewChanSubscriber(8)
		require.NoError(t, hub.Subscribe("owner-2", "a@gmail.com", first))
		require.NoError(t, hub.Subscribe("owner-2", "b@gmail.com", second))

		err := hub.Subscribe("owner-2", "c@gmail.com", NewChanSubscriber(8))
		assert.ErrorIs(t, err, ErrTooManySubscribers)
		assert.NoError(t, hub.Subscribe("owner-3", "c@gmail.com", NewChanSubscriber(8)), "other owners are unaffected")

		hub.Unsubscribe(first)
		assert.Equal(t, 1, hub.ActiveForOwner("owner-2"))
		assert.NoError(t, hub.Subscribe("owner-2", "c@gmail.com", NewChanSubscriber(8)))
	})

	t.Run("failed snapshot does not register", func(t *testing.T) {
		sub := &failingSubscriber{failAt: 1}
		err := hub.Subscribe("owner-4", "a@gmail.com", sub)
		assert.Error(t, err)
		assert.True(t, sub.isClosed())
		assert.Equal(t, 0, hub.ActiveForOwner("owner-4"))
	})
}

func TestHub_Publish(t *testing.T) {
	hub := NewHub(10, nil, logging.Discard())

	healthy := NewChanSubscriber(8)
	broken := &failingSubscriber{failAt: 2}
	other := NewChanSubscriber(8)
	require.NoError(t, hub.Subscribe("owner-1", "a@gmail.com", healthy))
	require.NoError(t, hub.Subscribe("owner-2", "a@gmail.com", broken))
	require.NoError(t, hub.Subscribe("owner-3", "b@gmail.com", other))
	receive(t, healthy)
	receive(t, other)
	assert.Equal(t, 2, hub.Active("a@gmail.com"))

	delivered := hub.Publish("a@gmail.com", models.Message{ID: "m1"})
	assert.Equal(t, 1, delivered)
	assert.True(t, broken.isClosed())
	assert.Equal(t, 1, hub.Active("a@gmail.com"))

	event := receive(t, healthy)
	assert.Equal(t, "m1", event.Payload.(models.Message).ID)

	select {
	case event := <-other.Events():
		t.Fatalf("unexpected event for another alias: %+v", event)
	default:
	}

	assert.Equal(t, 0, hub.Publish("nobody@gmail.com", models.Message{ID: "m1"}))

	t.Run("slow subscribers are pruned", func(t *testing.T) {
		slow := NewChanSubscriber(1)
		require.NoError(t, hub.Subscribe("owner-5", "c@gmail.com", slow))
		// The snapshot fills the buffer.
		assert.Equal(t, 0, hub.Publish("c@gmail.com", models.Message{ID: "m1"}))
		assert.Equal(t, 0, hub.Active("c@gmail.com"))
	})
}

func TestHub_SlowSnapshot(t *testing.T) {
	hub := NewHub(10, func(alias string) []models.Message {
		if alias == "slow@gmail.com" {
			return []models.Message{{ID: "m1"}}
		}
		return nil
	}, logging.Discard())

	other := NewChanSubscriber(8)
	require.NoError(t, hub.Subscribe("owner-1", "fast@gmail.com", other))
	receive(t, other)

	slow := newBlockingSubscriber()
	subscribed := make(chan error, 1)
	go func() {
		subscribed <- hub.Subscribe("owner-2", "slow@gmail.com", slow)
	}()
	<-slow.started

	t.Run("other aliases are not held up", func(t *testing.T) {
		start := time.Now()
		assert.Equal(t, 1, hub.Publish("fast@gmail.com", models.Message{ID: "f1"}))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, "f1", receive(t, other).Payload.(models.Message).ID)
	})

	t.Run("live events wait behind the snapshot", func(t *testing.T) {
		assert.Equal(t, 1, hub.Publish("slow@gmail.com", models.Message{ID: "m2"}))
		// Already part of the snapshot.
		assert.Equal(t, 0, hub.Publish("slow@gmail.com", models.Message{ID: "m1"}))

		close(slow.release)
		require.NoError(t, <-subscribed)

		events := slow.received()
		require.Len(t, events, 2)
		assert.Equal(t, models.EventSnapshot, events[0].Type)
		assert.Equal(t, models.EventNewMessage, events[1].Type)
		assert.Equal(t, "m2", events[1].Payload.(models.Message).ID)

		assert.Equal(t, 1, hub.Publish("slow@gmail.com", models.Message{ID: "m3"}))
		assert.Len(t, slow.received(), 3)
	})
}

func TestHub_SnapshotMessagesAreNotRepeated(t *testing.T) {
	hub := NewHub(10, func(string) []models.Message {
		return []models.Message{{ID: "m1"}}
	}, logging.Discard())

	sub := NewChanSubscriber(8)
	require.NoError(t, hub.Subscribe("owner-1", "a@gmail.com", sub))
	receive(t, sub)

	assert.Equal(t, 0, hub.Publish("a@gmail.com", models.Message{ID: "m1"}))
	assert.Equal(t, 1, hub.Publish("a@gmail.com", models.Message{ID: "m2"}))
	assert.Equal(t, "m2", receive(t, sub).Payload.(models.Message).ID)

	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", event)
	default:
	}
}

func TestHub_DropAlias(t *testing.T) {
	hub := NewHub(10, nil, logging.Discard())
	sub := NewChanSubscriber(8)
	require.NoError(t, hub.Subscribe("owner-1", "a@gmail.com", sub))
	receive(t, sub)

	hub.DropAlias("a@gmail.com")
	assert.Equal(t, 0, hub.Active("a@gmail.com"))
	assert.Equal(t, 0, hub.ActiveForOwner("owner-1"))

	_, ok := <-sub.Events()
	assert.False(t, ok, "subscriber is closed")
	assert.ErrorIs(t, sub.Send(models.Event{}), ErrSubscriberClosed)

	hub.DropAlias("a@gmail.com")
	hub.Unsubscribe(sub)
	hub.Unsubscribe(nil)
}

func TestWSSubscriber(t *testing.T) {
	hub := NewHub(10, func(string) []models.Message {
		return []models.Message{{ID: "cached", Subject: "Hello"}}
	}, logging.Discard())

	upgrader := websocket.Upgrader{}
	subscribed := make(chan *WSSubscriber, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := NewWSSubscriber(conn, time.Second)
		if err := hub.Subscribe("owner-1", "a@gmail.com", sub); err != nil {
			return
		}
		subscribed <- sub
	}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var sub *WSSubscriber
	select {
	case sub = <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not registered")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot struct {
		Type    models.EventType `json:"type"`
		Alias   string           `json:"alias"`
		Payload []models.Message `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, models.EventSnapshot, snapshot.Type)
	require.Len(t, snapshot.Payload, 1)
	assert.Equal(t, "cached", snapshot.Payload[0].ID)

	assert.Equal(t, 1, hub.Publish("a@gmail.com", models.Message{ID: "live", Subject: "New"}))
	var live struct {
		Type    models.EventType `json:"type"`
		Payload models.Message   `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, models.EventNewMessage, live.Type)
	assert.Equal(t, "New", live.Payload.Subject)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		pinged <- struct{}{}
		return nil
	})
	require.NoError(t, sub.Ping())

	hub.Unsubscribe(sub)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Len(t, pinged, 1, "ping arrives before the close frame")
	assert.ErrorIs(t, sub.Send(models.Event{}), ErrSubscriberClosed)
	assert.ErrorIs(t, sub.Ping(), ErrSubscriberClosed)
}
