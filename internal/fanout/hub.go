// Package fanout pushes new-message events to live subscribers of an alias.
// Delivery is best effort: a failing subscriber is dropped, never retried.
package fanout

import (
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/models"
)

// ErrTooManySubscribers is returned when an owner is at the subscriber limit.
var ErrTooManySubscribers = errors.New("too many subscribers for this owner")

// SnapshotFunc returns the cached messages of an alias, newest first.
type SnapshotFunc func(alias string) []models.Message

// subscription tracks one subscriber. Until its snapshot is out, live messages
// queue in pending so the snapshot always arrives first.
type subscription struct {
	owner string
	alias string

	mu      sync.Mutex
	ready   bool
	pending []models.Message
	// inSnapshot holds the ids the snapshot carried; live events for them are skipped.
	inSnapshot map[string]struct{}
}

// deliver sends msg now, or queues it while the snapshot is still being sent.
// skipped is true for messages the snapshot already carried.
func (s *subscription) deliver(sub Subscriber, msg models.Message) (skipped bool, err error) {
	s.mu.Lock()
	if _, ok := s.inSnapshot[msg.ID]; ok {
		s.mu.Unlock()
		return true, nil
	}
	if !s.ready {
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	return false, sub.Send(newMessageEvent(s.alias, msg))
}

// flush sends whatever queued up during the snapshot and then goes live.
func (s *subscription) flush(sub Subscriber) error {
	for {
		s.mu.Lock()
		queued := s.pending
		s.pending = nil
		if len(queued) == 0 {
			s.ready = true
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		for _, msg := range queued {
			if err := sub.Send(newMessageEvent(s.alias, msg)); err != nil {
				return err
			}
		}
	}
}

func newMessageEvent(alias string, msg models.Message) models.Event {
	return models.Event{Type: models.EventNewMessage, Alias: alias, Payload: msg}
}

// Hub manages live subscribers per alias. An owner may hold several (e.g. tabs).
type Hub struct {
	mu          sync.RWMutex
	byAlias     map[string]map[Subscriber]*subscription
	perOwner    map[string]int
	maxPerOwner int
	snapshot    SnapshotFunc
	logger      *logrus.Logger
}

// NewHub creates a Hub with a per-owner subscriber limit.
func NewHub(maxPerOwner int, snapshot SnapshotFunc, logger *logrus.Logger) *Hub {
	if maxPerOwner <= 0 {
		maxPerOwner = 10
	}
	if snapshot == nil {
		snapshot = func(string) []models.Message { return nil }
	}
	return &Hub{
		byAlias:     make(map[string]map[Subscriber]*subscription),
		perOwner:    make(map[string]int),
		maxPerOwner: maxPerOwner,
		snapshot:    snapshot,
		logger:      logger,
	}
}

// Subscribe registers sub for the alias and sends it a snapshot of the cached
// messages before any live event can reach it. The snapshot is sent outside the
// hub lock, so a slow subscriber never holds up publishing to other aliases.
func (h *Hub) Subscribe(owner, alias string, sub Subscriber) error {
	alias = normalize(alias)

	h.mu.Lock()
	if h.perOwner[owner] >= h.maxPerOwner {
		h.mu.Unlock()
		h.logger.WithField("owner", owner).WithField("limit", h.maxPerOwner).
			Warn("Owner exceeded max subscribers, rejecting")
		return ErrTooManySubscribers
	}

	subs, ok := h.byAlias[alias]
	if !ok {
		subs = make(map[Subscriber]*subscription)
		h.byAlias[alias] = subs
	}
	messages := h.snapshot(alias)
	if messages == nil {
		messages = []models.Message{}
	}
	state := &subscription{owner: owner, alias: alias, inSnapshot: make(map[string]struct{}, len(messages))}
	for _, msg := range messages {
		state.inSnapshot[msg.ID] = struct{}{}
	}
	subs[sub] = state
	h.perOwner[owner]++
	h.mu.Unlock()

	err := sub.Send(models.Event{Type: models.EventSnapshot, Alias: alias, Payload: messages})
	if err == nil {
		err = state.flush(sub)
	}
	if err != nil {
		h.Unsubscribe(sub)
		return err
	}
	return nil
}

// Unsubscribe removes sub and closes it. Unknown subscribers are just closed.
func (h *Hub) Unsubscribe(sub Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	for _, subs := range h.byAlias {
		if s, ok := subs[sub]; ok {
			h.removeLocked(sub, s)
			break
		}
	}
	h.mu.Unlock()

	_ = sub.Close()
}

func (h *Hub) removeLocked(sub Subscriber, s *subscription) {
	subs := h.byAlias[s.alias]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.byAlias, s.alias)
	}
	h.perOwner[s.owner]--
	if h.perOwner[s.owner] <= 0 {
		delete(h.perOwner, s.owner)
	}
}

// Publish sends a new_message event to every subscriber of the alias and returns
// how many received it or have it queued behind their snapshot. Subscribers whose
// snapshot already carried the message are skipped. Subscribers that fail are pruned.
func (h *Hub) Publish(alias string, msg models.Message) int {
	alias = normalize(alias)

	h.mu.RLock()
	subs := make(map[Subscriber]*subscription, len(h.byAlias[alias]))
	for sub, state := range h.byAlias[alias] {
		subs[sub] = state
	}
	h.mu.RUnlock()

	delivered := 0
	for sub, state := range subs {
		skipped, err := state.deliver(sub, msg)
		if skipped {
			continue
		}
		if err != nil {
			h.logger.WithError(err).WithField("alias", alias).Debug("Dropping subscriber after failed send")
			h.Unsubscribe(sub)
			continue
		}
		delivered++
	}
	return delivered
}

// DropAlias closes every subscriber of a removed alias.
func (h *Hub) DropAlias(alias string) {
	alias = normalize(alias)

	h.mu.Lock()
	subs := h.byAlias[alias]
	closing := make([]Subscriber, 0, len(subs))
	for sub, s := range subs {
		closing = append(closing, sub)
		h.removeLocked(sub, s)
	}
	h.mu.Unlock()

	for _, sub := range closing {
		_ = sub.Close()
	}
}

// Active returns the number of subscribers of an alias.
func (h *Hub) Active(alias string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byAlias[normalize(alias)])
}

// ActiveForOwner returns the number of subscribers an owner holds.
func (h *Hub) ActiveForOwner(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.perOwner[owner]
}

func normalize(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
