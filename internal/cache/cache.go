// Package cache holds ingested messages per alias in a bounded, deduplicated store.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/vdavid/aliasmail/internal/models"
)

const defaultCapacity = 10000

// LiveFunc reports whether an alias is still registered.
type LiveFunc func(alias string) bool

type key struct {
	alias string
	id    string
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries    int    `json:"entries"`
	Capacity   int    `json:"capacity"`
	Inserted   uint64 `json:"inserted"`
	Duplicates uint64 `json:"duplicates"`
	Rejected   uint64 `json:"rejected"`
	Evicted    uint64 `json:"evicted"`
}

// Cache is keyed by (alias, message id). Entries are never refreshed on read, so
// the LRU order is insertion order.
type Cache struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[key, models.Message]
	byAlias  map[string]map[string]struct{}
	capacity int
	live     LiveFunc
	now      func() time.Time

	inserted   uint64
	duplicates uint64
	rejected   uint64
	evicted    uint64
}

// New creates a cache holding at most capacity messages. live may be nil, in which
// case every alias counts as live.
func New(capacity int, live LiveFunc) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	c := &Cache{
		byAlias:  make(map[string]map[string]struct{}),
		capacity: capacity,
		live:     live,
		now:      time.Now,
	}
	// Only errors on a non-positive size.
	c.entries, _ = simplelru.NewLRU[key, models.Message](capacity, c.onRemoved)
	return c
}

func (c *Cache) onRemoved(k key, _ models.Message) {
	ids := c.byAlias[k.alias]
	delete(ids, k.id)
	if len(ids) == 0 {
		delete(c.byAlias, k.alias)
	}
}

// Put stores msg under (msg.Alias, msg.ID). It returns false without storing when the
// entry already exists or the alias is no longer live. A full cache first drops the
// oldest fifth of its entries.
func (c *Cache) Put(msg models.Message) bool {
	alias := normalize(msg.Alias)
	if alias == "" || msg.ID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != nil && !c.live(alias) {
		c.rejected++
		return false
	}

	k := key{alias: alias, id: msg.ID}
	if c.entries.Contains(k) {
		c.duplicates++
		return false
	}

	if c.entries.Len() >= c.capacity {
		c.evictBatch()
	}

	msg.Alias = alias
	msg.InsertedAt = c.now()
	c.entries.Add(k, msg)
	ids := c.byAlias[alias]
	if ids == nil {
		ids = make(map[string]struct{})
		c.byAlias[alias] = ids
	}
	ids[msg.ID] = struct{}{}
	c.inserted++
	return true
}

func (c *Cache) evictBatch() {
	n := max(1, c.capacity/5)
	for range n {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			return
		}
		c.evicted++
	}
}

// Has reports whether the message is cached for the alias.
func (c *Cache) Has(alias, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(key{alias: normalize(alias), id: id})
}

// MessagesFor returns the alias's messages newest first. A dead alias gets nothing
// and its leftover entries are dropped.
func (c *Cache) MessagesFor(alias string) []models.Message {
	alias = normalize(alias)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != nil && !c.live(alias) {
		c.purgeLocked(alias)
		return []models.Message{}
	}

	messages := make([]models.Message, 0, len(c.byAlias[alias]))
	for id := range c.byAlias[alias] {
		if msg, ok := c.entries.Peek(key{alias: alias, id: id}); ok {
			messages = append(messages, msg)
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.After(b.ReceivedAt)
		}
		if !a.InsertedAt.Equal(b.InsertedAt) {
			return a.InsertedAt.After(b.InsertedAt)
		}
		return a.ID > b.ID
	})
	return messages
}

// PurgeAlias drops every entry of the alias and returns how many were removed.
func (c *Cache) PurgeAlias(alias string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(normalize(alias))
}

func (c *Cache) purgeLocked(alias string) int {
	ids := c.byAlias[alias]
	if len(ids) == 0 {
		return 0
	}

	keys := make([]key, 0, len(ids))
	for id := range ids {
		keys = append(keys, key{alias: alias, id: id})
	}
	for _, k := range keys {
		c.entries.Remove(k)
	}
	return len(keys)
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    c.entries.Len(),
		Capacity:   c.capacity,
		Inserted:   c.inserted,
		Duplicates: c.duplicates,
		Rejected:   c.rejected,
		Evicted:    c.evicted,
	}
}

func normalize(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
