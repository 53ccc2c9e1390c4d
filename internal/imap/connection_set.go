package imap

import (
	"context"
	"sync"
	"time"
)

// ConnState is the lifecycle state of a pooled session.
type ConnState int

const (
	StateAvailable ConnState = iota
	StateInUse
	StateBroken
)

func (s ConnState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in_use"
	default:
		return "broken"
	}
}

// PooledConn is one authenticated session owned by the pool.
// Whoever holds it (between Acquire and release) has exclusive use of the session.
type PooledConn struct {
	AccountID string
	session   Session
	// busy is a one-slot lock that, unlike sync.Mutex, can be waited on with a context.
	busy chan struct{}

	mu         sync.Mutex
	lastUsed   time.Time
	acquiredAt time.Time
	broken     bool
}

func newPooledConn(accountID string, session Session) *PooledConn {
	now := time.Now()
	return &PooledConn{
		AccountID:  accountID,
		session:    session,
		busy:       make(chan struct{}, 1),
		lastUsed:   now,
		acquiredAt: now,
	}
}

// Session returns the underlying session. Only the current holder may use it.
func (c *PooledConn) Session() Session {
	return c.session
}

// State reports the connection state.
func (c *PooledConn) State() ConnState {
	c.mu.Lock()
	broken := c.broken
	c.mu.Unlock()

	if broken {
		return StateBroken
	}
	if len(c.busy) > 0 {
		return StateInUse
	}
	return StateAvailable
}

func (c *PooledConn) tryLock() bool {
	select {
	case c.busy <- struct{}{}:
		c.markAcquired()
		return true
	default:
		return false
	}
}

func (c *PooledConn) lock(ctx context.Context) error {
	select {
	case c.busy <- struct{}{}:
		c.markAcquired()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *PooledConn) unlock() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
	<-c.busy
}

func (c *PooledConn) markAcquired() {
	c.mu.Lock()
	c.acquiredAt = time.Now()
	c.mu.Unlock()
}

func (c *PooledConn) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func (c *PooledConn) isBroken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func (c *PooledConn) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastUsed)
}

func (c *PooledConn) acquiredTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquiredAt
}

// connectionSet holds the worker sessions of one account, bounded by max.
type connectionSet struct {
	mu      sync.Mutex
	conns   []*PooledConn
	dialing int
	max     int
	// retired is set once the pool has dropped this set; callers must look up a fresh one.
	retired bool
}

func (s *connectionSet) isRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// tryAcquire locks the first free healthy-looking session, or returns nil.
func (s *connectionSet) tryAcquire() *PooledConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.conns {
		if conn.isBroken() {
			continue
		}
		if conn.tryLock() {
			return conn
		}
	}
	return nil
}

// reserve claims a slot for a new dial if the set is under its cap.
func (s *connectionSet) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired || len(s.conns)+s.dialing >= s.max {
		return false
	}
	s.dialing++
	return true
}

func (s *connectionSet) unreserve() {
	s.mu.Lock()
	s.dialing--
	s.mu.Unlock()
}

// add registers a freshly dialed session, consuming a reservation.
// A session dialed for a set retired meanwhile is flagged broken so its release closes it.
func (s *connectionSet) add(conn *PooledConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialing--
	if s.retired {
		conn.markBroken()
		return
	}
	s.conns = append(s.conns, conn)
}

// oldestInUse returns the session that has been held the longest.
func (s *connectionSet) oldestInUse() *PooledConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *PooledConn
	for _, conn := range s.conns {
		if conn.isBroken() {
			continue
		}
		if oldest == nil || conn.acquiredTime().Before(oldest.acquiredTime()) {
			oldest = conn
		}
	}
	return oldest
}

func (s *connectionSet) contains(conn *PooledConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c == conn {
			return true
		}
	}
	return false
}

// remove drops conn from the set. It reports whether it was present.
func (s *connectionSet) remove(conn *PooledConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return true
		}
	}
	return false
}

func (s *connectionSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// close logs out every free session and flags busy ones broken so their holder's
// release closes them.
func (s *connectionSet) close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.retired = true
	s.mu.Unlock()

	for _, conn := range conns {
		if conn.tryLock() {
			_ = conn.session.Logout()
			conn.markBroken()
			<-conn.busy
		} else {
			conn.markBroken()
		}
	}
}
