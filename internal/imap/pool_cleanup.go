package imap

import (
	"time"
)

// startCleanupGoroutine runs a background goroutine that periodically cleans up idle sessions.
// The goroutine will stop when cleanupCtx is canceled (via Pool.Close()).
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(p.cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.cleanupIdleConnections(time.Now())
			}
		}
	}()
}

// cleanupIdleConnections closes free worker sessions that are broken or idle past the
// timeout, and drops sets left empty.
func (p *Pool) cleanupIdleConnections(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.sets {
		set.mu.Lock()
		kept := set.conns[:0]
		var closed []*PooledConn
		for _, conn := range set.conns {
			if !conn.isBroken() && conn.idleFor(now) <= p.idleTimeout {
				kept = append(kept, conn)
				continue
			}
			if conn.tryLock() {
				closed = append(closed, conn)
				continue
			}
			// Held by someone; its release handles it if it is broken.
			kept = append(kept, conn)
		}
		set.conns = kept
		empty := len(set.conns) == 0 && set.dialing == 0
		if empty {
			set.retired = true
		}
		set.mu.Unlock()

		for _, conn := range closed {
			conn.markBroken()
			_ = conn.session.Logout()
			conn.unlock()
		}

		if empty {
			delete(p.sets, accountID)
		}
	}
}
