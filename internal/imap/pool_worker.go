package imap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vdavid/aliasmail/internal/models"
)

// forceReuseRetry is how long Acquire waits when every slot is taken by sessions still dialing.
const forceReuseRetry = 50 * time.Millisecond

// Acquire returns an exclusively held worker session for the account and a release
// function that must be called when done. Existing sessions are reused after a
// liveness check; new ones are dialed while under the cap; at the cap the
// longest-held session is waited for and reused.
func (p *Pool) Acquire(ctx context.Context, account *models.Account) (*PooledConn, func(), error) {
	set := p.getOrCreateSet(account.ID)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if set.isRetired() {
			set = p.getOrCreateSet(account.ID)
		}

		if conn := set.tryAcquire(); conn != nil {
			if p.checkConnectionHealth(conn) {
				return conn, p.releaseFunc(set, conn), nil
			}
			p.discard(set, conn)
			continue
		}

		if set.reserve() {
			conn, err := p.dial(ctx, account)
			if err != nil {
				set.unreserve()
				return nil, nil, err
			}
			// Lock before publishing so no other caller can grab it first.
			conn.tryLock()
			set.add(conn)
			return conn, p.releaseFunc(set, conn), nil
		}

		oldest := set.oldestInUse()
		if oldest == nil {
			select {
			case <-time.After(forceReuseRetry):
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		if err := oldest.lock(ctx); err != nil {
			return nil, nil, err
		}
		if !set.contains(oldest) || oldest.isBroken() {
			oldest.unlock()
			continue
		}
		if p.checkConnectionHealth(oldest) {
			return oldest, p.releaseFunc(set, oldest), nil
		}
		p.discard(set, oldest)
	}
}

// getOrCreateSet gets or creates the session set for an account.
// Thread-safe: uses double-check locking pattern.
func (p *Pool) getOrCreateSet(accountID string) *connectionSet {
	p.mu.RLock()
	set, exists := p.sets[accountID]
	p.mu.RUnlock()

	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check: another goroutine might have created it
	if set, exists := p.sets[accountID]; exists {
		return set
	}

	set = &connectionSet{max: p.maxPerAccount}
	p.sets[accountID] = set
	return set
}

// dial opens a new session, waiting on the fleet-wide rate limiter first.
func (p *Pool) dial(ctx context.Context, account *models.Account) (*PooledConn, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed waiting for dial slot: %w", err)
	}

	password, err := p.cipher.Decrypt(account.EncryptedCredential)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt credential: %w", ErrAuthentication, err)
	}

	session, err := p.dialer.Dial(ctx, account.IMAPServer, account.Address, password)
	if err != nil {
		return nil, fmt.Errorf("failed to open session for %s: %w", account.Address, err)
	}

	return newPooledConn(account.ID, session), nil
}

// releaseFunc returns an idempotent release for a held session.
// Broken sessions are closed and dropped instead of being returned.
func (p *Pool) releaseFunc(set *connectionSet, conn *PooledConn) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if conn.isBroken() {
				set.remove(conn)
				_ = conn.session.Logout()
			}
			conn.unlock()
		})
	}
}

// discard removes a held session that failed its health check and closes it.
func (p *Pool) discard(set *connectionSet, conn *PooledConn) {
	set.remove(conn)
	conn.markBroken()
	_ = conn.session.Logout()
	conn.unlock()
	p.logger.WithField("account", conn.AccountID).Debug("Discarded dead IMAP session")
}

// checkConnectionHealth reports whether a held session can be reused.
// Sessions idle longer than the threshold get a NOOP round-trip.
func (p *Pool) checkConnectionHealth(conn *PooledConn) bool {
	if conn.isBroken() || !conn.session.Alive() {
		return false
	}

	// Acquire has already refreshed acquiredAt, so idleness is measured from the last release.
	if conn.idleFor(time.Now()) > p.healthCheckThreshold {
		if err := conn.session.Noop(); err != nil {
			return false
		}
	}
	return true
}
