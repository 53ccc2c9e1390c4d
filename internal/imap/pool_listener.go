package imap

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/models"
)

// Listener gets or creates the dedicated IDLE session of an account.
// The session is returned held; the caller must call release when it stops watching.
// Thread-safe: uses double-check locking pattern.
func (p *Pool) Listener(ctx context.Context, account *models.Account) (*PooledConn, func(), error) {
	p.mu.RLock()
	listener, exists := p.listeners[account.ID]
	p.mu.RUnlock()

	if exists {
		if err := listener.lock(ctx); err != nil {
			return nil, nil, err
		}

		p.mu.RLock()
		current, stillExists := p.listeners[account.ID]
		p.mu.RUnlock()

		if stillExists && current == listener {
			if !listener.isBroken() && listener.session.Alive() {
				return listener, p.listenerRelease(account.ID, listener), nil
			}
			// Dead listener, drop it and dial a fresh one below
			p.mu.Lock()
			if p.listeners[account.ID] == listener {
				delete(p.listeners, account.ID)
			}
			p.mu.Unlock()
			_ = listener.session.Logout()
			listener.unlock()
		} else {
			// Another goroutine removed or recreated it
			listener.unlock()
			return p.Listener(ctx, account)
		}
	}

	listener, err := p.dial(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	listener.tryLock()

	p.mu.Lock()
	if existing, exists := p.listeners[account.ID]; exists {
		// Another goroutine created it, close ours and use the existing one
		p.mu.Unlock()
		_ = listener.session.Logout()
		if err := existing.lock(ctx); err != nil {
			return nil, nil, err
		}
		return existing, p.listenerRelease(account.ID, existing), nil
	}
	p.listeners[account.ID] = listener
	p.mu.Unlock()

	return listener, p.listenerRelease(account.ID, listener), nil
}

func (p *Pool) listenerRelease(accountID string, listener *PooledConn) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if listener.isBroken() {
				p.mu.Lock()
				if p.listeners[accountID] == listener {
					delete(p.listeners, accountID)
				}
				p.mu.Unlock()
				_ = listener.session.Logout()
			}
			listener.unlock()
		})
	}
}

// RemoveListener closes the listener session of an account. A listener that is
// currently held is flagged broken and closed by its holder's release.
func (p *Pool) RemoveListener(accountID string) {
	p.mu.Lock()
	listener, exists := p.listeners[accountID]
	delete(p.listeners, accountID)
	p.mu.Unlock()

	if exists {
		closeListener(listener, p.logger.WithField("account", accountID))
	}
}

func closeListener(listener *PooledConn, logger *logrus.Entry) {
	if listener.tryLock() {
		if err := listener.session.Logout(); err != nil {
			logger.WithError(err).Debug("Failed to logout listener session")
		}
		listener.markBroken()
		listener.unlock()
		return
	}
	listener.markBroken()
}
