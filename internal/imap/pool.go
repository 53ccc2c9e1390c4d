package imap

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/crypto"
	"golang.org/x/time/rate"
)

const (
	// defaultIdleTimeout is the maximum time a worker session can be idle before being closed.
	defaultIdleTimeout = 10 * time.Minute
	// defaultHealthCheckThreshold is the idle time after which we NOOP a session before reuse.
	defaultHealthCheckThreshold = 1 * time.Minute
	defaultCleanupInterval      = 1 * time.Minute
	defaultMaxPerAccount        = 5
)

// PoolOptions tunes a Pool. Zero values fall back to defaults.
type PoolOptions struct {
	MaxPerAccount        int
	IdleTimeout          time.Duration
	HealthCheckThreshold time.Duration
	CleanupInterval      time.Duration
	// DialRate and DialBurst throttle new logins across every account.
	DialRate  rate.Limit
	DialBurst int
}

// Pool manages IMAP sessions per account.
// Supports two types of sessions:
// - Worker sessions: up to MaxPerAccount per account for searches and fetches
// - Listener sessions: 1 dedicated session per account for IDLE
//
// Each session is held exclusively between acquire and release. When an account is
// at its cap, Acquire waits for the longest-held session instead of failing.
type Pool struct {
	dialer  Dialer
	cipher  crypto.Cipher
	limiter *rate.Limiter
	logger  *logrus.Logger

	sets      map[string]*connectionSet // accountID -> worker sessions
	listeners map[string]*PooledConn    // accountID -> listener session
	mu        sync.RWMutex

	maxPerAccount        int
	idleTimeout          time.Duration
	healthCheckThreshold time.Duration
	cleanupInterval      time.Duration

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// PoolStats is a point-in-time view of one account's sessions.
type PoolStats struct {
	Available int  `json:"available"`
	InUse     int  `json:"in_use"`
	Broken    int  `json:"broken"`
	Listener  bool `json:"listener"`
}

// NewPool creates a pool and starts its cleanup goroutine. Call Close to stop it.
func NewPool(dialer Dialer, cipher crypto.Cipher, logger *logrus.Logger, opts PoolOptions) *Pool {
	if opts.MaxPerAccount <= 0 {
		opts.MaxPerAccount = defaultMaxPerAccount
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.HealthCheckThreshold <= 0 {
		opts.HealthCheckThreshold = defaultHealthCheckThreshold
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.DialRate <= 0 {
		opts.DialRate = rate.Inf
	}
	if opts.DialBurst <= 0 {
		opts.DialBurst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dialer:               dialer,
		cipher:               cipher,
		limiter:              rate.NewLimiter(opts.DialRate, opts.DialBurst),
		logger:               logger,
		sets:                 make(map[string]*connectionSet),
		listeners:            make(map[string]*PooledConn),
		maxPerAccount:        opts.MaxPerAccount,
		idleTimeout:          opts.IdleTimeout,
		healthCheckThreshold: opts.HealthCheckThreshold,
		cleanupInterval:      opts.CleanupInterval,
		cleanupCtx:           ctx,
		cleanupCancel:        cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// MarkBroken flags a session so it is closed on release instead of being reused.
func (p *Pool) MarkBroken(conn *PooledConn) {
	if conn != nil {
		conn.markBroken()
	}
}

// RemoveAccount closes every session (worker and listener) of an account.
func (p *Pool) RemoveAccount(accountID string) {
	p.mu.Lock()
	set, exists := p.sets[accountID]
	delete(p.sets, accountID)
	p.mu.Unlock()

	if exists {
		set.close()
	}
	p.RemoveListener(accountID)
}

// Stats reports the sessions held for an account.
func (p *Pool) Stats(accountID string) PoolStats {
	p.mu.RLock()
	set := p.sets[accountID]
	_, hasListener := p.listeners[accountID]
	p.mu.RUnlock()

	stats := PoolStats{Listener: hasListener}
	if set == nil {
		return stats
	}

	set.mu.Lock()
	conns := append([]*PooledConn(nil), set.conns...)
	set.mu.Unlock()

	for _, conn := range conns {
		switch conn.State() {
		case StateAvailable:
			stats.Available++
		case StateInUse:
			stats.InUse++
		default:
			stats.Broken++
		}
	}
	return stats
}

// Close closes all sessions in the pool and stops the cleanup goroutine.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	sets := p.sets
	listeners := p.listeners
	p.sets = make(map[string]*connectionSet)
	p.listeners = make(map[string]*PooledConn)
	p.mu.Unlock()

	for _, set := range sets {
		set.close()
	}

	for accountID, listener := range listeners {
		closeListener(listener, p.logger.WithField("account", accountID))
	}
}
