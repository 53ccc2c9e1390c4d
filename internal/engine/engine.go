// Package engine wires the account pool, alias registry, ingestion scheduler, cache
// and fan-out into one object that owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/accounts"
	"github.com/vdavid/aliasmail/internal/alias"
	"github.com/vdavid/aliasmail/internal/cache"
	"github.com/vdavid/aliasmail/internal/crypto"
	"github.com/vdavid/aliasmail/internal/fanout"
	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/ingest"
	"github.com/vdavid/aliasmail/internal/models"
	"github.com/vdavid/aliasmail/internal/usage"
	"golang.org/x/sync/errgroup"
)

var (
	ErrOwnerRequired = errors.New("owner is required")
	// ErrNotOwner is returned when a caller touches an alias that belongs to someone else.
	ErrNotOwner = errors.New("alias belongs to another owner")
)

// Options tunes every component the engine owns.
type Options struct {
	Accounts accounts.Options
	Aliases  alias.Options
	Pool     imap.PoolOptions
	Ingest   ingest.Options

	CacheCapacity          int
	MaxSubscribersPerOwner int
	SubscriberBuffer       int

	UsageBatchSize     int
	UsageFlushInterval time.Duration
	AliasSweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = 10000
	}
	if o.MaxSubscribersPerOwner <= 0 {
		o.MaxSubscribersPerOwner = 10
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.AliasSweepInterval <= 0 {
		o.AliasSweepInterval = time.Minute
	}
	return o
}

// Engine is the alias ingestion and delivery engine.
type Engine struct {
	accounts  *accounts.Manager
	aliases   *alias.Registry
	pool      *imap.Pool
	cache     *cache.Cache
	hub       *fanout.Hub
	scheduler *ingest.Scheduler
	usage     *usage.Batcher

	logger *logrus.Logger
	opts   Options
}

// New builds an engine. store and sink may be nil, in which case accounts live only
// in memory and usage counters are not exported.
func New(cipher crypto.Cipher, dialer imap.Dialer, store accounts.Store, sink usage.Sink, logger *logrus.Logger, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{logger: logger, opts: opts}

	var recorder accounts.UsageRecorder
	if sink != nil {
		e.usage = usage.NewBatcher(sink, opts.UsageBatchSize, opts.UsageFlushInterval, logger)
		recorder = e.usage
	}

	e.accounts = accounts.NewManager(cipher, dialer, store, recorder, logger, opts.Accounts)
	e.aliases = alias.NewRegistry(e.accounts, logger, opts.Aliases)
	e.cache = cache.New(opts.CacheCapacity, e.aliases.IsLive)
	e.hub = fanout.NewHub(opts.MaxSubscribersPerOwner, e.cache.MessagesFor, logger)
	e.pool = imap.NewPool(dialer, cipher, logger, opts.Pool)
	e.scheduler = ingest.NewScheduler(e.accounts, e.aliases, e.pool, e.cache, e.hub, logger, opts.Ingest)

	e.aliases.OnRemove(func(removed models.Alias) {
		purged := e.cache.PurgeAlias(removed.Address)
		e.hub.DropAlias(removed.Address)
		logger.WithFields(logrus.Fields{
			"alias":  removed.Address,
			"purged": purged,
		}).Debug("Alias removed")
	})

	return e
}

// Load restores the persisted accounts. Aliases, cached mail and subscriptions are
// not persisted and start empty.
func (e *Engine) Load(ctx context.Context) error {
	n, err := e.accounts.Load(ctx)
	if err != nil {
		return err
	}
	e.logger.WithField("accounts", n).Info("Accounts loaded")
	return nil
}

// Run drives retrieval, alias expiry and usage flushing until ctx is done, then
// closes every pooled session.
func (e *Engine) Run(ctx context.Context) error {
	defer e.pool.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.aliases.Run(ctx, e.opts.AliasSweepInterval)
		return nil
	})
	if e.usage != nil {
		g.Go(func() error {
			e.usage.Run(ctx)
			return nil
		})
	}

	e.logger.Info("Engine started")
	err := g.Wait()
	e.logger.Info("Engine stopped")
	return err
}

// GenerateAlias mints a new alias for owner.
func (e *Engine) GenerateAlias(ctx context.Context, owner string, strategy models.AliasStrategy, domain string) (models.Alias, error) {
	if err := ctx.Err(); err != nil {
		return models.Alias{}, err
	}
	if owner == "" {
		return models.Alias{}, ErrOwnerRequired
	}

	created, err := e.aliases.Generate(owner, strategy, domain)
	if err != nil {
		return models.Alias{}, err
	}
	e.scheduler.Track(created.AccountID)
	return created, nil
}

// RotateAlias replaces every alias of owner with a fresh one.
func (e *Engine) RotateAlias(ctx context.Context, owner string) (models.Alias, error) {
	if err := ctx.Err(); err != nil {
		return models.Alias{}, err
	}
	if owner == "" {
		return models.Alias{}, ErrOwnerRequired
	}

	created, err := e.aliases.Rotate(owner)
	if err != nil {
		return models.Alias{}, err
	}
	e.scheduler.Track(created.AccountID)
	return created, nil
}

// ResolveAlias returns owner's alias, minting a replacement when it has expired.
func (e *Engine) ResolveAlias(ctx context.Context, owner, address string) (alias.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return alias.Resolution{}, err
	}
	if owner == "" {
		return alias.Resolution{}, ErrOwnerRequired
	}

	resolution, err := e.aliases.Resolve(owner, address)
	if err != nil {
		return alias.Resolution{}, err
	}
	if resolution.Healed {
		e.scheduler.Track(resolution.Alias.AccountID)
	}
	return resolution, nil
}

// GetMessages returns the cached messages of a live alias, newest first.
func (e *Engine) GetMessages(address string) ([]models.Message, error) {
	if _, err := e.aliases.Lookup(address); err != nil {
		return nil, err
	}
	return e.cache.MessagesFor(address), nil
}

// OwnedAlias returns the alias if it is live and belongs to owner.
func (e *Engine) OwnedAlias(owner, address string) (models.Alias, error) {
	if owner == "" {
		return models.Alias{}, ErrOwnerRequired
	}
	found, err := e.aliases.Lookup(address)
	if err != nil {
		return models.Alias{}, err
	}
	if found.Owner != owner {
		return models.Alias{}, fmt.Errorf("%w: %s", ErrNotOwner, found.Address)
	}
	return found, nil
}

// Subscribe opens a channel of events for owner's alias. The first event is a
// snapshot of the cached messages. The channel closes when cancel is called, the
// alias goes away, or the subscriber falls too far behind.
func (e *Engine) Subscribe(owner, address string) (<-chan models.Event, func(), error) {
	sub := fanout.NewChanSubscriber(e.opts.SubscriberBuffer)
	if err := e.SubscribeWith(owner, address, sub); err != nil {
		return nil, nil, err
	}
	cancel := func() {
		e.hub.Unsubscribe(sub)
	}
	return sub.Events(), cancel, nil
}

// SubscribeWith registers an already open subscriber, such as a WebSocket.
func (e *Engine) SubscribeWith(owner, address string, sub fanout.Subscriber) error {
	found, err := e.OwnedAlias(owner, address)
	if err != nil {
		return err
	}
	return e.hub.Subscribe(owner, found.Address, sub)
}

// Unsubscribe removes a subscriber registered with SubscribeWith.
func (e *Engine) Unsubscribe(sub fanout.Subscriber) {
	e.hub.Unsubscribe(sub)
}

// RegisterAccount adds a mailbox to the pool after a successful login probe.
func (e *Engine) RegisterAccount(ctx context.Context, address, credential, server string) (*models.Account, error) {
	return e.accounts.Register(ctx, address, credential, server)
}

// SetAccountStatus changes an account's status. Setting active reactivates the
// account, optionally with a new credential, and clears a quarantine.
func (e *Engine) SetAccountStatus(ctx context.Context, id string, status models.AccountStatus, credential string) error {
	if status == models.AccountActive {
		if err := e.accounts.Reactivate(ctx, id, credential); err != nil {
			return err
		}
		// Sessions opened with the old credential are useless now.
		e.pool.RemoveAccount(id)
	} else if err := e.accounts.MarkStatus(ctx, id, status, "set by operator"); err != nil {
		return err
	}
	e.scheduler.Track(id)
	return nil
}

// PollAccount runs a pull cycle for an account right away.
func (e *Engine) PollAccount(ctx context.Context, id string) error {
	return e.scheduler.PollNow(ctx, id)
}

// Accounts lists every account, sorted by address.
func (e *Engine) Accounts() []models.Account {
	return e.accounts.List()
}

// Aliases lists every live alias.
func (e *Engine) Aliases() []models.Alias {
	return e.aliases.List()
}

// Retrieval reports the retrieval state of every account being watched or polled.
func (e *Engine) Retrieval() []ingest.AccountRetrieval {
	return e.scheduler.Status()
}

// Stats is a snapshot of engine-wide counters.
type Stats struct {
	Accounts      int         `json:"accounts"`
	Aliases       int         `json:"aliases"`
	Cache         cache.Stats `json:"cache"`
	PendingUsage  int         `json:"pending_usage"`
	AccountsInUse int         `json:"accounts_in_use"`
}

// Stats returns engine-wide counters.
func (e *Engine) Stats() Stats {
	stats := Stats{
		Accounts:      len(e.accounts.List()),
		Aliases:       len(e.aliases.List()),
		Cache:         e.cache.Stats(),
		AccountsInUse: len(e.aliases.AccountsWithAliases()),
	}
	if e.usage != nil {
		stats.PendingUsage = e.usage.Pending()
	}
	return stats
}
