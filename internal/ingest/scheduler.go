// Package ingest keeps mail flowing for every account that has live aliases:
// an IDLE watcher where it works, a polling cycle where it does not.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/models"
	"golang.org/x/sync/semaphore"
)

// Mode is how an account's mail is currently retrieved.
type Mode string

const (
	ModeNone Mode = "none"
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// Accounts is the account pool as seen by the scheduler.
type Accounts interface {
	Get(id string) (*models.Account, error)
	MarkStatus(ctx context.Context, id string, status models.AccountStatus, reason string) error
	RecordFetch(id string, messages int)
	RecoverySweep(ctx context.Context, now time.Time) []string
}

// Aliases is the live alias set as seen by the scheduler.
type Aliases interface {
	AccountsWithAliases() map[string]int
	ByAccount(accountID string) []models.Alias
}

// Connections hands out pooled sessions.
type Connections interface {
	Acquire(ctx context.Context, account *models.Account) (*imap.PooledConn, func(), error)
	Listener(ctx context.Context, account *models.Account) (*imap.PooledConn, func(), error)
	MarkBroken(conn *imap.PooledConn)
	RemoveAccount(accountID string)
	RemoveListener(accountID string)
}

// Store receives parsed messages. Put returns false for duplicates and dead aliases.
type Store interface {
	Put(msg models.Message) bool
}

// Publisher notifies live subscribers of a newly stored message.
type Publisher interface {
	Publish(alias string, msg models.Message) int
}

// Tiers are the poll intervals of pull-mode accounts by live alias count.
type Tiers struct {
	High time.Duration // 10 or more aliases
	Mid  time.Duration // 3 or more aliases
	Low  time.Duration
}

func (t Tiers) interval(aliases int) time.Duration {
	switch {
	case aliases >= 10:
		return t.High
	case aliases >= 3:
		return t.Mid
	default:
		return t.Low
	}
}

// Options tunes a Scheduler. Zero values fall back to defaults.
type Options struct {
	DisablePush     bool
	PullTick        time.Duration
	Tiers           Tiers
	HealthInterval  time.Duration
	RenewInterval   time.Duration
	PushRetryAfter  time.Duration
	MaxPushFailures int
	MaxConcurrent   int64
	FetchNewest     uint32
	SearchWindow    time.Duration
	Retry           RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.PullTick <= 0 {
		o.PullTick = 5 * time.Second
	}
	if o.Tiers.High <= 0 {
		o.Tiers.High = 5 * time.Second
	}
	if o.Tiers.Mid <= 0 {
		o.Tiers.Mid = 15 * time.Second
	}
	if o.Tiers.Low <= 0 {
		o.Tiers.Low = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = 10 * time.Minute
	}
	if o.PushRetryAfter <= 0 {
		o.PushRetryAfter = 10 * time.Minute
	}
	if o.MaxPushFailures <= 0 {
		o.MaxPushFailures = 3
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.FetchNewest == 0 {
		o.FetchNewest = 20
	}
	if o.SearchWindow <= 0 {
		o.SearchWindow = 14 * 24 * time.Hour
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// AccountRetrieval is the retrieval state of one account.
type AccountRetrieval struct {
	AccountID    string        `json:"account_id"`
	Mode         Mode          `json:"mode"`
	Aliases      int           `json:"aliases"`
	Interval     time.Duration `json:"interval"`
	NextPoll     time.Time     `json:"next_poll,omitzero"`
	Failures     int           `json:"failures"`
	PushFailures int           `json:"push_failures"`
	SlowTier     bool          `json:"slow_tier"`
	LastError    string        `json:"last_error,omitempty"`
	LastSuccess  time.Time     `json:"last_success,omitzero"`
}

type accountState struct {
	id       string
	mode     Mode
	aliases  int
	interval time.Duration
	nextPoll time.Time
	inFlight bool

	watchCancel  context.CancelFunc
	watchDone    chan struct{}
	pushFailures int
	pulledSince  time.Time

	backoff     backoff
	lastError   string
	lastSuccess time.Time

	// seen maps a message location to the aliases it was already stored for.
	seen map[string]*seenEntry
}

type seenEntry struct {
	aliases map[string]struct{}
	at      time.Time
}

// Scheduler drives retrieval for every account with live aliases.
type Scheduler struct {
	mu     sync.Mutex
	states map[string]*accountState

	accounts  Accounts
	aliases   Aliases
	pool      Connections
	store     Store
	publisher Publisher
	logger    *logrus.Logger
	opts      Options

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	ctx     context.Context
	running bool
	now     func() time.Time
}

// NewScheduler creates a Scheduler. Call Run to start it.
func NewScheduler(accounts Accounts, aliases Aliases, pool Connections, store Store, publisher Publisher, logger *logrus.Logger, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		states:    make(map[string]*accountState),
		accounts:  accounts,
		aliases:   aliases,
		pool:      pool,
		store:     store,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		ctx:       context.Background(),
		now:       time.Now,
	}
}

// Run sweeps and polls until ctx is done, then stops every watcher and waits for
// in-flight work.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.running = true
	s.mu.Unlock()

	s.HealthSweep()

	pullTicker := time.NewTicker(s.opts.PullTick)
	healthTicker := time.NewTicker(s.opts.HealthInterval)
	defer pullTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			return
		case <-pullTicker.C:
			s.pollDue()
		case <-healthTicker.C:
			s.HealthSweep()
		}
	}
}

// Track starts retrieval for one account right away instead of at the next health
// sweep. It does nothing before Run.
func (s *Scheduler) Track(accountID string) {
	s.mu.Lock()
	ctx, running := s.ctx, s.running
	s.mu.Unlock()
	if !running || ctx.Err() != nil {
		return
	}

	aliases := len(s.aliases.ByAccount(accountID))
	if aliases == 0 {
		return
	}
	account, err := s.accounts.Get(accountID)
	if err != nil {
		return
	}
	s.ensureMode(ctx, account, aliases, s.now())
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// HealthSweep makes sure every account with live aliases has a retrieval mode, stops
// retrieval for accounts without aliases and retries push for accounts that fell back
// to pull long enough ago.
func (s *Scheduler) HealthSweep() {
	ctx := s.runContext()
	if ctx.Err() != nil {
		return
	}
	now := s.now()

	s.accounts.RecoverySweep(ctx, now)
	counts := s.aliases.AccountsWithAliases()

	s.mu.Lock()
	for id, state := range s.states {
		if counts[id] == 0 {
			s.stopWatchLocked(state)
			delete(s.states, id)
			s.logger.WithField("account", id).Debug("No live aliases left, retrieval stopped")
			go s.pool.RemoveListener(id)
		}
	}
	s.mu.Unlock()

	for id, aliases := range counts {
		account, err := s.accounts.Get(id)
		if err != nil {
			continue
		}
		s.ensureMode(ctx, account, aliases, now)
	}
	s.pruneSeen(now)
}

func (s *Scheduler) ensureMode(ctx context.Context, account *models.Account, aliases int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[account.ID]
	if !ok {
		state = &accountState{id: account.ID, mode: ModeNone, seen: make(map[string]*seenEntry)}
		s.states[account.ID] = state
	}
	state.aliases = aliases
	state.interval = s.opts.Tiers.interval(aliases)

	switch account.Status {
	case models.AccountAuthError, models.AccountRateLimited:
		if state.mode != ModeNone {
			s.stopWatchLocked(state)
			state.mode = ModeNone
		}
		return
	}

	switch state.mode {
	case ModeNone:
		if s.opts.DisablePush {
			s.startPullLocked(state, now)
			return
		}
		s.startWatchLocked(ctx, state, account)
	case ModePull:
		if !s.opts.DisablePush && !state.pulledSince.IsZero() && now.Sub(state.pulledSince) >= s.opts.PushRetryAfter {
			s.logger.WithField("account", account.ID).Info("Retrying push mode")
			s.startWatchLocked(ctx, state, account)
		}
	}
}

func (s *Scheduler) startPullLocked(state *accountState, now time.Time) {
	state.mode = ModePull
	state.pulledSince = now
	state.nextPoll = now
}

func (s *Scheduler) startWatchLocked(ctx context.Context, state *accountState, account *models.Account) {
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	state.mode = ModePush
	state.pushFailures = 0
	state.watchCancel = cancel
	state.watchDone = done

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.watch(watchCtx, account, done)
	}()
}

func (s *Scheduler) stopWatchLocked(state *accountState) {
	if state.watchCancel != nil {
		state.watchCancel()
		state.watchCancel = nil
		state.watchDone = nil
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.states {
		s.stopWatchLocked(state)
	}
}

// pollDue starts a pull cycle for every pull-mode account whose next poll is due.
func (s *Scheduler) pollDue() {
	ctx := s.runContext()
	now := s.now()

	s.mu.Lock()
	var due []string
	for id, state := range s.states {
		if state.mode == ModePull && !state.inFlight && !now.Before(state.nextPoll) {
			state.inFlight = true
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Strings(due)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollAccounts(ctx, due)
	}()
}

// PollNow runs one pull cycle for an account right away, whatever its mode.
func (s *Scheduler) PollNow(ctx context.Context, accountID string) error {
	account, err := s.accounts.Get(accountID)
	if err != nil {
		return err
	}
	_, err = s.poll(ctx, account)
	s.recordOutcome(ctx, accountID, err)
	return err
}

// Status returns the retrieval state of every tracked account, ordered by id.
func (s *Scheduler) Status() []AccountRetrieval {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]AccountRetrieval, 0, len(s.states))
	for _, state := range s.states {
		result = append(result, AccountRetrieval{
			AccountID:    state.id,
			Mode:         state.mode,
			Aliases:      state.aliases,
			Interval:     state.interval,
			NextPoll:     state.nextPoll,
			Failures:     state.backoff.attempt,
			PushFailures: state.pushFailures,
			SlowTier:     s.opts.Retry.Slow(state.backoff.attempt),
			LastError:    state.lastError,
			LastSuccess:  state.lastSuccess,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result
}

// recordOutcome applies the result of a retrieval attempt: success resets the backoff,
// failures are classified into quarantine, cool-down or retry.
func (s *Scheduler) recordOutcome(ctx context.Context, accountID string, err error) {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	// Status writes must outlive a watcher that is being torn down.
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	log := s.logger.WithField("account", accountID)

	if err == nil {
		s.mu.Lock()
		state := s.states[accountID]
		recovered := false
		if state != nil {
			recovered = state.backoff.attempt > 0
			state.backoff.reset()
			state.lastError = ""
			state.lastSuccess = now
			state.nextPoll = now.Add(state.interval)
		}
		s.mu.Unlock()

		if recovered {
			if markErr := s.accounts.MarkStatus(ctx, accountID, models.AccountActive, ""); markErr != nil {
				log.WithError(markErr).Debug("Could not restore account status")
			}
		}
		return
	}

	switch {
	case errors.Is(err, imap.ErrAuthentication):
		log.WithError(err).Warn("Authentication failed, quarantining account")
		s.halt(accountID, err)
		_ = s.accounts.MarkStatus(ctx, accountID, models.AccountAuthError, err.Error())
		s.pool.RemoveAccount(accountID)

	case errors.Is(err, imap.ErrRateLimited):
		log.WithError(err).Warn("Provider is throttling, cooling down")
		s.halt(accountID, err)
		_ = s.accounts.MarkStatus(ctx, accountID, models.AccountRateLimited, err.Error())

	default:
		s.mu.Lock()
		state := s.states[accountID]
		var delay time.Duration
		slow := false
		if state != nil {
			delay = state.backoff.next(s.opts.Retry)
			slow = s.opts.Retry.Slow(state.backoff.attempt)
			state.lastError = err.Error()
			state.nextPoll = now.Add(delay)
		}
		s.mu.Unlock()

		log.WithError(err).WithField("retry_in", delay).Warn("Retrieval failed")
		if slow {
			_ = s.accounts.MarkStatus(ctx, accountID, models.AccountError, err.Error())
		}
	}
}

// halt stops all retrieval for an account until the health sweep sees it usable again.
func (s *Scheduler) halt(accountID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.states[accountID]; state != nil {
		s.stopWatchLocked(state)
		state.mode = ModeNone
		state.lastError = err.Error()
		state.backoff.reset()
	}
}
