package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/aliasmail/internal/accounts"
	"github.com/vdavid/aliasmail/internal/alias"
	"github.com/vdavid/aliasmail/internal/cache"
	"github.com/vdavid/aliasmail/internal/fanout"
	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/imap/imaptest"
	"github.com/vdavid/aliasmail/internal/logging"
	"github.com/vdavid/aliasmail/internal/models"
	"github.com/vdavid/aliasmail/internal/testutil"
)

const waitFor = 3 * time.Second

type harness struct {
	server    *imaptest.Server
	manager   *accounts.Manager
	registry  *alias.Registry
	cache     *cache.Cache
	hub       *fanout.Hub
	pool      *imap.Pool
	scheduler *Scheduler
}

func fastOptions() Options {
	return Options{
		PullTick:        20 * time.Millisecond,
		Tiers:           Tiers{High: 20 * time.Millisecond, Mid: 20 * time.Millisecond, Low: 20 * time.Millisecond},
		HealthInterval:  50 * time.Millisecond,
		RenewInterval:   time.Second,
		PushRetryAfter:  time.Hour,
		MaxPushFailures: 2,
		Retry: RetryPolicy{
			Base:         10 * time.Millisecond,
			Max:          50 * time.Millisecond,
			Jitter:       0.2,
			MaxRetries:   3,
			SlowInterval: 100 * time.Millisecond,
		},
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := logging.Discard()
	server := imaptest.NewServer()
	server.CreateFolder("Spam")

	manager := accounts.NewManager(testutil.GetTestEncryptor(t), server, nil, nil, logger, accounts.Options{})
	registry := alias.NewRegistry(manager, logger, alias.Options{TTL: time.Hour})
	c := cache.New(100, registry.IsLive)
	hub := fanout.NewHub(10, c.MessagesFor, logger)
	registry.OnRemove(func(a models.Alias) {
		c.PurgeAlias(a.Address)
		hub.DropAlias(a.Address)
	})

	pool := imap.NewPool(server, testutil.GetTestEncryptor(t), logger, imap.PoolOptions{MaxPerAccount: 3})
	t.Cleanup(pool.Close)

	return &harness{
		server:    server,
		manager:   manager,
		registry:  registry,
		cache:     c,
		hub:       hub,
		pool:      pool,
		scheduler: NewScheduler(manager, registry, pool, c, hub, logger, opts),
	}
}

func (h *harness) register(t *testing.T, address string) *models.Account {
	t.Helper()
	h.server.AddAccount(address, "secret")
	account, err := h.manager.Register(context.Background(), address, "secret", "imap.test:993")
	require.NoError(t, err)
	return account
}

func (h *harness) generate(t *testing.T, owner string) models.Alias {
	t.Helper()
	a, err := h.registry.Generate(owner, models.StrategyTag, "")
	require.NoError(t, err)
	return a
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.scheduler.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("scheduler did not stop")
		}
	})
}

func (h *harness) status(accountID string) AccountRetrieval {
	for _, status := range h.scheduler.Status() {
		if status.AccountID == accountID {
			return status
		}
	}
	return AccountRetrieval{}
}

func (h *harness) waitForMode(t *testing.T, accountID string, mode Mode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.status(accountID).Mode == mode
	}, waitFor, 10*time.Millisecond, "account never reached mode %s", mode)
}

func (h *harness) waitForMessages(t *testing.T, address string, n int) []models.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.cache.MessagesFor(address)) >= n
	}, waitFor, 10*time.Millisecond, "expected %d messages for %s", n, address)
	return h.cache.MessagesFor(address)
}

func nextEvent(t *testing.T, sub *fanout.ChanSubscriber) models.Event {
	t.Helper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(waitFor):
		t.Fatal("no event received")
		return models.Event{}
	}
}

func TestScheduler_Push(t *testing.T) {
	h := newHarness(t, fastOptions())
	account := h.register(t, "box@gmail.com")
	a := h.generate(t, "owner-1")

	// Delivered before the watcher exists; the catch-up fetch picks it up.
	h.server.Deliver("INBOX", "early@example.com", "Early", a.Address)

	sub := fanout.NewChanSubscriber(16)
	require.NoError(t, h.hub.Subscribe("owner-1", a.Address, sub))
	assert.Equal(t, models.EventSnapshot, nextEvent(t, sub).Type)

	h.run(t)
	h.waitForMode(t, account.ID, ModePush)

	event := nextEvent(t, sub)
	assert.Equal(t, models.EventNewMessage, event.Type)
	assert.Equal(t, "Early", event.Payload.(models.Message).Subject)

	h.server.Deliver("INBOX", "live@example.com", "Live", a.Address)
	h.server.Deliver("INBOX", "other@example.com", "Not ours", "someone@else.com")

	event = nextEvent(t, sub)
	assert.Equal(t, "Live", event.Payload.(models.Message).Subject)

	messages := h.waitForMessages(t, a.Address, 2)
	assert.Len(t, messages, 2)
	assert.Equal(t, "Live", messages[0].Subject)

	got, err := h.manager.Get(account.ID)
	require.NoError(t, err)
	assert.Positive(t, got.QuotaUsed)
	assert.Equal(t, ModePush, h.status(account.ID).Mode)
}

func TestScheduler_DuplicateMessageIsStoredOnce(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.register(t, "box@gmail.com")
	a := h.generate(t, "owner-1")

	sub := fanout.NewChanSubscriber(16)
	require.NoError(t, h.hub.Subscribe("owner-1", a.Address, sub))
	nextEvent(t, sub)

	h.run(t)

	// Same Message-ID twice, in the inbox and in spam.
	h.server.Deliver("INBOX", "dup@example.com", "Twice", a.Address)
	h.server.Deliver("INBOX", "dup@example.com", "Twice", a.Address)
	h.server.Deliver("Spam", "dup@example.com", "Twice", a.Address)

	h.waitForMessages(t, a.Address, 1)
	assert.Equal(t, models.EventNewMessage, nextEvent(t, sub).Type)

	// Let more cycles run, then make sure nothing else arrived.
	for _, status := range h.scheduler.Status() {
		require.NoError(t, h.scheduler.PollNow(context.Background(), status.AccountID))
	}
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, h.cache.MessagesFor(a.Address), 1)
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected second notification: %+v", event)
	default:
	}
}

func TestScheduler_FallsBackToPull(t *testing.T) {
	opts := fastOptions()
	h := newHarness(t, opts)
	account := h.register(t, "box@gmail.com")
	a := h.generate(t, "owner-1")
	h.server.FailIdle("box@gmail.com", fmt.Errorf("idle refused: %w", imap.ErrTransientConnection))

	h.run(t)
	h.waitForMode(t, account.ID, ModePull)

	h.server.Deliver("INBOX", "pulled@example.com", "Pulled", a.Address)
	h.server.Deliver("Spam", "spam@example.com", "From spam", a.Address)
	messages := h.waitForMessages(t, a.Address, 2)

	subjects := []string{messages[0].Subject, messages[1].Subject}
	assert.ElementsMatch(t, []string{"Pulled", "From spam"}, subjects)

	status := h.status(account.ID)
	assert.Equal(t, opts.Tiers.Low, status.Interval)
	assert.Equal(t, 0, status.Failures)
}

func TestScheduler_RetriesPushAfterFallback(t *testing.T) {
	opts := fastOptions()
	opts.PushRetryAfter = 100 * time.Millisecond
	h := newHarness(t, opts)
	account := h.register(t, "box@gmail.com")
	h.generate(t, "owner-1")
	h.server.FailIdle("box@gmail.com", fmt.Errorf("idle refused: %w", imap.ErrTransientConnection))

	h.run(t)
	h.waitForMode(t, account.ID, ModePull)

	h.server.FailIdle("box@gmail.com", nil)
	require.Eventually(t, func() bool {
		status := h.status(account.ID)
		return status.Mode == ModePush && status.PushFailures == 0 && status.LastSuccess.After(time.Now().Add(-time.Second))
	}, waitFor, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, ModePush, h.status(account.ID).Mode)
}

func TestScheduler_QuarantinesRevokedAccount(t *testing.T) {
	h := newHarness(t, fastOptions())
	revoked := h.register(t, "revoked@gmail.com")
	h.generate(t, "owner-1")

	h.run(t)
	h.waitForMode(t, revoked.ID, ModePush)

	h.server.RevokeAccount("revoked@gmail.com")

	require.Eventually(t, func() bool {
		got, err := h.manager.Get(revoked.ID)
		return err == nil && got.Status == models.AccountAuthError
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, ModeNone, h.status(revoked.ID).Mode)
	assert.NotEmpty(t, h.status(revoked.ID).LastError)

	healthy := h.register(t, "healthy@gmail.com")
	for i := range 10 {
		a := h.generate(t, fmt.Sprintf("owner-%d", i+2))
		assert.Equal(t, healthy.ID, a.AccountID)
	}

	// Sweeps never bring a quarantined account back.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, ModeNone, h.status(revoked.ID).Mode)
}

func TestScheduler_FailureClassification(t *testing.T) {
	opts := fastOptions()
	opts.DisablePush = true
	ctx := context.Background()

	t.Run("transient failures back off and recover", func(t *testing.T) {
		h := newHarness(t, opts)
		account := h.register(t, "box@gmail.com")
		a := h.generate(t, "owner-1")
		h.scheduler.HealthSweep()
		require.Equal(t, ModePull, h.status(account.ID).Mode)

		h.server.FailCommands(fmt.Errorf("timeout: %w", imap.ErrTransientConnection))
		for attempt := 1; attempt <= 4; attempt++ {
			require.Error(t, h.scheduler.PollNow(ctx, account.ID))
			assert.Equal(t, attempt, h.status(account.ID).Failures)
		}
		status := h.status(account.ID)
		assert.True(t, status.SlowTier)
		assert.True(t, status.NextPoll.After(time.Now()))

		got, err := h.manager.Get(account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountError, got.Status, "slow tier marks the account degraded")

		h.server.FailCommands(nil)
		h.server.Deliver("INBOX", "after@example.com", "After", a.Address)
		require.NoError(t, h.scheduler.PollNow(ctx, account.ID))

		status = h.status(account.ID)
		assert.Equal(t, 0, status.Failures)
		assert.Empty(t, status.LastError)
		got, err = h.manager.Get(account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountActive, got.Status)
		assert.Len(t, h.cache.MessagesFor(a.Address), 1)
	})

	t.Run("rate limiting cools the account down", func(t *testing.T) {
		h := newHarness(t, opts)
		account := h.register(t, "box@gmail.com")
		h.generate(t, "owner-1")
		h.scheduler.HealthSweep()

		h.server.FailDials("box@gmail.com", fmt.Errorf("too many connections: %w", imap.ErrRateLimited))
		err := h.scheduler.PollNow(ctx, account.ID)
		assert.ErrorIs(t, err, imap.ErrRateLimited)

		got, err := h.manager.Get(account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountRateLimited, got.Status)
		assert.Equal(t, ModeNone, h.status(account.ID).Mode)

		h.scheduler.HealthSweep()
		assert.Equal(t, ModeNone, h.status(account.ID).Mode, "stays off during the cool-down")
	})

	t.Run("unknown account", func(t *testing.T) {
		h := newHarness(t, opts)
		assert.ErrorIs(t, h.scheduler.PollNow(ctx, "missing"), accounts.ErrAccountNotFound)
	})
}

func TestScheduler_Pull(t *testing.T) {
	opts := fastOptions()
	opts.DisablePush = true
	ctx := context.Background()

	t.Run("only exact recipients are stored", func(t *testing.T) {
		h := newHarness(t, opts)
		account := h.register(t, "box@gmail.com")
		a := h.generate(t, "owner-1")
		h.scheduler.HealthSweep()

		h.server.Deliver("INBOX", "near@example.com", "Near miss", "x"+a.Address)
		h.server.Deliver("INBOX", "exact@example.com", "Exact", a.Address)
		require.NoError(t, h.scheduler.PollNow(ctx, account.ID))

		messages := h.cache.MessagesFor(a.Address)
		require.Len(t, messages, 1)
		assert.Equal(t, "Exact", messages[0].Subject)
	})

	t.Run("rotated alias gets nothing more", func(t *testing.T) {
		h := newHarness(t, opts)
		account := h.register(t, "box@gmail.com")
		old := h.generate(t, "owner-1")
		h.scheduler.HealthSweep()

		fresh, err := h.registry.Rotate("owner-1")
		require.NoError(t, err)

		h.server.Deliver("INBOX", "to-old@example.com", "Old", old.Address)
		h.server.Deliver("INBOX", "to-new@example.com", "New", fresh.Address)
		require.NoError(t, h.scheduler.PollNow(ctx, account.ID))

		assert.Empty(t, h.cache.MessagesFor(old.Address))
		assert.Len(t, h.cache.MessagesFor(fresh.Address), 1)
	})

	t.Run("tier follows the alias count", func(t *testing.T) {
		tiered := opts
		tiered.Tiers = Tiers{High: time.Second, Mid: 2 * time.Second, Low: 3 * time.Second}
		h := newHarness(t, tiered)
		account := h.register(t, "box@gmail.com")

		h.generate(t, "owner-1")
		h.scheduler.HealthSweep()
		assert.Equal(t, 3*time.Second, h.status(account.ID).Interval)

		for i := range 2 {
			h.generate(t, fmt.Sprintf("owner-%d", i+2))
		}
		h.scheduler.HealthSweep()
		assert.Equal(t, 2*time.Second, h.status(account.ID).Interval)

		for i := range 7 {
			h.generate(t, fmt.Sprintf("owner-%d", i+4))
		}
		h.scheduler.HealthSweep()
		assert.Equal(t, time.Second, h.status(account.ID).Interval)
		assert.Equal(t, 10, h.status(account.ID).Aliases)
	})
}

func TestScheduler_StopsWithoutAliases(t *testing.T) {
	h := newHarness(t, fastOptions())
	account := h.register(t, "box@gmail.com")
	a := h.generate(t, "owner-1")

	h.run(t)
	h.waitForMode(t, account.ID, ModePush)

	h.registry.ExpirySweep(a.ExpiresAt.Add(time.Second))
	require.Eventually(t, func() bool {
		return len(h.scheduler.Status()) == 0
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !h.pool.Stats(account.ID).Listener
	}, waitFor, 10*time.Millisecond)
}

func TestMatchRecipients(t *testing.T) {
	candidates := []string{"a@gmail.com", "b@gmail.com"}
	assert.Equal(t, candidates, matchRecipients(candidates, nil))
	assert.Equal(t, []string{"b@gmail.com"}, matchRecipients(candidates, []string{"b@gmail.com", "c@gmail.com"}))
	assert.Empty(t, matchRecipients(candidates, []string{"xa@gmail.com"}))
}

func TestScheduler_Track(t *testing.T) {
	opts := fastOptions()
	opts.HealthInterval = time.Hour
	h := newHarness(t, opts)
	account := h.register(t, "box@gmail.com")

	h.scheduler.Track(account.ID)
	assert.Empty(t, h.scheduler.Status(), "nothing is tracked before Run")

	h.run(t)
	h.scheduler.Track(account.ID)
	assert.Empty(t, h.scheduler.Status(), "accounts without aliases are not tracked")

	h.generate(t, "owner-1")
	require.Eventually(t, func() bool {
		h.scheduler.Track(account.ID)
		return h.status(account.ID).Mode == ModePush
	}, waitFor, 10*time.Millisecond)
}
