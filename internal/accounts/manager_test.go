package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/imap/imaptest"
	"github.com/vdavid/aliasmail/internal/logging"
	"github.com/vdavid/aliasmail/internal/models"
	"github.com/vdavid/aliasmail/internal/testutil"
)

type memoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*models.Account
	statuses    map[string]models.AccountStatus
	resets      int
	failStatus  error
	credentials map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts:    make(map[string]*models.Account),
		statuses:    make(map[string]models.AccountStatus),
		credentials: make(map[string][]byte),
	}
}

func (s *memoryStore) CreateAccount(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *account
	s.accounts[account.ID] = &copied
	return nil
}

func (s *memoryStore) UpdateAccountStatus(_ context.Context, id string, status models.AccountStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStatus != nil {
		return s.failStatus
	}
	s.statuses[id] = status
	return nil
}

func (s *memoryStore) UpdateAccountCredential(_ context.Context, id string, encrypted []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[id] = encrypted
	return nil
}

func (s *memoryStore) ListAccounts(context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*models.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		copied := *account
		result = append(result, &copied)
	}
	return result, nil
}

func (s *memoryStore) ResetAliasCounts(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *memoryStore) status(id string) models.AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

type recordingUsage struct {
	mu     sync.Mutex
	deltas []models.UsageDelta
}

func (r *recordingUsage) Record(delta models.UsageDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta)
}

func (r *recordingUsage) all() []models.UsageDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.UsageDelta(nil), r.deltas...)
}

func newTestManager(t *testing.T, server *imaptest.Server, store Store, usage UsageRecorder) *Manager {
	t.Helper()
	return NewManager(testutil.GetTestEncryptor(t), server, store, usage, logging.Discard(), Options{
		TopK:             3,
		RecoveryCooldown: 15 * time.Minute,
	})
}

func registerAccounts(t *testing.T, m *Manager, server *imaptest.Server, n int) []*models.Account {
	t.Helper()
	accounts := make([]*models.Account, 0, n)
	for i := range n {
		address := fmt.Sprintf("pool%d@gmail.com", i)
		server.AddAccount(address, "secret")
		account, err := m.Register(context.Background(), address, "secret", "imap.gmail.com:993")
		require.NoError(t, err)
		accounts = append(accounts, account)
	}
	return accounts
}

func TestManager_Register(t *testing.T) {
	t.Run("probes and activates the account", func(t *testing.T) {
		server := imaptest.NewServer()
		server.AddAccount("john@gmail.com", "secret")
		store := newMemoryStore()
		m := newTestManager(t, server, store, nil)

		account, err := m.Register(context.Background(), " John@Gmail.com ", "secret", "imap.gmail.com:993")
		require.NoError(t, err)

		assert.Equal(t, "john@gmail.com", account.Address)
		assert.Equal(t, models.AccountActive, account.Status)
		assert.NotEmpty(t, account.ID)
		assert.NotEqual(t, []byte("secret"), account.EncryptedCredential)
		assert.Len(t, m.Active(), 1)
		assert.Contains(t, store.accounts, account.ID)

		decrypted, err := testutil.GetTestEncryptor(t).Decrypt(account.EncryptedCredential)
		require.NoError(t, err)
		assert.Equal(t, "secret", decrypted)
	})

	t.Run("failed probe is classified and nothing is stored", func(t *testing.T) {
		server := imaptest.NewServer()
		server.AddAccount("john@gmail.com", "secret")
		store := newMemoryStore()
		m := newTestManager(t, server, store, nil)

		_, err := m.Register(context.Background(), "john@gmail.com", "wrong", "imap.gmail.com:993")
		require.Error(t, err)
		assert.True(t, errors.Is(err, imap.ErrAuthentication))
		assert.Empty(t, m.List())
		assert.Empty(t, store.accounts)
	})

	t.Run("transient probe failure", func(t *testing.T) {
		server := imaptest.NewServer()
		server.FailDials("john@gmail.com", fmt.Errorf("refused: %w", imap.ErrTransientConnection))
		m := newTestManager(t, server, nil, nil)

		_, err := m.Register(context.Background(), "john@gmail.com", "secret", "imap.gmail.com:993")
		assert.True(t, errors.Is(err, imap.ErrTransientConnection))
	})

	t.Run("rejects duplicates and bad input", func(t *testing.T) {
		server := imaptest.NewServer()
		server.AddAccount("john@gmail.com", "secret")
		m := newTestManager(t, server, nil, nil)

		_, err := m.Register(context.Background(), "john@gmail.com", "secret", "imap.gmail.com:993")
		require.NoError(t, err)

		_, err = m.Register(context.Background(), "JOHN@gmail.com", "secret", "imap.gmail.com:993")
		assert.True(t, errors.Is(err, ErrAccountExists))

		_, err = m.Register(context.Background(), "no-at-sign", "secret", "imap.gmail.com:993")
		assert.Error(t, err)

		_, err = m.Register(context.Background(), "x@gmail.com", "", "imap.gmail.com:993")
		assert.Error(t, err)
	})
}

func TestManager_SelectForNewAlias(t *testing.T) {
	t.Run("no accounts", func(t *testing.T) {
		m := newTestManager(t, imaptest.NewServer(), nil, nil)
		_, err := m.SelectForNewAlias("owner")
		assert.ErrorIs(t, err, ErrNoAccountsAvailable)
	})

	t.Run("only active accounts are eligible", func(t *testing.T) {
		server := imaptest.NewServer()
		m := newTestManager(t, server, nil, nil)
		accounts := registerAccounts(t, m, server, 3)

		require.NoError(t, m.MarkStatus(context.Background(), accounts[0].ID, models.AccountAuthError, "revoked"))
		require.NoError(t, m.MarkStatus(context.Background(), accounts[1].ID, models.AccountRateLimited, "throttled"))

		for range 20 {
			selected, err := m.SelectForNewAlias("owner")
			require.NoError(t, err)
			assert.Equal(t, accounts[2].ID, selected.ID)
		}
	})

	t.Run("distributes distinct owners evenly", func(t *testing.T) {
		server := imaptest.NewServer()
		m := newTestManager(t, server, nil, nil)
		const k, n = 3, 60
		registerAccounts(t, m, server, k)

		for i := range n {
			owner := fmt.Sprintf("owner-%d", i)
			selected, err := m.SelectForNewAlias(owner)
			require.NoError(t, err)
			m.RecordAliasAssigned(selected.ID, owner)
		}

		limit := (n+k-1)/k + 2
		total := 0
		for _, account := range m.List() {
			assert.LessOrEqual(t, account.AliasCount, limit, account.Address)
			total += account.AliasCount
		}
		assert.Equal(t, n, total)
	})

	t.Run("prefers accounts the owner does not use yet", func(t *testing.T) {
		server := imaptest.NewServer()
		m := newTestManager(t, server, nil, nil)
		accounts := registerAccounts(t, m, server, 2)

		// The first account is less loaded overall but already holds this owner's alias.
		m.RecordAliasAssigned(accounts[0].ID, "owner")
		for i := range 3 {
			m.RecordAliasAssigned(accounts[1].ID, fmt.Sprintf("other-%d", i))
		}

		for range 10 {
			selected, err := m.SelectForNewAlias("owner")
			require.NoError(t, err)
			assert.Equal(t, accounts[1].ID, selected.ID)
		}
	})

	t.Run("recovery sweep runs when nothing is active", func(t *testing.T) {
		server := imaptest.NewServer()
		m := newTestManager(t, server, nil, nil)
		accounts := registerAccounts(t, m, server, 1)
		require.NoError(t, m.MarkStatus(context.Background(), accounts[0].ID, models.AccountError, "timeout"))

		_, err := m.SelectForNewAlias("owner")
		assert.ErrorIs(t, err, ErrNoAccountsAvailable, "cool-down has not passed yet")

		m.now = func() time.Time { return time.Now().Add(time.Hour) }
		selected, err := m.SelectForNewAlias("owner")
		require.NoError(t, err)
		assert.Equal(t, accounts[0].ID, selected.ID)
	})

	t.Run("quarantined accounts are never recovered", func(t *testing.T) {
		server := imaptest.NewServer()
		m := newTestManager(t, server, nil, nil)
		accounts := registerAccounts(t, m, server, 1)
		require.NoError(t, m.MarkStatus(context.Background(), accounts[0].ID, models.AccountAuthError, "revoked"))

		m.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
		_, err := m.SelectForNewAlias("owner")
		assert.ErrorIs(t, err, ErrNoAccountsAvailable)
	})
}

func TestManager_AliasCounts(t *testing.T) {
	server := imaptest.NewServer()
	usage := &recordingUsage{}
	m := newTestManager(t, server, nil, usage)
	account := registerAccounts(t, m, server, 1)[0]

	m.RecordAliasAssigned(account.ID, "owner")
	m.RecordAliasAssigned(account.ID, "owner")
	got, err := m.Get(account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AliasCount)
	assert.False(t, got.LastUsed.IsZero())

	m.RecordAliasReleased(account.ID, "owner")
	m.RecordAliasReleased(account.ID, "owner")
	m.RecordAliasReleased(account.ID, "owner")
	got, err = m.Get(account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AliasCount, "never below zero")
	assert.Empty(t, m.ownerLoad)

	m.RecordAliasAssigned("unknown", "owner")
	m.RecordFetch(account.ID, 4)
	m.RecordFetch(account.ID, 0)
	got, err = m.Get(account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.QuotaUsed)

	var aliasSum int
	var quotaSum int64
	for _, delta := range usage.all() {
		assert.Equal(t, account.ID, delta.AccountID)
		aliasSum += delta.AliasDelta
		quotaSum += delta.QuotaDelta
	}
	assert.Len(t, usage.all(), 5)
	assert.Equal(t, 0, aliasSum)
	assert.Equal(t, int64(4), quotaSum)
}

func TestManager_MarkStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("auth error is sticky", func(t *testing.T) {
		server := imaptest.NewServer()
		store := newMemoryStore()
		m := newTestManager(t, server, store, nil)
		account := registerAccounts(t, m, server, 1)[0]

		require.NoError(t, m.MarkStatus(ctx, account.ID, models.AccountAuthError, "invalid credentials"))
		assert.Equal(t, models.AccountAuthError, store.status(account.ID))

		for _, status := range []models.AccountStatus{models.AccountActive, models.AccountError, models.AccountRateLimited} {
			err := m.MarkStatus(ctx, account.ID, status, "")
			assert.ErrorIs(t, err, ErrQuarantined)
		}

		got, err := m.Get(account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountAuthError, got.Status)
		assert.Equal(t, "invalid credentials", got.StatusReason)
	})

	t.Run("rejects unknown accounts and statuses", func(t *testing.T) {
		m := newTestManager(t, imaptest.NewServer(), nil, nil)
		assert.ErrorIs(t, m.MarkStatus(ctx, "missing", models.AccountError, ""), ErrAccountNotFound)

		server := imaptest.NewServer()
		m = newTestManager(t, server, nil, nil)
		account := registerAccounts(t, m, server, 1)[0]
		assert.Error(t, m.MarkStatus(ctx, account.ID, "paused", ""))
	})

	t.Run("store failures do not block the transition", func(t *testing.T) {
		server := imaptest.NewServer()
		store := newMemoryStore()
		m := newTestManager(t, server, store, nil)
		account := registerAccounts(t, m, server, 1)[0]
		store.failStatus = errors.New("database down")

		require.NoError(t, m.MarkStatus(ctx, account.ID, models.AccountRateLimited, "throttled"))
		got, err := m.Get(account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountRateLimited, got.Status)
	})
}

func TestManager_Reactivate(t *testing.T) {
	ctx := context.Background()
	server := imaptest.NewServer()
	store := newMemoryStore()
	m := newTestManager(t, server, store, nil)
	account := registerAccounts(t, m, server, 1)[0]
	require.NoError(t, m.MarkStatus(ctx, account.ID, models.AccountAuthError, "revoked"))

	t.Run("new credential must pass the probe", func(t *testing.T) {
		err := m.Reactivate(ctx, account.ID, "still-wrong")
		assert.ErrorIs(t, err, imap.ErrAuthentication)

		got, err := m.Get(account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountAuthError, got.Status)
	})

	t.Run("new credential replaces the old one", func(t *testing.T) {
		server.AddAccount(account.Address, "rotated")
		require.NoError(t, m.Reactivate(ctx, account.ID, "rotated"))

		got, err := m.Get(account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountActive, got.Status)
		assert.Empty(t, got.StatusReason)
		assert.Equal(t, models.AccountActive, store.status(account.ID))

		decrypted, err := testutil.GetTestEncryptor(t).Decrypt(got.EncryptedCredential)
		require.NoError(t, err)
		assert.Equal(t, "rotated", decrypted)
		assert.NotEmpty(t, store.credentials[account.ID])
	})

	t.Run("without a credential it only clears the status", func(t *testing.T) {
		require.NoError(t, m.MarkStatus(ctx, account.ID, models.AccountAuthError, "revoked"))
		require.NoError(t, m.Reactivate(ctx, account.ID, ""))

		got, err := m.Get(account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountActive, got.Status)
	})

	t.Run("unknown account", func(t *testing.T) {
		assert.ErrorIs(t, m.Reactivate(ctx, "missing", ""), ErrAccountNotFound)
	})
}

func TestManager_RecoverySweep(t *testing.T) {
	ctx := context.Background()
	server := imaptest.NewServer()
	m := newTestManager(t, server, nil, nil)
	accounts := registerAccounts(t, m, server, 4)

	require.NoError(t, m.MarkStatus(ctx, accounts[0].ID, models.AccountError, "timeout"))
	require.NoError(t, m.MarkStatus(ctx, accounts[1].ID, models.AccountRateLimited, "throttled"))
	require.NoError(t, m.MarkStatus(ctx, accounts[2].ID, models.AccountAuthError, "revoked"))

	assert.Empty(t, m.RecoverySweep(ctx, time.Now()), "inside the cool-down")

	reactivated := m.RecoverySweep(ctx, time.Now().Add(16*time.Minute))
	assert.ElementsMatch(t, []string{accounts[0].ID, accounts[1].ID}, reactivated)

	got, err := m.Get(accounts[2].ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountAuthError, got.Status)
	assert.Len(t, m.Active(), 3)
}

func TestManager_Load(t *testing.T) {
	store := newMemoryStore()
	store.accounts["acc-1"] = &models.Account{ID: "acc-1", Address: "b@gmail.com", Status: models.AccountActive, AliasCount: 7}
	store.accounts["acc-2"] = &models.Account{ID: "acc-2", Address: "a@gmail.com", Status: models.AccountAuthError}

	m := newTestManager(t, imaptest.NewServer(), store, nil)
	n, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.resets)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a@gmail.com", list[0].Address)
	assert.Equal(t, 0, list[1].AliasCount)
	assert.Len(t, m.Active(), 1)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
