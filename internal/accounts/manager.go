// Package accounts keeps the pool of real mailbox accounts that back aliases:
// their health, their load, and which one takes the next alias.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/crypto"
	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/models"
)

var (
	ErrNoAccountsAvailable = errors.New("no accounts available")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already registered")
	// ErrQuarantined is returned when a status change would silently clear an auth_error.
	ErrQuarantined = errors.New("account is quarantined until reactivated")
)

// Store persists account records. It is a sink, not the source of truth for live state.
type Store interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateAccountStatus(ctx context.Context, id string, status models.AccountStatus, reason string) error
	UpdateAccountCredential(ctx context.Context, id string, encrypted []byte) error
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	ResetAliasCounts(ctx context.Context) error
}

// UsageRecorder receives usage counter changes for batched persistence.
type UsageRecorder interface {
	Record(delta models.UsageDelta)
}

// Options tunes a Manager.
type Options struct {
	// TopK is how many of the best-ranked accounts a new alias is spread across.
	TopK int
	// RecoveryCooldown is how long an account stays in a transient error state before
	// the recovery sweep puts it back into rotation.
	RecoveryCooldown time.Duration
}

// Manager owns the in-memory account records.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*models.Account
	// ownerLoad counts live aliases per owner per account, for fairness.
	ownerLoad map[string]map[string]int

	cipher crypto.Cipher
	dialer imap.Dialer
	store  Store
	usage  UsageRecorder
	logger *logrus.Logger

	topK     int
	cooldown time.Duration
	now      func() time.Time
}

// NewManager creates a Manager. store and usage may be nil.
func NewManager(cipher crypto.Cipher, dialer imap.Dialer, store Store, usage UsageRecorder, logger *logrus.Logger, opts Options) *Manager {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.RecoveryCooldown <= 0 {
		opts.RecoveryCooldown = 15 * time.Minute
	}
	return &Manager{
		accounts:  make(map[string]*models.Account),
		ownerLoad: make(map[string]map[string]int),
		cipher:    cipher,
		dialer:    dialer,
		store:     store,
		usage:     usage,
		logger:    logger,
		topK:      opts.TopK,
		cooldown:  opts.RecoveryCooldown,
		now:       time.Now,
	}
}

// Load restores accounts from the store. Aliases do not survive a restart, so the
// persisted alias counts are reset along with the in-memory ones.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	if err := m.store.ResetAliasCounts(ctx); err != nil {
		return 0, fmt.Errorf("failed to reset alias counts: %w", err)
	}

	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load accounts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range accounts {
		account.AliasCount = 0
		m.accounts[account.ID] = account
	}
	return len(accounts), nil
}

// Register probes the mailbox with a real login and, if it succeeds, adds it to the
// pool as active. A failed probe is returned classified and nothing is stored.
func (m *Manager) Register(ctx context.Context, address, credential, server string) (*models.Account, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" || credential == "" || server == "" {
		return nil, errors.New("address, credential and server are required")
	}
	if !strings.Contains(address, "@") {
		return nil, fmt.Errorf("invalid mailbox address %q", address)
	}

	m.mu.RLock()
	for _, existing := range m.accounts {
		if existing.Address == address {
			m.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, address)
		}
	}
	m.mu.RUnlock()

	if err := m.probe(ctx, server, address, credential); err != nil {
		return nil, err
	}

	encrypted, err := m.cipher.Encrypt(credential)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := m.now()
	account := &models.Account{
		ID:                  uuid.NewString(),
		Address:             address,
		IMAPServer:          server,
		EncryptedCredential: encrypted,
		Status:              models.AccountActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if m.store != nil {
		if err := m.store.CreateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to store account: %w", err)
		}
	}

	m.mu.Lock()
	m.accounts[account.ID] = account
	copied := *account
	m.mu.Unlock()

	m.logger.WithField("account", account.ID).WithField("address", address).Info("Registered mailbox account")
	return &copied, nil
}

func (m *Manager) probe(ctx context.Context, server, address, credential string) error {
	session, err := m.dialer.Dial(ctx, server, address, credential)
	if err != nil {
		return fmt.Errorf("account probe failed: %w", err)
	}
	_ = session.Logout()
	return nil
}

// SelectForNewAlias picks the account for an owner's next alias. Accounts are ranked
// by the owner's own aliases on them, then alias count, quota used and last use; one
// of the top K within one alias of the least loaded is picked at random. With no
// active account a recovery sweep runs and selection is retried once.
func (m *Manager) SelectForNewAlias(owner string) (*models.Account, error) {
	if account := m.pick(owner); account != nil {
		return account, nil
	}

	if reactivated := m.RecoverySweep(context.Background(), m.now()); len(reactivated) == 0 {
		return nil, ErrNoAccountsAvailable
	}

	if account := m.pick(owner); account != nil {
		return account, nil
	}
	return nil, ErrNoAccountsAvailable
}

func (m *Manager) pick(owner string) *models.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	load := m.ownerLoad[owner]
	candidates := make([]*models.Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		if account.Status == models.AccountActive {
			candidates = append(candidates, account)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if load[a.ID] != load[b.ID] {
			return load[a.ID] < load[b.ID]
		}
		if a.AliasCount != b.AliasCount {
			return a.AliasCount < b.AliasCount
		}
		if a.QuotaUsed != b.QuotaUsed {
			return a.QuotaUsed < b.QuotaUsed
		}
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.Before(b.LastUsed)
		}
		return a.ID < b.ID
	})

	// Only spread across accounts close to the best one, so random choice cannot pile up load.
	best := candidates[0]
	top := candidates[:0:0]
	for _, account := range candidates {
		if len(top) == m.topK {
			break
		}
		if load[account.ID] == load[best.ID] && account.AliasCount <= best.AliasCount+1 {
			top = append(top, account)
		}
	}

	chosen := *top[rand.IntN(len(top))]
	return &chosen
}

// RecordAliasAssigned counts a new alias of owner against the account.
func (m *Manager) RecordAliasAssigned(id, owner string) {
	m.adjustAliases(id, owner, 1)
}

// RecordAliasReleased undoes RecordAliasAssigned. Counts never go below zero.
func (m *Manager) RecordAliasReleased(id, owner string) {
	m.adjustAliases(id, owner, -1)
}

func (m *Manager) adjustAliases(id, owner string, delta int) {
	m.mu.Lock()
	account, ok := m.accounts[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	if account.AliasCount+delta < 0 {
		delta = -account.AliasCount
	}
	account.AliasCount += delta

	perOwner := m.ownerLoad[owner]
	if perOwner == nil {
		perOwner = make(map[string]int)
		m.ownerLoad[owner] = perOwner
	}
	perOwner[id] += delta
	if perOwner[id] <= 0 {
		delete(perOwner, id)
	}
	if len(perOwner) == 0 {
		delete(m.ownerLoad, owner)
	}
	now := m.now()
	if delta > 0 {
		account.LastUsed = now
	}
	m.mu.Unlock()

	if delta != 0 && m.usage != nil {
		m.usage.Record(models.UsageDelta{AccountID: id, AliasDelta: delta, LastUsed: now})
	}
}

// RecordFetch adds fetched messages to the account's quota usage.
func (m *Manager) RecordFetch(id string, messages int) {
	if messages <= 0 {
		return
	}

	m.mu.Lock()
	account, ok := m.accounts[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	account.QuotaUsed += int64(messages)
	account.LastUsed = now
	m.mu.Unlock()

	if m.usage != nil {
		m.usage.Record(models.UsageDelta{AccountID: id, QuotaDelta: int64(messages), LastUsed: now})
	}
}

// MarkStatus moves an account to a new status. auth_error is sticky: any other
// transition out of it fails with ErrQuarantined; only Reactivate clears it.
func (m *Manager) MarkStatus(ctx context.Context, id string, status models.AccountStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid account status %q", status)
	}

	m.mu.Lock()
	account, ok := m.accounts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if account.Status == models.AccountAuthError && status != models.AccountAuthError {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQuarantined, id)
	}
	if account.Status == status && account.StatusReason == reason {
		m.mu.Unlock()
		return nil
	}
	account.Status = status
	account.StatusReason = reason
	account.UpdatedAt = m.now()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"account": id,
		"status":  status,
		"reason":  reason,
	}).Info("Account status changed")

	m.persistStatus(ctx, id, status, reason)
	return nil
}

// Reactivate is the operator's way out of any status, including auth_error.
// A new credential, when given, must pass a login probe first.
func (m *Manager) Reactivate(ctx context.Context, id, newCredential string) error {
	m.mu.RLock()
	account, ok := m.accounts[id]
	var address, server string
	if ok {
		address, server = account.Address, account.IMAPServer
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	var encrypted []byte
	if newCredential != "" {
		if err := m.probe(ctx, server, address, newCredential); err != nil {
			return err
		}
		var err error
		encrypted, err = m.cipher.Encrypt(newCredential)
		if err != nil {
			return fmt.Errorf("failed to encrypt credential: %w", err)
		}
		if m.store != nil {
			if err := m.store.UpdateAccountCredential(ctx, id, encrypted); err != nil {
				return fmt.Errorf("failed to store credential: %w", err)
			}
		}
	}

	m.mu.Lock()
	if encrypted != nil {
		account.EncryptedCredential = encrypted
	}
	account.Status = models.AccountActive
	account.StatusReason = ""
	account.UpdatedAt = m.now()
	m.mu.Unlock()

	m.logger.WithField("account", id).Info("Account reactivated")
	m.persistStatus(ctx, id, models.AccountActive, "")
	return nil
}

// RecoverySweep returns accounts in transient error states older than the cool-down
// to active. auth_error accounts are never touched.
func (m *Manager) RecoverySweep(ctx context.Context, now time.Time) []string {
	m.mu.Lock()
	var reactivated []string
	for id, account := range m.accounts {
		if account.Status != models.AccountError && account.Status != models.AccountRateLimited {
			continue
		}
		if now.Sub(account.UpdatedAt) < m.cooldown {
			continue
		}
		account.Status = models.AccountActive
		account.StatusReason = ""
		account.UpdatedAt = now
		reactivated = append(reactivated, id)
	}
	m.mu.Unlock()

	for _, id := range reactivated {
		m.logger.WithField("account", id).Info("Recovery sweep reactivated account")
		m.persistStatus(ctx, id, models.AccountActive, "")
	}
	return reactivated
}

func (m *Manager) persistStatus(ctx context.Context, id string, status models.AccountStatus, reason string) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateAccountStatus(ctx, id, status, reason); err != nil {
		m.logger.WithError(err).WithField("account", id).Warn("Failed to persist account status")
	}
}

// Get returns a copy of one account.
func (m *Manager) Get(id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	copied := *account
	return &copied, nil
}

// List returns copies of every account, ordered by address.
func (m *Manager) List() []models.Account {
	return m.filter(func(*models.Account) bool { return true })
}

// Active returns copies of the active accounts, ordered by address.
func (m *Manager) Active() []models.Account {
	return m.filter(func(a *models.Account) bool { return a.Status == models.AccountActive })
}

func (m *Manager) filter(keep func(*models.Account) bool) []models.Account {
	m.mu.RLock()
	result := make([]models.Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		if keep(account) {
			result = append(result, *account)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result
}
