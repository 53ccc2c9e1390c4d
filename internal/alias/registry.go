// Package alias maps disposable addresses to the pooled mailbox accounts that
// receive their mail.
package alias

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/models"
)

const maxGenerateAttempts = 16

var (
	ErrAliasNotFound    = errors.New("alias not found")
	ErrInvalidDomain    = errors.New("domain does not match the account")
	ErrInvalidStrategy  = errors.New("unknown alias strategy")
	ErrAddressExhausted = errors.New("could not find a free alias address")
)

// AccountSelector hands out accounts for new aliases and tracks their alias load.
type AccountSelector interface {
	SelectForNewAlias(owner string) (*models.Account, error)
	RecordAliasAssigned(id, owner string)
	RecordAliasReleased(id, owner string)
}

// RemoveFunc is called after an alias left the registry by rotation or expiry.
type RemoveFunc func(removed models.Alias)

// Resolution is the outcome of Resolve. Healed is true when the requested alias was
// gone and a replacement was minted for its owner.
type Resolution struct {
	Alias  models.Alias `json:"alias"`
	Healed bool         `json:"healed"`
}

// Options tunes a Registry.
type Options struct {
	TTL              time.Duration
	DefaultStrategy  models.AliasStrategy
	AlternateDomains map[string][]string
}

type ownerPrefs struct {
	strategy models.AliasStrategy
	domain   string
}

// Registry is the in-memory alias table.
type Registry struct {
	mu        sync.RWMutex
	byAddress map[string]*models.Alias
	byOwner   map[string]map[string]struct{}
	// known remembers every owner that ever held an alias, for self-healing.
	known    map[string]ownerPrefs
	onRemove []RemoveFunc

	accounts AccountSelector
	logger   *logrus.Logger

	ttl             time.Duration
	defaultStrategy models.AliasStrategy
	alternates      map[string][]string
	now             func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(accounts AccountSelector, logger *logrus.Logger, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = models.StrategyDots
	}
	return &Registry{
		byAddress:       make(map[string]*models.Alias),
		byOwner:         make(map[string]map[string]struct{}),
		known:           make(map[string]ownerPrefs),
		accounts:        accounts,
		logger:          logger,
		ttl:             opts.TTL,
		defaultStrategy: opts.DefaultStrategy,
		alternates:      opts.AlternateDomains,
		now:             time.Now,
	}
}

// OnRemove registers a hook run for every alias removed by rotation or expiry.
// Hooks run outside the registry lock.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Generate mints a new alias for owner on an account chosen by the selector.
// An empty strategy uses the default; an empty domain uses the account's domain.
func (r *Registry) Generate(owner string, strategy models.AliasStrategy, domain string) (models.Alias, error) {
	if owner == "" {
		return models.Alias{}, errors.New("owner is required")
	}
	if strategy == "" {
		strategy = r.defaultStrategy
	}
	if strategy != models.StrategyDots && strategy != models.StrategyTag {
		return models.Alias{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	account, err := r.accounts.SelectForNewAlias(owner)
	if err != nil {
		return models.Alias{}, err
	}

	local, accountDomain, err := SplitAddress(account.Address)
	if err != nil {
		return models.Alias{}, fmt.Errorf("account %s: %w", account.ID, err)
	}
	domain, err = r.resolveDomain(accountDomain, domain)
	if err != nil {
		return models.Alias{}, err
	}

	for attempt := range maxGenerateAttempts {
		candidate := r.synthesize(local, strategy, attempt)
		if candidate == local {
			// The mailbox's own address receives all of its mail; it is never an alias.
			continue
		}
		address := candidate + "@" + domain

		now := r.now()
		r.mu.Lock()
		if _, taken := r.byAddress[address]; taken {
			r.mu.Unlock()
			continue
		}
		created := &models.Alias{
			Address:        address,
			AccountID:      account.ID,
			Owner:          owner,
			Strategy:       strategy,
			CreatedAt:      now,
			LastAccessedAt: now,
			ExpiresAt:      now.Add(r.ttl),
		}
		r.byAddress[address] = created
		owned := r.byOwner[owner]
		if owned == nil {
			owned = make(map[string]struct{})
			r.byOwner[owner] = owned
		}
		owned[address] = struct{}{}
		r.known[owner] = ownerPrefs{strategy: strategy, domain: domain}
		result := *created
		r.mu.Unlock()

		r.accounts.RecordAliasAssigned(account.ID, owner)
		r.logger.WithFields(logrus.Fields{
			"alias":   address,
			"account": account.ID,
			"owner":   owner,
		}).Debug("Alias generated")
		return result, nil
	}

	return models.Alias{}, fmt.Errorf("%w on account %s", ErrAddressExhausted, account.ID)
}

func (r *Registry) synthesize(local string, strategy models.AliasStrategy, attempt int) string {
	// Dotted variants of short local parts run out fast; fall back to tags halfway.
	if strategy == models.StrategyDots && attempt < maxGenerateAttempts/2 {
		if candidate, ok := dotted(local); ok {
			return candidate
		}
	}
	return tagged(local)
}

func (r *Registry) resolveDomain(accountDomain, requested string) (string, error) {
	if requested == "" {
		return accountDomain, nil
	}
	requested = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(requested)), "@")
	if requested == accountDomain || slices.Contains(r.alternates[accountDomain], requested) {
		return requested, nil
	}
	return "", fmt.Errorf("%w: %s is not served by %s", ErrInvalidDomain, requested, accountDomain)
}

// Rotate mints a fresh alias for owner and then removes every earlier alias of the
// owner right away, reusing the strategy and domain the owner used last.
func (r *Registry) Rotate(owner string) (models.Alias, error) {
	r.mu.RLock()
	prefs, ok := r.known[owner]
	previous := make([]string, 0, len(r.byOwner[owner]))
	for address := range r.byOwner[owner] {
		previous = append(previous, address)
	}
	r.mu.RUnlock()
	if !ok {
		prefs = ownerPrefs{strategy: r.defaultStrategy}
	}

	created, err := r.Generate(owner, prefs.strategy, prefs.domain)
	if err != nil && prefs.domain != "" && errors.Is(err, ErrInvalidDomain) {
		created, err = r.Generate(owner, prefs.strategy, "")
	}
	if err != nil {
		return models.Alias{}, err
	}

	removed := r.removeAddresses(previous, nil)
	r.notifyRemoved(removed)
	return created, nil
}

// Lookup returns the alias and refreshes its TTL.
func (r *Registry) Lookup(address string) (models.Alias, error) {
	address = normalize(address)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	found, ok := r.byAddress[address]
	if !ok {
		return models.Alias{}, fmt.Errorf("%w: %s", ErrAliasNotFound, address)
	}
	found.LastAccessedAt = now
	found.ExpiresAt = now.Add(r.ttl)
	return *found, nil
}

// Resolve looks up an owner's alias and, if it is gone, mints a replacement for an
// owner the registry has served before. Unknown owners get ErrAliasNotFound, and so
// does anyone asking for another owner's live alias, without refreshing its TTL.
func (r *Registry) Resolve(owner, address string) (Resolution, error) {
	address = normalize(address)

	r.mu.RLock()
	existing, live := r.byAddress[address]
	foreign := live && existing.Owner != owner
	r.mu.RUnlock()
	if foreign {
		return Resolution{}, fmt.Errorf("%w: %s", ErrAliasNotFound, address)
	}
	if live {
		found, err := r.Lookup(address)
		if err == nil {
			return Resolution{Alias: found}, nil
		}
		if !errors.Is(err, ErrAliasNotFound) {
			return Resolution{}, err
		}
	}

	r.mu.RLock()
	prefs, known := r.known[owner]
	r.mu.RUnlock()
	if !known {
		return Resolution{}, fmt.Errorf("%w: %s", ErrAliasNotFound, address)
	}

	replacement, err := r.Generate(owner, prefs.strategy, prefs.domain)
	if err != nil && prefs.domain != "" && errors.Is(err, ErrInvalidDomain) {
		replacement, err = r.Generate(owner, prefs.strategy, "")
	}
	if err != nil {
		return Resolution{}, err
	}

	r.logger.WithFields(logrus.Fields{
		"owner":       owner,
		"missing":     address,
		"replacement": replacement.Address,
	}).Info("Alias self-healed")
	return Resolution{Alias: replacement, Healed: true}, nil
}

// ExpirySweep removes aliases not accessed within the TTL and returns them.
func (r *Registry) ExpirySweep(now time.Time) []models.Alias {
	r.mu.RLock()
	var expired []string
	for address, a := range r.byAddress {
		if !now.Before(a.ExpiresAt) {
			expired = append(expired, address)
		}
	}
	r.mu.RUnlock()

	removed := r.removeExpired(expired, now)
	if len(removed) > 0 {
		r.logger.WithField("count", len(removed)).Info("Expired aliases removed")
	}
	r.notifyRemoved(removed)
	return removed
}

// Run sweeps expired aliases every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpirySweep(r.now())
		}
	}
}

// removeExpired removes the aliases that are still expired at now. A Lookup between
// the sweep's scan and this call may have refreshed some of them.
func (r *Registry) removeExpired(addresses []string, now time.Time) []models.Alias {
	return r.removeAddresses(addresses, func(a *models.Alias) bool {
		return !now.Before(a.ExpiresAt)
	})
}

// removeAddresses removes the given aliases. When remove is set, only aliases it
// accepts under the lock are removed.
func (r *Registry) removeAddresses(addresses []string, remove func(*models.Alias) bool) []models.Alias {
	r.mu.Lock()
	removed := make([]models.Alias, 0, len(addresses))
	for _, address := range addresses {
		a, ok := r.byAddress[address]
		if !ok || (remove != nil && !remove(a)) {
			continue
		}
		delete(r.byAddress, address)
		if owned := r.byOwner[a.Owner]; owned != nil {
			delete(owned, address)
			if len(owned) == 0 {
				delete(r.byOwner, a.Owner)
			}
		}
		removed = append(removed, *a)
	}
	r.mu.Unlock()

	for _, a := range removed {
		r.accounts.RecordAliasReleased(a.AccountID, a.Owner)
	}
	return removed
}

func (r *Registry) notifyRemoved(removed []models.Alias) {
	if len(removed) == 0 {
		return
	}
	r.mu.RLock()
	hooks := slices.Clone(r.onRemove)
	r.mu.RUnlock()

	for _, a := range removed {
		for _, hook := range hooks {
			hook(a)
		}
	}
}

// IsLive reports whether the address is currently registered.
func (r *Registry) IsLive(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAddress[normalize(address)]
	return ok
}

// ByAccount returns the live aliases routed to one account.
func (r *Registry) ByAccount(accountID string) []models.Alias {
	return r.collect(func(a *models.Alias) bool { return a.AccountID == accountID })
}

// ForOwner returns the live aliases of one owner.
func (r *Registry) ForOwner(owner string) []models.Alias {
	return r.collect(func(a *models.Alias) bool { return a.Owner == owner })
}

// List returns every live alias.
func (r *Registry) List() []models.Alias {
	return r.collect(func(*models.Alias) bool { return true })
}

// AccountsWithAliases returns live alias counts keyed by account id.
func (r *Registry) AccountsWithAliases() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, a := range r.byAddress {
		counts[a.AccountID]++
	}
	return counts
}

func (r *Registry) collect(keep func(*models.Alias) bool) []models.Alias {
	r.mu.RLock()
	result := make([]models.Alias, 0)
	for _, a := range r.byAddress {
		if keep(a) {
			result = append(result, *a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Address < result[j].Address
	})
	return result
}

func normalize(address string) string {
	local, domain, err := SplitAddress(address)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(address))
	}
	return local + "@" + domain
}
