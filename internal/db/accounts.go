package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/aliasmail/internal/models"
)

// ErrAccountNotFound is returned when an account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore persists mailbox accounts and their usage counters.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an AccountStore on the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// CreateAccount inserts a new account.
func (s *AccountStore) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (
			id, address, imap_server, encrypted_credential, status, status_reason,
			quota_used, alias_count, last_used, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		account.ID,
		account.Address,
		account.IMAPServer,
		account.EncryptedCredential,
		string(account.Status),
		account.StatusReason,
		account.QuotaUsed,
		account.AliasCount,
		nullableTime(account.LastUsed),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount returns one account by id.
func (s *AccountStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, selectAccounts+` WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccounts returns every account ordered by address.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.pool.Query(ctx, selectAccounts+` ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountStatus records a status transition.
func (s *AccountStore) UpdateAccountStatus(ctx context.Context, id string, status models.AccountStatus, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET status = $2, status_reason = $3, updated_at = now()
		WHERE id = $1
	`, id, string(status), reason)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateAccountCredential replaces the encrypted credential.
func (s *AccountStore) UpdateAccountCredential(ctx context.Context, id string, encrypted []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET encrypted_credential = $2, updated_at = now()
		WHERE id = $1
	`, id, encrypted)
	if err != nil {
		return fmt.Errorf("failed to update account credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ResetAliasCounts zeroes every alias count.
func (s *AccountStore) ResetAliasCounts(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `UPDATE accounts SET alias_count = 0 WHERE alias_count <> 0`); err != nil {
		return fmt.Errorf("failed to reset alias counts: %w", err)
	}
	return nil
}

// ApplyUsage adds batched usage deltas in one round trip. Unknown accounts are skipped.
func (s *AccountStore) ApplyUsage(ctx context.Context, deltas []models.UsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, delta := range deltas {
		batch.Queue(`
			UPDATE accounts
			SET quota_used = quota_used + $2,
				alias_count = GREATEST(alias_count + $3, 0),
				last_used = GREATEST(last_used, $4)
			WHERE id = $1
		`, delta.AccountID, delta.QuotaDelta, delta.AliasDelta, nullableTime(delta.LastUsed))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to apply usage: %w", err)
	}
	return nil
}

const selectAccounts = `
	SELECT id, address, imap_server, encrypted_credential, status, status_reason,
		quota_used, alias_count, last_used, created_at, updated_at
	FROM accounts`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var account models.Account
	var status string
	var lastUsed *time.Time

	err := row.Scan(
		&account.ID,
		&account.Address,
		&account.IMAPServer,
		&account.EncryptedCredential,
		&status,
		&account.StatusReason,
		&account.QuotaUsed,
		&account.AliasCount,
		&lastUsed,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.Status = models.AccountStatus(status)
	if lastUsed != nil {
		account.LastUsed = *lastUsed
	}
	return &account, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
