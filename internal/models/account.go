package models

import "time"

// AccountStatus is the health state of a pooled mailbox account.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountAuthError   AccountStatus = "auth_error"
	AccountRateLimited AccountStatus = "rate_limited"
	AccountError       AccountStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountAuthError, AccountRateLimited, AccountError:
		return true
	}
	return false
}

// Account is a real mailbox whose credential is pooled to receive aliased mail.
type Account struct {
	ID                  string        `json:"id"`
	Address             string        `json:"address"`
	IMAPServer          string        `json:"imap_server"`
	EncryptedCredential []byte        `json:"-"`
	Status              AccountStatus `json:"status"`
	StatusReason        string        `json:"status_reason,omitempty"`
	QuotaUsed           int64         `json:"quota_used"`
	AliasCount          int           `json:"alias_count"`
	LastUsed            time.Time     `json:"last_used"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// UsageDelta is an incremental change to an account's usage counters.
type UsageDelta struct {
	AccountID  string
	QuotaDelta int64
	AliasDelta int
	LastUsed   time.Time
}
