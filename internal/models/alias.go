package models

import "time"

// AliasStrategy selects how an alias address is derived from its mailbox address.
type AliasStrategy string

const (
	// StrategyDots inserts dots into the local part (j.ohn.doe@gmail.com).
	StrategyDots AliasStrategy = "dots"
	// StrategyTag appends a plus tag to the local part (johndoe+k3x9@gmail.com).
	StrategyTag AliasStrategy = "tag"
)

// Alias is an ephemeral address routed to a pooled mailbox account.
type Alias struct {
	Address        string        `json:"address"`
	AccountID      string        `json:"account_id"`
	Owner          string        `json:"owner"`
	Strategy       AliasStrategy `json:"strategy"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}
