// Package service implements the codex-switch core: the account pool with
// health scoring and admission control, the token-refresh lifecycle, the
// request/response transformation pipeline, and the interceptor retry loop.
package service

import "strconv"

// Account is one OAuth-linked ChatGPT identity: credentials plus runtime
// penalty state. All timestamps are absolute Unix milliseconds, matching the
// on-disk schema.
type Account struct {
	AccountID string `json:"account_id,omitempty"`
	Email     string `json:"email,omitempty"`

	RefreshToken      string `json:"refresh_token"`
	AccessToken       string `json:"access_token,omitempty"`
	AccessTokenExpiry int64  `json:"access_token_expiry,omitempty"`

	AddedAt  int64 `json:"added_at"`
	LastUsed int64 `json:"last_used"`
	Enabled  bool  `json:"enabled"`

	RateLimitResetTime  int64  `json:"rate_limit_reset_time,omitempty"`
	RateLimitReason     string `json:"rate_limit_reason,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`

	// Index is the account's position in the pool. Runtime-only.
	Index int `json:"-"`
}

// SameIdentity reports whether two accounts are the same identity per the
// duplicate rule: equal refresh tokens, or both account ids present and
// equal.
func (a *Account) SameIdentity(other *Account) bool {
	if a == nil || other == nil {
		return false
	}
	if a.RefreshToken != "" && a.RefreshToken == other.RefreshToken {
		return true
	}
	return a.AccountID != "" && a.AccountID == other.AccountID
}

// Label returns a short identifier for logs: email if known, else the
// account id, else the pool index.
func (a *Account) Label() string {
	if a.Email != "" {
		return a.Email
	}
	if a.AccountID != "" {
		return a.AccountID
	}
	return "#" + strconv.Itoa(a.Index)
}

// AccountMetrics is the selector's read-only view of one account.
type AccountMetrics struct {
	Index         int
	LastUsed      int64
	HealthScore   int
	IsRateLimited bool
	Enabled       bool
}

// Storage is the on-disk account set.
type Storage struct {
	Version     int        `json:"version"`
	Accounts    []*Account `json:"accounts"`
	ActiveIndex int        `json:"activeIndex"`
}

// StorageVersion is the current schema version of the storage file.
const StorageVersion = 1

func emptyStorage() *Storage {
	return &Storage{Version: StorageVersion, Accounts: []*Account{}, ActiveIndex: 0}
}
