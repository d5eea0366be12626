package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/logger"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/oauth"
)

const (
	// Access tokens are refreshed this long before their reported expiry.
	tokenRefreshSkew = 60 * time.Second

	// Storage writes triggered by runtime state changes are coalesced.
	saveDebounce = time.Second

	// An account is disabled after this many consecutive failures.
	disableFailureThreshold = 5
)

// Cooldown applied after a quota rejection, escalating with consecutive
// failures on the account.
var usageLimitBackoff = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	1800 * time.Second,
}

const (
	rateLimitBackoff   = 30 * time.Second
	serverErrorBackoff = 20 * time.Second
	unknownBackoff     = 60 * time.Second
	minBackoff         = 2 * time.Second
)

// AccountManager owns the account pool: persistence, selection, credential
// refresh, and penalty bookkeeping. All public methods are safe for
// concurrent use.
type AccountManager struct {
	store    *AccountStore
	tokens   *TokenService
	health   *HealthTracker
	bucket   *TokenBucket
	selector Selector
	strategy string

	mu      sync.Mutex
	storage *Storage
	loaded  bool

	refreshGroup singleflight.Group

	saveMu    sync.Mutex
	saveTimer *time.Timer

	now func() time.Time
}

func NewAccountManager(store *AccountStore, tokens *TokenService, strategy string) *AccountManager {
	health := NewHealthTracker()
	bucket := NewTokenBucket()
	return &AccountManager{
		store:    store,
		tokens:   tokens,
		health:   health,
		bucket:   bucket,
		selector: NewSelector(strategy, health, bucket),
		strategy: strategy,
		now:      time.Now,
	}
}

// ensureLoadedLocked lazily reads the storage file on first use. Load
// failures leave the manager with an empty pool rather than failing the
// request path.
func (m *AccountManager) ensureLoadedLocked() {
	if m.loaded {
		return
	}
	storage, err := m.store.Load()
	if err != nil {
		logger.L().Error("account storage load failed", zap.Error(err))
		storage = emptyStorage()
	}
	m.storage = storage
	m.loaded = true
}

// AccountCount returns the number of stored accounts.
func (m *AccountManager) AccountCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()
	return len(m.storage.Accounts)
}

// Accounts returns a snapshot copy of the pool for diagnostics.
func (m *AccountManager) Accounts() []Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()

	out := make([]Account, 0, len(m.storage.Accounts))
	for _, account := range m.storage.Accounts {
		out = append(out, *account)
	}
	return out
}

// ActiveIndex returns the current active account index.
func (m *AccountManager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()
	return m.storage.ActiveIndex
}

// AddAccount registers credentials obtained from an OAuth exchange. The pool
// is re-read from disk first so concurrent writers are not clobbered. When
// the identity already exists its credentials are replaced, penalties are
// cleared, and the account re-enabled. Saves synchronously. Returns the
// account's pool index.
func (m *AccountManager) AddAccount(creds *TokenCredentials) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	storage, err := m.store.Load()
	if err != nil {
		return 0, fmt.Errorf("reload account storage: %w", err)
	}
	m.storage = storage
	m.loaded = true

	account := &Account{
		RefreshToken:      creds.RefreshToken,
		AccessToken:       creds.AccessToken,
		AccessTokenExpiry: creds.Expiry,
		AddedAt:           m.now().UnixMilli(),
		Enabled:           true,
	}
	m.applyIdentity(account, creds)

	for i, existing := range m.storage.Accounts {
		if !existing.SameIdentity(account) {
			continue
		}
		existing.RefreshToken = account.RefreshToken
		existing.AccessToken = account.AccessToken
		existing.AccessTokenExpiry = account.AccessTokenExpiry
		if account.AccountID != "" {
			existing.AccountID = account.AccountID
		}
		if account.Email != "" {
			existing.Email = account.Email
		}
		existing.Enabled = true
		existing.RateLimitResetTime = 0
		existing.RateLimitReason = ""
		existing.ConsecutiveFailures = 0
		m.health.Reset(i)

		if err := m.store.Save(m.storage); err != nil {
			return 0, err
		}
		logger.L().Info("account updated", zap.String("account", existing.Label()))
		return i, nil
	}

	account.Index = len(m.storage.Accounts)
	m.storage.Accounts = append(m.storage.Accounts, account)
	if err := m.store.Save(m.storage); err != nil {
		return 0, err
	}
	logger.L().Info("account added",
		zap.String("account", account.Label()),
		zap.Int("total", len(m.storage.Accounts)))
	return account.Index, nil
}

// applyIdentity fills account id and email from the token claims. The access
// token is preferred; the ID token fills gaps.
func (m *AccountManager) applyIdentity(account *Account, creds *TokenCredentials) {
	for _, token := range []string{creds.AccessToken, creds.IDToken} {
		if token == "" {
			continue
		}
		claims, ok := oauth.DecodeClaims(token)
		if !ok {
			continue
		}
		if account.AccountID == "" {
			account.AccountID = claims.AccountID()
		}
		if account.Email == "" {
			account.Email = claims.EmailAddress()
		}
	}
}

// SelectAccount runs the configured strategy over the pool and returns a
// snapshot of the chosen account. Callers never see manager-owned state;
// a concurrent refresh cannot race their field reads. With every account
// cooling down, it falls back to the enabled account with the earliest reset
// time. Returns ErrNoAccounts when the pool is empty or fully disabled.
func (m *AccountManager) SelectAccount() (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()

	if len(m.storage.Accounts) == 0 {
		return Account{}, domain.ErrNoAccounts
	}

	now := m.now().UnixMilli()
	m.clearExpiredRateLimitsLocked(now)

	metrics := make([]AccountMetrics, 0, len(m.storage.Accounts))
	for _, account := range m.storage.Accounts {
		metrics = append(metrics, AccountMetrics{
			Index:         account.Index,
			LastUsed:      account.LastUsed,
			HealthScore:   m.health.GetScore(account.Index),
			IsRateLimited: account.RateLimitResetTime > now,
			Enabled:       account.Enabled,
		})
	}

	selector := m.selector
	if len(m.storage.Accounts) == 1 {
		// A single account has nothing to rotate over.
		selector = StickySelector{}
	}

	chosen := selector.Select(metrics, m.storage.ActiveIndex, now)
	if chosen == nil {
		return m.fallbackAccountLocked(now)
	}

	if chosen.Index != m.storage.ActiveIndex {
		logger.L().Info("active account changed",
			zap.Int("from", m.storage.ActiveIndex),
			zap.Int("to", chosen.Index),
			zap.String("account", m.storage.Accounts[chosen.Index].Label()))
		m.storage.ActiveIndex = chosen.Index
		m.scheduleSave()
	}
	return *m.storage.Accounts[chosen.Index], nil
}

// AccountByIndex returns a snapshot of one account, typically re-read after
// a token refresh may have rotated its credentials.
func (m *AccountManager) AccountByIndex(index int) (Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()

	if index < 0 || index >= len(m.storage.Accounts) {
		return Account{}, false
	}
	return *m.storage.Accounts[index], true
}

// fallbackAccountLocked picks the enabled account whose cooldown ends
// soonest. Every account is rate-limited at this point; serving through the
// least-penalised one beats rejecting the request outright.
func (m *AccountManager) fallbackAccountLocked(now int64) (Account, error) {
	var best *Account
	for _, account := range m.storage.Accounts {
		if !account.Enabled {
			continue
		}
		if best == nil || account.RateLimitResetTime < best.RateLimitResetTime {
			best = account
		}
	}
	if best == nil {
		return Account{}, domain.ErrNoAccounts
	}
	logger.L().Warn("all accounts cooling down, using earliest reset",
		zap.String("account", best.Label()),
		zap.Int64("reset_in_ms", best.RateLimitResetTime-now))
	if best.Index != m.storage.ActiveIndex {
		m.storage.ActiveIndex = best.Index
		m.scheduleSave()
	}
	return *best, nil
}

// clearExpiredRateLimitsLocked drops cooldowns whose deadline has passed.
func (m *AccountManager) clearExpiredRateLimitsLocked(now int64) {
	changed := false
	for _, account := range m.storage.Accounts {
		if account.RateLimitResetTime != 0 && account.RateLimitResetTime <= now {
			account.RateLimitResetTime = 0
			account.RateLimitReason = ""
			changed = true
		}
	}
	if changed {
		m.scheduleSave()
	}
}

// EnsureAccessToken returns a valid access token for the account, refreshing
// through the token endpoint when the cached token is missing or within the
// skew window of expiry. Concurrent callers for the same account share one
// refresh.
func (m *AccountManager) EnsureAccessToken(ctx context.Context, index int) (string, error) {
	m.mu.Lock()
	m.ensureLoadedLocked()
	if index < 0 || index >= len(m.storage.Accounts) {
		m.mu.Unlock()
		return "", domain.ErrNoAccounts
	}
	account := m.storage.Accounts[index]
	token := account.AccessToken
	expiry := account.AccessTokenExpiry
	refreshToken := account.RefreshToken
	m.mu.Unlock()

	deadline := m.now().Add(tokenRefreshSkew).UnixMilli()
	if token != "" && expiry > deadline {
		return token, nil
	}

	result, err, _ := m.refreshGroup.Do(fmt.Sprintf("refresh-%d", index), func() (any, error) {
		creds, err := m.tokens.RefreshAccessToken(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		m.adoptCredentials(index, creds)
		return creds.AccessToken, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is not an observation about the account.
			return "", ctx.Err()
		}
		logger.L().Warn("token refresh failed",
			zap.Int("account_index", index), zap.Error(err))
		m.RecordFailure(index)
		return "", err
	}
	return result.(string), nil
}

func (m *AccountManager) adoptCredentials(index int, creds *TokenCredentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()

	if index < 0 || index >= len(m.storage.Accounts) {
		return
	}
	account := m.storage.Accounts[index]
	account.AccessToken = creds.AccessToken
	account.AccessTokenExpiry = creds.Expiry
	if creds.RefreshToken != "" {
		account.RefreshToken = creds.RefreshToken
	}
	if account.AccountID == "" {
		if claims, ok := oauth.DecodeClaims(creds.AccessToken); ok {
			account.AccountID = claims.AccountID()
		}
	}
	m.scheduleSave()
}

// RecordSuccess marks a completed upstream request: stamps last_used, clears
// the failure streak, rewards health, and consumes one bucket token.
func (m *AccountManager) RecordSuccess(index int) {
	m.mu.Lock()
	m.ensureLoadedLocked()
	if index >= 0 && index < len(m.storage.Accounts) {
		account := m.storage.Accounts[index]
		account.LastUsed = m.now().UnixMilli()
		account.ConsecutiveFailures = 0
	}
	m.mu.Unlock()

	m.health.RecordSuccess(index)
	m.bucket.Consume(index)
	m.scheduleSave()
}

// MarkRateLimited places the account on cooldown per the failure reason and
// bumps its failure streak.
func (m *AccountManager) MarkRateLimited(index int, reason string) {
	m.mu.Lock()
	m.ensureLoadedLocked()
	if index >= 0 && index < len(m.storage.Accounts) {
		account := m.storage.Accounts[index]
		backoff := backoffFor(reason, account.ConsecutiveFailures)
		account.RateLimitResetTime = m.now().Add(backoff).UnixMilli()
		account.RateLimitReason = reason
		account.ConsecutiveFailures++
		logger.L().Warn("account rate limited",
			zap.String("account", account.Label()),
			zap.String("reason", reason),
			zap.Duration("backoff", backoff),
			zap.Int("consecutive_failures", account.ConsecutiveFailures))
	}
	m.mu.Unlock()

	m.health.RecordRateLimit(index)
	m.scheduleSave()
}

// RecordFailure bumps the failure streak and disables the account once it
// crosses the threshold.
func (m *AccountManager) RecordFailure(index int) {
	m.mu.Lock()
	m.ensureLoadedLocked()
	if index >= 0 && index < len(m.storage.Accounts) {
		account := m.storage.Accounts[index]
		account.ConsecutiveFailures++
		if account.ConsecutiveFailures >= disableFailureThreshold && account.Enabled {
			account.Enabled = false
			logger.L().Error("account disabled after repeated failures",
				zap.String("account", account.Label()),
				zap.Int("consecutive_failures", account.ConsecutiveFailures))
		}
	}
	m.mu.Unlock()

	m.health.RecordFailure(index)
	m.scheduleSave()
}

// HealthScore exposes the account's current wellness score for diagnostics.
func (m *AccountManager) HealthScore(index int) int {
	return m.health.GetScore(index)
}

// BucketTokens exposes the account's current admission-token balance.
func (m *AccountManager) BucketTokens(index int) float64 {
	return m.bucket.GetTokens(index)
}

// IsRateLimited reports whether the account is cooling down, clearing the
// marker as a side effect when the deadline has passed.
func (m *AccountManager) IsRateLimited(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()

	if index < 0 || index >= len(m.storage.Accounts) {
		return false
	}
	account := m.storage.Accounts[index]
	if account.RateLimitResetTime == 0 {
		return false
	}
	now := m.now().UnixMilli()
	if account.RateLimitResetTime <= now {
		account.RateLimitResetTime = 0
		account.RateLimitReason = ""
		m.scheduleSave()
		return false
	}
	return true
}

// backoffFor maps a failure reason and streak to a cooldown duration.
func backoffFor(reason string, failures int) time.Duration {
	var backoff time.Duration
	switch reason {
	case domain.ReasonUsageLimitReached:
		idx := failures
		if idx >= len(usageLimitBackoff) {
			idx = len(usageLimitBackoff) - 1
		}
		backoff = usageLimitBackoff[idx]
	case domain.ReasonRateLimitExceeded:
		backoff = rateLimitBackoff
	case domain.ReasonServerError:
		backoff = serverErrorBackoff
	default:
		backoff = unknownBackoff
	}
	if backoff < minBackoff {
		backoff = minBackoff
	}
	return backoff
}

// scheduleSave coalesces storage writes: the first call arms a timer, later
// calls within the window ride along.
func (m *AccountManager) scheduleSave() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(saveDebounce, func() {
		m.saveMu.Lock()
		m.saveTimer = nil
		m.saveMu.Unlock()
		m.flush()
	})
}

func (m *AccountManager) flush() {
	m.mu.Lock()
	m.ensureLoadedLocked()
	snapshot := &Storage{
		Version:     m.storage.Version,
		Accounts:    make([]*Account, len(m.storage.Accounts)),
		ActiveIndex: m.storage.ActiveIndex,
	}
	for i, account := range m.storage.Accounts {
		cp := *account
		snapshot.Accounts[i] = &cp
	}
	m.mu.Unlock()

	if err := m.store.Save(snapshot); err != nil {
		logger.L().Error("account storage save failed", zap.Error(err))
	}
}

// Shutdown flushes any pending debounced save.
func (m *AccountManager) Shutdown() {
	m.saveMu.Lock()
	pending := m.saveTimer != nil
	if pending {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()

	if pending {
		m.flush()
	}
}
