package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
)

func newTestManager(t *testing.T) (*AccountManager, *time.Time) {
	t.Helper()
	store := NewAccountStore(filepath.Join(t.TempDir(), "codex-switch-accounts.json"))
	manager := NewAccountManager(store, NewTokenService(""), domain.StrategyHybrid)

	current := time.Now()
	manager.now = func() time.Time { return current }
	return manager, &current
}

func fakeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	encode := func(b []byte) string {
		return base64.RawURLEncoding.EncodeToString(b)
	}
	return encode([]byte(`{"alg":"none"}`)) + "." + encode(payload) + ".sig"
}

func seedAccount(t *testing.T, manager *AccountManager, refresh string) int {
	t.Helper()
	index, err := manager.AddAccount(&TokenCredentials{
		AccessToken:  "at-" + refresh,
		RefreshToken: refresh,
		Expiry:       time.Now().Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)
	return index
}

func TestAccountManagerAddAccountDecodesClaims(t *testing.T) {
	manager, _ := newTestManager(t)

	token := fakeJWT(t, map[string]any{
		"https://api.openai.com/auth":    map[string]any{"chatgpt_account_id": "acct-1"},
		"https://api.openai.com/profile": map[string]any{"email": "user@example.com"},
	})
	index, err := manager.AddAccount(&TokenCredentials{
		AccessToken:  token,
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)
	require.Equal(t, 0, index)

	accounts := manager.Accounts()
	require.Len(t, accounts, 1)
	require.Equal(t, "acct-1", accounts[0].AccountID)
	require.Equal(t, "user@example.com", accounts[0].Email)
	require.True(t, accounts[0].Enabled)
}

func TestAccountManagerAddAccountOverwritesDuplicate(t *testing.T) {
	manager, _ := newTestManager(t)
	index := seedAccount(t, manager, "rt-dup")

	// Penalise, then re-add the same identity.
	manager.MarkRateLimited(index, domain.ReasonUsageLimitReached)
	manager.RecordFailure(index)

	again, err := manager.AddAccount(&TokenCredentials{
		AccessToken:  "at-fresh",
		RefreshToken: "rt-dup",
		Expiry:       time.Now().Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)
	require.Equal(t, index, again)

	accounts := manager.Accounts()
	require.Len(t, accounts, 1)
	require.Equal(t, "at-fresh", accounts[0].AccessToken)
	require.True(t, accounts[0].Enabled)
	require.Zero(t, accounts[0].RateLimitResetTime)
	require.Zero(t, accounts[0].ConsecutiveFailures)
}

func TestAccountManagerSelectEmptyPool(t *testing.T) {
	manager, _ := newTestManager(t)
	_, err := manager.SelectAccount()
	require.ErrorIs(t, err, domain.ErrNoAccounts)
}

func TestAccountManagerSelectSingleAccount(t *testing.T) {
	manager, _ := newTestManager(t)
	seedAccount(t, manager, "rt-only")

	account, err := manager.SelectAccount()
	require.NoError(t, err)
	require.Equal(t, 0, account.Index)
}

func TestAccountManagerFallbackToEarliestReset(t *testing.T) {
	manager, _ := newTestManager(t)
	seedAccount(t, manager, "rt-0")
	seedAccount(t, manager, "rt-1")

	// Usage limit on 0 cools longer than rate limit on 1.
	manager.MarkRateLimited(0, domain.ReasonUsageLimitReached)
	manager.MarkRateLimited(1, domain.ReasonRateLimitExceeded)

	account, err := manager.SelectAccount()
	require.NoError(t, err)
	require.Equal(t, 1, account.Index)
}

func TestAccountManagerQuotaBackoffEscalates(t *testing.T) {
	manager, clock := newTestManager(t)
	index := seedAccount(t, manager, "rt-q")
	base := clock.UnixMilli()

	expected := []int64{60_000, 300_000, 1_800_000, 1_800_000}
	for _, offset := range expected {
		manager.MarkRateLimited(index, domain.ReasonUsageLimitReached)
		account := manager.Accounts()[index]
		require.Equal(t, base+offset, account.RateLimitResetTime)
		require.Equal(t, domain.ReasonUsageLimitReached, account.RateLimitReason)

		// Clear the cooldown without touching the failure streak.
		manager.mu.Lock()
		manager.storage.Accounts[index].RateLimitResetTime = 0
		manager.mu.Unlock()
	}
}

func TestAccountManagerBackoffTable(t *testing.T) {
	require.Equal(t, 60*time.Second, backoffFor(domain.ReasonUsageLimitReached, 0))
	require.Equal(t, 300*time.Second, backoffFor(domain.ReasonUsageLimitReached, 1))
	require.Equal(t, 1800*time.Second, backoffFor(domain.ReasonUsageLimitReached, 2))
	require.Equal(t, 1800*time.Second, backoffFor(domain.ReasonUsageLimitReached, 9))
	require.Equal(t, 30*time.Second, backoffFor(domain.ReasonRateLimitExceeded, 0))
	require.Equal(t, 20*time.Second, backoffFor(domain.ReasonServerError, 0))
	require.Equal(t, 60*time.Second, backoffFor(domain.ReasonUnknown, 0))
	require.Equal(t, 60*time.Second, backoffFor("", 3))
}

func TestAccountManagerDisablesAfterRepeatedFailures(t *testing.T) {
	manager, _ := newTestManager(t)
	index := seedAccount(t, manager, "rt-f")

	for i := 0; i < 4; i++ {
		manager.RecordFailure(index)
		require.True(t, manager.Accounts()[index].Enabled)
	}
	manager.RecordFailure(index)
	require.False(t, manager.Accounts()[index].Enabled)

	_, err := manager.SelectAccount()
	require.ErrorIs(t, err, domain.ErrNoAccounts)
}

func TestAccountManagerRecordSuccessClearsStreak(t *testing.T) {
	manager, clock := newTestManager(t)
	index := seedAccount(t, manager, "rt-s")

	manager.RecordFailure(index)
	manager.RecordSuccess(index)

	account := manager.Accounts()[index]
	require.Zero(t, account.ConsecutiveFailures)
	require.Equal(t, clock.UnixMilli(), account.LastUsed)
}

func TestAccountManagerIsRateLimitedClearsExpired(t *testing.T) {
	manager, clock := newTestManager(t)
	index := seedAccount(t, manager, "rt-rl")

	manager.MarkRateLimited(index, domain.ReasonServerError)
	require.True(t, manager.IsRateLimited(index))

	*clock = clock.Add(21 * time.Second)
	require.False(t, manager.IsRateLimited(index))
	require.Zero(t, manager.Accounts()[index].RateLimitResetTime)
	require.Empty(t, manager.Accounts()[index].RateLimitReason)
}

func TestAccountManagerEnsureAccessTokenSkipsFreshToken(t *testing.T) {
	manager, clock := newTestManager(t)
	index := seedAccount(t, manager, "rt-fresh")

	manager.mu.Lock()
	account := manager.storage.Accounts[index]
	account.AccessToken = "at-cached"
	account.AccessTokenExpiry = clock.Add(10 * time.Minute).UnixMilli()
	manager.mu.Unlock()

	token, err := manager.EnsureAccessToken(context.Background(), index)
	require.NoError(t, err)
	require.Equal(t, "at-cached", token)
}

func TestAccountManagerEnsureAccessTokenRefreshesNearExpiry(t *testing.T) {
	manager, clock := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"at-renewed","refresh_token":"rt-rotated","expires_in":3600}`))
	}))
	t.Cleanup(server.Close)
	manager.tokens.endpoint = server.URL

	index := seedAccount(t, manager, "rt-exp")
	manager.mu.Lock()
	account := manager.storage.Accounts[index]
	account.AccessToken = "at-stale"
	// Within the 60s refresh skew.
	account.AccessTokenExpiry = clock.Add(30 * time.Second).UnixMilli()
	manager.mu.Unlock()

	token, err := manager.EnsureAccessToken(context.Background(), index)
	require.NoError(t, err)
	require.Equal(t, "at-renewed", token)

	refreshed := manager.Accounts()[index]
	require.Equal(t, "at-renewed", refreshed.AccessToken)
	require.Equal(t, "rt-rotated", refreshed.RefreshToken)
}

func TestAccountManagerEnsureAccessTokenFailureRecordsFailure(t *testing.T) {
	manager, _ := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)
	manager.tokens.endpoint = server.URL

	index := seedAccount(t, manager, "rt-dead")

	_, err := manager.EnsureAccessToken(context.Background(), index)
	require.Error(t, err)
	require.Equal(t, 1, manager.Accounts()[index].ConsecutiveFailures)
}

func TestAccountManagerEnsureAccessTokenCancellationNoPenalty(t *testing.T) {
	manager, _ := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	manager.tokens.endpoint = server.URL

	index := seedAccount(t, manager, "rt-cancel")
	manager.mu.Lock()
	manager.storage.Accounts[index].AccessToken = ""
	manager.storage.Accounts[index].AccessTokenExpiry = 0
	manager.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := manager.EnsureAccessToken(ctx, index)
	require.ErrorIs(t, err, context.Canceled)

	account := manager.Accounts()[index]
	require.Zero(t, account.ConsecutiveFailures)
	require.True(t, account.Enabled)
	require.Equal(t, 70, manager.HealthScore(index))
}

func TestAccountManagerSelectAccountReturnsSnapshot(t *testing.T) {
	manager, _ := newTestManager(t)
	index := seedAccount(t, manager, "rt-snap")

	account, err := manager.SelectAccount()
	require.NoError(t, err)
	require.Equal(t, index, account.Index)

	// A concurrent refresh rotating credentials must not reach through the
	// returned snapshot.
	manager.adoptCredentials(index, &TokenCredentials{
		AccessToken:  "at-rotated",
		RefreshToken: "rt-rotated",
		Expiry:       time.Now().Add(time.Hour).UnixMilli(),
	})
	require.NotEqual(t, "at-rotated", account.AccessToken)

	fresh, ok := manager.AccountByIndex(index)
	require.True(t, ok)
	require.Equal(t, "at-rotated", fresh.AccessToken)
	require.Equal(t, "rt-rotated", fresh.RefreshToken)

	_, ok = manager.AccountByIndex(99)
	require.False(t, ok)
}

func TestAccountManagerConcurrentRefreshAndReads(t *testing.T) {
	manager, _ := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"at-racy","refresh_token":"rt-racy","expires_in":1}`))
	}))
	t.Cleanup(server.Close)
	manager.tokens.endpoint = server.URL

	index := seedAccount(t, manager, "rt-race")
	manager.mu.Lock()
	manager.storage.Accounts[index].AccessToken = ""
	manager.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = manager.EnsureAccessToken(context.Background(), index)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if account, ok := manager.AccountByIndex(index); ok {
					_ = account.AccessToken
					_ = account.Label()
				}
				if account, err := manager.SelectAccount(); err == nil {
					_ = account.AccessToken
				}
			}
		}()
	}
	wg.Wait()

	fresh, ok := manager.AccountByIndex(index)
	require.True(t, ok)
	require.Equal(t, "at-racy", fresh.AccessToken)
}

func TestAccountManagerShutdownFlushesPendingSave(t *testing.T) {
	manager, _ := newTestManager(t)
	index := seedAccount(t, manager, "rt-flush")

	manager.RecordFailure(index)
	manager.Shutdown()

	reloaded, err := manager.store.Load()
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Accounts[index].ConsecutiveFailures)
}

func TestAccountManagerPersistenceRoundTrip(t *testing.T) {
	manager, _ := newTestManager(t)
	seedAccount(t, manager, "rt-a")
	seedAccount(t, manager, "rt-b")

	manager.MarkRateLimited(1, domain.ReasonRateLimitExceeded)
	manager.Shutdown()

	fresh := NewAccountManager(manager.store, NewTokenService(""), domain.StrategyHybrid)
	accounts := fresh.Accounts()
	require.Len(t, accounts, 2)
	require.Equal(t, "rt-a", accounts[0].RefreshToken)
	require.Equal(t, domain.ReasonRateLimitExceeded, accounts[1].RateLimitReason)
	require.NotZero(t, accounts[1].RateLimitResetTime)
}
