package domain

import "errors"

// Rate-limit reason tags. The classifier produces one of these per failed
// upstream response; the manager picks the backoff window from it.
const (
	ReasonRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ReasonUsageLimitReached = "USAGE_LIMIT_REACHED"
	ReasonServerError       = "SERVER_ERROR"
	ReasonUnknown           = "UNKNOWN"
)

// Selection strategy constants
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"
)

// Sentinel errors surfaced by the core.
var (
	// ErrNoAccounts means the pool is empty or every account is disabled.
	ErrNoAccounts = errors.New("no available accounts")
	// ErrTokenRefreshFailed is returned by the token service; the caller
	// rotates to another account rather than retrying the refresh.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
	// ErrStorageCorrupt means the storage file parsed but is not the
	// expected shape. Recovered by starting from an empty account set.
	ErrStorageCorrupt = errors.New("account storage corrupt")
)

// Storage and config file names under the opencode config directory.
const (
	StorageFileName = "codex-switch-accounts.json"
	ConfigFileName  = "codex-switch-config.json"
)

// Environment variables read once at construction.
const (
	EnvCodexMode      = "CODEX_MODE"
	EnvDebug          = "DEBUG_CODEX_SWITCH"
	EnvRequestLogging = "ENABLE_PLUGIN_REQUEST_LOGGING"
	EnvConfigDir      = "OPENCODE_CONFIG_DIR"
)
