package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/logger"
)

// AccountStore owns the storage file. It is a pure value-in/value-out
// module: the manager holds the reference, never the other way around.
type AccountStore struct {
	path string

	// Saves serialise through this mutex so concurrent flushes cannot
	// interleave their temp-file renames.
	saveMu sync.Mutex
}

func NewAccountStore(path string) *AccountStore {
	return &AccountStore{path: path}
}

func (s *AccountStore) Path() string {
	return s.path
}

// Load reads the storage file. A missing file yields empty storage. Items
// without a refresh token are discarded, duplicates are coalesced keeping
// the entry with the greatest last_used, and activeIndex is clamped into
// range.
func (s *AccountStore) Load() (*Storage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyStorage(), nil
		}
		return nil, fmt.Errorf("read account storage: %w", err)
	}

	var raw struct {
		Version     int               `json:"version"`
		Accounts    []json.RawMessage `json:"accounts"`
		ActiveIndex *int              `json:"activeIndex"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.L().Warn("account storage unreadable, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return emptyStorage(), nil
	}
	if raw.Accounts == nil {
		// Parsed but not the expected shape.
		logger.L().Warn("account storage corrupt, starting empty",
			zap.String("path", s.path), zap.Error(domain.ErrStorageCorrupt))
		return emptyStorage(), nil
	}

	accounts := make([]*Account, 0, len(raw.Accounts))
	for _, item := range raw.Accounts {
		var account Account
		if err := json.Unmarshal(item, &account); err != nil {
			continue
		}
		if strings.TrimSpace(account.RefreshToken) == "" {
			continue
		}
		accounts = append(accounts, &account)
	}
	accounts = dedupeAccounts(accounts)

	storage := &Storage{Version: StorageVersion, Accounts: accounts}
	if raw.ActiveIndex != nil {
		storage.ActiveIndex = *raw.ActiveIndex
	}
	storage.ActiveIndex = clampIndex(storage.ActiveIndex, len(accounts))
	reindex(storage.Accounts)
	return storage, nil
}

// Save writes storage atomically: marshal with stable indentation, write to
// a randomly-suffixed sibling temp file, rename over the target. On any
// error the temp file is removed and the error surfaced.
func (s *AccountStore) Save(storage *Storage) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if storage == nil {
		storage = emptyStorage()
	}
	storage.Version = StorageVersion
	storage.ActiveIndex = clampIndex(storage.ActiveIndex, len(storage.Accounts))

	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize account storage: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	s.ensureGitIgnore(dir)

	tmp := fmt.Sprintf("%s.%s.tmp", s.path, uuid.NewString()[:8])
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write account storage: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace account storage: %w", err)
	}
	return nil
}

// ensureGitIgnore keeps the storage file and its temp pattern out of version
// control if the config directory happens to be a repo. Best-effort.
func (s *AccountStore) ensureGitIgnore(dir string) {
	name := filepath.Base(s.path)
	wanted := []string{name, name + ".*.tmp"}

	ignorePath := filepath.Join(dir, ".gitignore")
	existing, err := os.ReadFile(ignorePath)
	if err != nil && !os.IsNotExist(err) {
		return
	}

	lines := map[string]bool{}
	for _, line := range strings.Split(string(existing), "\n") {
		lines[strings.TrimSpace(line)] = true
	}

	missing := make([]string, 0, len(wanted))
	for _, entry := range wanted {
		if !lines[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return
	}

	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(missing, "\n") + "\n"
	_ = os.WriteFile(ignorePath, []byte(content), 0o644)
}

// dedupeAccounts coalesces duplicates (same refresh token or same account
// id), keeping the entry with the greatest last_used. Insertion order of the
// survivors is preserved.
func dedupeAccounts(accounts []*Account) []*Account {
	result := make([]*Account, 0, len(accounts))
	for _, account := range accounts {
		replaced := false
		for i, kept := range result {
			if !kept.SameIdentity(account) {
				continue
			}
			if account.LastUsed > kept.LastUsed {
				result[i] = account
			}
			replaced = true
			break
		}
		if !replaced {
			result = append(result, account)
		}
	}
	return result
}

func clampIndex(index, length int) int {
	if length == 0 {
		return 0
	}
	if index < 0 {
		return 0
	}
	if index >= length {
		return length - 1
	}
	return index
}

func reindex(accounts []*Account) {
	for i, account := range accounts {
		account.Index = i
	}
}
