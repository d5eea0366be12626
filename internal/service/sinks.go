package service

// Host callback surfaces. All are fire-and-forget: the gateway never blocks
// on them and never lets a callback failure affect the request path.

// ToastFunc shows a transient notification in the host UI.
type ToastFunc func(message, variant string, durationMs int)

// AuthWritebackFunc mirrors refreshed credentials back into the host's own
// auth store.
type AuthWritebackFunc func(providerID string, creds AuthCredentials)

// AuthCredentials is the writeback payload.
type AuthCredentials struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	Expires   int64  `json:"expires"`
	AccountID string `json:"accountId"`
}

// Sinks bundles the host callbacks. Zero value is fully inert.
type Sinks struct {
	Toast         ToastFunc
	AuthWriteback AuthWritebackFunc
	ProviderID    string
}

func (s *Sinks) toast(message, variant string, durationMs int) {
	if s == nil || s.Toast == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Toast(message, variant, durationMs)
}

func (s *Sinks) writeback(account *Account) {
	if s == nil || s.AuthWriteback == nil || account == nil {
		return
	}
	defer func() { _ = recover() }()
	s.AuthWriteback(s.ProviderID, AuthCredentials{
		Access:    account.AccessToken,
		Refresh:   account.RefreshToken,
		Expires:   account.AccessTokenExpiry,
		AccountID: account.AccountID,
	})
}
