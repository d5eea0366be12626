package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/httpclient"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/oauth"
)

const tokenRequestTimeout = 30 * time.Second

// TokenCredentials is a successful exchange or refresh result. Expiry is an
// absolute Unix-millisecond deadline.
type TokenCredentials struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       int64
}

// TokenService talks to the vendor OAuth token endpoint. It performs no
// retries; the caller decides how a refresh failure affects the account.
type TokenService struct {
	endpoint string
	proxyURL string
	now      func() time.Time
}

func NewTokenService(proxyURL string) *TokenService {
	return &TokenService{
		endpoint: oauth.TokenURL,
		proxyURL: proxyURL,
		now:      time.Now,
	}
}

// ExchangeCode trades an authorization code plus PKCE verifier for tokens.
func (s *TokenService) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenCredentials, error) {
	req := oauth.BuildTokenRequest(code, codeVerifier, redirectURI)
	return s.post(ctx, req.ToFormData(), "")
}

// RefreshAccessToken trades a refresh token for a fresh access token. The
// endpoint may rotate the refresh token; when it does not, the input token
// is carried forward.
func (s *TokenService) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenCredentials, error) {
	req := oauth.BuildRefreshRequest(refreshToken)
	return s.post(ctx, req.ToFormData(), refreshToken)
}

func (s *TokenService) post(ctx context.Context, form, fallbackRefresh string) (*TokenCredentials, error) {
	client, err := httpclient.GetClient(httpclient.Options{
		ProxyURL: s.proxyURL,
		Timeout:  tokenRequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenRefreshFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenRefreshFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTokenRefreshFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s",
			domain.ErrTokenRefreshFailed, resp.StatusCode, truncateForError(body))
	}

	var token oauth.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrTokenRefreshFailed, err)
	}
	if token.AccessToken == "" || token.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: incomplete token response", domain.ErrTokenRefreshFailed)
	}

	refresh := token.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	if refresh == "" {
		return nil, fmt.Errorf("%w: no refresh token in response", domain.ErrTokenRefreshFailed)
	}

	return &TokenCredentials{
		AccessToken:  token.AccessToken,
		RefreshToken: refresh,
		IDToken:      token.IDToken,
		Expiry:       s.now().UnixMilli() + token.ExpiresIn*1000,
	}, nil
}

func truncateForError(body []byte) string {
	const limit = 200
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
