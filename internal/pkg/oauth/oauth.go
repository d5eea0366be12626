// Package oauth provides the ChatGPT Codex OAuth surface: client constants,
// PKCE helpers, token request/response shapes, and identity-claim decoding.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OAuth constants for the Codex CLI client.
const (
	// ClientID is the OAuth client id of the official Codex CLI.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	AuthorizeURL = "https://auth.openai.com/oauth/authorize"
	TokenURL     = "https://auth.openai.com/oauth/token"

	DefaultRedirectURI = "http://localhost:1455/auth/callback"

	DefaultScopes = "openid profile email offline_access"
	// RefreshScopes omits offline_access on refresh, matching the CLI.
	RefreshScopes = "openid profile email"

	SessionTTL = 30 * time.Minute
)

// Session stores the PKCE state of one in-flight authorization.
type Session struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionStore keeps OAuth sessions in memory and expires them after
// SessionTTL.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSessionStore() *SessionStore {
	store := &SessionStore{
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	go store.cleanup()
	return store
}

func (s *SessionStore) Set(sessionID string, session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = session
}

func (s *SessionStore) Get(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if time.Since(session.CreatedAt) > SessionTTL {
		return nil, false
	}
	return session, true
}

func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *SessionStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *SessionStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			for id, session := range s.sessions {
				if time.Since(session.CreatedAt) > SessionTTL {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func generateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func GenerateState() (string, error) {
	bytes, err := generateRandomBytes(32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func GenerateSessionID() (string, error) {
	bytes, err := generateRandomBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateCodeVerifier returns a PKCE verifier. The Codex flow uses hex
// encoding rather than base64url.
func GenerateCodeVerifier() (string, error) {
	bytes, err := generateRandomBytes(64)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateCodeChallenge derives the S256 challenge per RFC 7636.
func GenerateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64URLEncode(hash[:])
}

func base64URLEncode(data []byte) string {
	encoded := base64.URLEncoding.EncodeToString(data)
	return strings.TrimRight(encoded, "=")
}

// BuildAuthorizationURL builds the Codex authorization URL, including the
// simplified-flow flags the CLI sends.
func BuildAuthorizationURL(state, codeChallenge, redirectURI string) string {
	if redirectURI == "" {
		redirectURI = DefaultRedirectURI
	}
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", DefaultScopes)
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	params.Set("id_token_add_organizations", "true")
	params.Set("codex_cli_simplified_flow", "true")
	return fmt.Sprintf("%s?%s", AuthorizeURL, params.Encode())
}

// TokenRequest is the authorization-code exchange body.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// RefreshRequest is the refresh-grant body.
type RefreshRequest struct {
	GrantType    string
	ClientID     string
	RefreshToken string
	Scope        string
}

// TokenResponse is the vendor token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func BuildTokenRequest(code, codeVerifier, redirectURI string) *TokenRequest {
	if redirectURI == "" {
		redirectURI = DefaultRedirectURI
	}
	return &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     ClientID,
		Code:         code,
		RedirectURI:  redirectURI,
		CodeVerifier: codeVerifier,
	}
}

func BuildRefreshRequest(refreshToken string) *RefreshRequest {
	return &RefreshRequest{
		GrantType:    "refresh_token",
		ClientID:     ClientID,
		RefreshToken: refreshToken,
		Scope:        RefreshScopes,
	}
}

func (r *TokenRequest) ToFormData() string {
	params := url.Values{}
	params.Set("grant_type", r.GrantType)
	params.Set("client_id", r.ClientID)
	params.Set("code", r.Code)
	params.Set("redirect_uri", r.RedirectURI)
	params.Set("code_verifier", r.CodeVerifier)
	return params.Encode()
}

func (r *RefreshRequest) ToFormData() string {
	params := url.Values{}
	params.Set("grant_type", r.GrantType)
	params.Set("client_id", r.ClientID)
	params.Set("refresh_token", r.RefreshToken)
	params.Set("scope", r.Scope)
	return params.Encode()
}

// Claims are the identity claims decoded from a Codex access or ID token.
type Claims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`

	// Codex-specific claims nested under the auth namespace.
	OpenAIAuth *AuthClaims `json:"https://api.openai.com/auth,omitempty"`
	Profile    *Profile    `json:"https://api.openai.com/profile,omitempty"`
}

type AuthClaims struct {
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	ChatGPTUserID    string `json:"chatgpt_user_id"`
	UserID           string `json:"user_id"`
}

type Profile struct {
	Email string `json:"email"`
}

// DecodeClaims decodes the payload segment of a JWT without verifying the
// signature; the token is consumed for identity hints only. Any parse
// failure yields (nil, false).
func DecodeClaims(token string) (*Claims, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}

	payload := parts[1]
	switch len(payload) % 4 {
	case 2:
		payload += "=="
	case 3:
		payload += "="
	}

	decoded, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, false
		}
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil, false
	}
	return &claims, true
}

// AccountID returns the ChatGPT account id claim, if present.
func (c *Claims) AccountID() string {
	if c == nil || c.OpenAIAuth == nil {
		return ""
	}
	return c.OpenAIAuth.ChatGPTAccountID
}

// EmailAddress returns the profile email, falling back to the top-level
// email claim.
func (c *Claims) EmailAddress() string {
	if c == nil {
		return ""
	}
	if c.Profile != nil && c.Profile.Email != "" {
		return c.Profile.Email
	}
	return c.Email
}
