// Package handler exposes the local gateway's HTTP endpoints.
package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/logger"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/oauth"
	"github.com/Wei-Shaw/codex-switch/internal/service"
)

const maxRequestBody = 10 << 20

type GatewayHandler struct {
	interceptor *service.Interceptor
	manager     *service.AccountManager
	tokens      *service.TokenService
	sessions    *oauth.SessionStore
	upstream    string
}

func NewGatewayHandler(interceptor *service.Interceptor, manager *service.AccountManager, tokens *service.TokenService, sessions *oauth.SessionStore) *GatewayHandler {
	return &GatewayHandler{
		interceptor: interceptor,
		manager:     manager,
		tokens:      tokens,
		sessions:    sessions,
		upstream:    service.DefaultUpstreamURL,
	}
}

// Responses proxies one request through the interceptor and streams the
// upstream answer back.
func (h *GatewayHandler) Responses(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read request body"}})
		return
	}

	resp, err := h.interceptor.Execute(c.Request.Context(), h.upstream, c.Request.Header, body)
	if err != nil {
		if err == domain.ErrNoAccounts {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{
				"message": "no usable Codex accounts; add one via /accounts/oauth/url",
				"type":    "no_accounts",
			}})
			return
		}
		if c.Request.Context().Err() != nil {
			c.Status(499)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.StatusCode)

	if _, err := io.Copy(flushWriter{c.Writer}, resp.Body); err != nil {
		logger.L().Debug("response copy interrupted", zap.Error(err))
	}
}

// flushWriter flushes after every chunk so SSE events reach the client
// without buffering delays.
type flushWriter struct {
	w gin.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		f.w.Flush()
	}
	return n, err
}

func (h *GatewayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accounts": h.manager.AccountCount(),
	})
}

type accountView struct {
	Index               int     `json:"index"`
	Email               string  `json:"email,omitempty"`
	AccountID           string  `json:"account_id,omitempty"`
	Enabled             bool    `json:"enabled"`
	LastUsed            int64   `json:"last_used"`
	Health              int     `json:"health"`
	Tokens              float64 `json:"tokens"`
	RateLimitResetTime  int64   `json:"rate_limit_reset_time,omitempty"`
	RateLimitReason     string  `json:"rate_limit_reason,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Active              bool    `json:"active"`
}

// Accounts lists the pool without exposing credentials.
func (h *GatewayHandler) Accounts(c *gin.Context) {
	active := h.manager.ActiveIndex()
	accounts := h.manager.Accounts()
	views := make([]accountView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, accountView{
			Index:               account.Index,
			Email:               account.Email,
			AccountID:           account.AccountID,
			Enabled:             account.Enabled,
			LastUsed:            account.LastUsed,
			Health:              h.manager.HealthScore(account.Index),
			Tokens:              h.manager.BucketTokens(account.Index),
			RateLimitResetTime:  account.RateLimitResetTime,
			RateLimitReason:     account.RateLimitReason,
			ConsecutiveFailures: account.ConsecutiveFailures,
			Active:              account.Index == active,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views, "active_index": active})
}

type oauthURLRequest struct {
	RedirectURI string `json:"redirect_uri"`
}

// OAuthURL starts a PKCE authorization flow and returns the URL to open.
func (h *GatewayHandler) OAuthURL(c *gin.Context) {
	var req oauthURLRequest
	_ = c.ShouldBindJSON(&req)

	state, err := oauth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "failed to generate state"}})
		return
	}
	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "failed to generate verifier"}})
		return
	}
	sessionID, err := oauth.GenerateSessionID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "failed to generate session"}})
		return
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = oauth.DefaultRedirectURI
	}
	h.sessions.Set(sessionID, &oauth.Session{
		State:        state,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		CreatedAt:    time.Now(),
	})

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"url":        oauth.BuildAuthorizationURL(state, oauth.GenerateCodeChallenge(verifier), redirectURI),
	})
}

type oauthExchangeRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
	State     string `json:"state"`
}

// OAuthExchange completes the flow: trades the code for tokens and adds the
// account to the pool.
func (h *GatewayHandler) OAuthExchange(c *gin.Context) {
	var req oauthExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "session_id and code are required"}})
		return
	}

	session, ok := h.sessions.Get(req.SessionID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "unknown or expired session"}})
		return
	}
	if req.State != "" && req.State != session.State {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "state mismatch"}})
		return
	}

	creds, err := h.tokens.ExchangeCode(c.Request.Context(), req.Code, session.CodeVerifier, session.RedirectURI)
	if err != nil {
		logger.L().Warn("oauth exchange failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	h.sessions.Delete(req.SessionID)

	index, err := h.manager.AddAccount(creds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index})
}
