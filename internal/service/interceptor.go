package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/codex-switch/internal/config"
	"github.com/Wei-Shaw/codex-switch/internal/domain"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/httpclient"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/logger"
)

const (
	maxRetries = 3

	// DefaultUpstreamURL is the caller-visible responses endpoint; the
	// interceptor rewrites it onto the Codex path.
	DefaultUpstreamURL = "https://chatgpt.com/backend-api/responses"

	upstreamResponseHeaderTimeout = 2 * time.Minute

	headerBeta       = "OpenAI-Beta"
	headerBetaValue  = "responses=experimental"
	headerAccountID  = "chatgpt-account-id"
	headerOriginator = "originator"
	originatorValue  = "codex_cli_rs"
)

// Interceptor drives one caller request through account selection, token
// refresh, body transformation, the upstream call, and failure-driven
// rotation.
type Interceptor struct {
	cfg         *config.Config
	manager     *AccountManager
	transformer *Transformer
	sinks       *Sinks
	requestLog  *RequestLogger
}

func NewInterceptor(cfg *config.Config, manager *AccountManager, transformer *Transformer, sinks *Sinks, requestLog *RequestLogger) *Interceptor {
	return &Interceptor{
		cfg:         cfg,
		manager:     manager,
		transformer: transformer,
		sinks:       sinks,
		requestLog:  requestLog,
	}
}

// RewriteUpstreamURL swaps the trailing /responses path segment for
// /codex/responses. Everything else in the URL is preserved.
func RewriteUpstreamURL(url string) string {
	base, query, hasQuery := strings.Cut(url, "?")
	if strings.HasSuffix(base, "/responses") && !strings.HasSuffix(base, "/codex/responses") {
		base = strings.TrimSuffix(base, "/responses") + "/codex/responses"
	}
	if hasQuery {
		return base + "?" + query
	}
	return base
}

// Execute runs the retry state machine for one request and returns the
// upstream response. The caller owns the returned body.
func (i *Interceptor) Execute(ctx context.Context, targetURL string, callerHeader http.Header, rawBody []byte) (*http.Response, error) {
	account, err := i.manager.SelectAccount()
	if err != nil {
		return nil, err
	}

	body, result := i.transformer.Transform(rawBody)
	url := RewriteUpstreamURL(targetURL)
	attempt := 0

	for {
		token, tokenErr := i.manager.EnsureAccessToken(ctx, account.Index)
		if tokenErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				attempt++
				if account, err = i.manager.SelectAccount(); err == nil {
					continue
				}
			}
			return nil, domain.ErrNoAccounts
		}
		// The refresh may have rotated credentials or filled in the
		// account id; re-snapshot before composing headers.
		if fresh, ok := i.manager.AccountByIndex(account.Index); ok {
			account = fresh
		}

		resp, sendErr := i.send(ctx, url, callerHeader, body, token, account.AccountID, result)
		if sendErr != nil {
			if ctx.Err() != nil {
				// Cancellation is not an observation about the account.
				return nil, ctx.Err()
			}
			logger.L().Warn("upstream request failed",
				zap.String("account", account.Label()), zap.Error(sendErr))
			i.manager.RecordFailure(account.Index)
			if attempt < maxRetries {
				attempt++
				if account, err = i.manager.SelectAccount(); err == nil {
					continue
				}
			}
			return nil, sendErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			i.manager.RecordSuccess(account.Index)
			i.sinks.writeback(&account)
			return i.finishSuccess(ctx, resp, result)
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusNotFound,
			http.StatusServiceUnavailable, 529:
			text := drainBody(resp)
			status := resp.StatusCode
			if IsMisreported404(status, text) {
				status = http.StatusTooManyRequests
			}
			reason := ClassifyFailure(status, text)
			i.requestLog.Dump(result.Model, account.Label(), url,
				account.Index, resp.StatusCode, attempt, body, text)

			if resp.StatusCode == http.StatusNotFound && status == http.StatusNotFound {
				// A real 404: surface unchanged, no rotation.
				return synthesizeResponse(resp, resp.StatusCode, text), nil
			}

			i.manager.MarkRateLimited(account.Index, reason)
			i.sinks.toast(fmt.Sprintf("Codex account %s cooling down (%s)", account.Label(), reason), "warning", 5000)
			if attempt < maxRetries {
				attempt++
				if next, selErr := i.manager.SelectAccount(); selErr == nil && next.Index != account.Index {
					account = next
					continue
				}
			}
			return synthesizeResponse(resp, status, text), nil

		case http.StatusUnauthorized:
			text := drainBody(resp)
			i.manager.RecordFailure(account.Index)
			if attempt < maxRetries {
				attempt++
				if next, selErr := i.manager.SelectAccount(); selErr == nil && next.Index != account.Index {
					account = next
					continue
				}
			}
			return synthesizeResponse(resp, resp.StatusCode, text), nil

		default:
			return resp, nil
		}
	}
}

func (i *Interceptor) send(ctx context.Context, url string, callerHeader http.Header, body []byte, token, accountID string, result *TransformResult) (*http.Response, error) {
	client, err := httpclient.GetClient(httpclient.Options{
		ProxyURL:              i.cfg.ProxyURL,
		ResponseHeaderTimeout: upstreamResponseHeaderTimeout,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = composeHeaders(callerHeader, token, accountID, result.PromptCacheKey)
	return client.Do(req)
}

// composeHeaders builds the upstream header set from the caller's headers.
func composeHeaders(callerHeader http.Header, token, accountID, promptCacheKey string) http.Header {
	header := http.Header{}
	for key, values := range callerHeader {
		for _, v := range values {
			header.Add(key, v)
		}
	}

	header.Del("x-api-key")
	header.Set("Authorization", "Bearer "+token)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "text/event-stream")
	header.Set(headerBeta, headerBetaValue)
	header.Set(headerOriginator, originatorValue)
	if accountID != "" {
		header.Set(headerAccountID, accountID)
	} else {
		header.Del(headerAccountID)
	}
	if promptCacheKey != "" {
		header.Set("conversation_id", promptCacheKey)
		header.Set("session_id", promptCacheKey)
	} else {
		header.Del("conversation_id")
		header.Del("session_id")
	}
	return header
}

// finishSuccess hands a streaming body through as-is and collapses the event
// stream to a single JSON object for non-streaming callers.
func (i *Interceptor) finishSuccess(ctx context.Context, resp *http.Response, result *TransformResult) (*http.Response, error) {
	if result.Stream {
		resp.Header.Set("Content-Type", EnsureStreamContentType(resp.Header.Get("Content-Type")))
		return resp, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}

	payload, ok := CollapseSSEToJSON(string(raw))
	if !ok {
		return synthesizeResponse(resp, resp.StatusCode, payload), nil
	}
	out := synthesizeResponse(resp, http.StatusOK, payload)
	out.Header.Set("Content-Type", ContentTypeJSON)
	return out, nil
}

// drainBody reads and closes a response body, returning its text.
func drainBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}
	return string(data)
}

// synthesizeResponse rebuilds a response whose body has already been read.
func synthesizeResponse(from *http.Response, status int, body string) *http.Response {
	header := http.Header{}
	for key, values := range from.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	header.Del("Content-Length")
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      from.Proto,
		ProtoMajor: from.ProtoMajor,
		ProtoMinor: from.ProtoMinor,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
