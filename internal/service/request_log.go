package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codex-switch/internal/pkg/logger"
)

// RequestLogger dumps one JSON file per intercepted request for offline
// debugging. Disabled unless request logging is turned on; failures are
// logged and swallowed.
type RequestLogger struct {
	dir     string
	enabled bool
}

func NewRequestLogger(dir string, enabled bool) *RequestLogger {
	return &RequestLogger{dir: dir, enabled: enabled}
}

type requestDump struct {
	Time         string          `json:"time"`
	Model        string          `json:"model,omitempty"`
	AccountIndex int             `json:"account_index"`
	Account      string          `json:"account,omitempty"`
	URL          string          `json:"url"`
	Status       int             `json:"status"`
	Attempt      int             `json:"attempt"`
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	ResponseBody string          `json:"response_body,omitempty"`
}

func (r *RequestLogger) Dump(model, account, url string, accountIndex, status, attempt int, requestBody []byte, responseBody string) {
	if r == nil || !r.enabled {
		return
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		logger.L().Debug("request dump dir create failed", zap.Error(err))
		return
	}

	dump := requestDump{
		Time:         time.Now().UTC().Format(time.RFC3339Nano),
		Model:        model,
		AccountIndex: accountIndex,
		Account:      account,
		URL:          url,
		Status:       status,
		Attempt:      attempt,
		ResponseBody: responseBody,
	}
	if json.Valid(requestBody) {
		// The injected instructions blob is several KB of static text;
		// elide it so dumps stay readable.
		if gjson.GetBytes(requestBody, "instructions").Exists() {
			if elided, err := sjson.SetBytes(requestBody, "instructions", "[elided]"); err == nil {
				requestBody = elided
			}
		}
		dump.RequestBody = requestBody
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return
	}
	name := time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8] + ".json"
	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
		logger.L().Debug("request dump write failed", zap.Error(err))
	}
}
