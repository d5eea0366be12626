package service

import (
	"strings"

	"github.com/tidwall/gjson"
)

const (
	ContentTypeJSON = "application/json; charset=utf-8"
	ContentTypeSSE  = "text/event-stream; charset=utf-8"
)

// CollapseSSEToJSON reduces a fully-read event stream to the final response
// object for callers that asked for a non-streaming result. The first event
// whose type is response.done or response.completed wins. When no completion
// event exists the raw text is returned with ok=false so the caller can
// surface it unchanged.
func CollapseSSEToJSON(stream string) (payload string, ok bool) {
	for _, line := range strings.Split(stream, "\n") {
		data, found := strings.CutPrefix(strings.TrimRight(line, "\r"), "data: ")
		if !found {
			continue
		}
		event := gjson.Parse(data)
		switch event.Get("type").String() {
		case "response.done", "response.completed":
			if response := event.Get("response"); response.Exists() {
				return response.Raw, true
			}
		}
	}
	return stream, false
}

// EnsureStreamContentType fills in the SSE content type when the upstream
// omitted it. Streaming bodies are otherwise passed through untouched.
func EnsureStreamContentType(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return ContentTypeSSE
	}
	return contentType
}
