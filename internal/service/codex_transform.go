package service

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Wei-Shaw/codex-switch/internal/config"
)

//go:embed prompts/codex_instructions.md
var codexInstructions string

//go:embed prompts/codex_max_instructions.md
var codexMaxInstructions string

//go:embed prompts/gpt_5_2_codex_instructions.md
var gpt52CodexInstructions string

//go:embed prompts/gpt_5_2_instructions.md
var gpt52Instructions string

//go:embed prompts/gpt_5_1_instructions.md
var gpt51Instructions string

const (
	// Bridge text injected ahead of the conversation when the caller sends
	// tools. The Codex-mode variant maps native Codex tool names onto the
	// host agent's tool set.
	codexBridgeText = "You are running through a bridge between the Codex backend and a host " +
		"coding agent. The tools available to you are the host's tools, listed in this request; " +
		"native Codex tool names map onto them as follows: apply_patch -> edit, update_plan -> " +
		"todowrite, read_plan -> todoread, search_files -> grep, list_files -> glob, read_file -> " +
		"read, write_file -> write, execute_bash -> bash. Always call the host tool names. Tool " +
		"outputs are returned as function_call_output items."

	plainBridgeText = "Tool names in this request belong to the host agent. Call them exactly " +
		"as listed in the tools array; do not invent or rename tools."
)

// Markers that identify environmental context embedded in a host prompt.
// When a host prompt is stripped, content from the earliest marker on is
// preserved.
var envMarkers = []string{
	"<env>",
	"<instructions>",
	"here is some useful information about the environment",
	"instructions from:",
}

// Signature prefixes identifying a host-agent system prompt.
var hostPromptSignatures = []string{
	"you are a coding agent running in the",
	"you are opencode, an agent",
	"you are an agent running in the",
}

const (
	knownPromptProbeLen  = 200
	orphanOutputLimit    = 16000
	orphanTruncateSuffix = "\n...[truncated]"
)

// TransformResult carries the request attributes the interceptor needs
// after the body has been rewritten.
type TransformResult struct {
	Model          string
	PromptCacheKey string
	Stream         bool
	Modified       bool
}

// Transformer rewrites caller request bodies into the shape the Codex
// upstream accepts. Transform never mutates its input; an unparseable body
// is passed through untouched.
type Transformer struct {
	cfg *config.Config

	mu          sync.RWMutex
	knownPrompt string
}

func NewTransformer(cfg *config.Config) *Transformer {
	return &Transformer{cfg: cfg}
}

// SetKnownHostPrompt installs the host agent's current system prompt so
// Codex mode can recognise and strip it by equality or prefix.
func (t *Transformer) SetKnownHostPrompt(prompt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.knownPrompt = strings.TrimSpace(prompt)
}

func (t *Transformer) knownHostPrompt() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.knownPrompt
}

// Transform rewrites one request body. The returned slice is always a fresh
// allocation; the input is never modified.
func (t *Transformer) Transform(raw []byte) ([]byte, *TransformResult) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		passthrough := make([]byte, len(raw))
		copy(passthrough, raw)
		return passthrough, &TransformResult{Stream: true}
	}

	result := &TransformResult{Modified: true}

	model, _ := body["model"].(string)
	canonical := NormalizeCodexModel(model)
	body["model"] = canonical
	result.Model = canonical

	if v, ok := body["stream"].(bool); ok && v {
		result.Stream = true
	}
	body["store"] = false
	body["stream"] = true
	body["instructions"] = InstructionsForModel(canonical)

	if v, ok := body["prompt_cache_key"].(string); ok {
		result.PromptCacheKey = strings.TrimSpace(v)
	}

	if input, ok := body["input"].([]any); ok {
		input = t.cleanInput(input)
		if _, hasTools := body["tools"]; hasTools {
			input = append([]any{t.bridgeMessage()}, input...)
		}
		input = repairOrphanOutputs(input)
		body["input"] = input
	}

	effort, summary := t.resolveReasoning(body, canonical)
	body["reasoning"] = map[string]any{
		"effort":  effort,
		"summary": summary,
	}

	verbosity := t.resolveVerbosity(body, canonical)
	text, _ := body["text"].(map[string]any)
	if text == nil {
		text = map[string]any{}
	}
	text["verbosity"] = verbosity
	body["text"] = text

	body["include"] = t.resolveInclude(body)

	delete(body, "max_output_tokens")
	delete(body, "max_completion_tokens")
	delete(body, "providerOptions")

	out, err := json.Marshal(body)
	if err != nil {
		passthrough := make([]byte, len(raw))
		copy(passthrough, raw)
		return passthrough, &TransformResult{Model: canonical, Stream: result.Stream}
	}
	return out, result
}

// InstructionsForModel returns the embedded system instructions for the
// model's family.
func InstructionsForModel(canonical string) string {
	switch ModelFamilyTag(canonical) {
	case FamilyGPT52Codex:
		return strings.TrimSpace(gpt52CodexInstructions)
	case FamilyCodexMax:
		return strings.TrimSpace(codexMaxInstructions)
	case FamilyCodex:
		return strings.TrimSpace(codexInstructions)
	case FamilyGPT52:
		return strings.TrimSpace(gpt52Instructions)
	default:
		return strings.TrimSpace(gpt51Instructions)
	}
}

// cleanInput drops item_reference entries, strips item ids, and in Codex
// mode removes recognisable host-agent prompts while preserving any
// environment context embedded in them.
func (t *Transformer) cleanInput(input []any) []any {
	cleaned := make([]any, 0, len(input))
	for _, raw := range input {
		item, ok := raw.(map[string]any)
		if !ok {
			cleaned = append(cleaned, raw)
			continue
		}
		typ, _ := item["type"].(string)
		if typ == "item_reference" {
			continue
		}

		next := make(map[string]any, len(item))
		for k, v := range item {
			if k == "id" {
				continue
			}
			next[k] = v
		}

		if t.cfg.CodexMode && isSystemLikeMessage(next) {
			content := contentText(next)
			if t.isHostPrompt(content) {
				kept, found := sliceFromEnvMarker(content)
				if !found {
					continue
				}
				next["content"] = kept
			}
		}

		cleaned = append(cleaned, next)
	}
	return cleaned
}

func (t *Transformer) bridgeMessage() map[string]any {
	text := plainBridgeText
	if t.cfg.CodexMode {
		text = codexBridgeText
	}
	return map[string]any{
		"type": "message",
		"role": "developer",
		"content": []any{
			map[string]any{"type": "input_text", "text": text},
		},
	}
}

func isSystemLikeMessage(item map[string]any) bool {
	typ, _ := item["type"].(string)
	if typ != "" && typ != "message" {
		return false
	}
	role, _ := item["role"].(string)
	return role == "system" || role == "developer"
}

// contentText flattens a message's content to plain text. Content may be a
// bare string or a list of text parts.
func contentText(item map[string]any) string {
	switch content := item["content"].(type) {
	case string:
		return content
	case []any:
		var sb strings.Builder
		for _, part := range content {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// isHostPrompt reports whether the text is a host-agent system prompt, by
// comparison against the cached known prompt or by signature prefix.
func (t *Transformer) isHostPrompt(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	if known := t.knownHostPrompt(); known != "" {
		if trimmed == known || strings.HasPrefix(trimmed, known) {
			return true
		}
		if len(trimmed) >= knownPromptProbeLen && len(known) >= knownPromptProbeLen &&
			trimmed[:knownPromptProbeLen] == known[:knownPromptProbeLen] {
			return true
		}
	}

	head := strings.ToLower(trimmed)
	if len(head) > 400 {
		head = head[:400]
	}
	for _, sig := range hostPromptSignatures {
		if strings.HasPrefix(head, sig) {
			return true
		}
	}
	return false
}

// sliceFromEnvMarker returns the suffix of text starting at the earliest
// environmental marker, if any marker occurs.
func sliceFromEnvMarker(text string) (string, bool) {
	lower := strings.ToLower(text)
	earliest := -1
	for _, marker := range envMarkers {
		idx := strings.Index(lower, marker)
		if idx >= 0 && (earliest < 0 || idx < earliest) {
			earliest = idx
		}
	}
	if earliest < 0 {
		return "", false
	}
	return text[earliest:], true
}

// Call item types paired with their output types and the tool name used in
// repaired messages.
var orphanToolKinds = []struct {
	callType   string
	outputType string
	toolName   string
}{
	{"function_call", "function_call_output", "tool"},
	{"local_shell_call", "local_shell_call_output", "shell"},
	{"custom_tool_call", "custom_tool_call_output", "custom tool"},
}

// repairOrphanOutputs rewrites tool outputs whose originating call is not in
// the conversation as plain assistant messages, keeping the input
// well-formed when the upstream has dropped or reordered calls. Idempotent.
func repairOrphanOutputs(input []any) []any {
	callIDs := make(map[string]map[string]bool, len(orphanToolKinds))
	for _, kind := range orphanToolKinds {
		callIDs[kind.outputType] = map[string]bool{}
	}
	for _, raw := range input {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := item["type"].(string)
		for _, kind := range orphanToolKinds {
			if typ != kind.callType {
				continue
			}
			if id, ok := item["call_id"].(string); ok && id != "" {
				callIDs[kind.outputType][id] = true
			}
		}
	}

	repaired := make([]any, 0, len(input))
	for _, raw := range input {
		item, ok := raw.(map[string]any)
		if !ok {
			repaired = append(repaired, raw)
			continue
		}
		typ, _ := item["type"].(string)

		var kindName string
		var known map[string]bool
		for _, kind := range orphanToolKinds {
			if typ == kind.outputType {
				kindName = kind.toolName
				known = callIDs[kind.outputType]
				break
			}
		}
		if known == nil {
			repaired = append(repaired, item)
			continue
		}

		id, _ := item["call_id"].(string)
		if id != "" && known[id] {
			repaired = append(repaired, item)
			continue
		}
		repaired = append(repaired, orphanMessage(kindName, id, item["output"]))
	}
	return repaired
}

func orphanMessage(toolName, callID string, output any) map[string]any {
	if callID == "" {
		callID = "unknown"
	}

	var text string
	switch v := output.(type) {
	case string:
		text = v
	case nil:
		text = ""
	default:
		if encoded, err := json.Marshal(v); err == nil {
			text = string(encoded)
		} else {
			text = fmt.Sprintf("%v", v)
		}
	}
	if len(text) > orphanOutputLimit {
		text = text[:orphanOutputLimit] + orphanTruncateSuffix
	}

	return map[string]any{
		"type": "message",
		"role": "assistant",
		"content": []any{
			map[string]any{
				"type": "output_text",
				"text": fmt.Sprintf("[Previous %s result; call_id=%s]: %s", toolName, callID, text),
			},
		},
	}
}

// resolveReasoning merges effort and summary across the override chain:
// body.reasoning, providerOptions.openai, model config, global config,
// family default. Effort is coerced into the family's supported set.
func (t *Transformer) resolveReasoning(body map[string]any, canonical string) (effort, summary string) {
	override := t.cfg.Models[canonical]

	effort = firstNonEmpty(
		nestedString(body, "reasoning", "effort"),
		nestedString(body, "providerOptions", "openai", "reasoningEffort"),
		override.ReasoningEffort,
		t.cfg.ReasoningEffort,
	)
	effort = CoerceEffort(canonical, effort)

	summary = firstNonEmpty(
		nestedString(body, "reasoning", "summary"),
		nestedString(body, "providerOptions", "openai", "reasoningSummary"),
		override.ReasoningSummary,
		t.cfg.ReasoningSummary,
		"auto",
	)
	return effort, summary
}

func (t *Transformer) resolveVerbosity(body map[string]any, canonical string) string {
	override := t.cfg.Models[canonical]
	return firstNonEmpty(
		nestedString(body, "text", "verbosity"),
		nestedString(body, "providerOptions", "openai", "textVerbosity"),
		override.TextVerbosity,
		t.cfg.TextVerbosity,
		"medium",
	)
}

// resolveInclude unions the request's include list, the configured list, and
// the always-present encrypted reasoning entry.
func (t *Transformer) resolveInclude(body map[string]any) []string {
	seen := map[string]bool{}
	include := make([]string, 0, len(t.cfg.Include)+2)

	add := func(entry string) {
		entry = strings.TrimSpace(entry)
		if entry == "" || seen[entry] {
			return
		}
		seen[entry] = true
		include = append(include, entry)
	}

	if existing, ok := body["include"].([]any); ok {
		for _, v := range existing {
			if s, ok := v.(string); ok {
				add(s)
			}
		}
	}
	for _, entry := range t.cfg.Include {
		add(entry)
	}
	add("reasoning.encrypted_content")
	return include
}

func nestedString(body map[string]any, path ...string) string {
	current := any(body)
	for i, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = m[key]
		if i == len(path)-1 {
			if s, ok := current.(string); ok {
				return strings.TrimSpace(s)
			}
			return ""
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
