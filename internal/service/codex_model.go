package service

import "strings"

// Canonical model families.
const (
	ModelGPT52Codex    = "gpt-5.2-codex"
	ModelGPT52         = "gpt-5.2"
	ModelGPT51CodexMax = "gpt-5.1-codex-max"
	ModelGPT51Codex    = "gpt-5.1-codex"
	ModelCodexMini     = "gpt-5.1-codex-mini"
	ModelGPT51         = "gpt-5.1"
)

// Family tags select the system-instructions text.
const (
	FamilyGPT52Codex = "gpt-5.2-codex"
	FamilyCodexMax   = "codex-max"
	FamilyCodex      = "codex"
	FamilyGPT52      = "gpt-5.2"
	FamilyGPT51      = "gpt-5.1"
)

// Reasoning effort levels.
const (
	EffortNone    = "none"
	EffortMinimal = "minimal"
	EffortLow     = "low"
	EffortMedium  = "medium"
	EffortHigh    = "high"
	EffortXHigh   = "xhigh"
)

var codexModelMap = map[string]string{
	"gpt-5.2-codex":             ModelGPT52Codex,
	"gpt-5.2-codex-low":         ModelGPT52Codex,
	"gpt-5.2-codex-medium":      ModelGPT52Codex,
	"gpt-5.2-codex-high":        ModelGPT52Codex,
	"gpt-5.2-codex-xhigh":       ModelGPT52Codex,
	"gpt-5.2":                   ModelGPT52,
	"gpt-5.2-none":              ModelGPT52,
	"gpt-5.2-low":               ModelGPT52,
	"gpt-5.2-medium":            ModelGPT52,
	"gpt-5.2-high":              ModelGPT52,
	"gpt-5.2-xhigh":             ModelGPT52,
	"gpt-5.1-codex-max":         ModelGPT51CodexMax,
	"gpt-5.1-codex-max-low":     ModelGPT51CodexMax,
	"gpt-5.1-codex-max-medium":  ModelGPT51CodexMax,
	"gpt-5.1-codex-max-high":    ModelGPT51CodexMax,
	"gpt-5.1-codex-max-xhigh":   ModelGPT51CodexMax,
	"gpt-5.1-codex":             ModelGPT51Codex,
	"gpt-5.1-codex-low":         ModelGPT51Codex,
	"gpt-5.1-codex-medium":      ModelGPT51Codex,
	"gpt-5.1-codex-high":        ModelGPT51Codex,
	"gpt-5.1-codex-mini":        ModelCodexMini,
	"gpt-5.1-codex-mini-medium": ModelCodexMini,
	"gpt-5.1-codex-mini-high":   ModelCodexMini,
	"codex-mini-latest":         ModelCodexMini,
	"gpt-5-codex-mini":          ModelCodexMini,
	"gpt-5-codex":               ModelGPT51Codex,
	"gpt-5.1":                   ModelGPT51,
	"gpt-5.1-none":              ModelGPT51,
	"gpt-5.1-minimal":           ModelGPT51,
	"gpt-5.1-low":               ModelGPT51,
	"gpt-5.1-medium":            ModelGPT51,
	"gpt-5.1-high":              ModelGPT51,
	"gpt-5.1-chat-latest":       ModelGPT51,
	"gpt-5":                     ModelGPT51,
	"gpt-5-mini":                ModelGPT51,
	"gpt-5-nano":                ModelGPT51,
}

// NormalizeCodexModel maps an arbitrary model identifier to its canonical
// family. Unknown identifiers fall back to gpt-5.1.
func NormalizeCodexModel(model string) string {
	if model == "" {
		return ModelGPT51
	}

	modelID := model
	if strings.Contains(modelID, "/") {
		parts := strings.Split(modelID, "/")
		modelID = parts[len(parts)-1]
	}

	if mapped, ok := codexModelMap[modelID]; ok {
		return mapped
	}
	normalized := strings.ToLower(modelID)
	if mapped, ok := codexModelMap[normalized]; ok {
		return mapped
	}

	// Substring ladder, most specific family first.
	switch {
	case strings.Contains(normalized, "5.2-codex"), strings.Contains(normalized, "5.2 codex"):
		return ModelGPT52Codex
	case strings.Contains(normalized, "5.2"):
		return ModelGPT52
	case strings.Contains(normalized, "codex-max"), strings.Contains(normalized, "codex max"):
		return ModelGPT51CodexMax
	case strings.Contains(normalized, "codex-mini"), strings.Contains(normalized, "codex mini"):
		return ModelCodexMini
	case strings.Contains(normalized, "5.1-codex"), strings.Contains(normalized, "5.1 codex"):
		return ModelGPT51Codex
	case strings.Contains(normalized, "codex"):
		return ModelGPT51Codex
	case strings.Contains(normalized, "5.1"):
		return ModelGPT51
	default:
		return ModelGPT51
	}
}

// ModelFamilyTag returns the instructions family for a canonical model.
func ModelFamilyTag(canonical string) string {
	switch canonical {
	case ModelGPT52Codex:
		return FamilyGPT52Codex
	case ModelGPT51CodexMax:
		return FamilyCodexMax
	case ModelGPT51Codex, ModelCodexMini:
		return FamilyCodex
	case ModelGPT52:
		return FamilyGPT52
	default:
		return FamilyGPT51
	}
}

// ReasoningProfile describes a family's effort envelope.
type ReasoningProfile struct {
	DefaultEffort string
	Supported     map[string]bool
}

var reasoningProfiles = map[string]ReasoningProfile{
	ModelGPT52Codex: {
		DefaultEffort: EffortMedium,
		Supported:     effortSet(EffortLow, EffortMedium, EffortHigh, EffortXHigh),
	},
	ModelGPT52: {
		DefaultEffort: EffortMedium,
		Supported:     effortSet(EffortNone, EffortLow, EffortMedium, EffortHigh, EffortXHigh),
	},
	ModelGPT51CodexMax: {
		DefaultEffort: EffortMedium,
		Supported:     effortSet(EffortLow, EffortMedium, EffortHigh, EffortXHigh),
	},
	ModelGPT51Codex: {
		DefaultEffort: EffortMedium,
		Supported:     effortSet(EffortLow, EffortMedium, EffortHigh),
	},
	ModelCodexMini: {
		DefaultEffort: EffortMedium,
		Supported:     effortSet(EffortMedium, EffortHigh),
	},
	ModelGPT51: {
		DefaultEffort: EffortMedium,
		Supported:     effortSet(EffortNone, EffortMinimal, EffortLow, EffortMedium, EffortHigh),
	},
}

func effortSet(efforts ...string) map[string]bool {
	set := make(map[string]bool, len(efforts))
	for _, e := range efforts {
		set[e] = true
	}
	return set
}

// ProfileFor returns the reasoning profile for a canonical model.
func ProfileFor(canonical string) ReasoningProfile {
	if profile, ok := reasoningProfiles[canonical]; ok {
		return profile
	}
	return reasoningProfiles[ModelGPT51]
}

// CoerceEffort clamps a requested effort into the family's supported set.
func CoerceEffort(canonical, effort string) string {
	profile := ProfileFor(canonical)
	effort = strings.ToLower(strings.TrimSpace(effort))
	if effort == "" {
		return profile.DefaultEffort
	}
	if profile.Supported[effort] {
		return effort
	}

	switch effort {
	case EffortXHigh:
		if profile.Supported[EffortHigh] {
			return EffortHigh
		}
	case EffortNone, EffortMinimal:
		if profile.Supported[EffortLow] {
			return EffortLow
		}
	}
	// codex-mini has no low tier; everything below medium rounds up.
	if profile.Supported[EffortMedium] {
		return EffortMedium
	}
	return profile.DefaultEffort
}
