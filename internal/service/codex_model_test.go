package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCodexModel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "gpt-5.1"},
		{"gpt-5.1-codex-high", "gpt-5.1-codex"},
		{"gpt-5.1-codex-max-xhigh", "gpt-5.1-codex-max"},
		{"gpt-5.2-codex-low", "gpt-5.2-codex"},
		{"gpt-5.2-xhigh", "gpt-5.2"},
		{"codex-mini-latest", "gpt-5.1-codex-mini"},
		{"gpt-5", "gpt-5.1"},
		{"gpt-5-nano", "gpt-5.1"},
		{"openai/gpt-5.1-codex", "gpt-5.1-codex"},
		{"anthropic/openai/gpt-5.2", "gpt-5.2"},
		{"GPT-5.2-Codex", "gpt-5.2-codex"},
		{"my-custom-gpt-5.2-codex-build", "gpt-5.2-codex"},
		{"whatever-gpt-5.2-thing", "gpt-5.2"},
		{"x-codex-max-y", "gpt-5.1-codex-max"},
		{"a-codex-mini-b", "gpt-5.1-codex-mini"},
		{"plain-codex", "gpt-5.1-codex"},
		{"something-gpt-5.1", "gpt-5.1"},
		{"totally-unknown", "gpt-5.1"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, NormalizeCodexModel(tc.in), "model %q", tc.in)
	}
}

func TestNormalizeCodexModelIdempotent(t *testing.T) {
	inputs := []string{"", "gpt-5.2-codex-low", "openai/gpt-5.1-codex-max", "weird", "codex-mini-latest"}
	for _, in := range inputs {
		once := NormalizeCodexModel(in)
		require.Equal(t, once, NormalizeCodexModel(once), "model %q", in)
	}
}

func TestModelFamilyTag(t *testing.T) {
	require.Equal(t, FamilyGPT52Codex, ModelFamilyTag(ModelGPT52Codex))
	require.Equal(t, FamilyCodexMax, ModelFamilyTag(ModelGPT51CodexMax))
	require.Equal(t, FamilyCodex, ModelFamilyTag(ModelGPT51Codex))
	require.Equal(t, FamilyCodex, ModelFamilyTag(ModelCodexMini))
	require.Equal(t, FamilyGPT52, ModelFamilyTag(ModelGPT52))
	require.Equal(t, FamilyGPT51, ModelFamilyTag(ModelGPT51))
	require.Equal(t, FamilyGPT51, ModelFamilyTag("anything-else"))
}

func TestCoerceEffort(t *testing.T) {
	cases := []struct {
		model  string
		effort string
		want   string
	}{
		// Default on empty.
		{ModelGPT51Codex, "", "medium"},
		// Supported levels pass through.
		{ModelGPT52, "none", "none"},
		{ModelGPT52, "xhigh", "xhigh"},
		{ModelGPT51CodexMax, "xhigh", "xhigh"},
		{ModelGPT51, "minimal", "minimal"},
		// xhigh downgrades where unsupported.
		{ModelGPT51Codex, "xhigh", "high"},
		{ModelGPT51, "xhigh", "high"},
		// none/minimal upgrade to low where unsupported.
		{ModelGPT51Codex, "none", "low"},
		{ModelGPT52Codex, "minimal", "low"},
		// codex-mini clamps everything into {medium, high}.
		{ModelCodexMini, "low", "medium"},
		{ModelCodexMini, "none", "medium"},
		{ModelCodexMini, "xhigh", "high"},
		{ModelCodexMini, "high", "high"},
		// Unknown effort falls to medium.
		{ModelGPT51, "turbo", "medium"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CoerceEffort(tc.model, tc.effort), "%s/%s", tc.model, tc.effort)
	}
}
