package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/engine/pkg/models"
)

func TestRedactPayload_RedactsSensitiveKeysAndBearerTokens(t *testing.T) {
	payload := &RunNodeDiagnosticsPayload{
		Events: []models.ProviderEvent{
			{Type: models.ProviderEventToolUse, Content: "calling with Bearer sk-abc123.def", Metadata: map[string]any{
				"api_key": "super-secret",
				"note":    "ordinary value",
			}},
		},
	}

	RedactPayload(payload)

	assert.True(t, payload.Summary.Redacted)
	assert.Contains(t, payload.Events[0].Content, "[REDACTED]")
	assert.NotContains(t, payload.Events[0].Content, "sk-abc123")
	assert.Equal(t, "[REDACTED]", payload.Events[0].Metadata["api_key"])
	assert.Equal(t, "ordinary value", payload.Events[0].Metadata["note"])
}

func TestRedactPayload_NoSensitiveContentLeavesRedactedFalse(t *testing.T) {
	payload := &RunNodeDiagnosticsPayload{
		Events: []models.ProviderEvent{
			{Type: models.ProviderEventAssistant, Content: "plain response", Metadata: map[string]any{"note": "fine"}},
		},
	}
	RedactPayload(payload)
	assert.False(t, payload.Summary.Redacted)
}

func TestAccumulateTokens_CumulativeSignalReplacesRunningTotal(t *testing.T) {
	running := 10
	ev := models.ProviderEvent{Type: models.ProviderEventUsage, Metadata: map[string]any{"totalTokens": 42}}
	assert.Equal(t, 42, AccumulateTokens(running, ev))
}

func TestAccumulateTokens_IncrementalSignalAdds(t *testing.T) {
	running := 10
	ev := models.ProviderEvent{Type: models.ProviderEventUsage, Metadata: map[string]any{"tokens": 5}}
	assert.Equal(t, 15, AccumulateTokens(running, ev))
}

func TestAccumulateTokens_InputOutputSplitSums(t *testing.T) {
	ev := models.ProviderEvent{Type: models.ProviderEventUsage, Metadata: map[string]any{"input_tokens": 3, "output_tokens": 7}}
	assert.Equal(t, 10, AccumulateTokens(0, ev))
}

func TestAccumulateTokens_NonUsageEventLeavesRunningUnchanged(t *testing.T) {
	ev := models.ProviderEvent{Type: models.ProviderEventAssistant, Content: "hi"}
	assert.Equal(t, 10, AccumulateTokens(10, ev))
}

func TestCapPayload_DropsEventsFromTailUntilUnderBudget(t *testing.T) {
	payload := &RunNodeDiagnosticsPayload{
		Events: []models.ProviderEvent{
			{Type: models.ProviderEventAssistant, Content: "first"},
			{Type: models.ProviderEventAssistant, Content: "second"},
			{Type: models.ProviderEventAssistant, Content: "third"},
		},
	}
	err := CapPayload(payload, 120)
	require.NoError(t, err)
	assert.True(t, payload.Summary.Truncated)
	assert.Less(t, len(payload.Events), 3)
	assert.Equal(t, len(payload.Events), payload.Summary.RetainedEventCount)
}

func TestCapPayload_UnderBudgetIsNoop(t *testing.T) {
	payload := &RunNodeDiagnosticsPayload{
		Events: []models.ProviderEvent{{Type: models.ProviderEventAssistant, Content: "small"}},
	}
	err := CapPayload(payload, DefaultMaxDiagnosticsBytes)
	require.NoError(t, err)
	assert.False(t, payload.Summary.Truncated)
	assert.Len(t, payload.Events, 1)
}

func TestEventTypeCounts_TalliesByLowercasedType(t *testing.T) {
	counts := EventTypeCounts([]models.ProviderEvent{
		{Type: models.ProviderEventAssistant},
		{Type: models.ProviderEventAssistant},
		{Type: models.ProviderEventToolUse},
	})
	assert.Equal(t, 2, counts["assistant"])
	assert.Equal(t, 1, counts["tool_use"])
}
