package models

import "time"

// ProviderEventType classifies one event in a provider's execution stream.
type ProviderEventType string

const (
	ProviderEventSystem      ProviderEventType = "system"
	ProviderEventAssistant   ProviderEventType = "assistant"
	ProviderEventResult      ProviderEventType = "result"
	ProviderEventToolUse     ProviderEventType = "tool_use"
	ProviderEventToolResult  ProviderEventType = "tool_result"
	ProviderEventUsage       ProviderEventType = "usage"
)

// ProviderEvent is one normalized event yielded by a Provider's run stream.
// Adapters for concrete agent SDKs (auth bootstrap, binary discovery) are
// external collaborators; this is the shape they must normalize to.
type ProviderEvent struct {
	Type      ProviderEventType
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}
