package engine

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/alphred/engine/pkg/models"
)

// DiagnosticsSchemaVersion is stamped on every RunNodeDiagnosticsPayload so
// consumers can evolve the shape without guessing.
const DiagnosticsSchemaVersion = 1

// DefaultMaxDiagnosticsBytes is the size budget a payload is shed down to
// before being marked truncated (§4.9).
const DefaultMaxDiagnosticsBytes = 65536

// Timing records the wall-clock milestones of one run-node attempt.
type Timing struct {
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	PersistedAt time.Time  `json:"persistedAt"`
}

// DiagnosticsSummary aggregates the event stream observed for one attempt.
type DiagnosticsSummary struct {
	TokensUsed         int  `json:"tokensUsed"`
	EventCount         int  `json:"eventCount"`
	RetainedEventCount int  `json:"retainedEventCount"`
	DroppedEventCount  int  `json:"droppedEventCount"`
	ToolEventCount     int  `json:"toolEventCount"`
	Redacted           bool `json:"redacted"`
	Truncated          bool `json:"truncated"`
}

// RunNodeDiagnosticsPayload is the size-capped, redacted record persisted per
// node attempt (§4.9).
type RunNodeDiagnosticsPayload struct {
	SchemaVersion   int                         `json:"schemaVersion"`
	WorkflowRunID   string                      `json:"workflowRunId"`
	RunNodeID       string                      `json:"runNodeId"`
	NodeKey         string                      `json:"nodeKey"`
	Attempt         int                         `json:"attempt"`
	Outcome         string                      `json:"outcome"`
	Status          models.RunNodeStatus        `json:"status"`
	Provider        string                      `json:"provider"`
	Timing          Timing                      `json:"timing"`
	Summary         DiagnosticsSummary          `json:"summary"`
	ContextHandoff  string                      `json:"contextHandoff,omitempty"`
	EventTypeCounts map[string]int              `json:"eventTypeCounts"`
	Events          []models.ProviderEvent      `json:"events"`
	ToolEvents      []models.ProviderEvent      `json:"toolEvents"`
	RoutingDecision *models.RoutingDecisionType `json:"routingDecision,omitempty"`
	FailureRoute    *string                     `json:"failureRoute,omitempty"`
	Error           *string                     `json:"error,omitempty"`
	ErrorHandler    map[string]any              `json:"errorHandler,omitempty"`
}

// sensitiveKeyPattern matches object keys whose values must be redacted
// regardless of content.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)^(password|secret|token|authorization|api[_-]?key|bearer|credential)s?$`)

// sensitiveValuePatterns matches embedded secrets inside otherwise-ordinary
// string values: bearer tokens and PEM key/cert blocks.
var sensitiveValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-_.]+`),
	regexp.MustCompile(`-----BEGIN [^-]+-----[\s\S]*?-----END [^-]+-----`),
}

const redactedPlaceholder = "[REDACTED]"

// RedactPayload walks payload.Events, ToolEvents, ErrorHandler, and
// Error/FailureRoute strings, replacing sensitive keys' values and
// sensitive-pattern substrings with a fixed placeholder, and sets
// payload.Summary.Redacted when anything was changed.
func RedactPayload(payload *RunNodeDiagnosticsPayload) {
	redacted := false

	for i := range payload.Events {
		if redactEvent(&payload.Events[i]) {
			redacted = true
		}
	}
	for i := range payload.ToolEvents {
		if redactEvent(&payload.ToolEvents[i]) {
			redacted = true
		}
	}
	if payload.ErrorHandler != nil {
		newHandler, ok := redactValue(payload.ErrorHandler, 0).(map[string]any)
		if ok && !reflect.DeepEqual(newHandler, payload.ErrorHandler) {
			payload.ErrorHandler = newHandler
			redacted = true
		}
	}
	if payload.FailureRoute != nil {
		red := redactString(*payload.FailureRoute)
		if red != *payload.FailureRoute {
			payload.FailureRoute = &red
			redacted = true
		}
	}
	if payload.Error != nil {
		red := redactString(*payload.Error)
		if red != *payload.Error {
			payload.Error = &red
			redacted = true
		}
	}

	if redacted {
		payload.Summary.Redacted = true
	}
}

func redactEvent(ev *models.ProviderEvent) bool {
	changed := false
	red := redactString(ev.Content)
	if red != ev.Content {
		ev.Content = red
		changed = true
	}
	if ev.Metadata != nil {
		out := redactValue(ev.Metadata, 0)
		if m, ok := out.(map[string]any); ok && !reflect.DeepEqual(m, ev.Metadata) {
			ev.Metadata = m
			changed = true
		}
	}
	return changed
}

// redactValue recursively redacts maps/slices/strings. depth is bounded to
// protect against pathological nesting in provider-supplied metadata.
func redactValue(v any, depth int) any {
	const maxDepth = 12
	if depth > maxDepth {
		return redactedPlaceholder
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKeyPattern.MatchString(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(inner, depth+1)
		}
		return out
	case []any:
		const maxItems = 1000
		n := len(val)
		if n > maxItems {
			n = maxItems
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = redactValue(val[i], depth+1)
		}
		return out
	case string:
		return redactString(val)
	default:
		return val
	}
}

func redactString(s string) string {
	for _, pattern := range sensitiveValuePatterns {
		s = pattern.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// AccumulateTokens implements §4.9's token accounting rule: cumulative usage
// signals (totalTokens/tokensUsed/input+output, snake or camel, top-level
// preferred over nested `usage.*`) replace the running total; incremental
// signals (`tokens`) add to it.
func AccumulateTokens(running int, ev models.ProviderEvent) int {
	if ev.Type != models.ProviderEventUsage {
		return running
	}

	if cumulative, ok := cumulativeTokens(ev.Metadata); ok {
		return cumulative
	}
	if nested, ok := ev.Metadata["usage"].(map[string]any); ok {
		if cumulative, ok := cumulativeTokens(nested); ok {
			return cumulative
		}
	}
	if inc, ok := numericField(ev.Metadata, "tokens"); ok {
		return running + inc
	}
	return running
}

func cumulativeTokens(m map[string]any) (int, bool) {
	if m == nil {
		return 0, false
	}
	for _, key := range []string{"totalTokens", "total_tokens", "tokensUsed", "tokens_used"} {
		if v, ok := numericField(m, key); ok {
			return v, true
		}
	}
	input, inOK := numericField(m, "inputTokens")
	if !inOK {
		input, inOK = numericField(m, "input_tokens")
	}
	output, outOK := numericField(m, "outputTokens")
	if !outOK {
		output, outOK = numericField(m, "output_tokens")
	}
	if inOK || outOK {
		return input + output, true
	}
	return 0, false
}

func numericField(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// CapPayload shrinks payload to fit within maxBytes by (1) dropping events
// from the tail, then (2) dropping the error string, then (3) clearing
// ContextHandoff, marking Truncated=true as soon as any shedding step runs.
// The result is not guaranteed to fit: the remaining fields are kept even
// when they alone exceed maxBytes. Events are the largest and least
// essential field for audit once the summary counts are fixed, matching
// §4.9's shedding order.
func CapPayload(payload *RunNodeDiagnosticsPayload, maxBytes int) error {
	if maxBytes <= 0 {
		return nil
	}

	size, err := payloadSize(payload)
	if err != nil {
		return err
	}
	if size <= maxBytes {
		return nil
	}

	for len(payload.Events) > 0 && size > maxBytes {
		payload.Events = payload.Events[:len(payload.Events)-1]
		payload.Summary.DroppedEventCount++
		payload.Summary.RetainedEventCount = len(payload.Events)
		payload.Summary.Truncated = true
		size, err = payloadSize(payload)
		if err != nil {
			return err
		}
	}

	if size > maxBytes && payload.Error != nil {
		payload.Error = nil
		payload.Summary.Truncated = true
		size, err = payloadSize(payload)
		if err != nil {
			return err
		}
	}

	if size > maxBytes {
		payload.ContextHandoff = ""
		payload.Summary.Truncated = true
	}
	return nil
}

func payloadSize(payload *RunNodeDiagnosticsPayload) (int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// EventTypeCounts tallies events by type, used to populate
// RunNodeDiagnosticsPayload.EventTypeCounts.
func EventTypeCounts(events []models.ProviderEvent) map[string]int {
	counts := make(map[string]int)
	for _, ev := range events {
		counts[strings.ToLower(string(ev.Type))]++
	}
	return counts
}
