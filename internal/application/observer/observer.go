// Package observer fans a node executor's step events out to independent
// subscribers (a logger, a database audit trail, a websocket push) without
// letting any one subscriber's latency or panic affect the step loop.
package observer

import (
	"context"

	"github.com/alphred/engine/pkg/engine"
)

// Observer receives step events from an ObserverManager.
type Observer interface {
	// OnEvent is called for every step event that passes the observer's Filter.
	OnEvent(ctx context.Context, event engine.StepEvent) error

	// Name returns the observer's unique identifier.
	Name() string

	// Filter returns the event filter for this observer (nil = all events).
	Filter() EventFilter
}

// EventFilter defines filtering criteria for step events.
type EventFilter interface {
	ShouldNotify(event engine.StepEvent) bool
}

// OutcomeFilter passes only events whose Outcome is in the allowed set.
type OutcomeFilter struct {
	allowed map[engine.StepOutcome]bool
}

// NewOutcomeFilter creates a filter for specific step outcomes. An empty
// argument list allows all events (nil filter).
func NewOutcomeFilter(outcomes ...engine.StepOutcome) EventFilter {
	if len(outcomes) == 0 {
		return nil
	}
	f := &OutcomeFilter{allowed: make(map[engine.StepOutcome]bool, len(outcomes))}
	for _, o := range outcomes {
		f.allowed[o] = true
	}
	return f
}

// ShouldNotify implements EventFilter.
func (f *OutcomeFilter) ShouldNotify(event engine.StepEvent) bool {
	if f == nil || len(f.allowed) == 0 {
		return true
	}
	return f.allowed[event.Outcome]
}

// WorkflowRunFilter passes only events for a specific run.
type WorkflowRunFilter struct {
	workflowRunID string
}

// NewWorkflowRunFilter creates a filter scoped to one run.
func NewWorkflowRunFilter(workflowRunID string) EventFilter {
	return &WorkflowRunFilter{workflowRunID: workflowRunID}
}

// ShouldNotify implements EventFilter.
func (f *WorkflowRunFilter) ShouldNotify(event engine.StepEvent) bool {
	return event.WorkflowRunID == f.workflowRunID
}

// CompoundEventFilter combines multiple filters with AND logic.
type CompoundEventFilter struct {
	filters []EventFilter
}

// NewCompoundEventFilter requires every non-nil sub-filter to pass. Returns
// nil (pass-all) if no sub-filter was supplied.
func NewCompoundEventFilter(filters ...EventFilter) EventFilter {
	nonNil := make([]EventFilter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			nonNil = append(nonNil, f)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &CompoundEventFilter{filters: nonNil}
}

// ShouldNotify implements EventFilter.
func (f *CompoundEventFilter) ShouldNotify(event engine.StepEvent) bool {
	for _, filter := range f.filters {
		if !filter.ShouldNotify(event) {
			return false
		}
	}
	return true
}
