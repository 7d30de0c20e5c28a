package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alphred/engine/pkg/engine"
)

func TestOutcomeFilter_EmptyArgsPassesEverything(t *testing.T) {
	f := NewOutcomeFilter()
	assert.Nil(t, f)
}

func TestOutcomeFilter_OnlyAllowsListedOutcomes(t *testing.T) {
	f := NewOutcomeFilter(engine.StepAdvanced)
	assert.True(t, f.ShouldNotify(engine.StepEvent{Outcome: engine.StepAdvanced}))
	assert.False(t, f.ShouldNotify(engine.StepEvent{Outcome: engine.StepBlocked}))
}

func TestWorkflowRunFilter_MatchesOnlyItsRun(t *testing.T) {
	f := NewWorkflowRunFilter("run-1")
	assert.True(t, f.ShouldNotify(engine.StepEvent{WorkflowRunID: "run-1"}))
	assert.False(t, f.ShouldNotify(engine.StepEvent{WorkflowRunID: "run-2"}))
}

func TestCompoundEventFilter_RequiresAllSubFilters(t *testing.T) {
	f := NewCompoundEventFilter(NewWorkflowRunFilter("run-1"), NewOutcomeFilter(engine.StepAdvanced))
	assert.True(t, f.ShouldNotify(engine.StepEvent{WorkflowRunID: "run-1", Outcome: engine.StepAdvanced}))
	assert.False(t, f.ShouldNotify(engine.StepEvent{WorkflowRunID: "run-1", Outcome: engine.StepBlocked}))
	assert.False(t, f.ShouldNotify(engine.StepEvent{WorkflowRunID: "run-2", Outcome: engine.StepAdvanced}))
}

func TestCompoundEventFilter_NoSubFiltersPassesEverything(t *testing.T) {
	f := NewCompoundEventFilter(nil, nil)
	assert.Nil(t, f)
}

func TestCompoundEventFilter_SingleSubFilterIsReturnedUnwrapped(t *testing.T) {
	inner := NewWorkflowRunFilter("run-1")
	f := NewCompoundEventFilter(inner)
	assert.Same(t, inner, f)
}
