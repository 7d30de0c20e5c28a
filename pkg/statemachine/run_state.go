// Package statemachine defines the guarded status transition graphs for
// WorkflowRun and RunNode, and the optimistic-precondition helpers that
// every store-layer status update is validated against before it is
// attempted. The graphs themselves are pure data; the store adapter is
// responsible for turning a validated transition into a single guarded
// UPDATE statement.
package statemachine

import (
	"time"

	"github.com/alphred/engine/pkg/models"
)

// runGraph enumerates every legal WorkflowRun status transition (§4.1).
var runGraph = map[models.RunStatus][]models.RunStatus{
	models.RunStatusPending:   {models.RunStatusRunning, models.RunStatusCancelled},
	models.RunStatusRunning:   {models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled, models.RunStatusPaused},
	models.RunStatusPaused:    {models.RunStatusRunning, models.RunStatusCancelled},
	models.RunStatusFailed:    {models.RunStatusRunning},
	models.RunStatusCompleted: {},
	models.RunStatusCancelled: {},
}

// ValidateRunTransition reports whether from->to is a legal edge in the run
// status graph, returning a *models.TransitionError (wrapping
// models.ErrInvalidTransition) when it is not.
func ValidateRunTransition(from, to models.RunStatus) error {
	for _, allowed := range runGraph[from] {
		if allowed == to {
			return nil
		}
	}
	return &models.TransitionError{
		Entity: "run",
		From:   string(from),
		To:     string(to),
		Err:    models.ErrInvalidTransition,
	}
}

// RunTimestampStamps reports how a run transition to `to` should affect
// StartedAt/CompletedAt: stampStart is true only on pending->running (a
// failed->running retry resumes the same run and keeps its StartedAt), and
// stampComplete is true on any terminal status.
func RunTimestampStamps(from, to models.RunStatus) (stampStart, stampComplete bool) {
	if to == models.RunStatusRunning && from == models.RunStatusPending {
		stampStart = true
	}
	if to.IsTerminal() {
		stampComplete = true
	}
	return stampStart, stampComplete
}

// ApplyRunTransition validates the transition and returns the field values an
// optimistic UPDATE should set. It does not touch the store; callers (the
// store adapter) issue `UPDATE ... SET status=to, started_at=?, completed_at=?
// WHERE id=? AND status=from` and must treat zero rows affected as
// models.ErrPreconditionFailed.
func ApplyRunTransition(run *models.WorkflowRun, to models.RunStatus, now time.Time) error {
	if err := ValidateRunTransition(run.Status, to); err != nil {
		return err
	}
	stampStart, stampComplete := RunTimestampStamps(run.Status, to)
	run.Status = to
	if stampStart {
		run.StartedAt = &now
	}
	if stampComplete {
		run.CompletedAt = &now
	}
	return nil
}
