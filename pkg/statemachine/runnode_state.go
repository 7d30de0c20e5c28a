package statemachine

import (
	"time"

	"github.com/alphred/engine/pkg/models"
)

// runNodeGraph enumerates every legal RunNode status transition (§4.1).
// completed->pending and failed->pending back the retry requeue path (a new
// RunNode row is what actually advances the attempt; this graph validates the
// row-level status changes the executor performs in place, such as a claim).
var runNodeGraph = map[models.RunNodeStatus][]models.RunNodeStatus{
	models.RunNodeStatusPending:   {models.RunNodeStatusRunning, models.RunNodeStatusSkipped, models.RunNodeStatusCancelled},
	models.RunNodeStatusRunning:   {models.RunNodeStatusCompleted, models.RunNodeStatusFailed, models.RunNodeStatusCancelled},
	models.RunNodeStatusCompleted: {models.RunNodeStatusPending},
	models.RunNodeStatusFailed:    {models.RunNodeStatusRunning, models.RunNodeStatusPending},
	models.RunNodeStatusSkipped:   {models.RunNodeStatusPending},
	models.RunNodeStatusCancelled: {},
}

// ValidateRunNodeTransition reports whether from->to is a legal edge in the
// run-node status graph.
func ValidateRunNodeTransition(from, to models.RunNodeStatus) error {
	for _, allowed := range runNodeGraph[from] {
		if allowed == to {
			return nil
		}
	}
	return &models.TransitionError{
		Entity: "run_node",
		From:   string(from),
		To:     string(to),
		Err:    models.ErrInvalidTransition,
	}
}

// RunNodeTimestampStamps reports the StartedAt/CompletedAt bookkeeping for a
// run-node transition: ->running stamps StartedAt, ->pending clears it, any
// terminal status stamps CompletedAt.
func RunNodeTimestampStamps(to models.RunNodeStatus) (stampStart, clearStart, stampComplete bool) {
	switch {
	case to == models.RunNodeStatusRunning:
		stampStart = true
	case to == models.RunNodeStatusPending:
		clearStart = true
	}
	if to.IsTerminal() {
		stampComplete = true
	}
	return stampStart, clearStart, stampComplete
}

// ApplyRunNodeTransition validates the transition and mutates the in-memory
// snapshot's status/timestamp fields. The store adapter is responsible for
// turning this into a single `WHERE status = from` optimistic UPDATE and
// mapping zero rows affected to models.ErrPreconditionFailed.
func ApplyRunNodeTransition(node *models.RunNode, to models.RunNodeStatus, now time.Time) error {
	if err := ValidateRunNodeTransition(node.Status, to); err != nil {
		return err
	}
	stampStart, clearStart, stampComplete := RunNodeTimestampStamps(to)
	node.Status = to
	if stampStart {
		node.StartedAt = &now
	}
	if clearStart {
		node.StartedAt = nil
	}
	if stampComplete {
		node.CompletedAt = &now
	}
	return nil
}
