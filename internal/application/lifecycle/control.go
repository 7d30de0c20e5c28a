// Package lifecycle implements the run-level control operations --
// pause, resume, cancel, retry -- of §4.10, each a transactional guard over
// the run's current status plus, for cancel/retry, its latest-attempt nodes.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/alphred/engine/internal/domain/repository"
	"github.com/alphred/engine/pkg/engine"
	"github.com/alphred/engine/pkg/models"
)

// Action identifies which control operation was requested.
type Action string

const (
	ActionCancel Action = "cancel"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionRetry  Action = "retry"
)

// Outcome classifies what an operation actually did.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNoop     Outcome = "noop"
	OutcomeConflict Outcome = "conflict"
)

// Result is the diagnostic envelope every control operation returns (§4.10).
type Result struct {
	Action            Action   `json:"action"`
	Outcome           Outcome  `json:"outcome"`
	WorkflowRunID     string   `json:"workflowRunId"`
	PreviousRunStatus string   `json:"previousRunStatus"`
	RunStatus         string   `json:"runStatus"`
	RetriedRunNodeIDs []string `json:"retriedRunNodeIds,omitempty"`
}

// Controller drives the lifecycle state machine for a run, grounded in the
// teacher's ExecutionManager.Cancel/Pause -- status-guarded updates plus a
// cascading cancel of in-flight child rows.
type Controller struct {
	Store  repository.Store
	Fanout *engine.FanoutEngine
	Now    func() time.Time
}

// NewController wires a Controller from its collaborators.
func NewController(store repository.Store, fanout *engine.FanoutEngine) *Controller {
	return &Controller{Store: store, Fanout: fanout}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Cancel implements `running|paused|pending → cancelled`, marking every
// non-terminal latest-attempt node cancelled in the same transaction.
func (c *Controller) Cancel(ctx context.Context, workflowRunID string) (*Result, error) {
	run, err := c.Store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}
	prev := run.Status
	if prev != models.RunStatusRunning && prev != models.RunStatusPaused && prev != models.RunStatusPending {
		return conflictResult(ActionCancel, workflowRunID, prev), nil
	}

	now := c.now()
	err = c.Store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		changed, err := tx.UpdateRunStatus(ctx, workflowRunID, prev, models.RunStatusCancelled, now)
		if err != nil {
			return err
		}
		if changed == 0 {
			return models.ErrPreconditionFailed
		}

		nodes, err := tx.ListLatestRunNodes(ctx, workflowRunID)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			switch n.Status {
			case models.RunNodeStatusPending, models.RunNodeStatusRunning:
				if _, err := tx.UpdateRunNodeStatus(ctx, n.ID, n.Status, models.RunNodeStatusCancelled, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrPreconditionFailed) {
			return conflictResult(ActionCancel, workflowRunID, prev), nil
		}
		return nil, err
	}

	return &Result{Action: ActionCancel, Outcome: OutcomeApplied, WorkflowRunID: workflowRunID, PreviousRunStatus: string(prev), RunStatus: string(models.RunStatusCancelled)}, nil
}

// Pause implements `running → paused`. Partial in-flight node state is left
// alone; the step loop observes the run's new status before claiming
// another node, and an in-flight provider call observes ctx cancellation
// from the caller's own step timeout/cancel wiring.
func (c *Controller) Pause(ctx context.Context, workflowRunID string) (*Result, error) {
	run, err := c.Store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}
	prev := run.Status
	if prev != models.RunStatusRunning {
		return conflictResult(ActionPause, workflowRunID, prev), nil
	}

	changed, err := c.Store.UpdateRunStatus(ctx, workflowRunID, models.RunStatusRunning, models.RunStatusPaused, c.now())
	if err != nil {
		return nil, err
	}
	if changed == 0 {
		return conflictResult(ActionPause, workflowRunID, prev), nil
	}
	return &Result{Action: ActionPause, Outcome: OutcomeApplied, WorkflowRunID: workflowRunID, PreviousRunStatus: string(prev), RunStatus: string(models.RunStatusPaused)}, nil
}

// Resume implements `paused → running`.
func (c *Controller) Resume(ctx context.Context, workflowRunID string) (*Result, error) {
	run, err := c.Store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}
	prev := run.Status
	if prev != models.RunStatusPaused {
		return conflictResult(ActionResume, workflowRunID, prev), nil
	}

	changed, err := c.Store.UpdateRunStatus(ctx, workflowRunID, models.RunStatusPaused, models.RunStatusRunning, c.now())
	if err != nil {
		return nil, err
	}
	if changed == 0 {
		return conflictResult(ActionResume, workflowRunID, prev), nil
	}
	return &Result{Action: ActionResume, Outcome: OutcomeApplied, WorkflowRunID: workflowRunID, PreviousRunStatus: string(prev), RunStatus: string(models.RunStatusRunning)}, nil
}

// Retry implements `failed → running`: every latest-attempt failed node gets
// a new attempt requeued as pending, and any join barrier it participates in
// as a fan-out child is reopened.
func (c *Controller) Retry(ctx context.Context, workflowRunID string) (*Result, error) {
	run, err := c.Store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}
	prev := run.Status
	if prev != models.RunStatusFailed {
		return conflictResult(ActionRetry, workflowRunID, prev), nil
	}

	now := c.now()
	var retriedIDs []string

	err = c.Store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		changed, err := tx.UpdateRunStatus(ctx, workflowRunID, models.RunStatusFailed, models.RunStatusRunning, now)
		if err != nil {
			return err
		}
		if changed == 0 {
			return models.ErrPreconditionFailed
		}

		nodes, err := tx.ListLatestRunNodes(ctx, workflowRunID)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Status != models.RunNodeStatusFailed {
				continue
			}
			next := *n
			next.ID = ""
			next.Attempt = n.Attempt + 1
			next.Status = models.RunNodeStatusPending
			next.StartedAt = nil
			next.CompletedAt = nil
			if err := tx.CreateRunNode(ctx, &next); err != nil {
				return err
			}
			retriedIDs = append(retriedIDs, next.ID)

			if n.JoinNodeID != "" && c.Fanout != nil {
				if err := c.Fanout.ReopenChild(ctx, n, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrPreconditionFailed) {
			return conflictResult(ActionRetry, workflowRunID, prev), nil
		}
		return nil, err
	}

	return &Result{
		Action:            ActionRetry,
		Outcome:           OutcomeApplied,
		WorkflowRunID:     workflowRunID,
		PreviousRunStatus: string(prev),
		RunStatus:         string(models.RunStatusRunning),
		RetriedRunNodeIDs: retriedIDs,
	}, nil
}

func conflictResult(action Action, workflowRunID string, prev models.RunStatus) *Result {
	return &Result{
		Action:            action,
		Outcome:           OutcomeConflict,
		WorkflowRunID:     workflowRunID,
		PreviousRunStatus: string(prev),
		RunStatus:         string(prev),
	}
}
