package observer

import (
	"context"
	"fmt"

	"github.com/alphred/engine/internal/infrastructure/logger"
	"github.com/alphred/engine/pkg/engine"
)

// LoggerObserver logs step events to a structured logger (slog).
type LoggerObserver struct {
	name   string
	logger *logger.Logger
	filter EventFilter
}

// LoggerObserverOption configures a LoggerObserver.
type LoggerObserverOption func(*LoggerObserver)

// WithLoggerInstance sets the logger instance.
func WithLoggerInstance(l *logger.Logger) LoggerObserverOption {
	return func(o *LoggerObserver) { o.logger = l }
}

// WithLoggerFilter sets the event filter.
func WithLoggerFilter(filter EventFilter) LoggerObserverOption {
	return func(o *LoggerObserver) { o.filter = filter }
}

// NewLoggerObserver creates a logger observer named "logger".
func NewLoggerObserver(opts ...LoggerObserverOption) *LoggerObserver {
	obs := &LoggerObserver{name: "logger"}
	for _, opt := range opts {
		opt(obs)
	}
	return obs
}

// Name implements Observer.
func (o *LoggerObserver) Name() string { return o.name }

// Filter implements Observer.
func (o *LoggerObserver) Filter() EventFilter { return o.filter }

// OnEvent implements Observer.
func (o *LoggerObserver) OnEvent(ctx context.Context, event engine.StepEvent) error {
	if o.logger == nil {
		return nil
	}

	fields := []any{
		"workflow_run_id", event.WorkflowRunID,
		"run_node_id", event.RunNodeID,
		"node_key", event.NodeKey,
		"outcome", string(event.Outcome),
	}
	if event.Diagnostics != nil {
		fields = append(fields, "attempt", event.Diagnostics.Attempt, "status", string(event.Diagnostics.Status))
	}

	msg := fmt.Sprintf("step event: %s", event.Outcome)
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
		o.logger.ErrorContext(ctx, msg, fields...)
	} else {
		o.logger.InfoContext(ctx, msg, fields...)
	}
	return nil
}
