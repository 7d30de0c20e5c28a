package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/engine/internal/config"
	"github.com/alphred/engine/internal/infrastructure/logger"
	"github.com/alphred/engine/pkg/engine"
)

func TestLoggerObserver_NameIsLogger(t *testing.T) {
	obs := NewLoggerObserver()
	assert.Equal(t, "logger", obs.Name())
}

func TestLoggerObserver_OnEventWithoutLoggerIsNoop(t *testing.T) {
	obs := NewLoggerObserver()
	err := obs.OnEvent(context.Background(), engine.StepEvent{Outcome: engine.StepAdvanced})
	require.NoError(t, err)
}

func TestLoggerObserver_OnEventWithLoggerDoesNotError(t *testing.T) {
	log := logger.New(config.LoggingConfig{Level: "info", Format: "json"})
	obs := NewLoggerObserver(WithLoggerInstance(log))
	err := obs.OnEvent(context.Background(), engine.StepEvent{
		WorkflowRunID: "run-1",
		Outcome:       engine.StepAdvanced,
	})
	require.NoError(t, err)

	err = obs.OnEvent(context.Background(), engine.StepEvent{
		WorkflowRunID: "run-1",
		Outcome:       engine.StepAdvanced,
		Err:           errors.New("boom"),
	})
	require.NoError(t, err)
}

func TestLoggerObserver_FilterDefaultsToNil(t *testing.T) {
	obs := NewLoggerObserver()
	assert.Nil(t, obs.Filter())

	f := NewOutcomeFilter(engine.StepAdvanced)
	obs2 := NewLoggerObserver(WithLoggerFilter(f))
	assert.Equal(t, f, obs2.Filter())
}
