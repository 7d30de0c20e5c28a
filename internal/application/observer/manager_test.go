package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/engine/pkg/engine"
)

// recordingObserver captures every event it receives (guarded by mu since
// ObserverManager.Notify dispatches on its own goroutine per observer) and
// optionally panics or errors to exercise the manager's recovery path.
type recordingObserver struct {
	mu       sync.Mutex
	name     string
	filter   EventFilter
	events   []engine.StepEvent
	done     chan struct{}
	panicVal any
	err      error
}

func newRecordingObserver(name string) *recordingObserver {
	return &recordingObserver{name: name, done: make(chan struct{}, 8)}
}

func (o *recordingObserver) Name() string      { return o.name }
func (o *recordingObserver) Filter() EventFilter { return o.filter }

func (o *recordingObserver) OnEvent(ctx context.Context, event engine.StepEvent) error {
	defer func() { o.done <- struct{}{} }()
	if o.panicVal != nil {
		panic(o.panicVal)
	}
	o.mu.Lock()
	o.events = append(o.events, event)
	o.mu.Unlock()
	return o.err
}

func (o *recordingObserver) recorded() []engine.StepEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]engine.StepEvent, len(o.events))
	copy(out, o.events)
	return out
}

func waitForDone(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not notified in time")
	}
}

func TestObserverManager_RegisterRejectsDuplicateName(t *testing.T) {
	m := NewObserverManager()
	require.NoError(t, m.Register(newRecordingObserver("a")))
	err := m.Register(newRecordingObserver("a"))
	require.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestObserverManager_UnregisterRemovesByName(t *testing.T) {
	m := NewObserverManager()
	require.NoError(t, m.Register(newRecordingObserver("a")))
	require.NoError(t, m.Unregister("a"))
	assert.Equal(t, 0, m.Count())
	assert.Error(t, m.Unregister("a"))
}

func TestObserverManager_NotifyDispatchesToRegisteredObservers(t *testing.T) {
	m := NewObserverManager()
	obs := newRecordingObserver("a")
	require.NoError(t, m.Register(obs))

	ev := engine.StepEvent{WorkflowRunID: "run-1", Outcome: engine.StepAdvanced}
	m.Notify(context.Background(), ev)
	waitForDone(t, obs.done)

	got := obs.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].WorkflowRunID)
}

func TestObserverManager_NotifyHonorsObserverFilter(t *testing.T) {
	m := NewObserverManager()
	obs := newRecordingObserver("a")
	obs.filter = NewOutcomeFilter(engine.StepBlocked)
	require.NoError(t, m.Register(obs))

	m.Notify(context.Background(), engine.StepEvent{Outcome: engine.StepAdvanced})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, obs.recorded(), "filtered-out event should not reach OnEvent")
}

func TestObserverManager_NotifyRecoversFromObserverPanic(t *testing.T) {
	m := NewObserverManager()
	panicking := newRecordingObserver("panicker")
	panicking.panicVal = "boom"
	healthy := newRecordingObserver("healthy")
	require.NoError(t, m.Register(panicking))
	require.NoError(t, m.Register(healthy))

	ev := engine.StepEvent{Outcome: engine.StepAdvanced}
	m.Notify(context.Background(), ev)
	waitForDone(t, panicking.done)
	waitForDone(t, healthy.done)

	assert.Len(t, healthy.recorded(), 1, "a panic in one observer must not affect another")
}

func TestObserverManager_NotifySwallowsObserverError(t *testing.T) {
	m := NewObserverManager()
	obs := newRecordingObserver("a")
	obs.err = errors.New("boom")
	require.NoError(t, m.Register(obs))

	m.Notify(context.Background(), engine.StepEvent{Outcome: engine.StepAdvanced})
	waitForDone(t, obs.done)
	assert.Len(t, obs.recorded(), 1)
}
