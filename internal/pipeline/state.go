package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is a coordinator state.
type State string

const (
	StatePending   State = "pending"
	StateResolving State = "resolving"
	StateFetching  State = "fetching"
	StatePatching  State = "patching"
	StateCompiling State = "compiling"
	StateCaching   State = "caching"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

var stateRank = map[State]int{
	StatePending:   0,
	StateResolving: 1,
	StateFetching:  2,
	StatePatching:  3,
	StateCompiling: 4,
	StateCaching:   5,
	StateDone:      6,
}

// Terminal reports whether no further transitions can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition describes one state change of a run.
type Transition struct {
	RunID   string
	Version string
	From    State
	To      State
	// Layer and Step identify the patch layer for StatePatching (Step is 1-based).
	Layer string
	Step  int
	Steps int
	// Attempt counts cache-corruption reruns, starting at 0.
	Attempt int
	At      time.Time
	Err     error
}

// Observer receives state transitions. Implementations must not block.
type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ctx context.Context, t Transition)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

// StageError reports the stage a run failed in.
type StageError struct {
	Stage State
	Layer string
	Err   error
}

func (e *StageError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Layer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (State, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}

// tracker enforces forward-only transitions and fans them out to observers.
type tracker struct {
	runID     string
	version   string
	observers []Observer
	now       func() time.Time

	current State
	step    int
	steps   int
	attempt int
}

func newTracker(runID, version string, steps int, observers []Observer, now func() time.Time) *tracker {
	return &tracker{
		runID:     runID,
		version:   version,
		observers: observers,
		now:       now,
		current:   StatePending,
		steps:     steps,
	}
}

func (t *tracker) advance(ctx context.Context, to State, layer string) error {
	if t.current.Terminal() {
		return fmt.Errorf("pipeline: transition %s -> %s after terminal state", t.current, to)
	}
	step := 0
	switch {
	case to == StatePatching && t.current == StatePatching:
		step = t.step + 1
		if step > t.steps {
			return fmt.Errorf("pipeline: patch step %d exceeds %d layers", step, t.steps)
		}
	case to == StatePatching:
		if stateRank[to] <= stateRank[t.current] {
			return fmt.Errorf("pipeline: transition %s -> %s is not forward", t.current, to)
		}
		step = 1
	case to == StateFailed:
	default:
		// Done may be reached from any earlier state (cache hits skip work).
		if stateRank[to] <= stateRank[t.current] {
			return fmt.Errorf("pipeline: transition %s -> %s is not forward", t.current, to)
		}
	}
	t.emit(ctx, Transition{To: to, Layer: layer, Step: step})
	t.step = step
	return nil
}

func (t *tracker) fail(ctx context.Context, err error) {
	if t.current.Terminal() {
		return
	}
	layer := ""
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		layer = stageErr.Layer
	}
	t.emit(ctx, Transition{To: StateFailed, Layer: layer, Step: t.step, Err: err})
}

// restart begins a new attempt after the cache rejected a stored build.
func (t *tracker) restart() {
	t.attempt++
	t.current = StatePending
	t.step = 0
}

func (t *tracker) emit(ctx context.Context, tr Transition) {
	tr.RunID = t.runID
	tr.Version = t.version
	tr.From = t.current
	tr.Attempt = t.attempt
	if tr.To == StatePatching {
		tr.Steps = t.steps
	}
	tr.At = t.now()
	t.current = tr.To
	for _, obs := range t.observers {
		obs.OnTransition(ctx, tr)
	}
}
