package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestTracker(steps int) (*tracker, *[]Transition) {
	var seen []Transition
	obs := ObserverFunc(func(_ context.Context, t Transition) { seen = append(seen, t) })
	return newTracker("run", "1.0", steps, []Observer{obs}, time.Now), &seen
}

func TestTrackerRejectsBackwardTransitions(t *testing.T) {
	tr, _ := newTestTracker(1)
	ctx := context.Background()
	for _, s := range []State{StateResolving, StateFetching} {
		if err := tr.advance(ctx, s, ""); err != nil {
			t.Fatalf("advance %s: %v", s, err)
		}
	}
	if err := tr.advance(ctx, StateResolving, ""); err == nil {
		t.Fatal("expected backward transition to fail")
	}
	if err := tr.advance(ctx, StateFetching, ""); err == nil {
		t.Fatal("expected repeated state to fail")
	}
}

func TestTrackerCountsPatchSteps(t *testing.T) {
	tr, seen := newTestTracker(2)
	ctx := context.Background()
	_ = tr.advance(ctx, StateResolving, "")
	_ = tr.advance(ctx, StateFetching, "")
	if err := tr.advance(ctx, StatePatching, "server"); err != nil {
		t.Fatal(err)
	}
	if err := tr.advance(ctx, StatePatching, "api"); err != nil {
		t.Fatal(err)
	}
	if err := tr.advance(ctx, StatePatching, "extra"); err == nil {
		t.Fatal("expected a third patch step to fail")
	}
	got := (*seen)[len(*seen)-1]
	if got.Step != 2 || got.Steps != 2 || got.Layer != "api" || got.From != StatePatching {
		t.Fatalf("unexpected transition %+v", got)
	}
}

func TestTrackerFailAndRestart(t *testing.T) {
	tr, seen := newTestTracker(1)
	ctx := context.Background()
	_ = tr.advance(ctx, StateResolving, "")
	stageErr := &StageError{Stage: StateResolving, Err: errors.New("boom")}
	tr.fail(ctx, stageErr)
	if last := (*seen)[len(*seen)-1]; last.To != StateFailed || !errors.Is(last.Err, stageErr) {
		t.Fatalf("unexpected failure transition %+v", last)
	}
	if err := tr.advance(ctx, StateDone, ""); err == nil {
		t.Fatal("expected no transition after failure")
	}
	tr.fail(ctx, stageErr)
	if len(*seen) != 2 {
		t.Fatalf("failure emitted twice: %d transitions", len(*seen))
	}

	tr2, seen2 := newTestTracker(1)
	_ = tr2.advance(ctx, StateResolving, "")
	tr2.restart()
	if err := tr2.advance(ctx, StateResolving, ""); err != nil {
		t.Fatalf("advance after restart: %v", err)
	}
	if last := (*seen2)[len(*seen2)-1]; last.Attempt != 1 || last.From != StatePending {
		t.Fatalf("unexpected restart transition %+v", last)
	}
}

func TestStageErrorMessageNamesStage(t *testing.T) {
	err := &StageError{Stage: StateFetching, Err: errors.New("timeout")}
	if err.Error() != "fetching: timeout" {
		t.Fatalf("message = %q", err.Error())
	}
	if stage, ok := FailedStage(err); !ok || stage != StateFetching {
		t.Fatalf("FailedStage = %q, %v", stage, ok)
	}
}
