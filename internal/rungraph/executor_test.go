package rungraph_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/rungraph"
)

type recorder struct {
	mu     sync.Mutex
	events []rungraph.Event
}

func (r *recorder) Emit(_ context.Context, ev rungraph.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(stage, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Stage == stage && ev.StepKey == key {
			n++
		}
	}
	return n
}

func (r *recorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Stage+":"+ev.StepKey)
	}
	return out
}

func TestExecute_FailsTwiceThenSucceeds(t *testing.T) {
	rec := &recorder{}
	x := rungraph.NewExecutor(rec, nil, nil, nil)

	calls := 0
	var secondRan bool
	nodes := []rungraph.Node{
		{Key: "script", MaxAttempts: 3, Run: func(_ context.Context, nc *rungraph.NodeContext) (any, error) {
			calls++
			if nc.Attempt != calls {
				t.Errorf("attempt = %d, want %d", nc.Attempt, calls)
			}
			if calls < 3 {
				return nil, errors.New("flaky")
			}
			return "draft", nil
		}},
		{Key: "panels", Run: func(_ context.Context, nc *rungraph.NodeContext) (any, error) {
			secondRan = true
			if nc.State["script"] != "draft" {
				t.Errorf("previous output not visible: %v", nc.State)
			}
			return nil, nil
		}},
	}

	state, err := x.Execute(context.Background(), "run-1", nodes, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := rec.count(events.StageStepError, "script"); got != 2 {
		t.Fatalf("STEP_ERROR count = %d, want 2", got)
	}
	if got := rec.count(events.StageStepComplete, "script"); got != 1 {
		t.Fatalf("STEP_COMPLETE count = %d, want 1", got)
	}
	if got := rec.count(events.StageStepStart, "script"); got != 3 {
		t.Fatalf("STEP_START count = %d, want 3", got)
	}
	if !secondRan || state["script"] != "draft" {
		t.Fatalf("graph did not proceed: secondRan=%v state=%v", secondRan, state)
	}
	stages := rec.stages()
	if stages[len(stages)-1] != events.StageRunComplete+":" {
		t.Fatalf("last event = %s", stages[len(stages)-1])
	}
}

func TestExecute_ExhaustedNodeAbortsGraph(t *testing.T) {
	rec := &recorder{}
	x := rungraph.NewExecutor(rec, nil, nil, nil)
	boom := errors.New("provider 503")

	var laterRan bool
	nodes := []rungraph.Node{
		{Key: "a", MaxAttempts: 2, Run: func(_ context.Context, nc *rungraph.NodeContext) (any, error) {
			nc.State["touched"] = nc.Attempt
			return nil, boom
		}},
		{Key: "b", Run: func(context.Context, *rungraph.NodeContext) (any, error) {
			laterRan = true
			return nil, nil
		}},
	}

	state, err := x.Execute(context.Background(), "run-1", nodes, rungraph.State{})
	var nerr *rungraph.NodeError
	if !errors.As(err, &nerr) || nerr.Key != "a" || nerr.Attempts != 2 || !errors.Is(err, boom) {
		t.Fatalf("unexpected error: %v", err)
	}
	if laterRan {
		t.Fatal("node after a failed node must not run")
	}
	// Writes from failed attempts are kept.
	if state["touched"] != 2 {
		t.Fatalf("state = %v", state)
	}
	if rec.count(events.StageRunError, "a") != 1 || rec.count(events.StageRunComplete, "") != 0 {
		t.Fatalf("unexpected run markers: %v", rec.stages())
	}
}

func TestExecute_TimeoutCountsAsFailedAttempt(t *testing.T) {
	rec := &recorder{}
	x := rungraph.NewExecutor(rec, nil, nil, nil)

	nodes := []rungraph.Node{
		{Key: "render", MaxAttempts: 2, Timeout: 20 * time.Millisecond, Run: func(ctx context.Context, nc *rungraph.NodeContext) (any, error) {
			if nc.Attempt == 1 {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return "late", nil
			}
			return "ok", nil
		}},
	}

	state, err := x.Execute(context.Background(), "run-1", nodes, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.count(events.StageStepError, "render") != 1 || state["render"] != "ok" {
		t.Fatalf("events=%v state=%v", rec.stages(), state)
	}
}

func TestExecute_TimedOutAttemptFinishesBeforeRetry(t *testing.T) {
	rec := &recorder{}
	x := rungraph.NewExecutor(rec, nil, nil, nil)

	var firstDone atomic.Bool
	nodes := []rungraph.Node{
		{Key: "render", MaxAttempts: 2, Timeout: 20 * time.Millisecond, Run: func(ctx context.Context, nc *rungraph.NodeContext) (any, error) {
			if nc.Attempt == 1 {
				// Ignores its deadline and keeps writing shared state for a while.
				deadline := time.Now().Add(100 * time.Millisecond)
				for i := 0; time.Now().Before(deadline); i++ {
					nc.State["scratch"] = i
					time.Sleep(time.Millisecond)
				}
				firstDone.Store(true)
				return "late", nil
			}
			if !firstDone.Load() {
				return nil, errors.New("retry started while the timed-out attempt was still running")
			}
			nc.State["scratch2"] = nc.Attempt
			return "ok", nil
		}},
	}

	state, err := x.Execute(context.Background(), "run-1", nodes, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.count(events.StageStepError, "render") != 1 {
		t.Fatalf("the timeout should still fail attempt 1: %v", rec.stages())
	}
	if state["render"] != "ok" || state["scratch2"] != 2 {
		t.Fatalf("state = %v", state)
	}
	if _, ok := state["scratch"]; !ok {
		t.Fatalf("writes from the timed-out attempt should survive: %v", state)
	}
}

func TestExecute_TimeoutErrorIsTyped(t *testing.T) {
	x := rungraph.NewExecutor(nil, nil, nil, nil)
	nodes := []rungraph.Node{
		{Key: "slow", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context, _ *rungraph.NodeContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}
	_, err := x.Execute(context.Background(), "run-1", nodes, nil)
	if !errors.Is(err, rungraph.ErrNodeTimeout) {
		t.Fatalf("expected ErrNodeTimeout, got %v", err)
	}
}

func TestExecute_PanicIsAFailedAttempt(t *testing.T) {
	rec := &recorder{}
	x := rungraph.NewExecutor(rec, nil, nil, nil)
	calls := 0
	nodes := []rungraph.Node{
		{Key: "p", MaxAttempts: 2, Run: func(context.Context, *rungraph.NodeContext) (any, error) {
			calls++
			if calls == 1 {
				panic("bad state")
			}
			return nil, nil
		}},
	}
	if _, err := x.Execute(context.Background(), "run-1", nodes, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.count(events.StageStepError, "p") != 1 {
		t.Fatalf("events = %v", rec.stages())
	}
}

func TestExecute_ParentCancelStopsWithoutRunMarker(t *testing.T) {
	rec := &recorder{}
	x := rungraph.NewExecutor(rec, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	nodes := []rungraph.Node{
		{Key: "a", MaxAttempts: 5, Run: func(context.Context, *rungraph.NodeContext) (any, error) {
			cancel()
			return nil, errors.New("interrupted")
		}},
	}
	_, err := x.Execute(ctx, "run-1", nodes, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rec.count(events.StageStepStart, "a") != 1 || rec.count(events.StageRunError, "a") != 0 {
		t.Fatalf("events = %v", rec.stages())
	}
}

func TestValidate(t *testing.T) {
	noop := func(context.Context, *rungraph.NodeContext) (any, error) { return nil, nil }
	tests := []struct {
		name  string
		nodes []rungraph.Node
		ok    bool
	}{
		{"empty", nil, false},
		{"missing key", []rungraph.Node{{Run: noop}}, false},
		{"duplicate", []rungraph.Node{{Key: "a", Run: noop}, {Key: "a", Run: noop}}, false},
		{"no body", []rungraph.Node{{Key: "a"}}, false},
		{"valid", []rungraph.Node{{Key: "a", Run: noop}, {Key: "b", Run: noop}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rungraph.Validate(tt.nodes)
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
