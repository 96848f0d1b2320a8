package fsm

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestMachineTransition(t *testing.T) {
	m := New(testLogger(), []string{"a", "b", "c"}, "a", []Transition{
		{From: "a", Event: "GO", To: "b"},
		{From: "b", Event: "GO", To: "c", FanIn: true},
	})

	got, err := m.Transition("a", "GO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To != "b" {
		t.Fatalf("got To=%q, want b", got.To)
	}

	got, err = m.Transition("b", "GO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.FanIn {
		t.Fatalf("expected fan_in transition")
	}
}

func TestMachineTransitionInvalid(t *testing.T) {
	m := New(testLogger(), []string{"a", "b"}, "a", []Transition{
		{From: "a", Event: "GO", To: "b"},
	})

	_, err := m.Transition("a", "NOPE")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = m.Transition("b", "GO")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from terminal state, got %v", err)
	}
}

func TestSingleNodeMachine(t *testing.T) {
	m := SingleNode(testLogger())
	if m.InitialState() != "start" {
		t.Fatalf("initial state = %q, want start", m.InitialState())
	}
	got, err := m.Transition("start", "CMD_EXECUTE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To != "execute" {
		t.Fatalf("got To=%q, want execute", got.To)
	}

	got, err = m.Transition("execute", "STEP_DONE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To != "end" {
		t.Fatalf("got To=%q, want end", got.To)
	}
}

// TestSingleNodeMachineKnowsErrorState confirms "error" is registered
// as a valid state on the implicit machine even though no transition
// targets it, so AtomicFSM.SetState can force a session into it on
// dead-letter. SetState validates the state before ever touching
// Redis, so an unreachable address still lets the validation-only
// path be exercised deterministically.
func TestSingleNodeMachineKnowsErrorState(t *testing.T) {
	m := SingleNode(testLogger())
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	defer rdb.Close()
	a := NewAtomic(m, rdb, "test", "tenant1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.SetState(ctx, "sess1", "bogus"); err == nil || !strings.Contains(err.Error(), "unknown state") {
		t.Fatalf("SetState(bogus) = %v, want unknown state error", err)
	}

	err := a.SetState(ctx, "sess1", "error")
	if err == nil {
		t.Fatal("expected a connection error against an unreachable redis, got nil")
	}
	if strings.Contains(err.Error(), "unknown state") {
		t.Fatalf("SetState(error) rejected as unknown state, want it recognized: %v", err)
	}
}

func TestValidEvents(t *testing.T) {
	m := New(testLogger(), []string{"a", "b"}, "a", []Transition{
		{From: "a", Event: "GO", To: "b"},
		{From: "a", Event: "SKIP", To: "b"},
	})
	events := m.ValidEvents("a")
	if len(events) != 2 {
		t.Fatalf("got %d valid events, want 2", len(events))
	}
}
