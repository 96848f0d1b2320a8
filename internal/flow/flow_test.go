package flow

import "testing"

const validYAML = `
name: procurement
description: multi-step procurement flow
states: [collect, review, approve, done]
initial_state: collect
transitions:
  - {from: collect, event: STEP_DONE, to: review}
  - {from: review, event: USER_CONFIRM, to: approve}
  - {from: approve, event: STEP_DONE, to: done}
state_node_map:
  collect: "builtin://collect_requirements"
  review: "builtin://summarize"
  approve: "https://hooks.example.com/approve"
user_input_states: [review]
`

func TestLoadStringValid(t *testing.T) {
	def, err := LoadString(validYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Name != "procurement" {
		t.Fatalf("name = %q, want procurement", def.Name)
	}
	if def.InitialState != "collect" {
		t.Fatalf("initial_state = %q, want collect", def.InitialState)
	}
	if !def.IsUserInputState("review") {
		t.Fatalf("expected review to be a user_input_state")
	}
	ref, ok := def.NodeRef("approve")
	if !ok || ref != "https://hooks.example.com/approve" {
		t.Fatalf("NodeRef(approve) = %q, %v", ref, ok)
	}
}

func TestLoadStringRejectsUnknownTransitionState(t *testing.T) {
	const badYAML = `
name: broken
states: [a, b]
initial_state: a
transitions:
  - {from: a, event: GO, to: nonexistent}
`
	_, err := LoadString(badYAML)
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadStringRejectsSingleState(t *testing.T) {
	const badYAML = `
name: broken
states: [a]
initial_state: a
transitions: []
`
	_, err := LoadString(badYAML)
	if err == nil {
		t.Fatalf("expected validation error for < 2 states")
	}
}

func TestValidateRejectsUnknownBuiltin(t *testing.T) {
	def, err := LoadString(validYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	registered := map[string]struct{}{"collect_requirements": {}}
	err = Validate(def, registered)
	if err == nil {
		t.Fatalf("expected error for unregistered builtin 'summarize'")
	}
}

func TestFanInDeps(t *testing.T) {
	def := Definition{
		States:       []string{"a", "b", "merge"},
		InitialState: "a",
		Transitions: []Transition{
			{From: "a", Event: "STEP_DONE", To: "merge", FanIn: true},
			{From: "b", Event: "STEP_DONE", To: "merge", FanIn: true},
		},
	}
	deps := def.FanInDeps("merge")
	if len(deps) != 2 {
		t.Fatalf("got %d deps, want 2", len(deps))
	}
}
