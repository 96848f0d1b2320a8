// Package flow loads and validates Flow Definitions, the directed
// state graphs the Session Manager and Dispatcher execute, grounded
// on tempo_os/kernel/flow_loader.py and using crab-sdk/config's own
// gopkg.in/yaml.v3 loading idiom plus santhosh-tekuri/jsonschema/v6
// for structural validation of the decoded document before the
// semantic checks run.
package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Transition is one edge of a flow's transition list.
type Transition struct {
	From  string `yaml:"from" json:"from"`
	Event string `yaml:"event" json:"event"`
	To    string `yaml:"to" json:"to"`
	FanIn bool   `yaml:"fan_in" json:"fan_in"`
}

// Definition is a parsed, validated Flow Definition.
type Definition struct {
	Name             string            `yaml:"name" json:"name"`
	Description      string            `yaml:"description" json:"description"`
	States           []string          `yaml:"states" json:"states"`
	InitialState     string            `yaml:"initial_state" json:"initial_state"`
	Transitions      []Transition      `yaml:"transitions" json:"transitions"`
	StateNodeMap     map[string]string `yaml:"state_node_map" json:"state_node_map"`
	UserInputStates  []string          `yaml:"user_input_states" json:"user_input_states"`
}

// NodeRef returns the node reference registered for a state, if any.
func (d Definition) NodeRef(state string) (string, bool) {
	ref, ok := d.StateNodeMap[state]
	return ref, ok
}

// IsUserInputState reports whether state pauses for human input.
func (d Definition) IsUserInputState(state string) bool {
	for _, s := range d.UserInputStates {
		if s == state {
			return true
		}
	}
	return false
}

// FanInDeps returns the prerequisite step names a fan_in transition
// into toState waits on: the From state of every fan_in transition
// whose To is toState, each listed once, per the flow graph's
// convergence shape.
func (d Definition) FanInDeps(toState string) []string {
	var deps []string
	seen := map[string]struct{}{}
	for _, t := range d.Transitions {
		if t.To == toState && t.FanIn {
			if _, ok := seen[t.From]; !ok {
				seen[t.From] = struct{}{}
				deps = append(deps, t.From)
			}
		}
	}
	return deps
}

// docSchema is the structural shape every Flow Definition YAML
// document must conform to before semantic validation runs.
const docSchema = `{
  "type": "object",
  "required": ["name", "states", "transitions"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "states": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "initial_state": {"type": "string"},
    "transitions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "event", "to"],
        "properties": {
          "from": {"type": "string"},
          "event": {"type": "string"},
          "to": {"type": "string"},
          "fan_in": {"type": "boolean"}
        }
      }
    },
    "state_node_map": {"type": "object"},
    "user_input_states": {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledDocSchema *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiledDocSchema != nil {
		return compiledDocSchema, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(docSchema), &doc); err != nil {
		return nil, fmt.Errorf("parse flow schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const resourceURL = "mem://flow-definition.schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("register flow schema: %w", err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	compiledDocSchema = compiled
	return compiledDocSchema, nil
}

// LoadFile reads and validates a Flow Definition from a YAML file.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read flow file %s: %w", path, err)
	}
	return LoadString(string(data))
}

// LoadString parses and validates a Flow Definition from YAML text.
func LoadString(content string) (Definition, error) {
	var generic any
	if err := yaml.Unmarshal([]byte(content), &generic); err != nil {
		return Definition{}, fmt.Errorf("parse flow yaml: %w", err)
	}
	normalized := normalizeForSchema(generic)

	s, err := schema()
	if err != nil {
		return Definition{}, err
	}
	if err := s.Validate(normalized); err != nil {
		return Definition{}, fmt.Errorf("flow document invalid: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal([]byte(content), &def); err != nil {
		return Definition{}, fmt.Errorf("decode flow yaml: %w", err)
	}
	if def.InitialState == "" && len(def.States) > 0 {
		def.InitialState = def.States[0]
	}
	if err := Validate(def, nil); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// normalizeForSchema converts yaml.v3's map[string]interface{} output
// into the map[string]any/[]any shape jsonschema/v6 expects, mirroring
// the JSON decode path it's built around.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}

// ValidationError collects every semantic problem found in a flow
// document, matching tempo_os/kernel/flow_loader.py's validate_flow
// returning a list of messages rather than failing fast.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid flow definition: %s", strings.Join(e.Errors, "; "))
}

// Validate runs the semantic checks of the original validate_flow:
// state-set membership, transition endpoints, state_node_map shape,
// and (if registeredBuiltins is non-nil) builtin resolvability.
func Validate(def Definition, registeredBuiltins map[string]struct{}) error {
	var errs []string

	if len(def.States) < 2 {
		errs = append(errs, "flow must have at least 2 states")
	}

	stateSet := make(map[string]struct{}, len(def.States))
	for _, s := range def.States {
		stateSet[s] = struct{}{}
	}

	if _, ok := stateSet[def.InitialState]; !ok {
		errs = append(errs, fmt.Sprintf("initial_state %q not in states", def.InitialState))
	}

	for _, t := range def.Transitions {
		if _, ok := stateSet[t.From]; !ok {
			errs = append(errs, fmt.Sprintf("transition from unknown state %q", t.From))
		}
		if _, ok := stateSet[t.To]; !ok {
			errs = append(errs, fmt.Sprintf("transition to unknown state %q", t.To))
		}
	}

	for state, ref := range def.StateNodeMap {
		if _, ok := stateSet[state]; !ok {
			errs = append(errs, fmt.Sprintf("state_node_map references unknown state %q", state))
		}
		if !strings.HasPrefix(ref, "builtin://") && !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
			errs = append(errs, fmt.Sprintf("invalid node_ref %q for state %q: must start with builtin:// or http(s)://", ref, state))
		}
		if registeredBuiltins != nil && strings.HasPrefix(ref, "builtin://") {
			id := strings.TrimPrefix(ref, "builtin://")
			if _, ok := registeredBuiltins[id]; !ok {
				errs = append(errs, fmt.Sprintf("node %q not registered (referenced by state %q)", id, state))
			}
		}
	}

	for _, s := range def.UserInputStates {
		if _, ok := stateSet[s]; !ok {
			errs = append(errs, fmt.Sprintf("user_input_states references unknown state %q", s))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}
