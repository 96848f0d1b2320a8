// Package fsm implements the config-driven finite state machine of
// SPEC_FULL.md §4.3: transition rules loaded from a Flow Definition,
// atomic per-session advance via a Redis Lua compare-and-set script —
// the direct analogue of tempo_os/memory/fsm_atomic.py's
// _LUA_CAS_SCRIPT, ported to go-redis's Script type instead of
// aioredis's register_script.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

const stateField = "_fsm_state"

// ErrInvalidTransition is returned when no transition rule matches
// (currentState, eventType).
var ErrInvalidTransition = errors.New("fsm: invalid transition")

// ConflictError is returned when the atomic CAS loses the race: some
// other writer already advanced the session past the state this
// caller last observed.
type ConflictError struct {
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fsm: conflict, expected state %q but found %q", e.Expected, e.Actual)
}

// Transition is one edge of a Flow Definition's transition list.
type Transition struct {
	From  string
	Event string
	To    string
	FanIn bool
}

// Machine is a generic FSM driven by a transition table; it holds no
// per-session state itself, callers pass sessionID to every operation.
type Machine struct {
	logger       *log.Logger
	states       map[string]struct{}
	initialState string
	lookup       map[transitionKey]Transition
}

type transitionKey struct {
	from  string
	event string
}

// New builds a Machine from a Flow Definition's state set, initial
// state and transition list.
func New(logger *log.Logger, states []string, initialState string, transitions []Transition) *Machine {
	m := &Machine{
		logger:       logger,
		states:       make(map[string]struct{}, len(states)),
		initialState: initialState,
		lookup:       make(map[transitionKey]Transition, len(transitions)),
	}
	for _, s := range states {
		m.states[s] = struct{}{}
	}
	for _, t := range transitions {
		m.lookup[transitionKey{from: t.From, event: t.Event}] = t
	}
	return m
}

// SingleNode builds the implicit four-state FSM of SPEC_FULL.md §4.3:
// [start] --CMD_EXECUTE--> [execute] --STEP_DONE--> [end]. "start"
// carries no node; it exists only so a session's very first dispatch
// has a transition to advance through, the same way every later
// dispatch advances the FSM before resolving the node to run. "error"
// carries no ordinary transition into it either: the Dispatcher force-
// sets a session into it via SetState once its RetryPolicy is
// exhausted, the same terminal every explicit flow's machine also
// carries.
func SingleNode(logger *log.Logger) *Machine {
	return New(logger, []string{"start", "execute", "end", "error"}, "start", []Transition{
		{From: "start", Event: "CMD_EXECUTE", To: "execute"},
		{From: "execute", Event: "STEP_DONE", To: "end"},
	})
}

func (m *Machine) InitialState() string { return m.initialState }

// Transition computes the next state without touching storage; it is
// pure and side-effect free, matching tempo_os/memory/fsm.py's
// transition().
func (m *Machine) Transition(currentState, eventType string) (Transition, error) {
	t, ok := m.lookup[transitionKey{from: currentState, event: eventType}]
	if !ok {
		return Transition{}, fmt.Errorf("%w: no transition from %q on %q", ErrInvalidTransition, currentState, eventType)
	}
	return t, nil
}

// ValidEvents returns every event type accepted from currentState.
func (m *Machine) ValidEvents(currentState string) []string {
	var out []string
	for k := range m.lookup {
		if k.from == currentState {
			out = append(out, k.event)
		}
	}
	return out
}

var casScript = redis.NewScript(`
local key = KEYS[1]
local field = ARGV[1]
local expected = ARGV[2]
local new_state = ARGV[3]
local initial = ARGV[4]

local current = redis.call('HGET', key, field)
if current == false then
	if expected == initial then
		redis.call('HSET', key, field, new_state)
		return new_state
	end
	return redis.error_reply('CONFLICT:' .. initial)
end

if current == expected then
	redis.call('HSET', key, field, new_state)
	return new_state
end
return redis.error_reply('CONFLICT:' .. current)
`)

// AtomicFSM wraps a Machine with a Redis-backed compare-and-set store,
// so the read-then-write of the current state is a single atomic step
// against the fast store, per SPEC_FULL.md §4.3's contract.
type AtomicFSM struct {
	machine  *Machine
	rdb      *redis.Client
	prefix   string
	tenantID string
}

func NewAtomic(machine *Machine, rdb *redis.Client, prefix, tenantID string) *AtomicFSM {
	return &AtomicFSM{machine: machine, rdb: rdb, prefix: prefix, tenantID: tenantID}
}

func (a *AtomicFSM) redisKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:session:%s", a.prefix, a.tenantID, sessionID)
}

// CurrentState reads the session's current FSM state, falling back to
// the machine's initial state if never set.
func (a *AtomicFSM) CurrentState(ctx context.Context, sessionID string) (string, error) {
	raw, err := a.rdb.HGet(ctx, a.redisKey(sessionID), stateField).Result()
	if err == redis.Nil {
		return a.machine.initialState, nil
	}
	if err != nil {
		return "", fmt.Errorf("read fsm state: %w", err)
	}
	return raw, nil
}

// AdvanceAtomic computes and atomically commits the next state for
// eventType. On a lost race it returns *ConflictError; callers should
// retry by re-reading state, per SPEC_FULL.md §4.6 step 2.
func (a *AtomicFSM) AdvanceAtomic(ctx context.Context, sessionID, eventType string) (Transition, error) {
	current, err := a.CurrentState(ctx, sessionID)
	if err != nil {
		return Transition{}, err
	}
	t, err := a.machine.Transition(current, eventType)
	if err != nil {
		return Transition{}, err
	}

	key := a.redisKey(sessionID)
	res, err := casScript.Run(ctx, a.rdb, []string{key}, stateField, current, t.To, a.machine.initialState).Result()
	if err != nil {
		if isConflict(err) {
			return Transition{}, &ConflictError{Expected: current, Actual: conflictActual(err)}
		}
		return Transition{}, fmt.Errorf("fsm cas: %w", err)
	}
	_ = res
	return t, nil
}

// SetState force-sets the FSM state (admin/recovery use only).
func (a *AtomicFSM) SetState(ctx context.Context, sessionID, newState string) error {
	if _, ok := a.machine.states[newState]; !ok {
		return fmt.Errorf("fsm: unknown state %q", newState)
	}
	return a.rdb.HSet(ctx, a.redisKey(sessionID), stateField, newState).Err()
}

func isConflict(err error) bool {
	msg := err.Error()
	return len(msg) >= 8 && msg[:8] == "CONFLICT"
}

func conflictActual(err error) string {
	msg := err.Error()
	if len(msg) > 9 {
		return msg[9:]
	}
	return "unknown"
}
