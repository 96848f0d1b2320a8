// Package dispatch implements the Dispatcher of SPEC_FULL.md §4.6:
// the sole writer of session state transitions and event records,
// tying together the FSM, Node Registry, Reliability subsystem,
// Blackboard and Event Bus. Grounded on the fan-out-with-retry shape
// of crab-gateway/internal/dispatch/dispatcher.go, generalized from
// "fan a single event out to N subscribers" to "advance one session
// through one state transition, resolving and executing whatever
// node owns the destination state."
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tempokernel.local/kernel/internal/blackboard"
	"tempokernel.local/kernel/internal/eventbus"
	"tempokernel.local/kernel/internal/events"
	"tempokernel.local/kernel/internal/flow"
	"tempokernel.local/kernel/internal/fsm"
	"tempokernel.local/kernel/internal/ids"
	"tempokernel.local/kernel/internal/kernelerr"
	"tempokernel.local/kernel/internal/registry"
	"tempokernel.local/kernel/internal/reliability"
	"tempokernel.local/kernel/internal/session"
)

const maxChainedTransitions = 50

// errorState is the canonical terminal a session's FSM is force-set
// into once its RetryPolicy is exhausted, per SPEC_FULL.md §4.6 step 8.
const errorState = "error"

var tracer = otel.Tracer("tempokernel.local/kernel/internal/dispatch")

// Dispatcher owns Event records and every FSM state mutation, per
// SPEC_FULL.md §3's ownership rule.
type Dispatcher struct {
	logger *log.Logger

	flows      *flow.Store
	sessions   session.Store
	blackboard *blackboard.Blackboard
	bus        *eventbus.Bus
	eventRepo  *events.Repository
	registry   *registry.Registry
	webhooks   *registry.WebhookClient
	rdb        *redis.Client
	keyPrefix  string

	idempotency *reliability.IdempotencyGuard
	fanIn       *reliability.FanInChecker
	stopper     *reliability.HardStopper
	retries     *reliability.RetryManager
	scheduler   *session.Scheduler

	fsmConflictRetries int
	callbackBaseURL    string
}

type Deps struct {
	Flows       *flow.Store
	Sessions    session.Store
	Blackboard  *blackboard.Blackboard
	Bus         *eventbus.Bus
	EventRepo   *events.Repository
	Registry    *registry.Registry
	Webhooks    *registry.WebhookClient
	RDB         *redis.Client
	KeyPrefix   string
	Idempotency *reliability.IdempotencyGuard
	FanIn       *reliability.FanInChecker
	Stopper     *reliability.HardStopper
	Retries     *reliability.RetryManager
	Scheduler   *session.Scheduler

	FSMConflictRetries int
	CallbackBaseURL    string
}

func New(logger *log.Logger, d Deps) *Dispatcher {
	retries := d.FSMConflictRetries
	if retries <= 0 {
		retries = 3
	}
	return &Dispatcher{
		logger:             logger,
		flows:              d.Flows,
		sessions:           d.Sessions,
		blackboard:         d.Blackboard,
		bus:                d.Bus,
		eventRepo:          d.EventRepo,
		registry:           d.Registry,
		webhooks:           d.Webhooks,
		rdb:                d.RDB,
		keyPrefix:          d.KeyPrefix,
		idempotency:        d.Idempotency,
		fanIn:              d.FanIn,
		stopper:            d.Stopper,
		retries:            d.Retries,
		scheduler:          d.Scheduler,
		fsmConflictRetries: retries,
		callbackBaseURL:    d.CallbackBaseURL,
	}
}

// Dispatch advances sessionID through one or more state transitions
// triggered by triggerEvent, executing every builtin node it lands
// on synchronously and chaining onward while nodes keep completing
// with STEP_DONE, stopping at a webhook dispatch, a user-input state,
// a terminal state, a fan-in block, or an error.
//
// Every call is run through the per-tenant-session Scheduler, so two
// Dispatch calls racing on the same session (a duplicate webhook
// callback and a user event arriving together, say) never run their
// chained-transition loops concurrently; the FSM's compare-and-set
// still rejects a stale advance, but serializing at the Dispatch
// boundary keeps a losing caller from ever executing a node's builtin
// or webhook call in the first place.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, sessionID string, triggerEvent events.Type, payload map[string]any) error {
	return d.scheduler.Submit(ctx, tenantID+":"+sessionID, func(ctx context.Context) error {
		return d.dispatchLocked(ctx, tenantID, sessionID, triggerEvent, payload)
	})
}

func (d *Dispatcher) dispatchLocked(ctx context.Context, tenantID, sessionID string, triggerEvent events.Type, payload map[string]any) error {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.String("kernel.tenant_id", tenantID),
		attribute.String("kernel.session_id", sessionID),
		attribute.String("kernel.trigger_event", string(triggerEvent)),
	))
	defer span.End()

	current := triggerEvent
	for i := 0; i < maxChainedTransitions; i++ {
		next, done, err := d.step(ctx, tenantID, sessionID, current, payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if done {
			return nil
		}
		current = next
		payload = nil
	}
	d.logger.Printf("dispatch: session %s exceeded %d chained transitions, stopping", sessionID, maxChainedTransitions)
	return nil
}

// step performs one iteration of the 8-step algorithm. It returns the
// next trigger event to feed back in (for chained builtin hops) and
// done=true when the caller should stop looping.
func (d *Dispatcher) step(ctx context.Context, tenantID, sessionID string, triggerEvent events.Type, payload map[string]any) (events.Type, bool, error) {
	// 1. Abort check.
	aborted, err := d.stopper.IsAborted(ctx, tenantID, sessionID)
	if err != nil {
		return "", true, err
	}
	if aborted {
		return "", true, d.appendAndPublish(ctx, tenantID, sessionID, events.TypeEventAborted, "", "", nil)
	}

	rec, err := d.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return "", true, fmt.Errorf("dispatch: load session: %w", err)
	}
	def, machine, err := d.resolveMachine(rec)
	if err != nil {
		return "", true, err
	}
	atomicFSM := fsm.NewAtomic(machine, d.rdb, d.keyPrefix, tenantID)

	// 2. FSM advance, with conflict retry.
	var transition fsm.Transition
	for attempt := 0; ; attempt++ {
		transition, err = atomicFSM.AdvanceAtomic(ctx, sessionID, string(triggerEvent))
		if err == nil {
			break
		}
		if _, ok := err.(*fsm.ConflictError); !ok {
			return "", true, kernelerr.Wrap(kernelerr.KindInvalidTransition, "", err)
		}
		if attempt >= d.fsmConflictRetries {
			return "", true, kernelerr.New(kernelerr.KindConflict, "", "fsm: persistent conflict after retries")
		}
	}
	newState := transition.To

	if err := d.appendAndPublish(ctx, tenantID, sessionID, events.TypeStateTransition, "", "", map[string]any{
		"from_state": transition.From,
		"to_state":   newState,
		"event":      string(triggerEvent),
	}); err != nil {
		return "", true, err
	}

	// 3. Resolve node for the new state.
	nodeRef, hasNode := def.NodeRef(newState)
	if !hasNode {
		// Terminal state: nothing left to execute.
		if err := d.sessions.Save(ctx, markStatus(rec, newState, session.StatusCompleted)); err != nil {
			return "", true, err
		}
		return "", true, d.appendAndPublish(ctx, tenantID, sessionID, events.TypeSessionComplete, newState, "", nil)
	}

	if def.IsUserInputState(newState) {
		if err := d.sessions.Save(ctx, markStatus(rec, newState, session.StatusWaitingUser)); err != nil {
			return "", true, err
		}
		return "", true, d.appendAndPublish(ctx, tenantID, sessionID, events.TypeNeedUserInput, newState, "", nil)
	}

	// 4. Fan-in check.
	if transition.FanIn {
		deps := def.FanInDeps(newState)
		pending, err := d.fanIn.PendingDeps(ctx, sessionID, deps)
		if err != nil {
			return "", true, err
		}
		if len(pending) > 0 {
			return "", true, d.appendAndPublish(ctx, tenantID, sessionID, events.TypeEventPendingFanIn, newState, "", map[string]any{
				"pending_fan_in": pending,
			})
		}
	}

	attempt, err := d.idempotency.MaxAttempt(ctx, sessionID, newState)
	if err != nil {
		return "", true, err
	}
	attempt++

	params := map[string]any{}
	if rec.ParamsJSON != "" {
		_ = decodeJSONMap(rec.ParamsJSON, &params)
	}
	if payload != nil {
		for k, v := range payload {
			params[k] = v
		}
	}

	// 5-7. Idempotency gate, execute, record.
	return d.executeNode(ctx, tenantID, sessionID, newState, nodeRef, params, attempt)
}

// executeNode is steps 5 through 7 of the dispatch algorithm, run
// against a state the FSM has already advanced into. It is also the
// retry re-entry point: a failed attempt re-enters here at attempt+1
// after the computed backoff delay instead of feeding a synthetic
// event through the FSM, since the session's FSM state does not move
// again until the node actually succeeds.
func (d *Dispatcher) executeNode(ctx context.Context, tenantID, sessionID, step, nodeRef string, params map[string]any, attempt int) (events.Type, bool, error) {
	// 5. Idempotency gate.
	decision, err := d.idempotency.Before(ctx, sessionID, step, attempt)
	if err != nil {
		return "", true, err
	}
	if decision == reliability.DecisionSkip {
		return "", true, nil
	}

	resolved, err := d.registry.Resolve(nodeRef)
	if err != nil {
		_ = d.idempotency.After(ctx, sessionID, step, attempt, "error", nil)
		return "", true, kernelerr.Wrap(kernelerr.KindInvalidTransition, "", err)
	}

	// 6. Execute.
	if resolved.Webhook != nil {
		// Matches the POST /api/workflow/{session}/callback route in
		// internal/httpapi/server.go; that handler reads step/attempt from
		// the JSON body (callbackBody), not the URL, so the webhook must
		// echo WebhookRequest's Step/Attempt back in its callback POST.
		callbackURL := fmt.Sprintf("%s/api/workflow/%s/callback", d.callbackBaseURL, sessionID)
		_, err := d.webhooks.Dispatch(ctx, resolved.Webhook.Endpoint, registry.WebhookRequest{
			SessionID:   sessionID,
			TenantID:    tenantID,
			Step:        step,
			Attempt:     attempt,
			Params:      params,
			CallbackURL: callbackURL,
		})
		if err != nil {
			return d.handleNodeFailure(ctx, tenantID, sessionID, step, attempt, err)
		}
		// Webhook accepted the dispatch; progress resumes via Callback.
		return "", true, nil
	}

	result, err := resolved.Builtin.Execute(ctx, sessionID, tenantID, params, d.blackboard)
	if err != nil {
		return d.handleNodeFailure(ctx, tenantID, sessionID, step, attempt, err)
	}

	// 7. Record and fan out.
	return d.recordNodeResult(ctx, tenantID, sessionID, step, attempt, result)
}

func (d *Dispatcher) handleNodeFailure(ctx context.Context, tenantID, sessionID, step string, attempt int, cause error) (events.Type, bool, error) {
	_ = d.idempotency.After(ctx, sessionID, step, attempt, "error", nil)
	if err := d.appendAndPublish(ctx, tenantID, sessionID, events.TypeEventError, step, "", map[string]any{"error": cause.Error()}); err != nil {
		return "", true, err
	}
	return "", true, d.disposeFailure(ctx, tenantID, sessionID, step, attempt, cause)
}

// disposeFailure classifies a failed attempt. RetryPolicy still
// allowing another try schedules a re-entry into executeNode at
// attempt+1; otherwise the session's FSM is force-transitioned into
// its error terminal, per step 8's "otherwise transition to the error
// state."
func (d *Dispatcher) disposeFailure(ctx context.Context, tenantID, sessionID, step string, attempt int, cause error) error {
	action := d.retries.HandleNodeError(sessionID, step, attempt, cause)
	if action == reliability.ActionRetry {
		d.scheduleRetry(tenantID, sessionID, step, attempt)
		return nil
	}
	return d.failSession(ctx, tenantID, sessionID, step, cause)
}

// scheduleRetry re-enters executeNode for step after RetryPolicy's
// backoff delay, at attempt+1. It runs the retry through a fresh
// Scheduler slot rather than the one disposeFailure's caller is
// currently holding, since the delay elapses long after that slot
// has been released. If the retried attempt succeeds and yields a
// further trigger event (STEP_DONE, NEED_USER_INPUT), it continues
// the chain through the same slot exactly as the original synchronous
// call would have.
func (d *Dispatcher) scheduleRetry(tenantID, sessionID, step string, attempt int) {
	delay := d.retries.Policy().NextDelay(attempt)
	go func() {
		time.Sleep(delay)
		ctx := context.Background()
		err := d.scheduler.Submit(ctx, tenantID+":"+sessionID, func(ctx context.Context) error {
			next, done, err := d.retryNode(ctx, tenantID, sessionID, step, attempt+1)
			if err != nil {
				return err
			}
			if !done && next != "" {
				return d.dispatchLocked(ctx, tenantID, sessionID, next, nil)
			}
			return nil
		})
		if err != nil {
			d.logger.Printf("dispatch: retry of %s/%s failed: %v", sessionID, step, err)
		}
	}()
}

// retryNode re-loads sessionID's current params and the node bound to
// step, then re-enters executeNode. It never touches the FSM: step is
// still the session's current FSM state, since the failed attempt
// never advanced it.
func (d *Dispatcher) retryNode(ctx context.Context, tenantID, sessionID, step string, attempt int) (events.Type, bool, error) {
	aborted, err := d.stopper.IsAborted(ctx, tenantID, sessionID)
	if err != nil {
		return "", true, err
	}
	if aborted {
		return "", true, d.appendAndPublish(ctx, tenantID, sessionID, events.TypeEventAborted, "", "", nil)
	}

	rec, err := d.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return "", true, fmt.Errorf("dispatch: load session: %w", err)
	}
	def, _, err := d.resolveMachine(rec)
	if err != nil {
		return "", true, err
	}
	nodeRef, hasNode := def.NodeRef(step)
	if !hasNode {
		return "", true, fmt.Errorf("dispatch: no node bound to state %q", step)
	}

	params := map[string]any{}
	if rec.ParamsJSON != "" {
		_ = decodeJSONMap(rec.ParamsJSON, &params)
	}

	return d.executeNode(ctx, tenantID, sessionID, step, nodeRef, params, attempt)
}

// failSession force-sets sessionID's FSM state to errorState and
// marks its durable record failed.
func (d *Dispatcher) failSession(ctx context.Context, tenantID, sessionID, step string, cause error) error {
	rec, err := d.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("dispatch: load session: %w", err)
	}
	_, machine, err := d.resolveMachine(rec)
	if err != nil {
		return err
	}
	atomicFSM := fsm.NewAtomic(machine, d.rdb, d.keyPrefix, tenantID)
	if err := atomicFSM.SetState(ctx, sessionID, errorState); err != nil {
		return err
	}
	if err := d.sessions.Save(ctx, markStatus(rec, errorState, session.StatusError)); err != nil {
		return err
	}
	return d.appendAndPublish(ctx, tenantID, sessionID, events.TypeSessionFailed, step, "", map[string]any{
		"error": cause.Error(),
	})
}

// Callback records a webhook's asynchronous result and resumes the
// chain, matching step 6's "the webhook will drive progress by
// calling back" contract. It runs through the same per-session
// Scheduler slot as Dispatch, so a late callback can never race a
// concurrent Dispatch call for the same session.
func (d *Dispatcher) Callback(ctx context.Context, tenantID, sessionID, step string, attempt int, result registry.NodeResult) error {
	return d.scheduler.Submit(ctx, tenantID+":"+sessionID, func(ctx context.Context) error {
		return d.callbackLocked(ctx, tenantID, sessionID, step, attempt, result)
	})
}

func (d *Dispatcher) callbackLocked(ctx context.Context, tenantID, sessionID, step string, attempt int, result registry.NodeResult) error {
	ctx, span := tracer.Start(ctx, "dispatch.Callback", trace.WithAttributes(
		attribute.String("kernel.tenant_id", tenantID),
		attribute.String("kernel.session_id", sessionID),
		attribute.String("kernel.step", step),
		attribute.Int("kernel.attempt", attempt),
	))
	defer span.End()

	aborted, err := d.stopper.IsAborted(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if aborted {
		d.logger.Printf("dispatch: dropping late callback for aborted session %s step %s", sessionID, step)
		return nil
	}
	next, _, err := d.recordNodeResult(ctx, tenantID, sessionID, step, attempt, result)
	if err != nil {
		return err
	}
	if next != "" {
		return d.dispatchLocked(ctx, tenantID, sessionID, next, nil)
	}
	return nil
}

// CurrentState returns a session's live FSM state straight from the
// Redis CAS key the Dispatcher advances on every transition. The
// durable Record's FSMState column is only refreshed at terminal
// states and on entering a user-input state, so it is not a substitute
// for this on a running session.
func (d *Dispatcher) CurrentState(ctx context.Context, tenantID, sessionID string) (string, error) {
	rec, err := d.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return "", fmt.Errorf("dispatch: load session: %w", err)
	}
	_, machine, err := d.resolveMachine(rec)
	if err != nil {
		return "", err
	}
	atomicFSM := fsm.NewAtomic(machine, d.rdb, d.keyPrefix, tenantID)
	return atomicFSM.CurrentState(ctx, sessionID)
}

func (d *Dispatcher) recordNodeResult(ctx context.Context, tenantID, sessionID, step string, attempt int, result registry.NodeResult) (events.Type, bool, error) {
	for artifactID, value := range result.Artifacts {
		if err := d.blackboard.WriteArtifact(ctx, sessionID, artifactID, value); err != nil {
			return "", true, err
		}
	}

	eventType := events.TypeEventResult
	status := "success"
	if result.Status == "error" {
		eventType = events.TypeEventError
		status = "error"
	}

	if err := d.appendAndPublish(ctx, tenantID, sessionID, eventType, step, status, map[string]any{
		"status":    result.Status,
		"message":   result.Message,
		"ui_schema": result.UISchema,
	}); err != nil {
		return "", true, err
	}

	// 8. Finalize.
	if err := d.idempotency.After(ctx, sessionID, step, attempt, status, result); err != nil {
		return "", true, err
	}

	switch result.Status {
	case "success":
		return events.TypeStepDone, false, nil
	case "need_user_input":
		return events.TypeNeedUserInput, false, nil
	case "aborted":
		return "", true, nil
	default: // error
		if err := d.disposeFailure(ctx, tenantID, sessionID, step, attempt, fmt.Errorf("%s", result.Message)); err != nil {
			return "", true, err
		}
		return "", true, nil
	}
}

func (d *Dispatcher) appendAndPublish(ctx context.Context, tenantID, sessionID string, eventType events.Type, step, status string, payload map[string]any) error {
	encoded, err := events.EncodePayload(payload)
	if err != nil {
		return err
	}
	envelope := events.Envelope{
		ID:        ids.NewUUID(),
		Type:      eventType,
		TenantID:  tenantID,
		SessionID: sessionID,
		Source:    "dispatcher",
		Payload:   encoded,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.eventRepo.Append(ctx, envelope, step, status); err != nil {
		return err
	}
	return d.bus.Publish(ctx, tenantID, envelope)
}

// resolveMachine builds the FSM machine for a session: its explicit
// flow definition, or the implicit single-node machine.
//
// The implicit machine starts at a bootstrap state ("start") with no
// node bound, distinct from the state that actually executes; an
// explicit flow starts at whatever InitialState its author declares,
// and flows that follow the same convention bind no node to it. A session's current
// state starts out AT the bootstrap state already (fsm.AtomicFSM.
// CurrentState falls back to the machine's initial state with no
// transition needed to "enter" it), so the very first Dispatch a
// session receives must be fed CMD_EXECUTE to advance out of "start"
// and into the working state — StartFlow/StartSingleNode's callers
// are responsible for sending that first CMD_EXECUTE once the session
// row exists. Every later event goes through the same advance-then-
// resolve step() this bootstrap hop uses, so no separate code path is
// needed to run a session's first node.
func (d *Dispatcher) resolveMachine(rec session.Record) (flow.Definition, *fsm.Machine, error) {
	if rec.Implicit {
		def := flow.Definition{
			Name:         "_implicit_" + rec.NodeID,
			States:       []string{"start", "execute", "end"},
			InitialState: "start",
			Transitions: []flow.Transition{
				{From: "start", Event: "CMD_EXECUTE", To: "execute"},
				{From: "execute", Event: "STEP_DONE", To: "end"},
			},
			StateNodeMap: map[string]string{"execute": "builtin://" + rec.NodeID},
		}
		return def, fsm.SingleNode(d.logger), nil
	}
	def, err := d.flows.Get(rec.FlowID)
	if err != nil {
		return flow.Definition{}, nil, err
	}
	transitions := make([]fsm.Transition, 0, len(def.Transitions))
	for _, t := range def.Transitions {
		transitions = append(transitions, fsm.Transition{From: t.From, Event: t.Event, To: t.To, FanIn: t.FanIn})
	}
	// Every flow's machine carries the error terminal regardless of
	// whether the flow author declared it, since failSession force-sets
	// a session into it on dead-letter and fsm.AtomicFSM.SetState only
	// accepts states the machine already knows about.
	states := def.States
	if !containsState(states, errorState) {
		states = append(append([]string{}, states...), errorState)
	}
	return def, fsm.New(d.logger, states, def.InitialState, transitions), nil
}

func containsState(states []string, target string) bool {
	for _, s := range states {
		if s == target {
			return true
		}
	}
	return false
}

func markStatus(rec session.Record, newState string, status session.Status) session.Record {
	rec.FSMState = newState
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if status == session.StatusCompleted {
		rec.CompletedAt = rec.UpdatedAt
	}
	return rec
}

func decodeJSONMap(raw string, into *map[string]any) error {
	return json.Unmarshal([]byte(raw), into)
}
