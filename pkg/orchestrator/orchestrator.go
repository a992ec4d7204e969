package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zen-systems/arbiter/pkg/artifact"
	"github.com/zen-systems/arbiter/pkg/dispatch"
	"github.com/zen-systems/arbiter/pkg/registry"
	"github.com/zen-systems/arbiter/pkg/repair"
	"github.com/zen-systems/arbiter/pkg/router"
	"github.com/zen-systems/arbiter/pkg/schema"
	"github.com/zen-systems/arbiter/pkg/store"
	"github.com/zen-systems/arbiter/pkg/telemetry"
	"github.com/zen-systems/arbiter/pkg/validator"
)

// TaskState is the orchestrator-owned lifecycle state of a task.
type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateAssigned   TaskState = "assigned"
	StateInProgress TaskState = "in-progress"
	StateValidating TaskState = "validating"
	StateAccepted   TaskState = "accepted"
	StateRejected   TaskState = "rejected"
	StateTimedOut   TaskState = "timed-out"
	StateEscalated  TaskState = "escalated"
	StateCancelled  TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == StateAccepted || s == StateEscalated || s == StateCancelled
}

var (
	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when cancelling a finished task.
	ErrTaskTerminal = errors.New("task already terminal")
)

// Assignment records one routing attempt of a task to an agent.
type Assignment struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Attempt   int       `json:"attempt"`
	State     TaskState `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
	Error     string    `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of a task's progress. For escalated
// tasks it doubles as the escalation report: every attempt, routing
// decision and verdict that led there.
type Status struct {
	TaskID      string            `json:"task_id"`
	State       TaskState         `json:"state"`
	Attempts    []Assignment      `json:"attempts"`
	Decisions   []router.Decision `json:"decisions"`
	Verdicts    []schema.VerdictV1 `json:"verdicts"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

type taskEntry struct {
	mu          sync.Mutex
	spec        schema.TaskSpec
	state       TaskState
	payload     string
	attempts    []Assignment
	decisions   []router.Decision
	verdicts    []schema.VerdictV1
	tried       map[string]bool
	cancel      context.CancelFunc
	submittedAt time.Time
}

// Config tunes the orchestrator's retry and concurrency behavior.
type Config struct {
	// MaxRetries bounds the total attempts per task before escalation.
	MaxRetries int
	// MaxConcurrency bounds the worker pool handling tasks.
	MaxConcurrency int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArtifactStore archives accepted artifacts content-addressed.
func WithArtifactStore(st *store.Store) Option {
	return func(o *Orchestrator) {
		o.artifacts = st
	}
}

// Orchestrator drives tasks through the route, dispatch, validate loop.
// It owns task lifecycle state; the registry, router, validator and
// tracker each own their own slices of the pipeline.
type Orchestrator struct {
	cfg       Config
	registry  *registry.Registry
	router    *router.Router
	validator *validator.Validator
	tracker   *telemetry.Tracker
	pool      *dispatch.Pool
	artifacts *store.Store

	mu    sync.RWMutex
	tasks map[string]*taskEntry

	queue    *taskQueue
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles an orchestrator from its collaborators.
func New(reg *registry.Registry, rt *router.Router, val *validator.Validator, tr *telemetry.Tracker, pool *dispatch.Pool, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		router:    rt,
		validator: val,
		tracker:   tr,
		pool:      pool,
		tasks:     make(map[string]*taskEntry),
		queue:     newTaskQueue(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the bounded worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.MaxConcurrency; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
}

// Close stops the workers. In-flight dispatches run to completion.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()
}

// Submit validates and enqueues a task, returning its id.
func (o *Orchestrator) Submit(spec schema.TaskSpec) (string, error) {
	if spec.Schema == "" {
		spec.Schema = schema.SchemaTaskV1
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}

	entry := &taskEntry{
		spec:        spec,
		state:       StateQueued,
		payload:     spec.PayloadRef,
		tried:       make(map[string]bool),
		submittedAt: time.Now().UTC(),
	}

	o.mu.Lock()
	if _, exists := o.tasks[spec.ID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("submit task: duplicate id %s", spec.ID)
	}
	o.tasks[spec.ID] = entry
	o.mu.Unlock()

	o.queue.enqueue(spec.ID, spec.Priority)
	return spec.ID, nil
}

// Cancel stops a task. Queued tasks are removed with no side effects;
// in-progress tasks have their dispatch context cancelled and the agent's
// load slot freed by the owning worker.
func (o *Orchestrator) Cancel(taskID string) error {
	entry := o.entry(taskID)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, entry.state)
	}

	switch entry.state {
	case StateQueued:
		o.queue.remove(taskID)
		entry.state = StateCancelled
	default:
		entry.state = StateCancelled
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	return nil
}

// Status reports a task's current state and full attempt history.
func (o *Orchestrator) Status(taskID string) (Status, error) {
	entry := o.entry(taskID)
	if entry == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	st := Status{
		TaskID:      taskID,
		State:       entry.state,
		SubmittedAt: entry.submittedAt,
		Attempts:    append([]Assignment(nil), entry.attempts...),
		Decisions:   append([]router.Decision(nil), entry.decisions...),
		Verdicts:    append([]schema.VerdictV1(nil), entry.verdicts...),
	}
	return st, nil
}

// Tasks lists every known task id, sorted for stable output.
func (o *Orchestrator) Tasks() []string {
	o.mu.RLock()
	ids := make([]string, 0, len(o.tasks))
	for id := range o.tasks {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// WaitAll blocks until every submitted task reaches a terminal state or
// the context expires.
func (o *Orchestrator) WaitAll(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if o.allTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) allTerminal() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, entry := range o.tasks {
		entry.mu.Lock()
		terminal := entry.state.Terminal()
		entry.mu.Unlock()
		if !terminal {
			return false
		}
	}
	return true
}

func (o *Orchestrator) entry(taskID string) *taskEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tasks[taskID]
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		id, ok := o.queue.dequeue()
		if !ok {
			select {
			case <-o.queue.wait():
				continue
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		// Cascade the wakeup so a sibling picks up remaining work while
		// this worker is busy.
		if o.queue.len() > 0 {
			o.queue.notify()
		}
		o.handle(ctx, id)
	}
}

// handle runs one attempt of a task: route, dispatch under the task
// deadline, validate, then retry or settle.
func (o *Orchestrator) handle(ctx context.Context, taskID string) {
	entry := o.entry(taskID)
	if entry == nil {
		log.Printf("[orchestrator] dequeued unknown task %s", taskID)
		return
	}

	entry.mu.Lock()
	if entry.state != StateQueued {
		// Cancelled while queued; the queue entry is stale.
		entry.mu.Unlock()
		return
	}
	spec := entry.spec
	payload := entry.payload
	attempt := len(entry.attempts) + 1
	exclude := make(map[string]bool, len(entry.tried))
	for id := range entry.tried {
		exclude[id] = true
	}
	entry.mu.Unlock()

	decision, err := o.router.Route(spec, exclude)
	if err != nil {
		// No eligible agent is fatal for the task regardless of the
		// attempts remaining.
		log.Printf("[orchestrator] task %s attempt %d: %v", taskID, attempt, err)
		o.escalate(entry)
		return
	}

	agent, ok := o.registry.Get(decision.AgentID)
	if !ok || !agent.Active {
		log.Printf("[orchestrator] task %s routed to unavailable agent %s", taskID, decision.AgentID)
		o.retryOrEscalate(entry, attempt)
		return
	}

	started := time.Now().UTC()
	deadline := started.Add(time.Duration(spec.DeadlineMs) * time.Millisecond)
	dctx, cancel := context.WithCancel(ctx)

	entry.mu.Lock()
	if entry.state != StateQueued {
		entry.mu.Unlock()
		cancel()
		return
	}
	entry.state = StateInProgress
	entry.cancel = cancel
	entry.tried[decision.AgentID] = true
	entry.decisions = append(entry.decisions, decision)
	entry.attempts = append(entry.attempts, Assignment{
		TaskID:    taskID,
		AgentID:   decision.AgentID,
		Attempt:   attempt,
		State:     StateInProgress,
		StartedAt: started,
		Deadline:  deadline,
	})
	entry.mu.Unlock()

	if err := o.registry.UpdateLoad(agent.ID, 1); err != nil {
		log.Printf("[orchestrator] load increment for %s: %v", agent.ID, err)
	}

	raw, dispatchErr := o.pool.Dispatch(dctx, agent, payload, deadline)
	latency := time.Since(started)
	cancel()

	if err := o.registry.UpdateLoad(agent.ID, -1); err != nil {
		log.Printf("[orchestrator] load decrement for %s: %v", agent.ID, err)
	}

	entry.mu.Lock()
	cancelled := entry.state == StateCancelled
	entry.cancel = nil
	entry.mu.Unlock()

	if cancelled {
		o.finishAttempt(entry, attempt, StateCancelled, dispatchErr)
		o.record(taskID, agent.ID, telemetry.OutcomeCancelled, latency, 0)
		return
	}

	if dispatchErr != nil {
		if errors.Is(dispatchErr, context.DeadlineExceeded) {
			o.finishAttempt(entry, attempt, StateTimedOut, dispatchErr)
			o.record(taskID, agent.ID, telemetry.OutcomeTimeout, latency, 0)
			o.retryOrEscalate(entry, attempt)
			return
		}
		o.finishAttempt(entry, attempt, StateRejected, dispatchErr)
		o.record(taskID, agent.ID, telemetry.OutcomeFailure, latency, 0)
		if !dispatch.IsTransient(dispatchErr) {
			// Auth and malformed-request failures repeat on every agent.
			log.Printf("[orchestrator] task %s attempt %d: non-transient dispatch error: %v", taskID, attempt, dispatchErr)
			o.escalate(entry)
			return
		}
		o.retryOrEscalate(entry, attempt)
		return
	}

	entry.mu.Lock()
	if entry.state != StateCancelled {
		entry.state = StateValidating
	}
	entry.mu.Unlock()

	art, parseErr := artifact.Parse(taskID, agent.ID, raw)
	if parseErr != nil {
		log.Printf("[orchestrator] task %s attempt %d: malformed artifact: %v", taskID, attempt, parseErr)
	}

	verdict := o.validator.Validate(spec, agent.ID, attempt, art)

	entry.mu.Lock()
	entry.verdicts = append(entry.verdicts, *verdict)
	entry.mu.Unlock()

	switch verdict.Outcome {
	case schema.OutcomeAccept, schema.OutcomeAcceptWithWaiver:
		quality := 0.0
		if art != nil && art.Report != nil {
			quality = art.Report.QualityScore
		}
		o.record(taskID, agent.ID, telemetry.OutcomeSuccess, latency, quality)
		if o.artifacts != nil && art != nil {
			if _, err := o.artifacts.PutObject(art, "artifact"); err != nil {
				log.Printf("[orchestrator] artifact archive for task %s: %v", taskID, err)
			}
		}
		o.settle(entry, attempt, StateAccepted)
	default:
		o.finishAttempt(entry, attempt, StateRejected, nil)
		o.record(taskID, agent.ID, telemetry.OutcomeRejected, latency, 0)
		// The next attempt's payload carries the failing gates so the
		// worker can remediate instead of repeating the mistake.
		entry.mu.Lock()
		entry.payload = repair.RemediationPayload(entry.spec.PayloadRef, verdict)
		entry.mu.Unlock()
		o.retryOrEscalate(entry, attempt)
	}
}

// settle stamps the attempt and moves the task to a terminal state. A
// Cancel that landed while the verdict was being recorded wins: the
// task stays cancelled.
func (o *Orchestrator) settle(entry *taskEntry, attempt int, state TaskState) {
	o.finishAttempt(entry, attempt, state, nil)
	entry.mu.Lock()
	if entry.state != StateCancelled {
		entry.state = state
	}
	entry.mu.Unlock()
}

// finishAttempt stamps the latest assignment's final state.
func (o *Orchestrator) finishAttempt(entry *taskEntry, attempt int, state TaskState, err error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for i := range entry.attempts {
		if entry.attempts[i].Attempt == attempt {
			entry.attempts[i].State = state
			if err != nil {
				entry.attempts[i].Error = err.Error()
			}
			return
		}
	}
}

// retryOrEscalate requeues the task for another attempt, or escalates it
// once the attempt limit is exhausted.
func (o *Orchestrator) retryOrEscalate(entry *taskEntry, attempt int) {
	entry.mu.Lock()
	if entry.state == StateCancelled {
		entry.mu.Unlock()
		return
	}
	if attempt >= o.cfg.MaxRetries {
		entry.state = StateEscalated
		entry.mu.Unlock()
		log.Printf("[orchestrator] task %s escalated after %d attempts", entry.spec.ID, attempt)
		return
	}
	entry.state = StateQueued
	id, priority := entry.spec.ID, entry.spec.Priority
	entry.mu.Unlock()

	o.queue.enqueue(id, priority)
}

func (o *Orchestrator) escalate(entry *taskEntry) {
	entry.mu.Lock()
	if !entry.state.Terminal() {
		entry.state = StateEscalated
	}
	entry.mu.Unlock()
}

func (o *Orchestrator) record(taskID, agentID string, outcome telemetry.Outcome, latency time.Duration, quality float64) {
	if o.tracker == nil {
		return
	}
	o.tracker.Record(telemetry.Event{
		TaskID:       taskID,
		AgentID:      agentID,
		Outcome:      outcome,
		LatencyMs:    latency.Milliseconds(),
		QualityScore: quality,
	})
}
