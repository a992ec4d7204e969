package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/arbiter/pkg/artifact"
	"github.com/zen-systems/arbiter/pkg/dispatch"
	"github.com/zen-systems/arbiter/pkg/registry"
	"github.com/zen-systems/arbiter/pkg/router"
	"github.com/zen-systems/arbiter/pkg/schema"
	"github.com/zen-systems/arbiter/pkg/store"
	"github.com/zen-systems/arbiter/pkg/telemetry"
	"github.com/zen-systems/arbiter/pkg/validator"
)

// scriptedDispatcher records every payload it receives and replays
// queued responses in order.
type scriptedDispatcher struct {
	mu        sync.Mutex
	name      string
	responses []string
	payloads  []string
}

func (d *scriptedDispatcher) Name() string { return d.name }

func (d *scriptedDispatcher) queue(raw string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, raw)
}

func (d *scriptedDispatcher) received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.payloads...)
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, model, payload string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
	if len(d.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	raw := d.responses[0]
	d.responses = d.responses[1:]
	return raw, nil
}

type harness struct {
	registry *registry.Registry
	tracker  *telemetry.Tracker
	orch     *Orchestrator
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, pool *dispatch.Pool, cfg Config) *harness {
	t.Helper()
	reg := registry.New(0)
	tracker := telemetry.New(reg, nil, telemetry.Config{})
	rt := router.New(reg, tracker, router.Config{Epsilon: 0, Seed: 1})
	val := validator.New(nil, nil, nil)
	orch := New(reg, rt, val, tracker, pool, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		orch.Close()
		cancel()
	})
	return &harness{registry: reg, tracker: tracker, orch: orch, cancel: cancel}
}

func (h *harness) register(t *testing.T, id, provider string) {
	t.Helper()
	_, err := h.registry.Register(registry.AgentProfile{
		ID:           id,
		Provider:     provider,
		Model:        "m",
		Capabilities: map[string]float64{"code-review": 1.0},
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func testTask(id string, tier schema.RiskTier, deadlineMs int64) schema.TaskSpec {
	return schema.TaskSpec{
		Schema:       schema.SchemaTaskV1,
		ID:           id,
		Capabilities: []string{"code-review"},
		DeadlineMs:   deadlineMs,
		PayloadRef:   "review the auth changes",
		RiskTier:     tier,
	}
}

func waitFor(t *testing.T, orch *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.WaitAll(ctx); err != nil {
		t.Fatalf("tasks did not settle: %v", err)
	}
}

func goodReport() artifact.Report {
	return artifact.Report{
		FilesTouched: 2,
		LinesChanged: 80,
		DurationMs:   500,
		Coverage:     0.9,
		QualityScore: 0.9,
	}
}

func overBudgetReport() artifact.Report {
	return artifact.Report{
		FilesTouched: 25,
		LinesChanged: 100,
		DurationMs:   500,
		QualityScore: 0.9,
	}
}

func TestAcceptFlow(t *testing.T) {
	pool := dispatch.NewPool()
	pool.Register(dispatch.NewMockDispatcher())

	h := newHarness(t, pool, Config{MaxRetries: 3, MaxConcurrency: 2})
	h.register(t, "a", "mock")

	id, err := h.orch.Submit(testTask("task-1", schema.TierLow, 5000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, h.orch)

	status, err := h.orch.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != StateAccepted {
		t.Fatalf("want accepted, got %s", status.State)
	}
	if len(status.Attempts) != 1 || len(status.Verdicts) != 1 {
		t.Fatalf("want one attempt and one verdict, got %d/%d", len(status.Attempts), len(status.Verdicts))
	}
	if status.Verdicts[0].Outcome != schema.OutcomeAccept {
		t.Fatalf("want accept verdict, got %s", status.Verdicts[0].Outcome)
	}

	if s := h.tracker.Aggregate("a"); s.SampleCount != 1 || s.SuccessRate != 1.0 {
		t.Fatalf("success not tracked: %+v", s)
	}
	if p, _ := h.registry.Get("a"); p.ActiveTasks != 0 {
		t.Fatalf("load slot not freed: %d", p.ActiveTasks)
	}
}

// Every attempt rejected: the task escalates after exactly MaxRetries
// attempts, each on a different agent.
func TestRetryExhaustion(t *testing.T) {
	mock := dispatch.NewMockDispatcher()
	for i := 0; i < 3; i++ {
		if err := mock.QueueReport("m", "over budget", overBudgetReport()); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}
	pool := dispatch.NewPool()
	pool.Register(mock)

	h := newHarness(t, pool, Config{MaxRetries: 3, MaxConcurrency: 2})
	h.register(t, "a", "mock")
	h.register(t, "b", "mock")
	h.register(t, "c", "mock")

	id, err := h.orch.Submit(testTask("task-1", schema.TierLow, 5000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, h.orch)

	status, _ := h.orch.Status(id)
	if status.State != StateEscalated {
		t.Fatalf("want escalated, got %s", status.State)
	}
	if len(status.Attempts) != 3 {
		t.Fatalf("want exactly 3 attempts, got %d", len(status.Attempts))
	}
	if len(status.Verdicts) != 3 {
		t.Fatalf("escalation report must carry all verdicts, got %d", len(status.Verdicts))
	}
	if len(status.Decisions) != 3 {
		t.Fatalf("escalation report must carry all decisions, got %d", len(status.Decisions))
	}

	seen := make(map[string]bool)
	for _, a := range status.Attempts {
		if seen[a.AgentID] {
			t.Fatalf("agent %s retried after failing", a.AgentID)
		}
		seen[a.AgentID] = true
	}
	for _, v := range status.Verdicts {
		if v.Outcome != schema.OutcomeReject {
			t.Fatalf("want reject verdicts, got %s", v.Outcome)
		}
	}
}

func TestRemediationForwardedOnRetry(t *testing.T) {
	sd := &scriptedDispatcher{name: "mock"}
	bad, err := artifact.Encode("too big", overBudgetReport())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	good, err := artifact.Encode("split into two changes", goodReport())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sd.queue(bad)
	sd.queue(good)

	pool := dispatch.NewPool()
	pool.Register(sd)

	h := newHarness(t, pool, Config{MaxRetries: 3, MaxConcurrency: 1})
	h.register(t, "a", "mock")
	h.register(t, "b", "mock")

	id, err := h.orch.Submit(testTask("task-1", schema.TierLow, 5000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, h.orch)

	status, _ := h.orch.Status(id)
	if status.State != StateAccepted {
		t.Fatalf("want accepted on retry, got %s", status.State)
	}

	payloads := sd.received()
	if len(payloads) != 2 {
		t.Fatalf("want 2 dispatches, got %d", len(payloads))
	}
	if strings.Contains(payloads[0], "budget") {
		t.Fatal("first payload should be the original task")
	}
	if !strings.Contains(payloads[1], "budget") || !strings.Contains(payloads[1], "rejected") {
		t.Fatalf("retry payload must carry the failing gates: %q", payloads[1])
	}
}

func TestTimeoutRequeuesExcludingAgent(t *testing.T) {
	slow := dispatch.NewNamedMockDispatcher("slow")
	slow.SetDelay(2 * time.Second)
	fast := dispatch.NewNamedMockDispatcher("fast")

	pool := dispatch.NewPool()
	pool.Register(slow)
	pool.Register(fast)

	h := newHarness(t, pool, Config{MaxRetries: 3, MaxConcurrency: 2})
	// Cold-start tie-break is by id, so "a" (slow) is tried first.
	h.register(t, "a", "slow")
	h.register(t, "b", "fast")

	deadline := 80 * time.Millisecond
	started := time.Now()
	id, err := h.orch.Submit(testTask("task-1", schema.TierLow, deadline.Milliseconds()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, h.orch)

	status, _ := h.orch.Status(id)
	if status.State != StateAccepted {
		t.Fatalf("want accepted after requeue, got %s", status.State)
	}
	if len(status.Attempts) != 2 {
		t.Fatalf("want 2 attempts, got %d", len(status.Attempts))
	}
	if status.Attempts[0].AgentID != "a" || status.Attempts[0].State != StateTimedOut {
		t.Fatalf("first attempt should time out on a: %+v", status.Attempts[0])
	}
	if status.Attempts[1].AgentID != "b" {
		t.Fatalf("requeue must exclude the timed-out agent, got %s", status.Attempts[1].AgentID)
	}
	if elapsed := time.Since(started); elapsed < deadline {
		t.Fatalf("timeout fired before the deadline: %v", elapsed)
	}

	if s := h.tracker.Aggregate("a"); s.SampleCount != 1 || s.SuccessRate != 0 {
		t.Fatalf("timeout not tracked against a: %+v", s)
	}
	if p, _ := h.registry.Get("a"); p.ActiveTasks != 0 {
		t.Fatalf("timed-out agent load slot not freed: %d", p.ActiveTasks)
	}
}

func TestAcceptedArtifactArchived(t *testing.T) {
	st, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	pool := dispatch.NewPool()
	pool.Register(dispatch.NewMockDispatcher())

	reg := registry.New(0)
	tracker := telemetry.New(reg, nil, telemetry.Config{})
	rt := router.New(reg, tracker, router.Config{Epsilon: 0, Seed: 1})
	orch := New(reg, rt, validator.New(nil, nil, nil), tracker, pool,
		Config{MaxRetries: 3, MaxConcurrency: 1}, WithArtifactStore(st))

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		orch.Close()
		cancel()
	})

	if _, err := reg.Register(registry.AgentProfile{
		ID:           "a",
		Provider:     "mock",
		Model:        "m",
		Capabilities: map[string]float64{"code-review": 1.0},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := orch.Submit(testTask("task-1", schema.TierLow, 5000)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, orch)

	objects := 0
	entries, err := os.ReadDir(filepath.Join(st.BasePath, "objects"))
	if err != nil {
		t.Fatalf("read objects dir: %v", err)
	}
	for _, shard := range entries {
		files, err := os.ReadDir(filepath.Join(st.BasePath, "objects", shard.Name()))
		if err != nil {
			t.Fatalf("read shard: %v", err)
		}
		objects += len(files)
	}
	if objects != 1 {
		t.Fatalf("want 1 archived artifact, got %d", objects)
	}
}

func TestNoEligibleAgentEscalates(t *testing.T) {
	pool := dispatch.NewPool()
	pool.Register(dispatch.NewMockDispatcher())

	h := newHarness(t, pool, Config{MaxRetries: 3, MaxConcurrency: 1})
	h.register(t, "a", "mock")

	task := testTask("task-1", schema.TierLow, 5000)
	task.Capabilities = []string{"quantum-annealing"}
	id, err := h.orch.Submit(task)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, h.orch)

	status, _ := h.orch.Status(id)
	if status.State != StateEscalated {
		t.Fatalf("want escalated, got %s", status.State)
	}
	if len(status.Attempts) != 0 {
		t.Fatalf("no agent means no attempts, got %d", len(status.Attempts))
	}
}

func TestCancelQueued(t *testing.T) {
	pool := dispatch.NewPool()
	pool.Register(dispatch.NewMockDispatcher())

	reg := registry.New(0)
	tracker := telemetry.New(reg, nil, telemetry.Config{})
	rt := router.New(reg, tracker, router.Config{Epsilon: 0, Seed: 1})
	orch := New(reg, rt, validator.New(nil, nil, nil), tracker, pool, Config{})
	// Workers never started: the task stays queued.

	id, err := orch.Submit(testTask("task-1", schema.TierLow, 5000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := orch.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	status, _ := orch.Status(id)
	if status.State != StateCancelled {
		t.Fatalf("want cancelled, got %s", status.State)
	}
	if len(status.Attempts) != 0 {
		t.Fatal("cancelling a queued task must have no side effects")
	}

	if err := orch.Cancel(id); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("want ErrTaskTerminal on repeat cancel, got %v", err)
	}
}

func TestCancelInFlight(t *testing.T) {
	slow := dispatch.NewMockDispatcher()
	slow.SetDelay(2 * time.Second)
	pool := dispatch.NewPool()
	pool.Register(slow)

	h := newHarness(t, pool, Config{MaxRetries: 3, MaxConcurrency: 1})
	h.register(t, "a", "mock")

	id, err := h.orch.Submit(testTask("task-1", schema.TierLow, 10_000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, _ := h.orch.Status(id)
		if status.State == StateInProgress {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never started, state %s", status.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.orch.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, h.orch)

	status, _ := h.orch.Status(id)
	if status.State != StateCancelled {
		t.Fatalf("want cancelled, got %s", status.State)
	}
	if len(status.Attempts) != 1 || status.Attempts[0].State != StateCancelled {
		t.Fatalf("in-flight attempt should be marked cancelled: %+v", status.Attempts)
	}
	if p, _ := h.registry.Get("a"); p.ActiveTasks != 0 {
		t.Fatalf("cancelled dispatch must free the load slot: %d", p.ActiveTasks)
	}
	if s := h.tracker.Aggregate("a"); s.SampleCount != 0 {
		t.Fatalf("cancellation must not count against the agent: %+v", s)
	}
}

// A backend error that will repeat on every agent, like a rejected API
// key, escalates immediately instead of burning the retry budget.
func TestNonTransientDispatchErrorEscalates(t *testing.T) {
	mock := dispatch.NewMockDispatcher()
	mock.Fail("m", &dispatch.DispatchError{Status: 401, Err: errors.New("invalid api key")})
	pool := dispatch.NewPool()
	pool.Register(mock)

	h := newHarness(t, pool, Config{MaxRetries: 3, MaxConcurrency: 1})
	h.register(t, "a", "mock")
	h.register(t, "b", "mock")

	id, err := h.orch.Submit(testTask("task-1", schema.TierLow, 5000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, h.orch)

	status, _ := h.orch.Status(id)
	if status.State != StateEscalated {
		t.Fatalf("want escalated, got %s", status.State)
	}
	if len(status.Attempts) != 1 {
		t.Fatalf("non-transient error must not retry, got %d attempts", len(status.Attempts))
	}
	if status.Attempts[0].State != StateRejected {
		t.Fatalf("attempt should be rejected: %+v", status.Attempts[0])
	}
}

func TestTransientDispatchErrorRetries(t *testing.T) {
	flaky := dispatch.NewNamedMockDispatcher("flaky")
	flaky.Fail("m", &dispatch.DispatchError{Status: 429, Err: errors.New("rate limited")})
	steady := dispatch.NewNamedMockDispatcher("steady")

	pool := dispatch.NewPool()
	pool.Register(flaky)
	pool.Register(steady)

	h := newHarness(t, pool, Config{MaxRetries: 3, MaxConcurrency: 1})
	// Cold-start tie-break is by id, so "a" (flaky) is tried first.
	h.register(t, "a", "flaky")
	h.register(t, "b", "steady")

	id, err := h.orch.Submit(testTask("task-1", schema.TierLow, 5000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, h.orch)

	status, _ := h.orch.Status(id)
	if status.State != StateAccepted {
		t.Fatalf("want accepted after transient failure, got %s", status.State)
	}
	if len(status.Attempts) != 2 {
		t.Fatalf("want 2 attempts, got %d", len(status.Attempts))
	}
	if status.Attempts[0].AgentID != "a" || status.Attempts[0].State != StateRejected {
		t.Fatalf("first attempt should fail transiently on a: %+v", status.Attempts[0])
	}
	if status.Attempts[1].AgentID != "b" {
		t.Fatalf("retry must exclude the failed agent, got %s", status.Attempts[1].AgentID)
	}
}

// A cancel that lands between the post-dispatch check and the verdict
// being recorded must not be overwritten by the accept.
func TestCancelWinsOverLateAccept(t *testing.T) {
	pool := dispatch.NewPool()
	pool.Register(dispatch.NewMockDispatcher())

	reg := registry.New(0)
	tracker := telemetry.New(reg, nil, telemetry.Config{})
	rt := router.New(reg, tracker, router.Config{Epsilon: 0, Seed: 1})
	orch := New(reg, rt, validator.New(nil, nil, nil), tracker, pool, Config{})
	// Workers never started: the entry is driven by hand to pin the
	// interleaving.

	id, err := orch.Submit(testTask("task-1", schema.TierLow, 5000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	entry := orch.entry(id)
	entry.mu.Lock()
	entry.state = StateValidating
	entry.attempts = append(entry.attempts, Assignment{
		TaskID:  id,
		AgentID: "a",
		Attempt: 1,
		State:   StateInProgress,
	})
	entry.mu.Unlock()

	if err := orch.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	orch.settle(entry, 1, StateAccepted)

	status, _ := orch.Status(id)
	if status.State != StateCancelled {
		t.Fatalf("cancel must win over a late accept, got %s", status.State)
	}
}

func TestUnknownTask(t *testing.T) {
	pool := dispatch.NewPool()
	h := newHarness(t, pool, Config{})

	if _, err := h.orch.Status("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("want ErrTaskNotFound, got %v", err)
	}
	if err := h.orch.Cancel("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("want ErrTaskNotFound, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	pool := dispatch.NewPool()
	h := newHarness(t, pool, Config{})

	task := testTask("", schema.TierLow, 5000)
	id, err := h.orch.Submit(task)
	if err != nil {
		t.Fatalf("submit without id should generate one: %v", err)
	}
	if id == "" {
		t.Fatal("want generated task id")
	}

	bad := testTask("task-2", schema.TierLow, 5000)
	bad.Capabilities = nil
	if _, err := h.orch.Submit(bad); err == nil {
		t.Fatal("task without capabilities must be rejected")
	}

	if _, err := h.orch.Submit(testTask(id, schema.TierLow, 5000)); err == nil {
		t.Fatal("duplicate task id must be rejected")
	}
}
