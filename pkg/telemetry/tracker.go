package telemetry

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zen-systems/arbiter/pkg/registry"
	"github.com/zen-systems/arbiter/pkg/schema"
)

// Outcome classifies a task attempt's result.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is one immutable telemetry record. Append-only.
type Event struct {
	Schema       string  `json:"schema"`
	TaskID       string  `json:"task_id,omitempty"`
	AgentID      string  `json:"agent_id"`
	Outcome      Outcome `json:"outcome"`
	LatencyMs    int64   `json:"latency_ms,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

// Stats is the rolling aggregate the router consumes.
type Stats struct {
	SuccessRate   float64 `json:"success_rate"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	SampleCount   int     `json:"sample_count"`
}

// Sink receives flushed event batches, typically backed by the store.
type Sink interface {
	AppendBatch(events []Event) error
}

// Config tunes the tracker's buffer and aggregation.
type Config struct {
	// Capacity bounds the unflushed event buffer. When the sink is
	// unavailable the oldest events are dropped, never the caller blocked.
	Capacity int
	// FlushInterval paces batch writes to the sink.
	FlushInterval time.Duration
	// Alpha is the exponential weight for the rolling averages.
	Alpha float64
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.2
	}
}

type agentStats struct {
	successRate   float64
	meanLatencyMs float64
	samples       int
}

// Tracker records routing outcomes and aggregates rolling statistics.
// Record never blocks the control loop: aggregation is in-memory and
// persistence is buffered with drop-oldest overflow.
type Tracker struct {
	cfg      Config
	registry *registry.Registry
	sink     Sink

	mu    sync.RWMutex
	stats map[string]*agentStats

	buf     chan Event
	dropped atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a tracker bound to the registry it keeps in sync.
func New(reg *registry.Registry, sink Sink, cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:      cfg,
		registry: reg,
		sink:     sink,
		stats:    make(map[string]*agentStats),
		buf:      make(chan Event, cfg.Capacity),
		stop:     make(chan struct{}),
	}
}

// Start launches the flush loop and the registry change-event consumer.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.flushLoop(ctx)

	if t.registry != nil {
		t.wg.Add(1)
		go t.consumeChanges(ctx)
	}
}

// Close stops background work after a final flush attempt.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}

// Record ingests a performance event. Fire-and-forget: the caller is
// never blocked by a slow or unavailable sink.
func (t *Tracker) Record(e Event) {
	if e.Schema == "" {
		e.Schema = schema.SchemaEventV1
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UTC().UnixMilli()
	}

	// Cancelled attempts are accounted for but do not move an agent's
	// rolling score; cancellation is not the agent's outcome.
	if e.Outcome != OutcomeCancelled && e.AgentID != "" && e.TaskID != "" {
		t.aggregate(e)
	}

	t.enqueue(e)
}

// Aggregate returns the current rolling statistics for an agent.
func (t *Tracker) Aggregate(agentID string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[agentID]
	if !ok {
		return Stats{}
	}
	return Stats{
		SuccessRate:   s.successRate,
		MeanLatencyMs: s.meanLatencyMs,
		SampleCount:   s.samples,
	}
}

// Dropped reports how many events were lost to buffer overflow.
func (t *Tracker) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Tracker) aggregate(e Event) {
	success := 0.0
	if e.Outcome == OutcomeSuccess {
		success = 1.0
	}
	latency := float64(e.LatencyMs)

	t.mu.Lock()
	s, ok := t.stats[e.AgentID]
	if !ok {
		s = &agentStats{successRate: success, meanLatencyMs: latency}
		t.stats[e.AgentID] = s
	} else {
		s.successRate = (1-t.cfg.Alpha)*s.successRate + t.cfg.Alpha*success
		s.meanLatencyMs = (1-t.cfg.Alpha)*s.meanLatencyMs + t.cfg.Alpha*latency
	}
	s.samples++
	rate, mean, samples := s.successRate, s.meanLatencyMs, s.samples
	t.mu.Unlock()

	if t.registry != nil {
		if err := t.registry.SetPerformance(e.AgentID, rate, mean, samples); err != nil {
			log.Printf("[telemetry] performance sync for %s: %v", e.AgentID, err)
		}
	}
}

// enqueue applies the drop-oldest overflow policy.
func (t *Tracker) enqueue(e Event) {
	for {
		select {
		case t.buf <- e:
			return
		default:
		}
		select {
		case <-t.buf:
			t.dropped.Add(1)
		default:
		}
	}
}

func (t *Tracker) flushLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.stop:
			t.flush()
			return
		case <-ctx.Done():
			t.flush()
			return
		}
	}
}

func (t *Tracker) flush() {
	n := len(t.buf)
	if n == 0 || t.sink == nil {
		return
	}
	batch := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-t.buf:
			batch = append(batch, e)
		default:
			i = n
		}
	}
	if len(batch) == 0 {
		return
	}
	if err := t.sink.AppendBatch(batch); err != nil {
		log.Printf("[telemetry] flush failed, retaining %d events: %v", len(batch), err)
		for _, e := range batch {
			t.enqueue(e)
		}
	}
}

func (t *Tracker) consumeChanges(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case ev := <-t.registry.Events():
			t.enqueue(Event{
				Schema:    schema.SchemaEventV1,
				AgentID:   ev.AgentID,
				Outcome:   Outcome("registry:" + ev.Kind),
				Timestamp: ev.Timestamp.UnixMilli(),
			})
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
