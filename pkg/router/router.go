package router

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zen-systems/arbiter/pkg/registry"
	"github.com/zen-systems/arbiter/pkg/schema"
	"github.com/zen-systems/arbiter/pkg/telemetry"
)

// ErrNoEligibleAgent means no registered agent can do this work. The
// orchestrator treats it as fatal for the task, not retryable.
var ErrNoEligibleAgent = errors.New("no eligible agent")

// StatsSource supplies rolling per-agent statistics for scoring.
type StatsSource interface {
	Aggregate(agentID string) telemetry.Stats
}

// Config tunes the explore/exploit policy.
type Config struct {
	// Epsilon is the exploration probability.
	Epsilon float64
	// UCBConstant weights the under-sampling bonus on the exploitation
	// branch.
	UCBConstant float64
	// Seed fixes the exploration randomness; zero means time-based.
	Seed int64
}

func (c *Config) applyDefaults() {
	if c.Epsilon < 0 || c.Epsilon > 1 {
		c.Epsilon = 0.1
	}
	if c.UCBConstant <= 0 {
		c.UCBConstant = 1.4
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDecisionLog sets the persistence target for routing decisions.
func WithDecisionLog(dl DecisionLog) RouterOption {
	return func(r *Router) {
		r.log = dl
	}
}

// Router selects a worker for a task using epsilon-greedy exploration
// with a cold-start floor and a UCB1 score on the exploitation branch.
type Router struct {
	registry *registry.Registry
	stats    StatsSource
	cfg      Config
	log      DecisionLog

	mu            sync.Mutex
	rng           *rand.Rand
	totalRoutings uint64
}

// New creates a router over the given registry and stats source.
func New(reg *registry.Registry, stats StatsSource, cfg Config, opts ...RouterOption) *Router {
	cfg.applyDefaults()
	r := &Router{
		registry: reg,
		stats:    stats,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route picks an agent for the task, excluding any agent ids in exclude
// (previously-tried agents on a retry). Exactly one Decision is written
// per call, whichever branch is taken. Routing performs no blocking I/O
// beyond the registry and stats reads.
func (r *Router) Route(task schema.TaskSpec, exclude map[string]bool) (Decision, error) {
	candidates := r.registry.Query(task.Capabilities)
	if len(exclude) > 0 {
		kept := candidates[:0]
		for _, c := range candidates {
			if !exclude[c.ID] {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return Decision{}, fmt.Errorf("%w: task %s requires %v", ErrNoEligibleAgent, task.ID, task.Capabilities)
	}

	r.mu.Lock()
	r.totalRoutings++
	total := r.totalRoutings
	explore := r.rng.Float64() < r.cfg.Epsilon
	var pick int
	if explore {
		pick = r.rng.Intn(len(candidates))
	}
	r.mu.Unlock()

	var chosen registry.AgentProfile
	var score float64
	if explore {
		chosen = candidates[pick]
		score = r.ucbScore(chosen, total)
	} else {
		chosen, score = r.exploit(candidates, total)
	}

	decision := Decision{
		Schema:     schema.SchemaDecisionV1,
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		AgentID:    chosen.ID,
		Score:      score,
		Explored:   explore,
		Epsilon:    r.cfg.Epsilon,
		Candidates: len(candidates),
		Timestamp:  time.Now().UTC().UnixMilli(),
	}
	if r.log != nil {
		if err := r.log.Append(decision); err != nil {
			log.Printf("[router] decision log append: %v", err)
		}
	}
	return decision, nil
}

// exploit applies the cold-start floor, then the UCB1 comparison. An
// agent that has never been sampled is tried before statistical
// comparison is meaningful, so new agents are never starved.
func (r *Router) exploit(candidates []registry.AgentProfile, total uint64) (registry.AgentProfile, float64) {
	var cold []registry.AgentProfile
	for _, c := range candidates {
		if r.stats.Aggregate(c.ID).SampleCount == 0 {
			cold = append(cold, c)
		}
	}
	if len(cold) > 0 {
		return pickByLoad(cold), 1.0
	}

	best := candidates[0]
	bestScore := r.ucbScore(best, total)
	for _, c := range candidates[1:] {
		s := r.ucbScore(c, total)
		switch {
		case s > bestScore:
			best, bestScore = c, s
		case s == bestScore && lessLoaded(c, best):
			best = c
		}
	}
	return best, bestScore
}

// ucbScore is the estimated success rate plus the UCB1 confidence bonus
// rewarding under-sampled agents.
func (r *Router) ucbScore(agent registry.AgentProfile, total uint64) float64 {
	s := r.stats.Aggregate(agent.ID)
	if s.SampleCount == 0 {
		return 1.0
	}
	n := float64(total)
	if n < 1 {
		n = 1
	}
	bonus := r.cfg.UCBConstant * math.Sqrt(math.Log(n)/float64(s.SampleCount))
	return s.SuccessRate + bonus
}

func pickByLoad(candidates []registry.AgentProfile) registry.AgentProfile {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if lessLoaded(c, best) {
			best = c
		}
	}
	return best
}

// lessLoaded orders by current load, then by agent id for deterministic
// tie-breaking.
func lessLoaded(a, b registry.AgentProfile) bool {
	if a.Load() != b.Load() {
		return a.Load() < b.Load()
	}
	return a.ID < b.ID
}
