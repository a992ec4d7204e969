package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateAgent is returned when registering an id that is
	// already active.
	ErrDuplicateAgent = errors.New("duplicate agent")

	// ErrAgentNotFound indicates a registry inconsistency; callers treat
	// it as a defect, fatal to the operation but not to the orchestrator.
	ErrAgentNotFound = errors.New("agent not found")
)

// AgentProfile describes a worker agent. Agents are never deleted, only
// marked inactive, so historical routing statistics stay valid.
type AgentProfile struct {
	ID           string             `json:"id"`
	Provider     string             `json:"provider"`
	Model        string             `json:"model"`
	Capabilities map[string]float64 `json:"capabilities"`
	ActiveTasks  int                `json:"active_tasks"`
	QueuedTasks  int                `json:"queued_tasks"`

	// Rolling performance summary. The tracker is the sole writer.
	SuccessRate   float64 `json:"success_rate"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	SampleCount   int     `json:"sample_count"`

	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Load is the combined active + queued task count used for tie-breaking.
func (p *AgentProfile) Load() int {
	return p.ActiveTasks + p.QueuedTasks
}

// ChangeEvent notifies the tracker of a registry mutation.
type ChangeEvent struct {
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"` // registered, load, performance, deactivated
	Timestamp time.Time `json:"timestamp"`
}

type agentEntry struct {
	mu      sync.Mutex
	profile AgentProfile
}

// Registry is the internally-synchronized catalog of worker agents.
// The outer lock guards the map; each agent carries its own lock so
// concurrent task handlers never contend on unrelated agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	events chan ChangeEvent
}

// New creates an empty registry. eventBuffer bounds the change-event
// channel; events are dropped rather than blocking a mutation.
func New(eventBuffer int) *Registry {
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Registry{
		agents: make(map[string]*agentEntry),
		events: make(chan ChangeEvent, eventBuffer),
	}
}

// Events exposes the change-event stream consumed by the tracker.
func (r *Registry) Events() <-chan ChangeEvent {
	return r.events
}

// Register adds an agent. Re-registering an inactive id reactivates it;
// an active duplicate fails with ErrDuplicateAgent.
func (r *Registry) Register(profile AgentProfile) (string, error) {
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	if len(profile.Capabilities) == 0 {
		return "", fmt.Errorf("agent %s declares no capabilities", profile.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[profile.ID]; ok {
		existing.mu.Lock()
		active := existing.profile.Active
		if !active {
			existing.profile.Active = true
			existing.profile.Capabilities = profile.Capabilities
			existing.profile.Provider = profile.Provider
			existing.profile.Model = profile.Model
		}
		existing.mu.Unlock()
		if active {
			return "", fmt.Errorf("%w: %s", ErrDuplicateAgent, profile.ID)
		}
		r.emit(profile.ID, "registered")
		return profile.ID, nil
	}

	profile.Active = true
	profile.RegisteredAt = time.Now().UTC()
	r.agents[profile.ID] = &agentEntry{profile: profile}
	r.emit(profile.ID, "registered")
	return profile.ID, nil
}

// Query returns active agents whose capability set is a superset of the
// request, sorted by success rate descending then current load ascending.
// An empty result is not an error.
func (r *Registry) Query(required []string) []AgentProfile {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []AgentProfile
	for _, e := range entries {
		e.mu.Lock()
		p := e.profile
		e.mu.Unlock()
		if !p.Active {
			continue
		}
		if !hasCapabilities(p.Capabilities, required) {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		if out[i].Load() != out[j].Load() {
			return out[i].Load() < out[j].Load()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a snapshot of one agent's profile.
func (r *Registry) Get(agentID string) (AgentProfile, bool) {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return AgentProfile{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile, true
}

// UpdateLoad adjusts an agent's active task count. Negative results are
// clamped to zero so repeated decrements stay safe.
func (r *Registry) UpdateLoad(agentID string, delta int) error {
	e, err := r.entry(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.profile.ActiveTasks += delta
	if e.profile.ActiveTasks < 0 {
		e.profile.ActiveTasks = 0
	}
	e.mu.Unlock()
	r.emit(agentID, "load")
	return nil
}

// SetPerformance overwrites the rolling performance summary. Only the
// tracker calls this; it owns aggregation.
func (r *Registry) SetPerformance(agentID string, successRate, meanLatencyMs float64, samples int) error {
	e, err := r.entry(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.profile.SuccessRate = successRate
	e.profile.MeanLatencyMs = meanLatencyMs
	e.profile.SampleCount = samples
	e.mu.Unlock()
	r.emit(agentID, "performance")
	return nil
}

// Deactivate soft-deletes an agent: excluded from Query, history kept.
func (r *Registry) Deactivate(agentID string) error {
	e, err := r.entry(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.profile.Active = false
	e.mu.Unlock()
	r.emit(agentID, "deactivated")
	return nil
}

func (r *Registry) entry(agentID string) (*agentEntry, error) {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return e, nil
}

func (r *Registry) emit(agentID, kind string) {
	ev := ChangeEvent{AgentID: agentID, Kind: kind, Timestamp: time.Now().UTC()}
	select {
	case r.events <- ev:
	default:
		// A slow tracker must never block registry mutations.
	}
}

func hasCapabilities(have map[string]float64, required []string) bool {
	for _, cap := range required {
		if conf, ok := have[cap]; !ok || conf <= 0 {
			return false
		}
	}
	return true
}
