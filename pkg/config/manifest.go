package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/arbiter/pkg/registry"
	"github.com/zen-systems/arbiter/pkg/schema"
)

// AgentManifest is the on-disk roster of worker agents.
type AgentManifest struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec declares one worker agent in the manifest.
type AgentSpec struct {
	ID           string             `yaml:"id,omitempty"`
	Provider     string             `yaml:"provider"`
	Model        string             `yaml:"model"`
	Capabilities map[string]float64 `yaml:"capabilities"`
}

// TaskManifest is the on-disk batch of tasks to run.
type TaskManifest struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec declares one task in the manifest.
type TaskSpec struct {
	ID           string   `yaml:"id,omitempty"`
	Title        string   `yaml:"title,omitempty"`
	Capabilities []string `yaml:"capabilities"`
	Priority     int      `yaml:"priority,omitempty"`
	DeadlineMs   int64    `yaml:"deadline_ms,omitempty"`
	Payload      string   `yaml:"payload"`
	RiskTier     int      `yaml:"risk_tier,omitempty"`
}

// WaiverManifest is the on-disk list of operator-approved waivers.
type WaiverManifest struct {
	Waivers []schema.WaiverV1 `yaml:"waivers"`
}

// LoadWaiverManifest reads approved waivers from a YAML file.
func LoadWaiverManifest(path string) ([]schema.WaiverV1, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read waiver manifest: %w", err)
	}

	var manifest WaiverManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse waiver manifest %s: %w", path, err)
	}
	for i := range manifest.Waivers {
		if manifest.Waivers[i].Schema == "" {
			manifest.Waivers[i].Schema = schema.SchemaWaiverV1
		}
	}
	return manifest.Waivers, nil
}

// LoadAgentManifest reads an agent roster from a YAML file.
func LoadAgentManifest(path string) ([]registry.AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent manifest: %w", err)
	}

	var manifest AgentManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse agent manifest %s: %w", path, err)
	}
	if len(manifest.Agents) == 0 {
		return nil, fmt.Errorf("agent manifest %s declares no agents", path)
	}

	profiles := make([]registry.AgentProfile, 0, len(manifest.Agents))
	for i, a := range manifest.Agents {
		if a.Provider == "" || a.Model == "" {
			return nil, fmt.Errorf("agent manifest %s: agents[%d] needs provider and model", path, i)
		}
		profiles = append(profiles, registry.AgentProfile{
			ID:           a.ID,
			Provider:     a.Provider,
			Model:        a.Model,
			Capabilities: a.Capabilities,
		})
	}
	return profiles, nil
}

// LoadTaskManifest reads a task batch from a YAML file. Missing tier and
// deadline fields fall back to standard-tier and a one-minute deadline.
func LoadTaskManifest(path string) ([]schema.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task manifest: %w", err)
	}

	var manifest TaskManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse task manifest %s: %w", path, err)
	}
	if len(manifest.Tasks) == 0 {
		return nil, fmt.Errorf("task manifest %s declares no tasks", path)
	}

	specs := make([]schema.TaskSpec, 0, len(manifest.Tasks))
	for _, t := range manifest.Tasks {
		tier := schema.RiskTier(t.RiskTier)
		if t.RiskTier == 0 {
			tier = schema.TierStandard
		}
		deadline := t.DeadlineMs
		if deadline <= 0 {
			deadline = 60_000
		}
		specs = append(specs, schema.TaskSpec{
			Schema:       schema.SchemaTaskV1,
			ID:           t.ID,
			Title:        t.Title,
			Capabilities: t.Capabilities,
			Priority:     t.Priority,
			DeadlineMs:   deadline,
			PayloadRef:   t.Payload,
			RiskTier:     tier,
		})
	}
	return specs, nil
}
