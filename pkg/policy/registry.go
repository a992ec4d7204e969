package policy

import (
	"fmt"

	"github.com/zen-systems/arbiter/pkg/schema"
)

// Budget caps the resources a worker may spend on one task.
type Budget struct {
	MaxFiles      int   `yaml:"max_files" json:"max_files"`
	MaxLines      int   `yaml:"max_lines" json:"max_lines"`
	MaxDurationMs int64 `yaml:"max_duration_ms" json:"max_duration_ms"`
}

// Thresholds configure the quality gates a tier requires.
// A zero MinCoverage disables the coverage gate for that tier.
type Thresholds struct {
	MinCoverage     float64 `yaml:"min_coverage" json:"min_coverage"`
	RequireEvidence bool    `yaml:"require_evidence" json:"require_evidence"`
	MinQualityScore float64 `yaml:"min_quality_score" json:"min_quality_score"`
}

// TierPolicy binds a risk tier to its budget and gate thresholds.
type TierPolicy struct {
	Tier       schema.RiskTier `yaml:"tier" json:"tier"`
	Budget     Budget          `yaml:"budget" json:"budget"`
	Thresholds Thresholds      `yaml:"thresholds" json:"thresholds"`
}

// Registry is the risk-tier-indexed table of constitutional policies.
type Registry struct {
	policies map[schema.RiskTier]TierPolicy
}

// NewRegistry creates a registry with the default tier policies.
// Tier 1 carries the strictest gates; permissive tiers are reserved for
// small low-risk changes and so carry the tightest budgets.
func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[schema.RiskTier]TierPolicy),
	}

	r.Register(TierPolicy{
		Tier:   schema.TierCritical,
		Budget: Budget{MaxFiles: 25, MaxLines: 2500, MaxDurationMs: 30 * 60 * 1000},
		Thresholds: Thresholds{
			MinCoverage:     0.90,
			RequireEvidence: true,
			MinQualityScore: 0.80,
		},
	})

	r.Register(TierPolicy{
		Tier:   schema.TierStandard,
		Budget: Budget{MaxFiles: 15, MaxLines: 1500, MaxDurationMs: 15 * 60 * 1000},
		Thresholds: Thresholds{
			MinCoverage:     0.70,
			RequireEvidence: false,
			MinQualityScore: 0.60,
		},
	})

	r.Register(TierPolicy{
		Tier:   schema.TierLow,
		Budget: Budget{MaxFiles: 10, MaxLines: 1000, MaxDurationMs: 10 * 60 * 1000},
		Thresholds: Thresholds{
			MinCoverage:     0,
			RequireEvidence: false,
			MinQualityScore: 0.50,
		},
	})

	return r
}

func (r *Registry) Register(p TierPolicy) {
	r.policies[p.Tier] = p
}

func (r *Registry) Get(tier schema.RiskTier) (TierPolicy, error) {
	p, ok := r.policies[tier]
	if !ok {
		return TierPolicy{}, fmt.Errorf("no policy for risk tier %d", tier)
	}
	return p, nil
}

// Tiers returns the registered tiers in ascending order.
func (r *Registry) Tiers() []TierPolicy {
	out := make([]TierPolicy, 0, len(r.policies))
	for tier := schema.TierCritical; tier <= schema.TierLow; tier++ {
		if p, ok := r.policies[tier]; ok {
			out = append(out, p)
		}
	}
	return out
}
