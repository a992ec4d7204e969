package policy

import (
	"testing"

	"github.com/zen-systems/arbiter/pkg/schema"
)

func TestDefaultTiers(t *testing.T) {
	reg := NewRegistry()

	tiers := reg.Tiers()
	if len(tiers) != 3 {
		t.Fatalf("want 3 default tiers, got %d", len(tiers))
	}

	t1, err := reg.Get(schema.TierCritical)
	if err != nil {
		t.Fatalf("tier 1: %v", err)
	}
	if !t1.Thresholds.RequireEvidence || t1.Thresholds.MinCoverage != 0.90 {
		t.Fatalf("tier 1 should be strictest, got %+v", t1.Thresholds)
	}

	t3, err := reg.Get(schema.TierLow)
	if err != nil {
		t.Fatalf("tier 3: %v", err)
	}
	if t3.Budget.MaxFiles != 10 {
		t.Fatalf("tier 3 file budget: want 10, got %d", t3.Budget.MaxFiles)
	}
	if t3.Thresholds.MinCoverage != 0 {
		t.Fatalf("tier 3 should disable the coverage gate, got %.2f", t3.Thresholds.MinCoverage)
	}
}

func TestUnknownTier(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get(schema.RiskTier(9)); err == nil {
		t.Fatal("unknown tier should error")
	}
}

func TestRegisterOverride(t *testing.T) {
	reg := NewRegistry()
	reg.Register(TierPolicy{
		Tier:   schema.TierLow,
		Budget: Budget{MaxFiles: 2, MaxLines: 100, MaxDurationMs: 1000},
	})

	p, err := reg.Get(schema.TierLow)
	if err != nil {
		t.Fatalf("get overridden tier: %v", err)
	}
	if p.Budget.MaxFiles != 2 {
		t.Fatalf("override not applied: %+v", p.Budget)
	}
}
