package gate

import (
	"fmt"

	"github.com/zen-systems/arbiter/pkg/artifact"
	"github.com/zen-systems/arbiter/pkg/policy"
	"github.com/zen-systems/arbiter/pkg/schema"
)

// BudgetGate compares the worker's declared resource usage against the
// task tier's budget. Deterministic: fixed usage and tier always yield
// the same pass/fail.
type BudgetGate struct {
	budget policy.Budget
}

// NewBudgetGate creates a budget gate for a tier budget.
func NewBudgetGate(b policy.Budget) *BudgetGate {
	return &BudgetGate{budget: b}
}

// Name returns the gate identifier.
func (g *BudgetGate) Name() string {
	return NameBudget
}

// Evaluate fails on the first exceeded budget dimension, reporting the
// measured value against its limit.
func (g *BudgetGate) Evaluate(task schema.TaskSpec, art *artifact.Artifact) schema.GateRecord {
	if art == nil || art.Report == nil {
		return MalformedRecord(task.RiskTier, "no usage report")
	}
	r := art.Report

	if g.budget.MaxFiles > 0 && r.FilesTouched > g.budget.MaxFiles {
		return failing(NameBudget, task.RiskTier,
			float64(r.FilesTouched), float64(g.budget.MaxFiles),
			fmt.Sprintf("touched %d files, tier %d budget allows at most %d; split the change or request a budget waiver naming the %s gate",
				r.FilesTouched, task.RiskTier, g.budget.MaxFiles, NameBudget))
	}
	if g.budget.MaxLines > 0 && r.LinesChanged > g.budget.MaxLines {
		return failing(NameBudget, task.RiskTier,
			float64(r.LinesChanged), float64(g.budget.MaxLines),
			fmt.Sprintf("changed %d lines, tier %d budget allows at most %d",
				r.LinesChanged, task.RiskTier, g.budget.MaxLines))
	}
	if g.budget.MaxDurationMs > 0 && r.DurationMs > g.budget.MaxDurationMs {
		return failing(NameBudget, task.RiskTier,
			float64(r.DurationMs), float64(g.budget.MaxDurationMs),
			fmt.Sprintf("spent %dms, tier %d budget allows at most %dms",
				r.DurationMs, task.RiskTier, g.budget.MaxDurationMs))
	}

	return passing(NameBudget, task.RiskTier, float64(r.FilesTouched), float64(g.budget.MaxFiles))
}
