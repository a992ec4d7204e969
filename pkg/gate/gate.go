package gate

import (
	"fmt"

	"github.com/zen-systems/arbiter/pkg/artifact"
	"github.com/zen-systems/arbiter/pkg/policy"
	"github.com/zen-systems/arbiter/pkg/schema"
)

// Gate names. The budget gate can only be waived by a waiver that names
// it explicitly; the malformed-output gate is synthesized by the
// validator and never waivable by construction.
const (
	NameBudget          = "budget"
	NameCoverage        = "coverage"
	NameEvidence        = "verification-evidence"
	NameQuality         = "quality-score"
	NameMalformedOutput = "malformed-output"
)

// Gate evaluates a worker artifact against one quality criterion.
// Evaluation is deterministic and never errors: a problem is a failing
// record, so the validator can always derive a verdict.
type Gate interface {
	// Name returns the gate identifier.
	Name() string

	// Evaluate checks the artifact and returns a gate record. A nil
	// artifact or missing report yields the malformed-output record.
	Evaluate(task schema.TaskSpec, art *artifact.Artifact) schema.GateRecord
}

// ForTier builds the gate table for a risk tier from its policy. The
// budget gate always applies; quality gates are included per threshold.
func ForTier(pol policy.TierPolicy) []Gate {
	gates := []Gate{NewBudgetGate(pol.Budget)}
	if pol.Thresholds.MinCoverage > 0 {
		gates = append(gates, NewCoverageGate(pol.Thresholds.MinCoverage))
	}
	if pol.Thresholds.RequireEvidence {
		gates = append(gates, NewEvidenceGate())
	}
	if pol.Thresholds.MinQualityScore > 0 {
		gates = append(gates, NewQualityGate(pol.Thresholds.MinQualityScore))
	}
	return gates
}

// MalformedRecord is the synthetic failing record for output that could
// not be parsed or measured.
func MalformedRecord(tier schema.RiskTier, reason string) schema.GateRecord {
	return schema.GateRecord{
		Name:     NameMalformedOutput,
		RiskTier: tier,
		Passed:   false,
		Hint:     fmt.Sprintf("worker output could not be measured: %s; emit a JSON envelope with result and report fields", reason),
	}
}

func passing(name string, tier schema.RiskTier, measured, threshold float64) schema.GateRecord {
	return schema.GateRecord{
		Name:      name,
		RiskTier:  tier,
		Passed:    true,
		Measured:  measured,
		Threshold: threshold,
	}
}

func failing(name string, tier schema.RiskTier, measured, threshold float64, hint string) schema.GateRecord {
	return schema.GateRecord{
		Name:      name,
		RiskTier:  tier,
		Passed:    false,
		Measured:  measured,
		Threshold: threshold,
		Hint:      hint,
	}
}
