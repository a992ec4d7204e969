package gate

import (
	"fmt"

	"github.com/zen-systems/arbiter/pkg/artifact"
	"github.com/zen-systems/arbiter/pkg/schema"
)

// CoverageGate requires the declared test coverage to meet the tier's
// floor.
type CoverageGate struct {
	min float64
}

func NewCoverageGate(min float64) *CoverageGate {
	return &CoverageGate{min: min}
}

func (g *CoverageGate) Name() string {
	return NameCoverage
}

func (g *CoverageGate) Evaluate(task schema.TaskSpec, art *artifact.Artifact) schema.GateRecord {
	if art == nil || art.Report == nil {
		return MalformedRecord(task.RiskTier, "no usage report")
	}
	cov := art.Report.Coverage
	if cov < g.min {
		return failing(NameCoverage, task.RiskTier, cov, g.min,
			fmt.Sprintf("coverage %.2f below tier %d floor %.2f; add tests for the changed paths", cov, task.RiskTier, g.min))
	}
	return passing(NameCoverage, task.RiskTier, cov, g.min)
}

// EvidenceGate requires at least one verification evidence entry, e.g.
// a test run or proof reference. Tier 1 policies enable it.
type EvidenceGate struct{}

func NewEvidenceGate() *EvidenceGate {
	return &EvidenceGate{}
}

func (g *EvidenceGate) Name() string {
	return NameEvidence
}

func (g *EvidenceGate) Evaluate(task schema.TaskSpec, art *artifact.Artifact) schema.GateRecord {
	if art == nil || art.Report == nil {
		return MalformedRecord(task.RiskTier, "no usage report")
	}
	n := len(art.Report.VerificationEvidence)
	if n == 0 {
		return failing(NameEvidence, task.RiskTier, 0, 1,
			fmt.Sprintf("tier %d requires verification evidence; attach at least one test-run or proof reference", task.RiskTier))
	}
	return passing(NameEvidence, task.RiskTier, float64(n), 1)
}

// QualityGate requires the declared quality score to meet the tier's
// floor.
type QualityGate struct {
	min float64
}

func NewQualityGate(min float64) *QualityGate {
	return &QualityGate{min: min}
}

func (g *QualityGate) Name() string {
	return NameQuality
}

func (g *QualityGate) Evaluate(task schema.TaskSpec, art *artifact.Artifact) schema.GateRecord {
	if art == nil || art.Report == nil {
		return MalformedRecord(task.RiskTier, "no usage report")
	}
	score := art.Report.QualityScore
	if score < g.min {
		return failing(NameQuality, task.RiskTier, score, g.min,
			fmt.Sprintf("quality score %.2f below tier %d floor %.2f", score, task.RiskTier, g.min))
	}
	return passing(NameQuality, task.RiskTier, score, g.min)
}
