package validator

import (
	"log"
	"time"

	"github.com/zen-systems/arbiter/pkg/artifact"
	"github.com/zen-systems/arbiter/pkg/gate"
	"github.com/zen-systems/arbiter/pkg/ledger"
	"github.com/zen-systems/arbiter/pkg/policy"
	"github.com/zen-systems/arbiter/pkg/schema"
)

// Validator is the constitutional governance layer. It gates acceptance
// of worker output against the task tier's budget and quality gates and
// emits signed, hash-chained verdicts. Validate always returns a
// verdict — malformed output is a failing gate, never an error — so the
// orchestrator's control loop can always proceed.
type Validator struct {
	policies *policy.Registry
	waivers  *WaiverStore
	ledger   *ledger.Ledger
	now      func() time.Time
}

// New creates a validator over the given policy table and ledger.
func New(policies *policy.Registry, waivers *WaiverStore, led *ledger.Ledger) *Validator {
	if policies == nil {
		policies = policy.NewRegistry()
	}
	if waivers == nil {
		waivers = NewWaiverStore()
	}
	return &Validator{
		policies: policies,
		waivers:  waivers,
		ledger:   led,
		now:      time.Now,
	}
}

// Waivers exposes the waiver store for operator management.
func (v *Validator) Waivers() *WaiverStore {
	return v.waivers
}

// Validate evaluates a completed attempt's artifact and records the
// verdict on the provenance chain.
func (v *Validator) Validate(task schema.TaskSpec, agentID string, attempt int, art *artifact.Artifact) *schema.VerdictV1 {
	records := v.evaluate(task, art)

	var failing []schema.GateRecord
	for _, r := range records {
		if !r.Passed {
			failing = append(failing, r)
		}
	}

	verdict := &schema.VerdictV1{
		Schema:      schema.SchemaVerdictV1,
		TaskID:      task.ID,
		AgentID:     agentID,
		Attempt:     attempt,
		GateResults: records,
	}

	switch {
	case len(failing) == 0:
		verdict.Outcome = schema.OutcomeAccept
	default:
		waived, hints := v.applyWaivers(task.ID, agentID, failing)
		if waived != nil {
			verdict.Outcome = schema.OutcomeAcceptWithWaiver
			verdict.AppliedWaivers = waived
		} else {
			verdict.Outcome = schema.OutcomeReject
			verdict.RemediationHints = hints
		}
	}

	if v.ledger != nil {
		if err := v.ledger.Append(verdict); err != nil {
			log.Printf("[validator] verdict append for task %s: %v", task.ID, err)
		}
	}
	return verdict
}

func (v *Validator) evaluate(task schema.TaskSpec, art *artifact.Artifact) []schema.GateRecord {
	if art == nil || art.Report == nil {
		return []schema.GateRecord{gate.MalformedRecord(task.RiskTier, "no parseable report")}
	}

	pol, err := v.policies.Get(task.RiskTier)
	if err != nil {
		// Unknown tier is validated under the standard policy rather
		// than skipping governance.
		log.Printf("[validator] task %s: %v; using tier %d policy", task.ID, err, schema.TierStandard)
		pol, _ = v.policies.Get(schema.TierStandard)
	}

	gates := gate.ForTier(pol)
	records := make([]schema.GateRecord, 0, len(gates))
	for _, g := range gates {
		records = append(records, g.Evaluate(task, art))
	}
	return records
}

// applyWaivers returns the applied waiver ids when every failing gate is
// covered by an unexpired, scope-matching waiver, or nil plus the
// remediation hints otherwise. The malformed-output gate has no policy
// gate name a waiver could legitimately target in advance, and waivers
// match gates by exact name, so the budget gate is only ever suppressed
// by a waiver that names it explicitly.
func (v *Validator) applyWaivers(taskID, agentID string, failing []schema.GateRecord) ([]string, []string) {
	now := v.now()
	waived := make([]string, 0, len(failing))
	hints := make([]string, 0, len(failing))

	covered := true
	for _, r := range failing {
		if r.Hint != "" {
			hints = append(hints, r.Hint)
		}
		if r.Name == gate.NameMalformedOutput {
			covered = false
			continue
		}
		w, ok := v.waivers.Find(r.Name, taskID, agentID, now)
		if !ok {
			covered = false
			continue
		}
		waived = append(waived, w.ID)
	}

	if !covered {
		return nil, hints
	}
	return waived, nil
}
