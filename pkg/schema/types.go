package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	SchemaTaskV1     = "arbiter.task.v1"
	SchemaDecisionV1 = "arbiter.routing-decision.v1"
	SchemaVerdictV1  = "arbiter.verdict.v1"
	SchemaWaiverV1   = "arbiter.waiver.v1"
	SchemaEventV1    = "arbiter.perf-event.v1"

	SignatureAlgEd25519 = "ed25519"

	// GenesisHash is the prev_hash of the first verdict in a provenance chain.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// RiskTier classifies a task's criticality. Tier 1 is strictest.
type RiskTier int

const (
	TierCritical RiskTier = 1
	TierStandard RiskTier = 2
	TierLow      RiskTier = 3
)

func (t RiskTier) Valid() bool {
	return t >= TierCritical && t <= TierLow
}

// VerdictOutcome is the result of constitutional validation.
type VerdictOutcome string

const (
	OutcomeAccept           VerdictOutcome = "accept"
	OutcomeReject           VerdictOutcome = "reject"
	OutcomeAcceptWithWaiver VerdictOutcome = "accept-with-waiver"
)

// === Task ===

// TaskSpec describes a unit of work. Immutable once queued except for
// status transitions, which the orchestrator owns.
type TaskSpec struct {
	Schema       string   `json:"schema"`
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Capabilities []string `json:"capabilities"`
	Priority     int      `json:"priority"`
	DeadlineMs   int64    `json:"deadline_ms"`
	PayloadRef   string   `json:"payload_ref"`
	RiskTier     RiskTier `json:"risk_tier"`
}

func (t *TaskSpec) Validate() error {
	if t.Schema != SchemaTaskV1 {
		return fmt.Errorf("task schema must be %q", SchemaTaskV1)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id required")
	}
	if len(t.Capabilities) == 0 {
		return fmt.Errorf("task capabilities required")
	}
	for i, c := range t.Capabilities {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("capabilities[%d] empty", i)
		}
	}
	if t.DeadlineMs <= 0 {
		return fmt.Errorf("task deadline_ms required")
	}
	if !t.RiskTier.Valid() {
		return fmt.Errorf("risk tier %d out of range", t.RiskTier)
	}
	return nil
}

// === Gates ===

// GateRecord captures one quality-gate evaluation inside a verdict.
type GateRecord struct {
	Name      string   `json:"name"`
	RiskTier  RiskTier `json:"risk_tier"`
	Passed    bool     `json:"passed"`
	Measured  float64  `json:"measured"`
	Threshold float64  `json:"threshold"`
	Hint      string   `json:"hint,omitempty"`
}

// === Waivers ===

// WaiverV1 suppresses exactly one gate failure for exactly the scope it
// names. An expired or revoked waiver is never honored.
type WaiverV1 struct {
	Schema        string `json:"schema" yaml:"schema,omitempty"`
	ID            string `json:"id" yaml:"id"`
	Gate          string `json:"gate" yaml:"gate"`
	TaskID        string `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	AgentID       string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Justification string `json:"justification" yaml:"justification"`
	ApprovedBy    string `json:"approved_by" yaml:"approved_by"`
	ExpiresAt     int64  `json:"expires_at" yaml:"expires_at"`
	Revoked       bool   `json:"revoked,omitempty" yaml:"revoked,omitempty"`
}

func (w *WaiverV1) Validate() error {
	if w.Schema != SchemaWaiverV1 {
		return fmt.Errorf("waiver schema must be %q", SchemaWaiverV1)
	}
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("waiver id required")
	}
	if strings.TrimSpace(w.Gate) == "" {
		return fmt.Errorf("waiver gate required")
	}
	if w.TaskID == "" && w.AgentID == "" {
		return fmt.Errorf("waiver must name a task or agent scope")
	}
	if strings.TrimSpace(w.Justification) == "" {
		return fmt.Errorf("waiver justification required")
	}
	if strings.TrimSpace(w.ApprovedBy) == "" {
		return fmt.Errorf("waiver approver required")
	}
	if w.ExpiresAt <= 0 {
		return fmt.Errorf("waiver expiry required")
	}
	return nil
}

// Covers reports whether the waiver applies to the given gate failure.
// Every scope field the waiver states must match; it never broadens.
func (w *WaiverV1) Covers(gate, taskID, agentID string, nowUnix int64) bool {
	if w.Revoked || nowUnix >= w.ExpiresAt {
		return false
	}
	if w.Gate != gate {
		return false
	}
	if w.TaskID != "" && w.TaskID != taskID {
		return false
	}
	if w.AgentID != "" && w.AgentID != agentID {
		return false
	}
	return true
}

// === Verdicts ===

// Signature is an ed25519 signature block over a canonical payload.
type Signature struct {
	Alg      string `json:"alg"`
	PubKeyID string `json:"pubkey_id"`
	Sig      string `json:"sig"`
}

func (s *Signature) Validate() error {
	if s.Alg != SignatureAlgEd25519 {
		return fmt.Errorf("signature alg must be %q", SignatureAlgEd25519)
	}
	if strings.TrimSpace(s.PubKeyID) == "" {
		return fmt.Errorf("signature pubkey_id required")
	}
	if strings.TrimSpace(s.Sig) == "" {
		return fmt.Errorf("signature sig required")
	}
	return nil
}

// VerdictV1 is the immutable audit record produced by the validator.
// Hash chains to the previous verdict in the provenance stream.
type VerdictV1 struct {
	Schema           string         `json:"schema"`
	TaskID           string         `json:"task_id"`
	AgentID          string         `json:"agent_id"`
	Attempt          int            `json:"attempt"`
	Outcome          VerdictOutcome `json:"outcome"`
	GateResults      []GateRecord   `json:"gate_results"`
	AppliedWaivers   []string       `json:"applied_waivers,omitempty"`
	RemediationHints []string       `json:"remediation_hints,omitempty"`
	PrevHash         string         `json:"prev_hash"`
	Hash             string         `json:"hash"`
	Timestamp        int64          `json:"timestamp"`
	Signature        *Signature     `json:"signature,omitempty"`
}

func (v *VerdictV1) Validate() error {
	if v.Schema != SchemaVerdictV1 {
		return fmt.Errorf("verdict schema must be %q", SchemaVerdictV1)
	}
	if strings.TrimSpace(v.TaskID) == "" {
		return fmt.Errorf("verdict task_id required")
	}
	if strings.TrimSpace(v.AgentID) == "" {
		return fmt.Errorf("verdict agent_id required")
	}
	switch v.Outcome {
	case OutcomeAccept, OutcomeReject, OutcomeAcceptWithWaiver:
	default:
		return fmt.Errorf("verdict outcome %q not allowed", v.Outcome)
	}
	if len(v.GateResults) == 0 {
		return fmt.Errorf("verdict gate_results required")
	}
	if !IsHex64(v.PrevHash) {
		return fmt.Errorf("verdict prev_hash invalid")
	}
	if !IsHex64(v.Hash) {
		return fmt.Errorf("verdict hash invalid")
	}
	if v.Timestamp <= 0 {
		return fmt.Errorf("verdict timestamp required")
	}
	if v.Signature != nil {
		if err := v.Signature.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ComputeHash fills the verdict hash from its chained payload.
func (v *VerdictV1) ComputeHash() error {
	h, err := verdictHashPayload(v)
	if err != nil {
		return err
	}
	v.Hash = h
	return nil
}

// VerifyHash recomputes the chained payload hash and compares.
func (v *VerdictV1) VerifyHash() error {
	expected, err := verdictHashPayload(v)
	if err != nil {
		return err
	}
	if v.Hash != expected {
		return fmt.Errorf("verdict hash mismatch for task %s", v.TaskID)
	}
	return nil
}

func verdictHashPayload(v *VerdictV1) (string, error) {
	type verdictContent struct {
		Schema         string         `json:"schema"`
		TaskID         string         `json:"task_id"`
		AgentID        string         `json:"agent_id"`
		Attempt        int            `json:"attempt"`
		Outcome        VerdictOutcome `json:"outcome"`
		GateResults    []GateRecord   `json:"gate_results"`
		AppliedWaivers []string       `json:"applied_waivers"`
		PrevHash       string         `json:"prev_hash"`
		Timestamp      int64          `json:"timestamp"`
	}

	payload := verdictContent{
		Schema:         v.Schema,
		TaskID:         v.TaskID,
		AgentID:        v.AgentID,
		Attempt:        v.Attempt,
		Outcome:        v.Outcome,
		GateResults:    v.GateResults,
		AppliedWaivers: v.AppliedWaivers,
		PrevHash:       v.PrevHash,
		Timestamp:      v.Timestamp,
	}

	return ComputeSHA256(payload)
}

// === Canonical Hashing ===

// canonicalJSON returns a stable JSON representation (sorted keys).
// Go's encoding/json sorts map keys by default, ensuring stability for structs.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func ComputeSHA256(v any) (string, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

func IsHex64(value string) bool {
	if len(value) != 64 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}
