package crypto

import (
	"testing"
	"time"

	"github.com/zen-systems/arbiter/pkg/schema"
)

func signedVerdict(t *testing.T, s *Signer) *schema.VerdictV1 {
	t.Helper()
	v := &schema.VerdictV1{
		Schema:  schema.SchemaVerdictV1,
		TaskID:  "task-1",
		AgentID: "agent-a",
		Attempt: 1,
		Outcome: schema.OutcomeAccept,
		GateResults: []schema.GateRecord{
			{Name: "budget", RiskTier: schema.TierStandard, Passed: true},
		},
		PrevHash:  schema.GenesisHash,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := v.ComputeHash(); err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if err := s.SignVerdict(v); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return v
}

func TestSignAndVerify(t *testing.T) {
	keyDir := t.TempDir()
	s, err := NewSigner(keyDir, "test-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	v := signedVerdict(t, s)
	if v.Signature == nil || v.Signature.Alg != schema.SignatureAlgEd25519 {
		t.Fatalf("unexpected signature block: %+v", v.Signature)
	}
	if err := VerifyVerdictSignature(v, keyDir); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	keyDir := t.TempDir()
	s, err := NewSigner(keyDir, "test-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	v := signedVerdict(t, s)
	v.Outcome = schema.OutcomeReject
	if err := VerifyVerdictSignature(v, keyDir); err == nil {
		t.Fatal("tampered verdict must fail signature verification")
	}
}

func TestKeyPersistence(t *testing.T) {
	keyDir := t.TempDir()
	first, err := NewSigner(keyDir, "test-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	second, err := NewSigner(keyDir, "test-key")
	if err != nil {
		t.Fatalf("reload signer: %v", err)
	}
	if !first.PublicKey.Equal(second.PublicKey) {
		t.Fatal("reloaded signer must reuse the persisted key")
	}
}
