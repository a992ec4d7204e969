package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zen-systems/arbiter/pkg/crypto"
	"github.com/zen-systems/arbiter/pkg/schema"
	"github.com/zen-systems/arbiter/pkg/store"
)

const verdictStream = "verdicts"

// Ledger is the append-only provenance chain of compliance verdicts.
// Verdict emission is the one serialization point in the system: each
// verdict's hash includes the previous verdict's hash, so appends for a
// provenance stream are single-writer even though validation
// computation runs concurrently for different tasks.
type Ledger struct {
	mu       sync.Mutex
	store    *store.Store
	signer   *crypto.Signer
	lastHash string
	count    int
	byTask   map[string][]schema.VerdictV1
}

// Open creates a ledger over the store, recovering the chain tip from
// the existing verdict stream.
func Open(st *store.Store, signer *crypto.Signer) (*Ledger, error) {
	l := &Ledger{
		store:    st,
		signer:   signer,
		lastHash: schema.GenesisHash,
		byTask:   make(map[string][]schema.VerdictV1),
	}

	verdicts, err := readVerdicts(st)
	if err != nil {
		return nil, fmt.Errorf("recover verdict chain: %w", err)
	}
	if len(verdicts) > 0 {
		if err := VerifyChain(verdicts); err != nil {
			return nil, fmt.Errorf("stored verdict chain invalid: %w", err)
		}
		l.lastHash = verdicts[len(verdicts)-1].Hash
		l.count = len(verdicts)
		for _, v := range verdicts {
			l.byTask[v.TaskID] = append(l.byTask[v.TaskID], v)
		}
	}
	return l, nil
}

// Append chains, signs, and persists a verdict. The caller supplies
// everything except PrevHash, Hash, Timestamp, and Signature.
func (l *Ledger) Append(v *schema.VerdictV1) error {
	if v == nil {
		return fmt.Errorf("verdict required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v.Schema = schema.SchemaVerdictV1
	v.PrevHash = l.lastHash
	v.Timestamp = time.Now().UTC().UnixMilli()
	if err := v.ComputeHash(); err != nil {
		return err
	}
	if l.signer != nil {
		if err := l.signer.SignVerdict(v); err != nil {
			return err
		}
	}

	if l.store != nil {
		if err := l.store.AppendRecord(verdictStream, v); err != nil {
			return err
		}
	}

	l.lastHash = v.Hash
	l.count++
	l.byTask[v.TaskID] = append(l.byTask[v.TaskID], *v)
	return nil
}

// ByTask returns the verdicts recorded for a task, oldest first.
func (l *Ledger) ByTask(taskID string) []schema.VerdictV1 {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.byTask[taskID]
	out := make([]schema.VerdictV1, len(src))
	copy(out, src)
	return out
}

// Len returns the number of verdicts in the chain.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Verdicts returns the full chain from the store, oldest first.
func (l *Ledger) Verdicts() ([]schema.VerdictV1, error) {
	return readVerdicts(l.store)
}

// VerifyChain checks an ordered verdict sequence for tampering. Any
// mutation, reordering, or deletion surfaces as a hash mismatch or a
// broken prev link. Pure: no I/O.
func VerifyChain(verdicts []schema.VerdictV1) error {
	prev := schema.GenesisHash
	for i := range verdicts {
		v := &verdicts[i]
		if v.PrevHash != prev {
			return fmt.Errorf("verdict %d: prev hash %s does not chain to %s", i, v.PrevHash, prev)
		}
		if err := v.VerifyHash(); err != nil {
			return fmt.Errorf("verdict %d: %w", i, err)
		}
		prev = v.Hash
	}
	return nil
}

// VerifyChainSigned verifies the chain and each verdict's signature.
func VerifyChainSigned(verdicts []schema.VerdictV1, keyDir string) error {
	if err := VerifyChain(verdicts); err != nil {
		return err
	}
	for i := range verdicts {
		if err := crypto.VerifyVerdictSignature(&verdicts[i], keyDir); err != nil {
			return fmt.Errorf("verdict %d: %w", i, err)
		}
	}
	return nil
}

func readVerdicts(st *store.Store) ([]schema.VerdictV1, error) {
	if st == nil {
		return nil, nil
	}
	records, err := st.ReadRecords(verdictStream)
	if err != nil {
		return nil, err
	}
	verdicts := make([]schema.VerdictV1, 0, len(records))
	for i, rec := range records {
		var v schema.VerdictV1
		if err := json.Unmarshal(rec, &v); err != nil {
			return nil, fmt.Errorf("verdict record %d: %w", i, err)
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}
