package router

import (
	"github.com/zen-systems/arbiter/pkg/store"
)

// Decision captures one routing choice. Written once per assignment
// attempt, never mutated; a retried task produces multiple decisions
// linked by task id.
type Decision struct {
	Schema     string  `json:"schema"`
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	AgentID    string  `json:"agent_id"`
	Score      float64 `json:"score"`
	Explored   bool    `json:"explored"`
	Epsilon    float64 `json:"epsilon"`
	Candidates int     `json:"candidates"`
	Timestamp  int64   `json:"timestamp"`
}

// DecisionLog persists routing decisions.
type DecisionLog interface {
	Append(d Decision) error
}

const decisionStream = "decisions"

// StoreLog appends decisions to an append-only store stream.
type StoreLog struct {
	store *store.Store
}

// NewStoreLog creates a decision log backed by the given store.
func NewStoreLog(st *store.Store) *StoreLog {
	return &StoreLog{store: st}
}

func (l *StoreLog) Append(d Decision) error {
	return l.store.AppendRecord(decisionStream, d)
}
