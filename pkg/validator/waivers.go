package validator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zen-systems/arbiter/pkg/schema"
)

// WaiverStore holds active waivers. The validator is the sole consumer:
// a waiver suppresses exactly one gate failure within its stated scope,
// and an expired or revoked waiver is never honored.
type WaiverStore struct {
	mu      sync.RWMutex
	waivers map[string]schema.WaiverV1
}

// NewWaiverStore creates an empty waiver store.
func NewWaiverStore() *WaiverStore {
	return &WaiverStore{waivers: make(map[string]schema.WaiverV1)}
}

// Add validates and stores a waiver, assigning an id if absent.
func (s *WaiverStore) Add(w schema.WaiverV1) (string, error) {
	if w.Schema == "" {
		w.Schema = schema.SchemaWaiverV1
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if err := w.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waivers[w.ID]; ok {
		return "", fmt.Errorf("waiver %s already exists", w.ID)
	}
	s.waivers[w.ID] = w
	return w.ID, nil
}

// Revoke marks a waiver revoked. Revocation is permanent.
func (s *WaiverStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waivers[id]
	if !ok {
		return fmt.Errorf("waiver %s not found", id)
	}
	w.Revoked = true
	s.waivers[id] = w
	return nil
}

// Find returns a waiver covering the given gate failure, if any.
func (s *WaiverStore) Find(gate, taskID, agentID string, now time.Time) (schema.WaiverV1, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.waivers {
		if w.Covers(gate, taskID, agentID, now.Unix()) {
			return w, true
		}
	}
	return schema.WaiverV1{}, false
}
