package telemetry

import (
	"github.com/zen-systems/arbiter/pkg/store"
)

const eventStream = "telemetry"

// StoreSink flushes event batches to an append-only store stream.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a sink backed by the given store.
func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{store: st}
}

// AppendBatch appends each event to the telemetry stream. A partial
// failure returns the error; undelivered events are requeued by the
// tracker under its overflow policy.
func (s *StoreSink) AppendBatch(events []Event) error {
	for _, e := range events {
		if err := s.store.AppendRecord(eventStream, e); err != nil {
			return err
		}
	}
	return nil
}
