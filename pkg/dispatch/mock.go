package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/zen-systems/arbiter/pkg/artifact"
)

// MockDispatcher returns deterministic responses for local runs and
// tests. Responses queue per model and are consumed in order; with no
// queued response a well-formed default envelope is returned.
type MockDispatcher struct {
	mu        sync.Mutex
	name      string
	responses map[string][]string
	errs      map[string]error
	delay     time.Duration
}

// NewMockDispatcher creates a mock backend named "mock".
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{
		name:      "mock",
		responses: make(map[string][]string),
		errs:      make(map[string]error),
	}
}

// NewNamedMockDispatcher creates a mock backend under a provider name,
// letting tests stand in for real providers.
func NewNamedMockDispatcher(name string) *MockDispatcher {
	d := NewMockDispatcher()
	d.name = name
	return d
}

// Name returns the backend identifier.
func (d *MockDispatcher) Name() string {
	return d.name
}

// Queue adds a raw response for a model, consumed FIFO.
func (d *MockDispatcher) Queue(model, raw string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses[model] = append(d.responses[model], raw)
}

// QueueReport queues a well-formed envelope with the given report.
func (d *MockDispatcher) QueueReport(model, result string, report artifact.Report) error {
	raw, err := artifact.Encode(result, report)
	if err != nil {
		return err
	}
	d.Queue(model, raw)
	return nil
}

// Fail makes dispatches for a model return the given error.
func (d *MockDispatcher) Fail(model string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[model] = err
}

// SetDelay makes every dispatch wait, honoring the context deadline.
// Used to exercise timeout handling.
func (d *MockDispatcher) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Dispatch returns the next scripted response for the model.
func (d *MockDispatcher) Dispatch(ctx context.Context, model string, payload string) (string, error) {
	d.mu.Lock()
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err, ok := d.errs[model]; ok && err != nil {
		return "", err
	}
	if queued := d.responses[model]; len(queued) > 0 {
		raw := queued[0]
		d.responses[model] = queued[1:]
		return raw, nil
	}

	raw, err := artifact.Encode("mock result: "+payload, artifact.Report{
		FilesTouched: 1,
		LinesChanged: 10,
		DurationMs:   50,
		Coverage:     0.95,
		VerificationEvidence: []string{
			"mock-test-run",
		},
		QualityScore: 0.9,
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}
