package modelprovider

import (
	"context"
	"sync"
)

// UsageSink accumulates usage across the completions of one engine run.
// Safe for concurrent use by parallel task workers.
type UsageSink struct {
	mu    sync.Mutex
	total Usage
}

// Add folds one completion's usage into the running total.
func (s *UsageSink) Add(u Usage) {
	s.mu.Lock()
	s.total.PromptTokens += u.PromptTokens
	s.total.CompletionTokens += u.CompletionTokens
	s.total.CostUSD += u.CostUSD
	s.mu.Unlock()
}

// Total returns the accumulated usage so far.
func (s *UsageSink) Total() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type sinkKey struct{}

// WithUsageSink returns a context that routes completion usage into sink.
func WithUsageSink(ctx context.Context, sink *UsageSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// SinkFromContext returns the context's usage sink, or nil.
func SinkFromContext(ctx context.Context) *UsageSink {
	sink, _ := ctx.Value(sinkKey{}).(*UsageSink)
	return sink
}

// Meter decorates a Provider so that every completion's usage is added to
// the sink carried by the request context. Collaborators built over the
// metered provider need no accounting of their own.
type Meter struct {
	next Provider
}

// NewMeter wraps next with usage metering.
func NewMeter(next Provider) *Meter {
	return &Meter{next: next}
}

// Complete forwards to the wrapped provider and records usage on success.
func (m *Meter) Complete(ctx context.Context, req Request) (*Completion, error) {
	completion, err := m.next.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if sink := SinkFromContext(ctx); sink != nil {
		sink.Add(completion.Usage)
	}
	return completion, nil
}
