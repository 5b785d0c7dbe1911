package core

import (
	"context"
	"fmt"
)

// SinkContext is passed to Sink.Initialize once at startup (§4.6).
type SinkContext struct {
	// DBRoot is a database root path sinks may use for co-located storage
	// (§4.6: "a database root path (for co-location)").
	DBRoot string
	// TopicsSoFar is a read-only snapshot of the topic catalog declared by
	// sinks registered earlier (§4.6).
	TopicsSoFar []Topic
}

// Sink is the plug-in surface §4.6 describes in full; concrete
// implementations (ERC20/721/1155 persistence, etc.) are out of scope
// (§1) — the engine only ever calls through this interface.
type Sink struct {
	Name           func() string
	InterestedTags func() map[TypeTag]struct{} // empty/nil means "all"
	Topics         func() []Topic
	Initialize     func(ctx context.Context, bus *SubscriptionBus, sctx SinkContext) error
	Process        func(ctx context.Context, envelopes []Envelope, batch ExtractionBatch) error
}

// SinkHost holds initialized sinks, forwards envelope batches to them
// sequentially in registration order, and merges their topic catalogs
// (§4.6).
type SinkHost struct {
	sinks  []Sink
	topics []Topic
}

// NewSinkHost builds a SinkHost from an ordered list of sinks (§6
// Configuration: "list of sinks (ordered)").
func NewSinkHost(sinks []Sink) *SinkHost {
	return &SinkHost{sinks: sinks}
}

// Initialize calls Initialize on each sink exactly once, in registration
// order, aggregating topic declarations. Topic names must be globally
// unique (§4.6); a collision is a ConfigError.
func (h *SinkHost) Initialize(ctx context.Context, bus *SubscriptionBus, dbRoot string) error {
	seen := make(map[string]struct{})
	for _, s := range h.sinks {
		sctx := SinkContext{DBRoot: dbRoot, TopicsSoFar: append([]Topic(nil), h.topics...)}
		if err := s.Initialize(ctx, bus, sctx); err != nil {
			return NewError(ErrConfigError, fmt.Errorf("sink %s: initialize: %w", s.Name(), err))
		}
		if s.Topics == nil {
			continue
		}
		for _, t := range s.Topics() {
			if _, dup := seen[t.Name]; dup {
				return NewError(ErrConfigError, fmt.Errorf("duplicate topic name %q declared by sink %s", t.Name, s.Name()))
			}
			seen[t.Name] = struct{}{}
			h.topics = append(h.topics, t)
		}
	}
	return nil
}

// Topics returns the merged topic catalog (§4.6, exposed to
// SubscriptionService).
func (h *SinkHost) Topics() []Topic { return append([]Topic(nil), h.topics...) }

// Process forwards envelopes, filtered per sink by interested_tags, to
// each sink sequentially in registration order (§4.6). Any sink failure
// fails the cycle (§7).
func (h *SinkHost) Process(ctx context.Context, envelopes []Envelope, batch ExtractionBatch) error {
	for _, s := range h.sinks {
		filtered := envelopes
		if s.InterestedTags != nil {
			if tags := s.InterestedTags(); len(tags) > 0 {
				filtered = make([]Envelope, 0, len(envelopes))
				for _, e := range envelopes {
					if _, ok := tags[e.TypeTag]; ok {
						filtered = append(filtered, e)
					}
				}
			}
		}
		if err := s.Process(ctx, filtered, batch); err != nil {
			return NewError(ErrSinkFailure, fmt.Errorf("sink %s: process: %w", s.Name(), err))
		}
	}
	return nil
}
