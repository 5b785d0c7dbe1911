package core

import (
	"context"
	"testing"
)

func TestEventLogExtractorTracksPerContractSubCursor(t *testing.T) {
	addr := Address{1}
	source := &fakeRPCSource{
		chainHead: 20,
		pages: map[string]EventPage{
			addr.String(): {
				Events:            []RawEvent{{ContractAddress: addr, BlockNumber: 5}},
				ContinuationToken: "",
				LastBlock:         5,
			},
		},
	}
	extractor := NewEventLogExtractor(EventLogExtractorConfig{
		Contracts: []EventLogContract{{Address: addr, StartBlock: 0}},
		Source:    source,
		Retry:     noRetry(),
	})

	batch, err := extractor.Extract(context.Background(), "")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(batch.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(batch.Events))
	}
	if batch.Cursor == "" {
		t.Fatalf("expected a non-empty composite cursor")
	}
}

func TestEventLogExtractorAddContractStartsFromConfiguredBlock(t *testing.T) {
	extractor := NewEventLogExtractor(EventLogExtractorConfig{Source: &fakeRPCSource{}, Retry: noRetry()})
	addr := Address{2}
	extractor.AddContract(addr, 100)

	extractor.mu.Lock()
	sub := extractor.subCursors[addr]
	extractor.mu.Unlock()
	if sub.NextBlock != 100 {
		t.Fatalf("expected new contract to start at block 100, got %d", sub.NextBlock)
	}
}

func TestEventLogExtractorAddContractIsIdempotent(t *testing.T) {
	extractor := NewEventLogExtractor(EventLogExtractorConfig{Source: &fakeRPCSource{}, Retry: noRetry()})
	addr := Address{2}
	extractor.AddContract(addr, 100)
	extractor.AddContract(addr, 999)

	extractor.mu.Lock()
	sub := extractor.subCursors[addr]
	count := len(extractor.order)
	extractor.mu.Unlock()
	if sub.NextBlock != 100 {
		t.Fatalf("expected second AddContract call to be a no-op, got NextBlock=%d", sub.NextBlock)
	}
	if count != 1 {
		t.Fatalf("expected contract to be tracked exactly once, got %d entries", count)
	}
}

func TestEventLogExtractorNeverFinishes(t *testing.T) {
	extractor := NewEventLogExtractor(EventLogExtractorConfig{Source: &fakeRPCSource{}, Retry: noRetry()})
	if extractor.IsFinished() {
		t.Fatalf("expected an event-log extractor to never finish")
	}
}

func TestEventLogExtractorCommitCursorPersists(t *testing.T) {
	store := newTestStateStore(t)
	extractor := NewEventLogExtractor(EventLogExtractorConfig{
		StateKey: "default", Source: &fakeRPCSource{}, Retry: noRetry(), Store: store,
	})
	if err := extractor.CommitCursor(context.Background(), `{"0x01":{"next_block":5}}`); err != nil {
		t.Fatalf("CommitCursor failed: %v", err)
	}
	value, found, err := store.GetCursor(extractorKindEventLog, "default")
	if err != nil || !found {
		t.Fatalf("expected persisted cursor, found=%v err=%v", found, err)
	}
	if value == "" {
		t.Fatalf("expected non-empty persisted cursor value")
	}
}

func TestEventLogExtractorRejectsMalformedCursor(t *testing.T) {
	extractor := NewEventLogExtractor(EventLogExtractorConfig{Source: &fakeRPCSource{}, Retry: noRetry()})
	_, err := extractor.Extract(context.Background(), "not-json")
	if err == nil {
		t.Fatalf("expected error for malformed cursor")
	}
	if KindOf(err) != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %s", KindOf(err))
	}
}
