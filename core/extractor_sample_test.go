package core

import (
	"context"
	"testing"
)

func TestSampleExtractorCyclesThroughBatchesInOrder(t *testing.T) {
	batches := []ExtractionBatch{
		{Events: []RawEvent{{BlockNumber: 1}}},
		{Events: []RawEvent{{BlockNumber: 2}}},
	}
	extractor := NewSampleExtractor(SampleExtractorConfig{Batches: batches})

	b1, err := extractor.Extract(context.Background(), "")
	if err != nil {
		t.Fatalf("Extract 1 failed: %v", err)
	}
	if b1.Events[0].BlockNumber != 1 {
		t.Fatalf("expected first batch, got %+v", b1)
	}

	b2, err := extractor.Extract(context.Background(), b1.Cursor)
	if err != nil {
		t.Fatalf("Extract 2 failed: %v", err)
	}
	if b2.Events[0].BlockNumber != 2 {
		t.Fatalf("expected second batch, got %+v", b2)
	}
	if !extractor.IsFinished() {
		t.Fatalf("expected finished once the last configured batch has been handed out")
	}

	b3, err := extractor.Extract(context.Background(), b2.Cursor)
	if err != nil {
		t.Fatalf("Extract 3 failed: %v", err)
	}
	if !b3.Empty() {
		t.Fatalf("expected an empty batch once the sequence is exhausted, got %+v", b3)
	}
	if !extractor.IsFinished() {
		t.Fatalf("expected extractor to report finished once exhausted")
	}
}

func TestSampleExtractorIsResumableFromCursor(t *testing.T) {
	batches := []ExtractionBatch{
		{Events: []RawEvent{{BlockNumber: 1}}},
		{Events: []RawEvent{{BlockNumber: 2}}},
		{Events: []RawEvent{{BlockNumber: 3}}},
	}
	extractor := NewSampleExtractor(SampleExtractorConfig{Batches: batches})

	batch, err := extractor.Extract(context.Background(), "2")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if batch.Events[0].BlockNumber != 3 {
		t.Fatalf("expected to resume at index 2 (block 3), got %+v", batch)
	}
}

func TestSampleExtractorCommitCursorIsNoOpWithoutStore(t *testing.T) {
	extractor := NewSampleExtractor(SampleExtractorConfig{})
	if err := extractor.CommitCursor(context.Background(), "1"); err != nil {
		t.Fatalf("expected nil error when no Store is configured, got %v", err)
	}
}

func TestSampleExtractorRejectsMalformedCursor(t *testing.T) {
	extractor := NewSampleExtractor(SampleExtractorConfig{Batches: []ExtractionBatch{{}}})
	if _, err := extractor.Extract(context.Background(), "not-a-number"); err == nil {
		t.Fatalf("expected error for malformed cursor")
	}
}
