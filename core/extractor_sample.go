package core

import (
	"context"
	"strconv"
	"sync"
)

// SampleExtractorConfig configures a SampleExtractor (§4.3, §8 — test
// fixtures for the six end-to-end scenarios).
type SampleExtractorConfig struct {
	StateKey string
	// Batches is the predefined sequence this extractor cycles through,
	// one per Extract call. Each entry's Cursor field is ignored; the
	// extractor encodes its own position-based cursor instead.
	Batches []ExtractionBatch
	Store   StateStore
}

const extractorKindSample = "sample"

// SampleExtractor is a deterministic, cycling extractor used by tests to
// drive the engine against a fixed, hand-authored sequence of batches
// instead of a live RPCSource (§4.3).
type SampleExtractor struct {
	cfg SampleExtractorConfig

	mu  sync.Mutex
	pos int
}

// NewSampleExtractor builds a SampleExtractor.
func NewSampleExtractor(cfg SampleExtractorConfig) *SampleExtractor {
	return &SampleExtractor{cfg: cfg}
}

// Extract implements Extractor: cursor is the decimal index of the next
// batch to hand out. Once the index reaches len(Batches), Extract returns
// empty batches forever and IsFinished becomes true (§4.3).
func (e *SampleExtractor) Extract(_ context.Context, cursor string) (ExtractionBatch, error) {
	idx, err := decodeSampleCursor(cursor)
	if err != nil {
		return ExtractionBatch{}, NewError(ErrMalformed, err)
	}

	if idx >= len(e.cfg.Batches) {
		e.setPos(idx)
		return ExtractionBatch{
			Blocks:       map[uint64]BlockHeader{},
			Transactions: map[Hash]TxHeader{},
			Cursor:       encodeSampleCursor(idx),
		}, nil
	}

	batch := e.cfg.Batches[idx]
	if batch.Blocks == nil {
		batch.Blocks = map[uint64]BlockHeader{}
	}
	if batch.Transactions == nil {
		batch.Transactions = map[Hash]TxHeader{}
	}
	batch.Cursor = encodeSampleCursor(idx + 1)
	e.setPos(idx + 1)
	return batch, nil
}

func (e *SampleExtractor) setPos(idx int) {
	e.mu.Lock()
	e.pos = idx
	e.mu.Unlock()
}

// IsFinished implements Extractor: true once the predefined sequence is
// exhausted (§4.3).
func (e *SampleExtractor) IsFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos >= len(e.cfg.Batches)
}

// CommitCursor implements Extractor (§4.3).
func (e *SampleExtractor) CommitCursor(_ context.Context, cursor string) error {
	if e.cfg.Store == nil {
		return nil
	}
	return e.cfg.Store.PutCursor(extractorKindSample, e.cfg.StateKey, cursor)
}

func encodeSampleCursor(idx int) string {
	return strconv.Itoa(idx)
}

func decodeSampleCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	return strconv.Atoi(cursor)
}
