package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// NamedExtractor pairs a child Extractor with a stable label used as its
// key in the composite cursor encoding (§4.3).
type NamedExtractor struct {
	Name      string
	Extractor Extractor
}

// CompositeExtractor wraps N child extractors with round-robin
// scheduling: each Extract call advances exactly one not-yet-finished
// child, picked in rotation. Its cursor is a structured encoding of every
// child's cursor so CommitCursor can persist all of them (§4.3).
type CompositeExtractor struct {
	children []NamedExtractor

	mu sync.Mutex
	rr int
}

// NewCompositeExtractor builds a CompositeExtractor.
func NewCompositeExtractor(children []NamedExtractor) *CompositeExtractor {
	return &CompositeExtractor{children: children}
}

type compositeCursorWire map[string]string

func decodeCompositeCursor(cursor string) (compositeCursorWire, error) {
	if cursor == "" {
		return compositeCursorWire{}, nil
	}
	var wire compositeCursorWire
	if err := json.Unmarshal([]byte(cursor), &wire); err != nil {
		return nil, fmt.Errorf("malformed composite cursor: %w", err)
	}
	return wire, nil
}

// Extract implements Extractor (§4.3). It polls exactly one not-yet-
// finished child per call, round-robin, merging that child's batch with an
// updated composite cursor encoding every child's current position.
func (e *CompositeExtractor) Extract(ctx context.Context, cursor string) (ExtractionBatch, error) {
	wire, err := decodeCompositeCursor(cursor)
	if err != nil {
		return ExtractionBatch{}, NewError(ErrMalformed, err)
	}

	e.mu.Lock()
	n := len(e.children)
	start := e.rr
	e.mu.Unlock()

	if n == 0 {
		return ExtractionBatch{Blocks: map[uint64]BlockHeader{}, Transactions: map[Hash]TxHeader{}}, nil
	}

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		child := e.children[idx]
		if child.Extractor.IsFinished() {
			continue
		}

		batch, err := child.Extractor.Extract(ctx, wire[child.Name])
		if err != nil {
			return ExtractionBatch{}, err
		}

		wire[child.Name] = batch.Cursor

		e.mu.Lock()
		e.rr = (idx + 1) % n
		e.mu.Unlock()

		raw, _ := json.Marshal(wire)
		batch.Cursor = string(raw)
		return batch, nil
	}

	// Every child is finished.
	raw, _ := json.Marshal(wire)
	return ExtractionBatch{
		Blocks:       map[uint64]BlockHeader{},
		Transactions: map[Hash]TxHeader{},
		Cursor:       string(raw),
	}, nil
}

// IsFinished implements Extractor: true iff every child has finished
// (§4.3).
func (e *CompositeExtractor) IsFinished() bool {
	for _, c := range e.children {
		if !c.Extractor.IsFinished() {
			return false
		}
	}
	return true
}

// CommitCursor implements Extractor, fanning the composite cursor out to
// each child's own CommitCursor (§4.3).
func (e *CompositeExtractor) CommitCursor(ctx context.Context, cursor string) error {
	wire, err := decodeCompositeCursor(cursor)
	if err != nil {
		return NewError(ErrMalformed, err)
	}
	for _, child := range e.children {
		sub, ok := wire[child.Name]
		if !ok {
			continue
		}
		if err := child.Extractor.CommitCursor(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}
