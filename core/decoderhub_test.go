package core

import (
	"context"
	"fmt"
	"testing"
)

type fakeDecoder struct {
	name      string
	envelopes []Envelope
	err       error
	calls     int
}

func (d *fakeDecoder) StableName() string { return d.name }

func (d *fakeDecoder) Decode(ctx context.Context, event RawEvent) ([]Envelope, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.envelopes, nil
}

func newTestRouter(t *testing.T, mode IdentificationMode, allIDs map[DecoderId]struct{}) *ContractRouter {
	t.Helper()
	return NewContractRouter(RouterConfig{Mode: mode, AllDecoderIDs: allIDs}, nil, nil)
}

func TestNewDecoderHubRejectsDuplicateStableNames(t *testing.T) {
	d1 := &fakeDecoder{name: "erc20"}
	d2 := &fakeDecoder{name: "erc20"}
	_, err := NewDecoderHub(DecoderHubConfig{Decoders: []Decoder{d1, d2}})
	if err == nil {
		t.Fatalf("expected ConfigError for duplicate stable names")
	}
	if KindOf(err) != ErrConfigError {
		t.Fatalf("expected ErrConfigError, got %s", KindOf(err))
	}
}

func TestDecoderHubProcessDispatchesToInterestedDecoders(t *testing.T) {
	decoder := &fakeDecoder{name: "erc20", envelopes: []Envelope{{ID: "e1"}}}
	hub, err := NewDecoderHub(DecoderHubConfig{Decoders: []Decoder{decoder}})
	if err != nil {
		t.Fatalf("NewDecoderHub failed: %v", err)
	}

	router := newTestRouter(t, ModeNone, hub.AllDecoderIDs())
	addr := Address{1}
	batch := ExtractionBatch{
		Events:       []RawEvent{{ContractAddress: addr}},
		Transactions: map[Hash]TxHeader{},
	}

	envelopes, err := hub.Process(context.Background(), batch, router)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(envelopes) != 1 || envelopes[0].ID != "e1" {
		t.Fatalf("expected one envelope from the interested decoder, got %+v", envelopes)
	}
	if decoder.calls != 1 {
		t.Fatalf("expected decoder to be invoked exactly once, got %d", decoder.calls)
	}
}

func TestDecoderHubProcessSkipsRevertedTransactions(t *testing.T) {
	decoder := &fakeDecoder{name: "erc20", envelopes: []Envelope{{ID: "e1"}}}
	hub, err := NewDecoderHub(DecoderHubConfig{Decoders: []Decoder{decoder}, SkipReverted: true})
	if err != nil {
		t.Fatalf("NewDecoderHub failed: %v", err)
	}

	router := newTestRouter(t, ModeNone, hub.AllDecoderIDs())
	addr := Address{1}
	txHash := Hash{1}
	batch := ExtractionBatch{
		Events:       []RawEvent{{ContractAddress: addr, TxHash: txHash}},
		Transactions: map[Hash]TxHeader{txHash: {Hash: txHash, Reverted: true}},
	}

	envelopes, err := hub.Process(context.Background(), batch, router)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(envelopes) != 0 {
		t.Fatalf("expected reverted-tx events to be skipped, got %+v", envelopes)
	}
	if decoder.calls != 0 {
		t.Fatalf("expected decoder to never be invoked for a reverted tx")
	}
}

func TestDecoderHubProcessAbortsOnDecoderFailure(t *testing.T) {
	decoder := &fakeDecoder{name: "erc20", err: fmt.Errorf("boom")}
	hub, err := NewDecoderHub(DecoderHubConfig{Decoders: []Decoder{decoder}})
	if err != nil {
		t.Fatalf("NewDecoderHub failed: %v", err)
	}
	router := newTestRouter(t, ModeNone, hub.AllDecoderIDs())
	batch := ExtractionBatch{
		Events:       []RawEvent{{ContractAddress: Address{1}}},
		Transactions: map[Hash]TxHeader{},
	}

	_, err = hub.Process(context.Background(), batch, router)
	if err == nil {
		t.Fatalf("expected decoder failure to abort the batch")
	}
	if KindOf(err) != ErrDecoderFailure {
		t.Fatalf("expected ErrDecoderFailure, got %s", KindOf(err))
	}
}

func TestDecoderHubProcessSkipsUninterestedDecoders(t *testing.T) {
	decoder := &fakeDecoder{name: "erc20", envelopes: []Envelope{{ID: "e1"}}}
	hub, err := NewDecoderHub(DecoderHubConfig{Decoders: []Decoder{decoder}})
	if err != nil {
		t.Fatalf("NewDecoderHub failed: %v", err)
	}
	// A router that always returns an empty decoder set simulates "no
	// decoder is interested" regardless of address.
	router := newTestRouter(t, ModeNone, map[DecoderId]struct{}{})
	batch := ExtractionBatch{
		Events:       []RawEvent{{ContractAddress: Address{1}}},
		Transactions: map[Hash]TxHeader{},
	}

	envelopes, err := hub.Process(context.Background(), batch, router)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(envelopes) != 0 {
		t.Fatalf("expected no envelopes when no decoder is interested, got %+v", envelopes)
	}
	if decoder.calls != 0 {
		t.Fatalf("expected decoder to never be invoked")
	}
}
