package core

import (
	"context"
	"fmt"
	"sort"
)

// Decoder is the plug-in surface consulted for every routed event (§4.5).
type Decoder interface {
	StableName() string
	Decode(ctx context.Context, event RawEvent) ([]Envelope, error)
}

// DecoderHubConfig wires a DecoderHub together (§6 Configuration: "list of
// decoders").
type DecoderHubConfig struct {
	Decoders []Decoder
	// SkipReverted filters out events belonging to a reverted transaction
	// before routing/decoding, resolving §9's reverted-transaction Open
	// Question. The zero value (false) keeps reverted events; cmd/torii
	// sets it to true.
	SkipReverted bool
}

// DecoderHub dispatches each RawEvent in a batch to the decoders the
// ContractRouter says are interested, collecting Envelopes in source-event
// order with same-event envelopes ordered by decoder id (§4.5, §8).
type DecoderHub struct {
	byID         map[DecoderId]Decoder
	ids          []DecoderId // sorted, stable iteration order
	skipReverted bool
}

// NewDecoderHub builds a DecoderHub from cfg. Decoder ids are derived from
// each decoder's StableName(); duplicate ids (colliding stable names) are a
// configuration error (§3 invariant: decoder ids are unique across all
// active decoders).
func NewDecoderHub(cfg DecoderHubConfig) (*DecoderHub, error) {
	h := &DecoderHub{byID: make(map[DecoderId]Decoder, len(cfg.Decoders)), skipReverted: cfg.SkipReverted}
	for _, d := range cfg.Decoders {
		id := HashDecoderName(d.StableName())
		if _, dup := h.byID[id]; dup {
			return nil, NewError(ErrConfigError, fmt.Errorf("duplicate decoder id for stable name %q", d.StableName()))
		}
		h.byID[id] = d
		h.ids = append(h.ids, id)
	}
	sort.Slice(h.ids, func(i, j int) bool { return h.ids[i] < h.ids[j] })
	return h, nil
}

// AllDecoderIDs returns every registered decoder id, used by
// ContractRouter's auto-dispatch fallback (§4.4 step 3).
func (h *DecoderHub) AllDecoderIDs() map[DecoderId]struct{} {
	out := make(map[DecoderId]struct{}, len(h.ids))
	for _, id := range h.ids {
		out[id] = struct{}{}
	}
	return out
}

// Process runs one cycle's worth of routing+decoding. A decoder fault
// aborts the batch immediately with ErrDecoderFailure (§4.5, §7); a
// decoder returning an empty slice means "uninterested", not an error.
func (h *DecoderHub) Process(ctx context.Context, batch ExtractionBatch, router *ContractRouter) ([]Envelope, error) {
	envelopes := make([]Envelope, 0, len(batch.Events))

	for _, event := range batch.Events {
		if h.skipReverted {
			if tx, ok := batch.Transactions[event.TxHash]; ok && tx.Reverted {
				continue
			}
		}

		interested, err := router.Route(ctx, event.ContractAddress)
		if err != nil {
			return nil, err
		}
		if len(interested) == 0 {
			continue
		}

		// Deterministic order across decoders for envelopes originating
		// from the same source event (§4.5, §8).
		ordered := make([]DecoderId, 0, len(interested))
		for _, id := range h.ids {
			if _, ok := interested[id]; ok {
				ordered = append(ordered, id)
			}
		}

		for _, id := range ordered {
			decoder := h.byID[id]
			out, err := decoder.Decode(ctx, event)
			if err != nil {
				return nil, NewDecoderFailure(id, event.Ref(), err)
			}
			envelopes = append(envelopes, out...)
		}
	}
	return envelopes, nil
}
