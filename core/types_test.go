package core

import "testing"

func TestAddressFromHexRoundTrip(t *testing.T) {
	cases := []string{
		"0x1",
		"0x0123456789abcdef",
		"abcdef",
		"0X1A2B",
	}
	for _, c := range cases {
		addr, err := AddressFromHex(c)
		if err != nil {
			t.Fatalf("AddressFromHex(%q) failed: %v", c, err)
		}
		if addr.String() == "" {
			t.Fatalf("AddressFromHex(%q) produced empty string representation", c)
		}
	}
}

func TestAddressFromHexRejectsOversizedInput(t *testing.T) {
	tooLong := ""
	for i := 0; i < 70; i++ {
		tooLong += "a"
	}
	if _, err := AddressFromHex(tooLong); err == nil {
		t.Fatalf("expected error for felt exceeding 32 bytes")
	}
}

func TestAddressFromHexRejectsInvalidHex(t *testing.T) {
	if _, err := AddressFromHex("0xzz"); err == nil {
		t.Fatalf("expected error for non-hex input")
	}
}

func TestHashDecoderNameIsStableAndDistinct(t *testing.T) {
	a := HashDecoderName("erc20")
	b := HashDecoderName("erc20")
	c := HashDecoderName("erc721")
	if a != b {
		t.Fatalf("HashDecoderName not stable across calls: %d != %d", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct ids for distinct names")
	}
}

func TestHashTypeNameIsStableAndDistinct(t *testing.T) {
	a := HashTypeName("erc20.transfer")
	b := HashTypeName("erc20.transfer")
	c := HashTypeName("erc20.approval")
	if a != b {
		t.Fatalf("HashTypeName not stable across calls")
	}
	if a == c {
		t.Fatalf("expected distinct tags for distinct names")
	}
}

func TestRawEventSelectorDefaultsToZeroFelt(t *testing.T) {
	ev := RawEvent{}
	if ev.Selector() != (Felt{}) {
		t.Fatalf("expected zero Felt selector for keyless event")
	}
	k := Felt{1}
	ev.Keys = []Felt{k}
	if ev.Selector() != k {
		t.Fatalf("expected first key as selector")
	}
}

func TestRawEventRefIsDeterministic(t *testing.T) {
	ev := RawEvent{TxHash: Hash{1}, BlockNumber: 10, EventIndexInBlock: 3}
	if ev.Ref() != ev.Ref() {
		t.Fatalf("Ref() should be deterministic")
	}
}

func TestExtractionBatchEmpty(t *testing.T) {
	var b ExtractionBatch
	if !b.Empty() {
		t.Fatalf("expected zero-value batch to be empty")
	}
	b.Events = []RawEvent{{}}
	if b.Empty() {
		t.Fatalf("expected batch with events to be non-empty")
	}
}

func TestExtractionBatchIsBackfill(t *testing.T) {
	b := ExtractionBatch{
		Events:    []RawEvent{{BlockNumber: 100}},
		ChainHead: 500,
	}
	if !b.IsBackfill(50) {
		t.Fatalf("expected backfill when far behind chain head")
	}
	if b.IsBackfill(1000) {
		t.Fatalf("expected not backfill when lag tolerance exceeds actual lag")
	}

	caughtUp := ExtractionBatch{Events: []RawEvent{{BlockNumber: 500}}, ChainHead: 500}
	if caughtUp.IsBackfill(0) {
		t.Fatalf("expected not backfill when caught up to chain head")
	}

	empty := ExtractionBatch{ChainHead: 500}
	if empty.IsBackfill(0) {
		t.Fatalf("expected empty batch to never report backfill")
	}
}

func TestExtractionBatchHighestProcessedBlock(t *testing.T) {
	withBlocks := ExtractionBatch{Blocks: map[uint64]BlockHeader{5: {}, 10: {}, 3: {}}, ChainHead: 500}
	if block, ok := withBlocks.HighestProcessedBlock(); !ok || block != 10 {
		t.Fatalf("expected highest processed block 10 from Blocks map, got %d ok=%v", block, ok)
	}

	withEvents := ExtractionBatch{Events: []RawEvent{{BlockNumber: 7}, {BlockNumber: 20}}, ChainHead: 500}
	if block, ok := withEvents.HighestProcessedBlock(); !ok || block != 20 {
		t.Fatalf("expected highest processed block 20 from Events, got %d ok=%v", block, ok)
	}

	empty := ExtractionBatch{ChainHead: 500}
	if _, ok := empty.HighestProcessedBlock(); ok {
		t.Fatalf("expected an empty batch to report no processed block")
	}
}
