package core

import (
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Felt is a Starknet field element, stored as its big-endian byte
// representation. The engine treats it as an opaque comparable value; only
// collaborators that speak to the RPC source need to know its arithmetic.
type Felt [32]byte

func (f Felt) String() string { return "0x" + hex.EncodeToString(f[:]) }

// Address is a contract address on the indexed chain.
type Address [32]byte

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// AddressFromHex parses a hex-encoded (with or without 0x prefix) address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := decodeFelt(s)
	if err != nil {
		return a, err
	}
	copy(a[:], b)
	return a, nil
}

func decodeFelt(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode felt %q: %w", s, err)
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("felt %q exceeds 32 bytes", s)
	}
	out := make([]byte, 32)
	copy(out[32-len(raw):], raw)
	return out, nil
}

// Hash is a 32-byte transaction or block hash.
type Hash [32]byte

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// DecoderId is a 64-bit hash of a decoder's stable name (§3).
type DecoderId uint64

// HashDecoderName derives a DecoderId from a decoder's stable_name().
func HashDecoderName(name string) DecoderId {
	return DecoderId(xxhash.Sum64String("decoder:" + name))
}

// TypeTag is a 64-bit hash of a dotted type name, e.g. "erc20.transfer" (§3).
type TypeTag uint64

// HashTypeName derives a TypeTag from a dotted type name.
func HashTypeName(name string) TypeTag {
	return TypeTag(xxhash.Sum64String("type:" + name))
}

// RawEvent is one undecoded on-chain event (§3).
type RawEvent struct {
	ContractAddress   Address
	Keys              []Felt
	Data              []Felt
	BlockNumber       uint64
	TxHash            Hash
	EventIndexInBlock uint32
}

// Selector returns keys[0], the conventional event selector, or the zero
// Felt if the event carries no keys.
func (e RawEvent) Selector() Felt {
	if len(e.Keys) == 0 {
		return Felt{}
	}
	return e.Keys[0]
}

// Ref renders a stable human-readable reference to this event, used in
// DecoderFailure error reporting (§4.5).
func (e RawEvent) Ref() string {
	return fmt.Sprintf("%s:%d:%d", e.TxHash, e.BlockNumber, e.EventIndexInBlock)
}

// BlockHeader carries the subset of block metadata the engine threads
// through a cycle.
type BlockHeader struct {
	Number     uint64
	Hash       Hash
	Timestamp  int64
	ParentHash Hash
}

// TxHeader carries transaction metadata. Reverted supplements §3's TxHeader
// per the resolution of §9's reverted-transaction Open Question.
type TxHeader struct {
	Hash     Hash
	Reverted bool
}

// ClassDecl records a class declaration observed in a block.
type ClassDecl struct {
	ClassHash   Felt
	BlockNumber uint64
}

// ContractDeploy records a contract deployment observed in a block.
type ContractDeploy struct {
	Address     Address
	ClassHash   Felt
	BlockNumber uint64
}

// ExtractionBatch is the unit of work handed from Extractor to DecoderHub
// to SinkHost each cycle (§3).
type ExtractionBatch struct {
	Events            []RawEvent
	Blocks            map[uint64]BlockHeader
	Transactions      map[Hash]TxHeader
	DeclaredClasses   []ClassDecl
	DeployedContracts []ContractDeploy
	Cursor            string
	ChainHead         uint64
}

// IsBackfill reports whether this batch is still more than lagBlocks behind
// the chain head — a convenience for sinks that suppress bus publication
// while backfilling (§9 Open Question on live/backfill detection).
func (b ExtractionBatch) IsBackfill(lagBlocks uint64) bool {
	if len(b.Events) == 0 {
		return false
	}
	last := b.Events[len(b.Events)-1].BlockNumber
	if b.ChainHead <= last {
		return false
	}
	return b.ChainHead-last > lagBlocks
}

// Empty reports whether the batch carries no events.
func (b ExtractionBatch) Empty() bool { return len(b.Events) == 0 }

// HighestProcessedBlock returns the highest block number actually present
// in this batch (its Blocks map, falling back to its Events), distinct from
// ChainHead which reports the live RPC chain tip regardless of how far the
// batch itself advanced. It reports ok=false when the batch carries neither
// blocks nor events to derive progress from.
func (b ExtractionBatch) HighestProcessedBlock() (block uint64, ok bool) {
	for n := range b.Blocks {
		if !ok || n > block {
			block, ok = n, true
		}
	}
	for _, ev := range b.Events {
		if !ok || ev.BlockNumber > block {
			block, ok = ev.BlockNumber, true
		}
	}
	return block, ok
}
