package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// EventLogContract configures one contract's sub-extraction (§4.3).
type EventLogContract struct {
	Address    Address
	StartBlock uint64
}

type eventLogSubCursor struct {
	NextBlock         uint64 `json:"next_block"`
	ContinuationToken string `json:"continuation_token"`
}

// EventLogExtractorConfig configures an EventLogExtractor (§4.3, §6).
type EventLogExtractorConfig struct {
	StateKey  string
	Contracts []EventLogContract
	ChunkSize int
	Source    RPCSource
	Retry     *RetryPolicy
	Store     StateStore
}

// EventLogExtractor maintains one sub-cursor per contract (continuation
// token plus block pointer), merging each contract's event page ordered by
// (block_number, event_index). blocks/transactions are filled on demand
// from the StateStore block-timestamp cache, falling back to a point
// lookup on miss (§4.3).
type EventLogExtractor struct {
	cfg EventLogExtractorConfig

	mu         sync.Mutex
	order      []Address
	subCursors map[Address]eventLogSubCursor
}

const extractorKindEventLog = "event_log"

// NewEventLogExtractor builds an EventLogExtractor.
func NewEventLogExtractor(cfg EventLogExtractorConfig) *EventLogExtractor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	e := &EventLogExtractor{cfg: cfg, subCursors: make(map[Address]eventLogSubCursor)}
	for _, c := range cfg.Contracts {
		e.order = append(e.order, c.Address)
		e.subCursors[c.Address] = eventLogSubCursor{NextBlock: c.StartBlock}
	}
	return e
}

// AddContract starts tracking a new contract at runtime, from its
// configured start block (§4.3: "Adding a new contract at runtime starts
// its sub-cursor from the configured start block").
func (e *EventLogExtractor) AddContract(addr Address, startBlock uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.subCursors[addr]; exists {
		return
	}
	e.order = append(e.order, addr)
	e.subCursors[addr] = eventLogSubCursor{NextBlock: startBlock}
}

type eventLogCursorWire map[string]eventLogSubCursor

func (e *EventLogExtractor) decodeCursor(cursor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cursor == "" {
		return nil
	}
	var wire eventLogCursorWire
	if err := json.Unmarshal([]byte(cursor), &wire); err != nil {
		return fmt.Errorf("malformed event-log cursor: %w", err)
	}
	for _, addr := range e.order {
		if sc, ok := wire[addr.String()]; ok {
			e.subCursors[addr] = sc
		}
	}
	return nil
}

func (e *EventLogExtractor) encodeCursor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	wire := make(eventLogCursorWire, len(e.subCursors))
	for addr, sc := range e.subCursors {
		wire[addr.String()] = sc
	}
	raw, _ := json.Marshal(wire)
	return string(raw)
}

// Extract implements Extractor (§4.3).
func (e *EventLogExtractor) Extract(ctx context.Context, cursor string) (ExtractionBatch, error) {
	if err := e.decodeCursor(cursor); err != nil {
		return ExtractionBatch{}, NewError(ErrMalformed, err)
	}

	var chainHead uint64
	err := e.cfg.Retry.Execute(ctx, func(ctx context.Context) error {
		h, err := e.cfg.Source.ChainHead(ctx)
		if err != nil {
			return classifyRPCErr(err)
		}
		chainHead = h
		return nil
	})
	if err != nil {
		return ExtractionBatch{}, err
	}

	batch := ExtractionBatch{
		Blocks:       make(map[uint64]BlockHeader),
		Transactions: make(map[Hash]TxHeader),
		ChainHead:    chainHead,
	}

	e.mu.Lock()
	order := append([]Address(nil), e.order...)
	e.mu.Unlock()

	for _, addr := range order {
		e.mu.Lock()
		sub := e.subCursors[addr]
		e.mu.Unlock()

		addrCopy := addr
		filter := EventFilter{
			ContractAddress:   &addrCopy,
			FromBlock:         sub.NextBlock,
			ToBlock:           chainHead,
			ContinuationToken: sub.ContinuationToken,
			ChunkSize:         e.cfg.ChunkSize,
		}

		var page EventPage
		err := e.cfg.Retry.Execute(ctx, func(ctx context.Context) error {
			p, err := e.cfg.Source.GetEvents(ctx, filter)
			if err != nil {
				return classifyRPCErr(err)
			}
			page = p
			return nil
		})
		if err != nil {
			return ExtractionBatch{}, err
		}

		batch.Events = append(batch.Events, page.Events...)

		next := sub.NextBlock
		if page.ContinuationToken == "" {
			// Page exhausted this contract's currently-available range;
			// advance past it so the next cycle picks up new blocks only.
			next = chainHead + 1
		} else if page.LastBlock > next {
			next = page.LastBlock
		}

		e.mu.Lock()
		e.subCursors[addr] = eventLogSubCursor{NextBlock: next, ContinuationToken: page.ContinuationToken}
		e.mu.Unlock()

		if err := e.fillBlockContext(ctx, &batch, page.Events); err != nil {
			return ExtractionBatch{}, err
		}
	}

	sort.Slice(batch.Events, func(i, j int) bool { return eventLess(batch.Events[i], batch.Events[j]) })
	batch.Cursor = e.encodeCursor()
	return batch, nil
}

// fillBlockContext populates batch.Blocks/Transactions for events' block
// numbers, consulting the StateStore block-timestamp cache first and
// falling back to a point-lookup RPC on miss (§4.3).
func (e *EventLogExtractor) fillBlockContext(ctx context.Context, batch *ExtractionBatch, events []RawEvent) error {
	needed := make(map[uint64]struct{})
	for _, ev := range events {
		if _, ok := batch.Blocks[ev.BlockNumber]; !ok {
			needed[ev.BlockNumber] = struct{}{}
		}
	}
	for blockNum := range needed {
		if e.cfg.Store != nil {
			if bt, found, err := e.cfg.Store.GetBlockTimestamp(blockNum); err == nil && found {
				hdr := BlockHeader{Number: blockNum, Timestamp: bt.Timestamp}
				if bt.BlockHash != nil {
					hdr.Hash = *bt.BlockHash
				}
				batch.Blocks[blockNum] = hdr
				continue
			}
		}

		var data BlockData
		err := e.cfg.Retry.Execute(ctx, func(ctx context.Context) error {
			d, err := e.cfg.Source.BlockByNumber(ctx, blockNum)
			if err != nil {
				return classifyRPCErr(err)
			}
			data = d
			return nil
		})
		if err != nil {
			return err
		}
		batch.Blocks[blockNum] = data.Header
		for _, tx := range data.Transactions {
			batch.Transactions[tx.Hash] = tx
		}
		if e.cfg.Store != nil {
			h := data.Header.Hash
			_ = e.cfg.Store.InsertBlockTimestamps([]BlockTimestamp{{BlockNumber: blockNum, Timestamp: data.Header.Timestamp, BlockHash: &h}})
		}
	}
	return nil
}

// IsFinished implements Extractor: an EventLog extractor tails the chain
// head indefinitely and never finishes on its own (§4.3).
func (e *EventLogExtractor) IsFinished() bool { return false }

// CommitCursor implements Extractor (§4.3).
func (e *EventLogExtractor) CommitCursor(ctx context.Context, cursor string) error {
	if e.cfg.Store == nil {
		return nil
	}
	return e.cfg.Store.PutCursor(extractorKindEventLog, e.cfg.StateKey, cursor)
}
