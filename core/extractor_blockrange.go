package core

import (
	"context"
	"fmt"
	"strconv"
)

// BlockRangeExtractorConfig configures a BlockRangeExtractor (§4.3).
type BlockRangeExtractorConfig struct {
	StateKey  string
	FromBlock uint64
	// ToBlock, if non-nil, bounds the window and lets IsFinished become
	// true once reached (§4.3).
	ToBlock   *uint64
	BatchSize uint64
	Source    RPCSource
	Retry     *RetryPolicy
	Store     StateStore
}

// BlockRangeExtractor pulls a contiguous window of blocks [next,
// next+batch_size), bounded by min(to_block, chain_head), populating
// blocks/transactions/declared_classes/deployed_contracts from the same
// RPC results (§4.3).
type BlockRangeExtractor struct {
	cfg      BlockRangeExtractorConfig
	finished bool
}

const extractorKindBlockRange = "block_range"

// NewBlockRangeExtractor builds a BlockRangeExtractor.
func NewBlockRangeExtractor(cfg BlockRangeExtractorConfig) *BlockRangeExtractor {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &BlockRangeExtractor{cfg: cfg}
}

func encodeBlockCursor(next uint64) string {
	return "block:" + strconv.FormatUint(next, 10)
}

func decodeBlockCursor(cursor string, fallback uint64) (uint64, error) {
	if cursor == "" {
		return fallback, nil
	}
	const prefix = "block:"
	if len(cursor) <= len(prefix) || cursor[:len(prefix)] != prefix {
		return 0, fmt.Errorf("malformed block-range cursor %q", cursor)
	}
	n, err := strconv.ParseUint(cursor[len(prefix):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed block-range cursor %q: %w", cursor, err)
	}
	return n, nil
}

// Extract implements Extractor (§4.3).
func (e *BlockRangeExtractor) Extract(ctx context.Context, cursor string) (ExtractionBatch, error) {
	next, err := decodeBlockCursor(cursor, e.cfg.FromBlock)
	if err != nil {
		return ExtractionBatch{}, NewError(ErrMalformed, err)
	}

	var chainHead uint64
	err = e.cfg.Retry.Execute(ctx, func(ctx context.Context) error {
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

	end := next + e.cfg.BatchSize
	if e.cfg.ToBlock != nil && *e.cfg.ToBlock+1 < end {
		end = *e.cfg.ToBlock + 1
	}
	if chainHead+1 < end {
		end = chainHead + 1
	}

	batch := ExtractionBatch{
		Blocks:       make(map[uint64]BlockHeader),
		Transactions: make(map[Hash]TxHeader),
		ChainHead:    chainHead,
	}

	if end <= next {
		// Caught up but the source is still live, unless to_block is
		// defined and already reached — then there will never be more
		// (§4.3: empty batch + is_finished semantics).
		batch.Cursor = encodeBlockCursor(next)
		if e.cfg.ToBlock != nil && next > *e.cfg.ToBlock {
			e.finished = true
		}
		return batch, nil
	}

	for n := next; n < end; n++ {
		var data BlockData
		err := e.cfg.Retry.Execute(ctx, func(ctx context.Context) error {
			d, err := e.cfg.Source.BlockByNumber(ctx, n)
			if err != nil {
				return classifyRPCErr(err)
			}
			data = d
			return nil
		})
		if err != nil {
			return ExtractionBatch{}, err
		}

		batch.Blocks[n] = data.Header
		for _, tx := range data.Transactions {
			batch.Transactions[tx.Hash] = tx
		}
		batch.Events = append(batch.Events, data.Events...)
		batch.DeclaredClasses = append(batch.DeclaredClasses, data.DeclaredClasses...)
		batch.DeployedContracts = append(batch.DeployedContracts, data.DeployedContracts...)
	}

	sortEventsInPlace(batch.Events)
	batch.Cursor = encodeBlockCursor(end)

	if e.cfg.ToBlock != nil && end > *e.cfg.ToBlock {
		e.finished = true
	}
	return batch, nil
}

// IsFinished implements Extractor (§4.3).
func (e *BlockRangeExtractor) IsFinished() bool { return e.finished }

// CommitCursor implements Extractor (§4.3, §4.9 cursor-commit ordering).
func (e *BlockRangeExtractor) CommitCursor(ctx context.Context, cursor string) error {
	if e.cfg.Store == nil {
		return nil
	}
	return e.cfg.Store.PutCursor(extractorKindBlockRange, e.cfg.StateKey, cursor)
}

// classifyRPCErr wraps a raw RPC-layer error as SourceUnavailable unless it
// is already a classified EngineError, so RetryPolicy's default retryable
// predicate (IsRetryableIOError) treats it as transient (§4.2, §7).
func classifyRPCErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*EngineError); ok {
		return err
	}
	return NewError(ErrSourceUnavailable, err)
}
