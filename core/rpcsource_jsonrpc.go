package core

import (
	"context"
	"encoding/json"
	"fmt"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// JSONRPCSource is the default RPCSource: a thin adapter over a raw
// JSON-RPC client talking to a Starknet-compatible node (§6 "RPC source
// (consumed)"). It calls the four abstract operations §6 lists —
// block-by-number, paginated event-get, and the two class lookups
// ContractRouter needs through ClassLookup — plus starknet_blockNumber for
// the chain head.
type JSONRPCSource struct {
	client *gethrpc.Client
}

// DialJSONRPCSource connects to a Starknet-compatible JSON-RPC endpoint.
func DialJSONRPCSource(ctx context.Context, url string) (*JSONRPCSource, error) {
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, NewError(ErrSourceUnavailable, fmt.Errorf("dial rpc source %s: %w", url, err))
	}
	return &JSONRPCSource{client: client}, nil
}

// wire shapes for the Starknet-compatible JSON-RPC responses this adapter
// decodes. Only the fields the engine actually consumes are declared.
type wireBlockHeader struct {
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	ParentHash  string `json:"parent_hash"`
	Timestamp   int64  `json:"timestamp"`
}

type wireTxReceipt struct {
	TransactionHash string `json:"transaction_hash"`
	ExecutionStatus string `json:"execution_status"` // "SUCCEEDED" | "REVERTED"
}

type wireEvent struct {
	FromAddress string   `json:"from_address"`
	Keys        []string `json:"keys"`
	Data        []string `json:"data"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"transaction_hash"`
}

type wireBlockWithReceipts struct {
	wireBlockHeader
	Transactions []struct {
		Receipt wireTxReceipt `json:"receipt"`
		Events  []wireEvent   `json:"events"`
	} `json:"transactions"`
}

type wireEventsPage struct {
	Events            []wireEvent `json:"events"`
	ContinuationToken string      `json:"continuation_token"`
}

// ChainHead implements RPCSource via starknet_blockNumber.
func (s *JSONRPCSource) ChainHead(ctx context.Context) (uint64, error) {
	var head uint64
	if err := s.client.CallContext(ctx, &head, "starknet_blockNumber"); err != nil {
		return 0, fmt.Errorf("starknet_blockNumber: %w", err)
	}
	return head, nil
}

// BlockByNumber implements RPCSource via starknet_getBlockWithReceipts,
// splitting the response into the engine's header/tx/event shapes in one
// pass (§4.3: "populating blocks/transactions/declared_classes/
// deployed_contracts from the same RPC results").
func (s *JSONRPCSource) BlockByNumber(ctx context.Context, number uint64) (BlockData, error) {
	var wire wireBlockWithReceipts
	if err := s.client.CallContext(ctx, &wire, "starknet_getBlockWithReceipts", blockIDByNumber(number)); err != nil {
		return BlockData{}, fmt.Errorf("starknet_getBlockWithReceipts(%d): %w", number, err)
	}

	data := BlockData{
		Header: BlockHeader{
			Number:    wire.BlockNumber,
			Timestamp: wire.Timestamp,
		},
	}
	if h, err := decodeFelt(wire.BlockHash); err == nil {
		data.Header.Hash = Hash(h)
	}
	if h, err := decodeFelt(wire.ParentHash); err == nil {
		data.Header.ParentHash = Hash(h)
	}

	for idx, tx := range wire.Transactions {
		txHash, err := decodeFelt(tx.Receipt.TransactionHash)
		if err != nil {
			continue
		}
		hash := Hash(txHash)
		data.Transactions = append(data.Transactions, TxHeader{
			Hash:     hash,
			Reverted: tx.Receipt.ExecutionStatus == "REVERTED",
		})
		for eventIdx, ev := range tx.Events {
			raw, err := decodeWireEvent(ev, wire.BlockNumber, hash, uint32(idx*1000+eventIdx))
			if err != nil {
				continue
			}
			data.Events = append(data.Events, raw)
		}
	}
	return data, nil
}

// GetEvents implements RPCSource via starknet_getEvents (§4.3 EventLog
// variant).
func (s *JSONRPCSource) GetEvents(ctx context.Context, filter EventFilter) (EventPage, error) {
	params := map[string]any{
		"from_block":         blockIDByNumber(filter.FromBlock),
		"to_block":           blockIDByNumber(filter.ToBlock),
		"chunk_size":         filter.ChunkSize,
		"continuation_token": filter.ContinuationToken,
	}
	if filter.ContractAddress != nil {
		params["address"] = filter.ContractAddress.String()
	}

	var wire wireEventsPage
	if err := s.client.CallContext(ctx, &wire, "starknet_getEvents", params); err != nil {
		return EventPage{}, fmt.Errorf("starknet_getEvents: %w", err)
	}

	page := EventPage{ContinuationToken: wire.ContinuationToken}
	for i, ev := range wire.Events {
		txHash, err := decodeFelt(ev.TxHash)
		if err != nil {
			continue
		}
		raw, err := decodeWireEvent(ev, ev.BlockNumber, Hash(txHash), uint32(i))
		if err != nil {
			continue
		}
		page.Events = append(page.Events, raw)
		if raw.BlockNumber > page.LastBlock {
			page.LastBlock = raw.BlockNumber
		}
	}
	return page, nil
}

// ClassHashAt implements ClassLookup via starknet_getClassHashAt.
func (s *JSONRPCSource) ClassHashAt(ctx context.Context, addr Address) (Felt, error) {
	var hex string
	if err := s.client.CallContext(ctx, &hex, "starknet_getClassHashAt", "latest", addr.String()); err != nil {
		return Felt{}, fmt.Errorf("starknet_getClassHashAt(%s): %w", addr, err)
	}
	f, err := decodeFelt(hex)
	if err != nil {
		return Felt{}, err
	}
	return Felt(f), nil
}

// ClassABI implements ClassLookup via starknet_getClass, returning the raw
// ABI JSON fragment of the class definition.
func (s *JSONRPCSource) ClassABI(ctx context.Context, classHash Felt) ([]byte, error) {
	var raw map[string]any
	if err := s.client.CallContext(ctx, &raw, "starknet_getClass", "latest", Hash(classHash).String()); err != nil {
		return nil, fmt.Errorf("starknet_getClass: %w", err)
	}
	abi, ok := raw["abi"]
	if !ok {
		return nil, fmt.Errorf("starknet_getClass: response missing abi field")
	}
	if s, isString := abi.(string); isString {
		return []byte(s), nil
	}
	encoded, err := json.Marshal(abi)
	if err != nil {
		return nil, fmt.Errorf("starknet_getClass: encode abi: %w", err)
	}
	return encoded, nil
}

func blockIDByNumber(n uint64) map[string]uint64 {
	return map[string]uint64{"block_number": n}
}

func decodeWireEvent(ev wireEvent, blockNumber uint64, txHash Hash, index uint32) (RawEvent, error) {
	addrBytes, err := decodeFelt(ev.FromAddress)
	if err != nil {
		return RawEvent{}, err
	}
	out := RawEvent{
		ContractAddress:   Address(addrBytes),
		BlockNumber:       blockNumber,
		TxHash:            txHash,
		EventIndexInBlock: index,
	}
	for _, k := range ev.Keys {
		f, err := decodeFelt(k)
		if err != nil {
			return RawEvent{}, err
		}
		out.Keys = append(out.Keys, Felt(f))
	}
	for _, d := range ev.Data {
		f, err := decodeFelt(d)
		if err != nil {
			return RawEvent{}, err
		}
		out.Data = append(out.Data, Felt(f))
	}
	return out, nil
}
