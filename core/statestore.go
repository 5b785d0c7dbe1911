package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for the persisted state layout described in §6.
var (
	bucketExtractorState   = []byte("extractor_state")
	bucketContractDecoders = []byte("contract_decoders")
	bucketBlockTimestamps  = []byte("block_timestamps")
	bucketHead             = []byte("head")
)

var headKey = []byte("singleton")

// CursorRecord is one extractor's persisted cursor (§3).
type CursorRecord struct {
	ExtractorKind string
	StateKey      string
	Value         string
	UpdatedAt     int64
}

// BlockTimestamp is a cached block timestamp (§3).
type BlockTimestamp struct {
	BlockNumber uint64
	Timestamp   int64
	BlockHash   *Hash
}

// HeadState is the singleton (block_number, event_count) row (§4.1/§6).
type HeadState struct {
	BlockNumber uint64
	EventCount  uint64
}

// StateStore is the durable ordered key/value contract of §4.1. Every
// individual write is atomic and durable on successful return; writes to
// the same (kind, key) are serialized with respect to each other.
type StateStore interface {
	GetCursor(kind, key string) (string, bool, error)
	PutCursor(kind, key, value string) error

	GetHead() (HeadState, error)
	PutHead(state HeadState) error

	GetRouting(addr Address) (map[DecoderId]struct{}, bool, error)
	PutRouting(addr Address, ids map[DecoderId]struct{}) error

	GetBlockTimestamp(block uint64) (BlockTimestamp, bool, error)
	InsertBlockTimestamps(batch []BlockTimestamp) error

	Close() error
}

// BoltStateStore is the default StateStore backing, an embedded
// transactional key/value store (go.etcd.io/bbolt). bbolt serializes all
// writes through a single writer transaction, which trivially satisfies the
// "writes to the same key are serialized" guarantee of §4.1/§5 without any
// extra locking in this layer.
type BoltStateStore struct {
	db *bbolt.DB
}

// OpenBoltStateStore opens (creating if necessary) a bbolt-backed
// StateStore at path.
func OpenBoltStateStore(path string) (*BoltStateStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, NewError(ErrStateStoreFailure, fmt.Errorf("open statestore %s: %w", path, err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketExtractorState, bucketContractDecoders, bucketBlockTimestamps, bucketHead} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, NewError(ErrStateStoreFailure, fmt.Errorf("init buckets: %w", err))
	}
	return &BoltStateStore{db: db}, nil
}

func cursorStoreKey(kind, key string) []byte {
	return []byte(kind + "\x00" + key)
}

func (s *BoltStateStore) GetCursor(kind, key string) (string, bool, error) {
	var rec CursorRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketExtractorState).Get(cursorStoreKey(kind, key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return "", false, NewError(ErrStateStoreFailure, err)
	}
	if !found {
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (s *BoltStateStore) PutCursor(kind, key, value string) error {
	rec := CursorRecord{ExtractorKind: kind, StateKey: key, Value: value, UpdatedAt: nowUnix()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return NewError(ErrStateStoreFailure, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExtractorState).Put(cursorStoreKey(kind, key), raw)
	})
	if err != nil {
		return NewError(ErrStateStoreFailure, fmt.Errorf("put cursor %s/%s: %w", kind, key, err))
	}
	return nil
}

func (s *BoltStateStore) GetHead() (HeadState, error) {
	var hs HeadState
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketHead).Get(headKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &hs)
	})
	if err != nil {
		return HeadState{}, NewError(ErrStateStoreFailure, err)
	}
	return hs, nil
}

func (s *BoltStateStore) PutHead(state HeadState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return NewError(ErrStateStoreFailure, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHead).Put(headKey, raw)
	})
	if err != nil {
		return NewError(ErrStateStoreFailure, fmt.Errorf("put head: %w", err))
	}
	return nil
}

// decoderSetToCSV renders a decoder id set as a sorted comma-separated list
// (§6 persisted layout), keeping the on-disk representation deterministic.
func decoderSetToCSV(ids map[DecoderId]struct{}) string {
	list := make([]uint64, 0, len(ids))
	for id := range ids {
		list = append(list, uint64(id))
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ",")
}

func csvToDecoderSet(csv string) (map[DecoderId]struct{}, error) {
	out := map[DecoderId]struct{}{}
	if csv == "" {
		return out, nil
	}
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse decoder id %q: %w", part, err)
		}
		out[DecoderId(v)] = struct{}{}
	}
	return out, nil
}

func (s *BoltStateStore) GetRouting(addr Address) (map[DecoderId]struct{}, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketContractDecoders).Get(addr[:])
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, NewError(ErrStateStoreFailure, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	set, err := csvToDecoderSet(string(raw))
	if err != nil {
		return nil, false, NewError(ErrStateStoreFailure, err)
	}
	return set, true, nil
}

func (s *BoltStateStore) PutRouting(addr Address, ids map[DecoderId]struct{}) error {
	csv := decoderSetToCSV(ids)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContractDecoders).Put(addr[:], []byte(csv))
	})
	if err != nil {
		return NewError(ErrStateStoreFailure, fmt.Errorf("put routing %s: %w", addr, err))
	}
	return nil
}

func blockTimestampKey(block uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], block)
	return k[:]
}

func (s *BoltStateStore) GetBlockTimestamp(block uint64) (BlockTimestamp, bool, error) {
	var bt BlockTimestamp
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBlockTimestamps).Get(blockTimestampKey(block))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &bt)
	})
	if err != nil {
		return BlockTimestamp{}, false, NewError(ErrStateStoreFailure, err)
	}
	return bt, found, nil
}

func (s *BoltStateStore) InsertBlockTimestamps(batch []BlockTimestamp) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBlockTimestamps)
		for _, bt := range batch {
			raw, err := json.Marshal(bt)
			if err != nil {
				return err
			}
			if err := b.Put(blockTimestampKey(bt.BlockNumber), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return NewError(ErrStateStoreFailure, fmt.Errorf("insert block timestamps: %w", err))
	}
	return nil
}

func (s *BoltStateStore) Close() error {
	if err := s.db.Close(); err != nil {
		return NewError(ErrStateStoreFailure, err)
	}
	return nil
}
