package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// IdentificationMode is an or-able bitset selecting which identification
// strategies ContractRouter.identify may use (§4.4).
type IdentificationMode uint8

const (
	ModeNone IdentificationMode = 0
	ModeSRC5 IdentificationMode = 1 << iota
	ModeAbiHeuristic
)

func (m IdentificationMode) Has(flag IdentificationMode) bool { return m&flag != 0 }

// RoutingState is one of the three states a ContractRouting may be in
// (§3). Blacklisted is terminal; Unknown transitions to Mapped at most
// once per live router (§3 invariant).
type RoutingState int

const (
	RoutingUnknown RoutingState = iota
	RoutingMapped
	RoutingBlacklisted
)

// ContractRouting is the routing decision for one address (§3).
type ContractRouting struct {
	State    RoutingState
	Decoders map[DecoderId]struct{}
}

// SRC5Rule is the subset of an IdentificationRule relevant to interface-id
// based identification (§4.4).
type SRC5Rule struct {
	InterfaceID Felt
	Decoders    map[DecoderId]struct{}
}

// IdentificationRule is the plug-in surface consulted during lazy
// identification (§4.4, §6).
type IdentificationRule interface {
	Name() string
	SRC5Interface() (SRC5Rule, bool)
	IdentifyByABI(addr Address, classHash Felt, abiJSON []byte) map[DecoderId]struct{}
}

// ClassLookup fetches the class hash and ABI for an address, the RPC
// source collaborator ContractRouter depends on to perform identification
// (§4.4). Concrete implementations talk to the Starknet-compatible
// JSON-RPC endpoint through a RetryPolicy; this package only needs the
// narrow contract below (§6: "the engine never hard-codes a JSON schema
// beyond [abstract operations]").
type ClassLookup interface {
	ClassHashAt(ctx context.Context, addr Address) (Felt, error)
	ClassABI(ctx context.Context, classHash Felt) ([]byte, error)
}

// RouterConfig seeds a ContractRouter at startup (§4.4, §6 Configuration).
type RouterConfig struct {
	Blacklist        map[Address]struct{}
	ExplicitMappings map[Address]map[DecoderId]struct{}
	Rules            []IdentificationRule
	Mode             IdentificationMode
	AllDecoderIDs    map[DecoderId]struct{}
}

// ContractRouter maps contract addresses to interested decoders (§4.4).
type ContractRouter struct {
	mu        sync.RWMutex
	routing   map[Address]ContractRouting
	blacklist map[Address]struct{}
	rules     []IdentificationRule
	mode      IdentificationMode
	allIDs    map[DecoderId]struct{}

	lookup ClassLookup
	store  StateStore

	// inFlight rendezvous concurrent identifications of the same address
	// onto a single call (§4.4 "second caller awaits the first").
	inFlightMu sync.Mutex
	inFlight   map[Address]*identificationCall

	log *logrus.Entry
}

type identificationCall struct {
	done   chan struct{}
	result map[DecoderId]struct{}
	err    error
}

// NewContractRouter builds a router from cfg, persisting explicit mappings
// into store so restarts see the same routing (§4.1, §9 routing-cache
// persistence resolution in SPEC_FULL.md). The blacklist is not persisted;
// it is taken from cfg each time a router is built.
func NewContractRouter(cfg RouterConfig, lookup ClassLookup, store StateStore) *ContractRouter {
	r := &ContractRouter{
		routing:   make(map[Address]ContractRouting),
		blacklist: cfg.Blacklist,
		rules:     cfg.Rules,
		mode:      cfg.Mode,
		allIDs:    cfg.AllDecoderIDs,
		lookup:    lookup,
		store:     store,
		inFlight:  make(map[Address]*identificationCall),
		log:       logrus.WithField("component", "router"),
	}
	if r.blacklist == nil {
		r.blacklist = map[Address]struct{}{}
	}
	for addr, ids := range cfg.ExplicitMappings {
		r.routing[addr] = ContractRouting{State: RoutingMapped, Decoders: ids}
		if store != nil {
			_ = store.PutRouting(addr, ids)
		}
	}
	return r
}

// Route resolves the set of decoder ids interested in events from addr
// (§4.4 operation). It satisfies §8's routing-minimality and idempotent-
// identification properties.
func (r *ContractRouter) Route(ctx context.Context, addr Address) (map[DecoderId]struct{}, error) {
	if _, blacklisted := r.blacklist[addr]; blacklisted {
		return map[DecoderId]struct{}{}, nil
	}

	r.mu.RLock()
	routing, ok := r.routing[addr]
	r.mu.RUnlock()
	if ok {
		switch routing.State {
		case RoutingBlacklisted:
			return map[DecoderId]struct{}{}, nil
		case RoutingMapped:
			return cloneDecoderSet(routing.Decoders), nil
		}
	}

	if !ok && r.store != nil {
		if persisted, found, err := r.store.GetRouting(addr); err == nil && found {
			r.mu.Lock()
			r.routing[addr] = ContractRouting{State: RoutingMapped, Decoders: persisted}
			r.mu.Unlock()
			return cloneDecoderSet(persisted), nil
		}
	}

	if r.mode == ModeNone {
		// Auto-dispatch fallback (§4.4 step 3): no identification
		// configured and no cached mapping, so every decoder is offered
		// every event and decides for itself via interested_tags-style
		// filtering inside decode().
		return cloneDecoderSet(r.allIDs), nil
	}

	return r.identify(ctx, addr)
}

// identify performs lazy identification, rendezvousing concurrent callers
// for the same address onto a single RPC round-trip (§4.4).
func (r *ContractRouter) identify(ctx context.Context, addr Address) (map[DecoderId]struct{}, error) {
	r.inFlightMu.Lock()
	if call, running := r.inFlight[addr]; running {
		r.inFlightMu.Unlock()
		select {
		case <-call.done:
			return cloneDecoderSet(call.result), call.err
		case <-ctx.Done():
			return nil, NewError(ErrCancelled, ctx.Err())
		}
	}
	call := &identificationCall{done: make(chan struct{})}
	r.inFlight[addr] = call
	r.inFlightMu.Unlock()

	result, err := r.doIdentify(ctx, addr)

	call.result, call.err = result, err
	close(call.done)

	r.inFlightMu.Lock()
	delete(r.inFlight, addr)
	r.inFlightMu.Unlock()

	return cloneDecoderSet(result), err
}

func (r *ContractRouter) doIdentify(ctx context.Context, addr Address) (map[DecoderId]struct{}, error) {
	classHash, err := r.lookup.ClassHashAt(ctx, addr)
	found := map[DecoderId]struct{}{}
	if err != nil {
		// A failed identification is cached as "no decoders matched"
		// rather than retried on every subsequent event (§4.4).
		// cacheResult also writes this empty routing to the StateStore
		// when one is configured, so it survives a restart; a router
		// built without a store forgets it on restart.
		r.log.WithError(err).Warnf("class-hash lookup failed for %s, caching empty routing", addr)
		r.cacheResult(addr, found)
		return found, nil
	}

	var abiJSON []byte
	needsABI := r.mode.Has(ModeAbiHeuristic)
	if needsABI {
		abiJSON, err = r.lookup.ClassABI(ctx, classHash)
		if err != nil {
			r.log.WithError(err).Warnf("ABI lookup failed for %s, caching empty routing", addr)
			r.cacheResult(addr, found)
			return found, nil
		}
	}

	for _, rule := range r.rules {
		if r.mode.Has(ModeSRC5) {
			if src5, ok := rule.SRC5Interface(); ok {
				for id := range src5.Decoders {
					found[id] = struct{}{}
				}
			}
		}
		if needsABI {
			for id := range rule.IdentifyByABI(addr, classHash, abiJSON) {
				found[id] = struct{}{}
			}
		}
	}

	r.cacheResult(addr, found)
	return found, nil
}

func (r *ContractRouter) cacheResult(addr Address, ids map[DecoderId]struct{}) {
	r.mu.Lock()
	r.routing[addr] = ContractRouting{State: RoutingMapped, Decoders: ids}
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.PutRouting(addr, ids); err != nil {
			r.log.WithError(err).Error("failed to persist routing cache")
		}
	}
}

// Blacklist marks addr as terminal-blacklisted (§3 invariant:
// Blacklisted is terminal).
func (r *ContractRouter) Blacklist(addr Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist[addr] = struct{}{}
	r.routing[addr] = ContractRouting{State: RoutingBlacklisted}
}

// Remap installs an explicit mapping for addr, the one allowed transition
// out of Unknown described in §3 ("Unknown may transition to Mapped
// exactly once per live router" — an explicit remap is the operator
// escape hatch and may be called again to remap an already-Mapped
// address).
func (r *ContractRouter) Remap(addr Address, ids map[DecoderId]struct{}) {
	r.cacheResult(addr, ids)
}

func cloneDecoderSet(in map[DecoderId]struct{}) map[DecoderId]struct{} {
	out := make(map[DecoderId]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// SortedDecoderIDs renders ids in the deterministic order required by §4.4
// ("ordering of decoder sets is deterministic").
func SortedDecoderIDs(ids map[DecoderId]struct{}) []DecoderId {
	out := make([]DecoderId, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ErrNoRules describes the misconfiguration of identification modes set
// with no identification rules registered (§7 ConfigError).
// NewContractRouter does not check for this condition, and no function in
// this package returns ErrNoRules.
var ErrNoRules = fmt.Errorf("identification mode set but no identification rules registered")
