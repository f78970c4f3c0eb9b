// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package poolevents extracts pool-creation candidates (V2 PairCreated,
// V3 PoolCreated) from a block's logs, combining every known factory
// into a single eth_getLogs call and falling back to per-factory
// filters when the combined query fails (spec.md §4.6). Grounded on
// original_source/src/pool_event_extractor.rs; the combined-filter
// pattern follows other_examples' Aerodrome factory log decoding.
package poolevents

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/rpcpool"
)

// maxAddressesPerFilter mirrors the teacher's typical eth_getLogs
// address-count limit; beyond this the query is split into chunks.
const maxAddressesPerFilter = 100

var (
	pairCreatedTopic = crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)"))
	poolCreatedTopic = crypto.Keccak256Hash([]byte("PoolCreated(address,address,uint24,int24,int24,address)"))
)

// Candidate is a pool discovered from a PairCreated or PoolCreated
// event, not yet validated.
type Candidate struct {
	Address           common.Address
	Dex               string
	Factory           common.Address
	Token0            common.Address
	Token1            common.Address
	FeeBps            uint32
	DiscoveredAtBlock uint64
}

// FactoryMap resolves a factory address to the DEX name that deployed
// it, used to label extracted candidates and to build the combined
// eth_getLogs filter.
type FactoryMap struct {
	factories map[common.Address]string
}

// NewFactoryMap builds an empty FactoryMap.
func NewFactoryMap() *FactoryMap {
	return &FactoryMap{factories: make(map[common.Address]string)}
}

// AddFactory registers factory under dexName.
func (m *FactoryMap) AddFactory(factory common.Address, dexName string) {
	m.factories[factory] = dexName
}

// DexFor returns the DEX name for factory, if known.
func (m *FactoryMap) DexFor(factory common.Address) (string, bool) {
	name, ok := m.factories[factory]
	return name, ok
}

// Addresses returns every registered factory address.
func (m *FactoryMap) Addresses() []common.Address {
	out := make([]common.Address, 0, len(m.factories))
	for addr := range m.factories {
		out = append(out, addr)
	}
	return out
}

// Len reports how many factories are registered.
func (m *FactoryMap) Len() int {
	return len(m.factories)
}

// Extractor pulls pool-creation candidates out of a block's logs.
type Extractor struct {
	rpc *rpcpool.Pool
	log *zap.Logger
}

// New builds an Extractor against rpc.
func New(rpc *rpcpool.Pool, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{rpc: rpc, log: log}
}

// ExtractPoolCreationEvents fetches logs for blockNumber restricted to
// factories' addresses and the PairCreated/PoolCreated topics,
// combining every factory into one eth_getLogs call when possible.
func (e *Extractor) ExtractPoolCreationEvents(ctx context.Context, blockNumber uint64, factories *FactoryMap) ([]Candidate, error) {
	addrs := factories.Addresses()
	if len(addrs) == 0 {
		return nil, nil
	}

	var candidates []Candidate
	if len(addrs) <= maxAddressesPerFilter {
		logs, err := e.fetchLogs(ctx, addrs, blockNumber)
		if err != nil {
			e.log.Warn("poolevents: combined get_logs failed, falling back to per-factory chunks",
				zap.Error(err))
			for _, factory := range addrs {
				logs, err := e.fetchLogs(ctx, []common.Address{factory}, blockNumber)
				if err != nil {
					e.log.Warn("poolevents: per-factory get_logs failed, skipping factory",
						zap.Stringer("factory", factory), zap.Error(err))
					continue
				}
				candidates = append(candidates, decodeLogs(logs, blockNumber, factories)...)
			}
			return candidates, nil
		}
		candidates = decodeLogs(logs, blockNumber, factories)
	} else {
		return e.fetchChunked(ctx, addrs, blockNumber, factories)
	}

	if len(candidates) > 0 {
		e.log.Info("poolevents: extracted pool candidates",
			zap.Int("count", len(candidates)), zap.Uint64("block", blockNumber))
	}
	return candidates, nil
}

func (e *Extractor) fetchChunked(ctx context.Context, addrs []common.Address, blockNumber uint64, factories *FactoryMap) ([]Candidate, error) {
	var candidates []Candidate
	for start := 0; start < len(addrs); start += maxAddressesPerFilter {
		end := start + maxAddressesPerFilter
		if end > len(addrs) {
			end = len(addrs)
		}
		logs, err := e.fetchLogs(ctx, addrs[start:end], blockNumber)
		if err != nil {
			e.log.Warn("poolevents: chunked get_logs failed, skipping chunk",
				zap.Int("start", start), zap.Error(err))
			continue
		}
		candidates = append(candidates, decodeLogs(logs, blockNumber, factories)...)
	}
	return candidates, nil
}

func (e *Extractor) fetchLogs(ctx context.Context, addrs []common.Address, blockNumber uint64) ([]types.Log, error) {
	blockNum := new(big.Int).SetUint64(blockNumber)
	q := ethereum.FilterQuery{
		FromBlock: blockNum,
		ToBlock:   blockNum,
		Addresses: addrs,
		Topics:    [][]common.Hash{{pairCreatedTopic, poolCreatedTopic}},
	}
	return e.rpc.GetLogs(ctx, q)
}

func decodeLogs(logs []types.Log, blockNumber uint64, factories *FactoryMap) []Candidate {
	var candidates []Candidate
	for _, lg := range logs {
		dexName, ok := factories.DexFor(lg.Address)
		if !ok || len(lg.Topics) == 0 {
			continue
		}

		switch lg.Topics[0] {
		case pairCreatedTopic:
			if c, ok := decodePairCreated(lg, dexName, blockNumber); ok {
				candidates = append(candidates, c)
			}
		case poolCreatedTopic:
			if c, ok := decodePoolCreated(lg, dexName, blockNumber); ok {
				candidates = append(candidates, c)
			}
		}
	}
	return candidates
}

// decodePairCreated parses a V2 PairCreated(token0 indexed, token1
// indexed, pair, allPairsLength) event: pair address is the first 32
// bytes of non-indexed data.
func decodePairCreated(lg types.Log, dex string, blockNumber uint64) (Candidate, bool) {
	if len(lg.Topics) < 3 || len(lg.Data) < 32 {
		return Candidate{}, false
	}
	return Candidate{
		Address:           common.BytesToAddress(lg.Data[12:32]),
		Dex:               dex,
		Factory:           lg.Address,
		Token0:            common.BytesToAddress(lg.Topics[1].Bytes()),
		Token1:            common.BytesToAddress(lg.Topics[2].Bytes()),
		FeeBps:            30, // V2 pools are a fixed 0.3% fee by convention
		DiscoveredAtBlock: blockNumber,
	}, true
}

// decodePoolCreated parses a V3 PoolCreated(token0 indexed, token1
// indexed, fee indexed, tickSpacing, pool) event: the fee tier lives
// in the third indexed topic; the data section is two words
// (tickSpacing, pool), so the pool address is the final word.
func decodePoolCreated(lg types.Log, dex string, blockNumber uint64) (Candidate, bool) {
	if len(lg.Topics) < 4 || len(lg.Data) < 64 {
		return Candidate{}, false
	}
	fee := new(big.Int).SetBytes(lg.Topics[3].Bytes())
	return Candidate{
		Address:           common.BytesToAddress(lg.Data[len(lg.Data)-32:]),
		Dex:               dex,
		Factory:           lg.Address,
		Token0:            common.BytesToAddress(lg.Topics[1].Bytes()),
		Token1:            common.BytesToAddress(lg.Topics[2].Bytes()),
		FeeBps:            uint32(fee.Uint64()),
		DiscoveredAtBlock: blockNumber,
	}, true
}
