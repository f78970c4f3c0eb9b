// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streaming

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/classifier"
	"github.com/luxfi/topology-indexer/poolevents"
	"github.com/luxfi/topology-indexer/validator"
	"github.com/luxfi/topology-indexer/writer"
)

type stubExtractor struct {
	candidates []poolevents.Candidate
	err        error
}

func (e *stubExtractor) ExtractPoolCreationEvents(ctx context.Context, blockNumber uint64, factories *poolevents.FactoryMap) ([]poolevents.Candidate, error) {
	return e.candidates, e.err
}

// stubValidator marks every candidate valid unless its address is
// listed in invalid.
type stubValidator struct {
	invalid map[common.Address]bool
	calls   int
}

func (v *stubValidator) ValidateAll(ctx context.Context, candidates []poolevents.Candidate) map[common.Address]validator.Result {
	v.calls++
	out := make(map[common.Address]validator.Result, len(candidates))
	for _, c := range candidates {
		if v.invalid != nil && v.invalid[c.Address] {
			out[c.Address] = validator.Result{Valid: false}
			continue
		}
		out[c.Address] = validator.Result{Valid: true}
	}
	return out
}

type stubWriteQueue struct {
	ops []writer.Operation
}

func (q *stubWriteQueue) Enqueue(op writer.Operation) {
	q.ops = append(q.ops, op)
}

func cand(addr common.Address, token0, token1 common.Address, dex string) poolevents.Candidate {
	return poolevents.Candidate{Address: addr, Dex: dex, Token0: token0, Token1: token1}
}

func newStream(extractor Extractor, v Validator, wq WriteQueue, blueChips []common.Address, settings Settings) *Stream {
	return New(extractor, classifier.New(blueChips), v, wq, poolevents.NewFactoryMap(), settings, zap.NewNop())
}

func TestProcessBlockValidatesCriticalInSameBlock(t *testing.T) {
	weth := common.HexToAddress("0xweth")
	usdc := common.HexToAddress("0xusdc")
	pool := common.HexToAddress("0xpool")

	c := cand(pool, weth, usdc, "UniswapV2")
	ext := &stubExtractor{candidates: []poolevents.Candidate{c}}
	v := &stubValidator{}
	wq := &stubWriteQueue{}
	s := newStream(ext, v, wq, []common.Address{weth, usdc}, Settings{RPCBudgetPerBlock: 300})

	stats, err := s.ProcessBlock(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Extracted)
	require.Equal(t, 1, stats.SameBlockValid)
	require.Equal(t, 0, stats.DeferredQueued)
	require.Equal(t, 0, s.DeferredQueueLen())

	require.Len(t, wq.ops, 1)
	require.True(t, wq.ops[0].UpsertPool.IsValid)
}

func TestProcessBlockDefersLowPriorityWhenNoBudget(t *testing.T) {
	tok0 := common.HexToAddress("0x1")
	tok1 := common.HexToAddress("0x2")
	pool := common.HexToAddress("0xpool")

	c := cand(pool, tok0, tok1, "UnknownDex")
	ext := &stubExtractor{candidates: []poolevents.Candidate{c}}
	v := &stubValidator{}
	wq := &stubWriteQueue{}
	s := newStream(ext, v, wq, nil, Settings{RPCBudgetPerBlock: 0})
	s.settings.RPCBudgetPerBlock = 0 // New turns an unset (zero) budget into the default of 300

	stats, err := s.ProcessBlock(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 0, stats.SameBlockValid)
	require.Equal(t, 1, stats.DeferredQueued)
	require.Equal(t, 0, v.calls)
	require.Equal(t, 1, s.DeferredQueueLen())
	require.Empty(t, wq.ops)
}

func TestProcessBlockDrainsDeferredQueueOnLaterCall(t *testing.T) {
	tok0 := common.HexToAddress("0x1")
	tok1 := common.HexToAddress("0x2")
	pool := common.HexToAddress("0xpool")
	c := cand(pool, tok0, tok1, "UnknownDex")

	// First call has zero budget, so the candidate is only queued.
	ext := &stubExtractor{candidates: []poolevents.Candidate{c}}
	v := &stubValidator{}
	wq := &stubWriteQueue{}
	s := newStream(ext, v, wq, nil, Settings{RPCBudgetPerBlock: 0})
	s.settings.RPCBudgetPerBlock = 0 // New turns an unset (zero) budget into the default of 300

	_, err := s.ProcessBlock(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, s.DeferredQueueLen())

	// Second call: no new candidates extracted, but enough budget to
	// drain the one pending entry from the first call.
	s.extractor = &stubExtractor{}
	s.settings.RPCBudgetPerBlock = 30
	stats, err := s.ProcessBlock(context.Background(), 101)
	require.NoError(t, err)
	require.Equal(t, 1, stats.DeferredValid)
	require.Equal(t, 0, stats.DeferredMissing)
	require.Equal(t, 0, s.DeferredQueueLen())
	require.Len(t, wq.ops, 1)
}

func TestProcessBlockMarksInvalidCandidatesButStillUpserts(t *testing.T) {
	weth := common.HexToAddress("0xweth")
	usdc := common.HexToAddress("0xusdc")
	pool := common.HexToAddress("0xpool")
	c := cand(pool, weth, usdc, "UniswapV2")

	ext := &stubExtractor{candidates: []poolevents.Candidate{c}}
	v := &stubValidator{invalid: map[common.Address]bool{pool: true}}
	wq := &stubWriteQueue{}
	s := newStream(ext, v, wq, []common.Address{weth, usdc}, Settings{RPCBudgetPerBlock: 300})

	stats, err := s.ProcessBlock(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 0, stats.SameBlockValid)
	require.Len(t, wq.ops, 1)
	require.False(t, wq.ops[0].UpsertPool.IsValid)
}

func TestProcessBlockNoExtractedCandidatesIsNoop(t *testing.T) {
	ext := &stubExtractor{}
	v := &stubValidator{}
	wq := &stubWriteQueue{}
	s := newStream(ext, v, wq, nil, Settings{})

	stats, err := s.ProcessBlock(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Extracted)
	require.Equal(t, 0, v.calls)
}

func TestProcessBlockPropagatesExtractorError(t *testing.T) {
	ext := &stubExtractor{err: require.AnError}
	s := newStream(ext, &stubValidator{}, &stubWriteQueue{}, nil, Settings{})

	_, err := s.ProcessBlock(context.Background(), 1)
	require.Error(t, err)
}

func TestAdmitToSameBlockSplitsOnCapacity(t *testing.T) {
	s := newStream(&stubExtractor{}, &stubValidator{}, &stubWriteQueue{}, nil, Settings{RPCBudgetPerBlock: 300})
	candidates := []poolevents.Candidate{
		cand(common.HexToAddress("0x1"), common.HexToAddress("0xa"), common.HexToAddress("0xb"), "x"),
		cand(common.HexToAddress("0x2"), common.HexToAddress("0xa"), common.HexToAddress("0xb"), "x"),
	}
	var stats Stats
	set, remaining := s.admitToSameBlock(nil, candidates, classifier.PriorityCritical, 1, 100, &stats)
	require.Len(t, set, 1)
	require.Equal(t, 0, remaining)
	require.Equal(t, 1, stats.DeferredQueued)
	require.Equal(t, 1, s.DeferredQueueLen())
}

func TestDeferAllRejectsLowPriorityWhenQueueFull(t *testing.T) {
	s := newStream(&stubExtractor{}, &stubValidator{}, &stubWriteQueue{}, nil, Settings{DeferredQueueMaxPending: 1})
	first := cand(common.HexToAddress("0x1"), common.HexToAddress("0xa"), common.HexToAddress("0xb"), "x")
	second := cand(common.HexToAddress("0x2"), common.HexToAddress("0xa"), common.HexToAddress("0xb"), "x")

	admitted := s.deferAll([]poolevents.Candidate{first}, classifier.PriorityLow, 100)
	require.Equal(t, 1, admitted)
	admitted = s.deferAll([]poolevents.Candidate{second}, classifier.PriorityLow, 100)
	require.Equal(t, 0, admitted)
	require.Equal(t, 1, s.DeferredQueueLen())
}

func TestUpdateKnownTokensAffectsClassification(t *testing.T) {
	tok0 := common.HexToAddress("0x1")
	tok1 := common.HexToAddress("0x2")
	pool := common.HexToAddress("0xpool")
	c := cand(pool, tok0, tok1, "UnknownDex")

	ext := &stubExtractor{candidates: []poolevents.Candidate{c}}
	v := &stubValidator{}
	wq := &stubWriteQueue{}
	s := newStream(ext, v, wq, nil, Settings{RPCBudgetPerBlock: 0})
	s.settings.RPCBudgetPerBlock = 0 // New turns an unset (zero) budget into the default of 300

	s.UpdateKnownTokens([]common.Address{tok0})
	_, err := s.ProcessBlock(context.Background(), 100)
	require.NoError(t, err)
	// Known-token candidates are Medium, not Low, but still deferred
	// at zero budget either way — this exercises the known-token path
	// without depending on queue internals beyond admission.
	require.Equal(t, 1, s.DeferredQueueLen())
}
