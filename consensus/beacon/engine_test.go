// Copyright 2025 The carbide Authors
// This file is part of the carbide library.
//
// The carbide library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The carbide library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the carbide library. If not, see <http://www.gnu.org/licenses/>.

package beacon

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/carbide-eth/carbide/beacon/engine"
	"github.com/carbide-eth/carbide/core"
	"github.com/carbide-eth/carbide/miner"
	"github.com/carbide-eth/carbide/stagedsync"
	"github.com/carbide-eth/carbide/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// recordingSyncUpdater captures the sync state transitions the engine emits.
type recordingSyncUpdater struct {
	mu     sync.Mutex
	state  SyncState
	states []SyncState
	heads  []ChainHead
}

func (u *recordingSyncUpdater) UpdateSyncState(state SyncState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = state
	u.states = append(u.states, state)
}

func (u *recordingSyncUpdater) UpdateStatus(head ChainHead) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.heads = append(u.heads, head)
}

func (u *recordingSyncUpdater) last() SyncState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *recordingSyncUpdater) lastHead() (ChainHead, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.heads) == 0 {
		return ChainHead{}, false
	}
	return u.heads[len(u.heads)-1], true
}

func engineTestGenesis() *types.Header {
	return &types.Header{
		Number:     new(big.Int),
		GasLimit:   30_000_000,
		Time:       1000,
		Difficulty: common.Big0,
	}
}

// makeBlocks creates n linked blocks whose executable data survives the
// payload roundtrip. The seed disambiguates competing chains; seeds >= 'x'
// mark blocks the test validator rejects.
func makeBlocks(parent *types.Header, n int, seed byte) []*types.Block {
	var blocks []*types.Block
	for i := 0; i < n; i++ {
		header := &types.Header{
			ParentHash:      parent.Hash(),
			UncleHash:       types.EmptyUncleHash,
			Root:            common.Hash{},
			TxHash:          types.EmptyTxsHash,
			ReceiptHash:     types.EmptyReceiptsHash,
			Number:          new(big.Int).Add(parent.Number, common.Big1),
			GasLimit:        parent.GasLimit,
			Time:            parent.Time + 12,
			Difficulty:      common.Big0,
			Extra:           []byte{seed},
			WithdrawalsHash: &types.EmptyWithdrawalsHash,
		}
		block := types.NewBlockWithHeader(header).WithBody(types.Body{Withdrawals: types.Withdrawals{}})
		blocks = append(blocks, block)
		parent = header
	}
	return blocks
}

func toExecutableData(block *types.Block) engine.ExecutableData {
	return *engine.BlockToExecutableData(block, new(big.Int), nil).ExecutionPayload
}

// errStateRoot is what the test validator reports for doctored blocks.
var errStateRoot = errors.New("mismatched state root")

type testEnv struct {
	t        *testing.T
	db       ethdb.KeyValueStore
	genesis  *types.Header
	tree     *core.ChainTree
	pipeline *scriptedPipeline
	client   *chainClient
	updater  *recordingSyncUpdater
	payloads *miner.PayloadBuilder
	engine   *ConsensusEngine
	handle   *EngineHandle

	validated int // validator invocations, engine-loop-written
}

// newTestEnv spins up an engine over a real tree with a scripted pipeline and
// an in-memory network. The tree validator rejects blocks whose extra data
// starts with 'x'.
func newTestEnv(t *testing.T, config Config, hooks ...Hook) *testEnv {
	t.Helper()

	env := &testEnv{
		t:        t,
		db:       storage.NewMemoryDatabase(),
		genesis:  engineTestGenesis(),
		pipeline: newScriptedPipeline(),
		client:   newChainClient(),
		updater:  new(recordingSyncUpdater),
	}
	env.tree = core.NewChainTree(env.db, env.genesis, big.NewInt(1), func(block *types.Block, parent *types.Header) error {
		env.validated++
		if len(block.Extra()) > 0 && block.Extra()[0] == 'x' {
			return errStateRoot
		}
		return nil
	})
	env.payloads = miner.NewPayloadBuilder(miner.NewJobGenerator(func(args *miner.BuildPayloadArgs, noTxs bool) (*miner.BuiltPayload, error) {
		parent := env.tree.HeaderByHash(args.Parent)
		if parent == nil {
			return nil, errors.New("unknown parent")
		}
		header := &types.Header{
			ParentHash: args.Parent,
			Number:     new(big.Int).Add(parent.Number, common.Big1),
			GasLimit:   parent.GasLimit,
			Time:       args.Timestamp,
			MixDigest:  args.Random,
			Difficulty: common.Big0,
		}
		block := types.NewBlockWithHeader(header).WithBody(types.Body{Withdrawals: args.Withdrawals})
		return &miner.BuiltPayload{Block: block, Fees: uint256.NewInt(0)}, nil
	}, miner.JobGeneratorConfig{Deadline: time.Minute, Recommit: time.Minute}))

	var err error
	env.engine, env.handle, err = New(params.MergedTestChainConfig, env.db, env.tree, env.pipeline,
		NewFullBlockClient(env.client, env.client), env.payloads, env.updater, hooks, config)
	require.NoError(t, err)

	env.engine.Start()
	t.Cleanup(func() { env.engine.Stop() })
	return env
}

func (env *testEnv) fcu(head, safe, finalized common.Hash) (engine.ForkChoiceResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return env.handle.ForkchoiceUpdated(ctx, engine.ForkchoiceStateV1{
		HeadBlockHash:      head,
		SafeBlockHash:      safe,
		FinalizedBlockHash: finalized,
	}, nil)
}

func (env *testEnv) fcuAttrs(head common.Hash, attrs *engine.PayloadAttributes) (engine.ForkChoiceResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return env.handle.ForkchoiceUpdated(ctx, engine.ForkchoiceStateV1{HeadBlockHash: head}, attrs)
}

func (env *testEnv) newPayload(block *types.Block) (engine.PayloadStatusV1, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return env.handle.NewPayload(ctx, toExecutableData(block), nil, nil)
}

// insertBlocks inserts linked blocks into the tree without canonicalizing
// them.
func (env *testEnv) insertBlocks(blocks []*types.Block) {
	env.t.Helper()
	for _, block := range blocks {
		_, err := env.tree.InsertBlock(block)
		require.NoError(env.t, err)
	}
}

// extendCanonical inserts linked blocks into the tree and makes the last one
// canonical.
func (env *testEnv) extendCanonical(blocks []*types.Block) {
	env.t.Helper()
	env.insertBlocks(blocks)
	_, err := env.tree.MakeCanonical(blocks[len(blocks)-1].Hash())
	require.NoError(env.t, err)
}

func waitPipelineTarget(t *testing.T, pipeline *scriptedPipeline) *common.Hash {
	t.Helper()
	select {
	case target := <-pipeline.targets:
		return target
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pipeline run")
		return nil
	}
}

// Scenario: the consensus layer requests an update to the zero hash. The
// engine must reject it outright without touching any state.
func TestForkchoiceEmptyHead(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)

	resp, err := env.fcu(common.Hash{}, common.Hash{}, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, engine.INVALID, resp.PayloadStatus.Status)
	require.NotNil(t, resp.PayloadStatus.ValidationError)
	require.Equal(t, "forkchoice state invalid", *resp.PayloadStatus.ValidationError)
	require.Nil(t, resp.PayloadID)
}

// Scenario: cold start with an unknown head. The engine replies SYNCING,
// reports itself as syncing and starts downloading towards the head.
func TestForkchoiceUnknownHeadStartsSync(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)

	head := common.Hash{0xaa}
	resp, err := env.fcu(head, common.Hash{}, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, engine.SYNCING, resp.PayloadStatus.Status)
	require.Eventually(t, func() bool { return env.updater.last() == SyncStateSyncing }, 2*time.Second, 10*time.Millisecond)

	// The head download request must reach the network layer.
	require.Eventually(t, func() bool { return env.client.requests.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
}

// With a zero pipeline threshold the engine never downloads first: the
// pipeline is armed directly.
func TestForkchoiceUnknownHeadZeroThreshold(t *testing.T) {
	env := newTestEnv(t, Config{PipelineRunThreshold: 0})

	head := common.Hash{0xaa}
	resp, err := env.fcu(head, common.Hash{}, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, engine.SYNCING, resp.PayloadStatus.Status)

	target := waitPipelineTarget(t, env.pipeline)
	require.NotNil(t, target)
	require.Equal(t, head, *target)
}

// On the very first update with an unknown safe block, the pipeline targets
// the safe block rather than the head.
func TestFirstForkchoiceSyncsToSafe(t *testing.T) {
	env := newTestEnv(t, Config{PipelineRunThreshold: 0})

	head, safe := common.Hash{0xaa}, common.Hash{0x5a}
	resp, err := env.fcu(head, safe, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, engine.SYNCING, resp.PayloadStatus.Status)

	target := waitPipelineTarget(t, env.pipeline)
	require.NotNil(t, target)
	require.Equal(t, safe, *target)
}

// Scenario: valid canonical advance. The tree holds the head already; the
// update canonicalizes it, updates safe and finalized and reports idle.
func TestForkchoiceValidAdvance(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 1, 0)
	env.insertBlocks(chain)

	head := chain[0].Hash()
	resp, err := env.fcu(head, head, head)
	require.NoError(t, err)
	require.Equal(t, engine.VALID, resp.PayloadStatus.Status)
	require.Equal(t, head, *resp.PayloadStatus.LatestValidHash)
	require.Eventually(t, func() bool { return env.updater.last() == SyncStateIdle }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, head, env.tree.CanonicalTip().Hash)
	if safe, ok := env.tree.SafeBlockHash(); !ok || safe != head {
		t.Fatalf("safe block not updated: %v", safe)
	}
	if finalized, ok := env.tree.FinalizedBlockHash(); !ok || finalized != head {
		t.Fatalf("finalized block not updated: %v", finalized)
	}
	// The handshake status must carry the new head.
	headStatus, ok := env.updater.lastHead()
	require.True(t, ok)
	require.Equal(t, head, headStatus.Hash)

	// Repeating the same update is a no-op and stays VALID.
	resp, err = env.fcu(head, head, head)
	require.NoError(t, err)
	require.Equal(t, engine.VALID, resp.PayloadStatus.Status)
}

// Scenario: a valid advance with attributes starts a payload build whose id
// is derived deterministically from the attributes.
func TestForkchoiceWithAttributesBuildsPayload(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 1, 0)
	env.insertBlocks(chain)

	head := chain[0]
	attrs := &engine.PayloadAttributes{
		Timestamp:             hexutil.Uint64(head.Time() + 12),
		Random:                common.Hash{0x01},
		SuggestedFeeRecipient: common.Address{0xee},
		Withdrawals:           types.Withdrawals{},
	}
	resp, err := env.fcuAttrs(head.Hash(), attrs)
	require.NoError(t, err)
	require.Equal(t, engine.VALID, resp.PayloadStatus.Status)
	require.NotNil(t, resp.PayloadID)

	want := (&miner.BuildPayloadArgs{
		Parent:       head.Hash(),
		Timestamp:    head.Time() + 12,
		FeeRecipient: common.Address{0xee},
		Random:       common.Hash{0x01},
		Withdrawals:  types.Withdrawals{},
	}).Id()
	require.Equal(t, want, *resp.PayloadID)

	// Exactly one job exists and it carries the attributes.
	args := env.payloads.PayloadAttributes(want)
	require.NotNil(t, args)
	require.Equal(t, head.Hash(), args.Parent)

	// Submitting the identical attributes again resolves to the same id.
	resp2, err := env.fcuAttrs(head.Hash(), attrs)
	require.NoError(t, err)
	require.Equal(t, want, *resp2.PayloadID)
}

// Attributes whose timestamp does not lie strictly after the head are
// rejected; the forkchoice update itself is not rolled back.
func TestForkchoiceInvalidPayloadAttributes(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 1, 0)
	env.insertBlocks(chain)

	head := chain[0]
	attrs := &engine.PayloadAttributes{
		Timestamp:             hexutil.Uint64(head.Time()), // not strictly greater
		SuggestedFeeRecipient: common.Address{0xee},
		Withdrawals:           types.Withdrawals{},
	}
	resp, err := env.fcuAttrs(head.Hash(), attrs)
	var apiErr *engine.EngineAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, engine.InvalidPayloadAttributes.ErrorCode(), apiErr.ErrorCode())
	require.Nil(t, resp.PayloadID)

	// The head movement sticks regardless.
	require.Equal(t, head.Hash(), env.tree.CanonicalTip().Hash)
}

// Safe and finalized must be canonical ancestors of a valid head; anything
// else is an inconsistent forkchoice state.
func TestForkchoiceInconsistentState(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 1, 0)
	env.insertBlocks(chain)

	head := chain[0].Hash()
	resp, err := env.fcu(head, common.Hash{0x5a}, common.Hash{})
	var apiErr *engine.EngineAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, engine.InvalidForkChoiceState.ErrorCode(), apiErr.ErrorCode())
	require.Equal(t, engine.INVALID, resp.PayloadStatus.Status)

	// Head canonicalization is not rolled back.
	require.Equal(t, head, env.tree.CanonicalTip().Hash)
}

// Scenario: an invalid payload lands in the invalid-headers cache, and a
// resubmission is rejected without re-executing it.
func TestNewPayloadInvalidIsCached(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 1, 0)
	env.extendCanonical(chain)
	parent := chain[0]

	bad := makeBlocks(parent.Header(), 1, 'x')[0]

	status, err := env.newPayload(bad)
	require.NoError(t, err)
	require.Equal(t, engine.INVALID, status.Status)
	require.NotNil(t, status.LatestValidHash)
	require.Equal(t, parent.Hash(), *status.LatestValidHash)
	require.Contains(t, *status.ValidationError, "state root")

	executed := env.validated

	// The resubmission must be served from the cache.
	status, err = env.newPayload(bad)
	require.NoError(t, err)
	require.Equal(t, engine.INVALID, status.Status)
	require.Equal(t, parent.Hash(), *status.LatestValidHash)
	require.Equal(t, executed, env.validated)

	// And a forkchoice update to the bad head keeps being rejected too.
	resp, err := env.fcu(bad.Hash(), common.Hash{}, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, engine.INVALID, resp.PayloadStatus.Status)
	require.Equal(t, parent.Hash(), *resp.PayloadStatus.LatestValidHash)
}

// A payload already part of the canonical chain replies VALID with its own
// hash, without further effects.
func TestNewPayloadKnownBlock(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 1, 0)
	env.extendCanonical(chain)

	status, err := env.newPayload(chain[0])
	require.NoError(t, err)
	require.Equal(t, engine.VALID, status.Status)
	require.Equal(t, chain[0].Hash(), *status.LatestValidHash)
}

// A payload extending the canonical head is fully validated and reported
// VALID.
func TestNewPayloadExtendsHead(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 2, 0)
	env.extendCanonical(chain[:1])

	status, err := env.newPayload(chain[1])
	require.NoError(t, err)
	require.Equal(t, engine.VALID, status.Status)
	require.Equal(t, chain[1].Hash(), *status.LatestValidHash)
}

// A payload with a malformed block hash is INVALID with a null latest valid
// hash.
func TestNewPayloadBlockHashMismatch(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 1, 0)

	data := toExecutableData(chain[0])
	data.BlockHash = common.Hash{0xbe, 0xef}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := env.handle.NewPayload(ctx, data, nil, nil)
	require.NoError(t, err)
	require.Equal(t, engine.INVALID, status.Status)
	require.Nil(t, status.LatestValidHash)
}

// A disconnected payload is buffered, answered with SYNCING, and triggers a
// backward download of the missing range.
func TestNewPayloadDisconnectedTriggersDownload(t *testing.T) {
	env := newTestEnv(t, DefaultConfig)
	chain := makeBlocks(env.genesis, 3, 0)
	env.extendCanonical(chain[:1])
	env.client.blocks[chain[1].Hash()] = chain[1]

	status, err := env.newPayload(chain[2])
	require.NoError(t, err)
	require.Equal(t, engine.SYNCING, status.Status)

	// The missing parent must be fetched and inserted eventually.
	require.Eventually(t, func() bool {
		return env.tree.HeaderByHash(chain[1].Hash()) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// A large gap escalates from block download to a pipeline run targeting the
// finalized block.
func TestLargeGapArmsPipelineToFinalized(t *testing.T) {
	env := newTestEnv(t, Config{PipelineRunThreshold: 4})

	distant := makeBlocks(env.genesis, 100, 0)
	head, finalized := distant[99], distant[90]
	env.client.blocks[head.Hash()] = head

	resp, err := env.fcu(head.Hash(), common.Hash{}, finalized.Hash())
	require.NoError(t, err)
	require.Equal(t, engine.SYNCING, resp.PayloadStatus.Status)

	// The head download succeeds, the block is disconnected, the gap exceeds
	// the threshold and the finalized block is unknown: pipeline time.
	target := waitPipelineTarget(t, env.pipeline)
	require.NotNil(t, target)
	require.Equal(t, finalized.Hash(), *target)
}

// A pipeline run that unwound leaves the offending block in the
// invalid-headers cache.
func TestPipelineUnwindCachesBadBlock(t *testing.T) {
	env := newTestEnv(t, Config{PipelineRunThreshold: 0})

	bad := makeBlocks(env.genesis, 1, 0)[0].Header()
	env.pipeline.outcomes <- pipelineOutcome{ctrl: stagedsync.ControlFlow{Progress: 0, BadBlock: bad}}

	_, err := env.fcu(common.Hash{0xaa}, common.Hash{}, common.Hash{})
	require.NoError(t, err)
	waitPipelineTarget(t, env.pipeline)

	require.Eventually(t, func() bool {
		return env.engine.invalidHeaders.Get(bad.Hash()) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// Scenario: after a pipeline run, a finalized block still missing from the
// database re-arms the pipeline with the finalized hash as target.
func TestPipelineFinishRearmsTowardsFinalized(t *testing.T) {
	env := newTestEnv(t, Config{PipelineRunThreshold: 0})

	head, finalized := common.Hash{0xaa}, common.Hash{0xff}
	env.pipeline.outcomes <- pipelineOutcome{ctrl: stagedsync.ControlFlow{Progress: 10}}

	_, err := env.fcu(head, common.Hash{}, finalized)
	require.NoError(t, err)

	first := waitPipelineTarget(t, env.pipeline)
	require.NotNil(t, first)
	require.Equal(t, head, *first)

	second := waitPipelineTarget(t, env.pipeline)
	require.NotNil(t, second)
	require.Equal(t, finalized, *second)
}

// Scenario: after a pipeline run, a finalized block present in the database
// restores the tree instead of re-arming the pipeline.
func TestPipelineFinishRestoresTree(t *testing.T) {
	env := newTestEnv(t, Config{PipelineRunThreshold: 0})
	chain := makeBlocks(env.genesis, 1, 0)
	env.extendCanonical(chain)
	finalized := chain[0]

	// A stale buffered block at the finalized height must be dropped by the
	// restoration.
	stale := makeBlocks(env.genesis, 1, 1)[0]
	require.NoError(t, env.tree.BufferBlock(stale))

	env.pipeline.outcomes <- pipelineOutcome{ctrl: stagedsync.ControlFlow{Progress: 1}}

	_, err := env.fcu(common.Hash{0xaa}, common.Hash{}, finalized.Hash())
	require.NoError(t, err)
	waitPipelineTarget(t, env.pipeline)

	require.Eventually(t, func() bool {
		return env.tree.BufferedHeader(stale.Hash()) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// No second pipeline run may be queued.
	select {
	case target := <-env.pipeline.targets:
		t.Fatalf("unexpected pipeline re-run towards %v", target)
	case <-time.After(200 * time.Millisecond):
	}
}

// A fatal pipeline error resolves the engine future with that error.
func TestPipelineErrorIsFatal(t *testing.T) {
	env := newTestEnv(t, Config{PipelineRunThreshold: 0})

	boom := errors.New("stage channel closed")
	env.pipeline.outcomes <- pipelineOutcome{err: boom}

	_, err := env.fcu(common.Hash{0xaa}, common.Hash{}, common.Hash{})
	require.NoError(t, err)

	require.ErrorIs(t, env.engine.Wait(), boom)
}

// Reaching the configured max block resolves the engine future cleanly.
func TestMaxBlockResolvesEngine(t *testing.T) {
	env := newTestEnv(t, Config{PipelineRunThreshold: DefaultPipelineRunThreshold, MaxBlock: 1})
	chain := makeBlocks(env.genesis, 1, 0)
	env.insertBlocks(chain)

	resp, err := env.fcu(chain[0].Hash(), common.Hash{}, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, engine.VALID, resp.PayloadStatus.Status)

	require.NoError(t, env.engine.Wait())
}

// While a hook holds exclusive database access, forkchoice updates and
// payloads are answered with SYNCING and buffered; once the hook finishes the
// buffered payloads reconnect and processing resumes.
func TestExclusiveHookBlocksMutations(t *testing.T) {
	hook := newTestHook("pruner", DBAccessReadWrite)
	env := newTestEnv(t, DefaultConfig, hook)
	chain := makeBlocks(env.genesis, 1, 0)

	// The hook starts as soon as the loop idles, flipping eth_syncing.
	require.Eventually(t, func() bool { return env.updater.last() == SyncStateSyncing }, 2*time.Second, 10*time.Millisecond)

	status, err := env.newPayload(chain[0])
	require.NoError(t, err)
	require.Equal(t, engine.SYNCING, status.Status)
	require.NotNil(t, env.tree.BufferedHeader(chain[0].Hash()))

	resp, err := env.fcu(chain[0].Hash(), common.Hash{}, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, engine.SYNCING, resp.PayloadStatus.Status)

	// Release the hook: the buffer reconnects and the head becomes
	// canonicalizable again.
	hook.ready.Store(false)
	close(hook.release)
	require.Eventually(t, func() bool { return env.updater.last() == SyncStateIdle }, 2*time.Second, 10*time.Millisecond)

	resp, err = env.fcu(chain[0].Hash(), common.Hash{}, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, engine.VALID, resp.PayloadStatus.Status)
	require.Equal(t, chain[0].Hash(), env.tree.CanonicalTip().Hash)
}

// An interrupted pipeline run (trailing stage checkpoints) is resumed on
// startup, targeting the canonical hash at the first stage's checkpoint.
func TestStartupResumesInterruptedPipeline(t *testing.T) {
	db := storage.NewMemoryDatabase()
	resume := common.Hash{0x42}
	stagedsync.WriteCheckpoint(db, stagedsync.Headers, stagedsync.Checkpoint{BlockNumber: 10})
	stagedsync.WriteCheckpoint(db, stagedsync.Bodies, stagedsync.Checkpoint{BlockNumber: 4})
	storage.WriteCanonicalHash(db, resume, 10)

	genesis := engineTestGenesis()
	tree := core.NewChainTree(db, genesis, big.NewInt(1), nil)
	pipeline := newScriptedPipeline()
	client := newChainClient()
	payloads := miner.NewPayloadBuilder(miner.NewJobGenerator(func(args *miner.BuildPayloadArgs, noTxs bool) (*miner.BuiltPayload, error) {
		return nil, errors.New("unused")
	}, miner.JobGeneratorConfig{Deadline: time.Minute, Recommit: time.Minute}))

	eng, _, err := New(params.TestChainConfig, db, tree, pipeline,
		NewFullBlockClient(client, client), payloads, new(recordingSyncUpdater), nil, DefaultConfig)
	require.NoError(t, err)
	eng.Start()
	defer eng.Stop()

	target := waitPipelineTarget(t, pipeline)
	require.NotNil(t, target)
	require.Equal(t, resume, *target)
}
