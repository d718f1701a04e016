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
	"fmt"
	"sync"
	"time"

	"github.com/carbide-eth/carbide/beacon/engine"
	"github.com/carbide-eth/carbide/core"
	"github.com/carbide-eth/carbide/miner"
	"github.com/carbide-eth/carbide/stagedsync"
	"github.com/carbide-eth/carbide/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
)

// EpochSlots is the number of slots per beacon chain epoch.
const EpochSlots = 32

// DefaultPipelineRunThreshold is the largest head-distance for which missing
// blocks are downloaded and executed through the tree. Larger gaps run the
// pipeline instead.
const DefaultPipelineRunThreshold = EpochSlots

// ErrPipelineTaskDropped reports a pipeline task that died without producing
// a result.
var ErrPipelineTaskDropped = errors.New("pipeline task dropped")

// Config are the tunables of the consensus engine.
type Config struct {
	// PipelineRunThreshold is the gap size above which the pipeline is
	// preferred over live tree sync. Zero always runs the pipeline.
	PipelineRunThreshold uint64

	// MaxBlock terminates the engine once the canonical chain reaches the
	// given height. Zero disables the bound.
	MaxBlock uint64

	// Continuous re-runs the pipeline without explicit targets, for nodes
	// driven without a consensus client.
	Continuous bool

	// Target forces an initial pipeline run towards the given hash.
	Target *common.Hash
}

// DefaultConfig are the engine defaults.
var DefaultConfig = Config{
	PipelineRunThreshold: DefaultPipelineRunThreshold,
}

// persistedForkchoice is the sync status blob saved across restarts.
type persistedForkchoice struct {
	Head      common.Hash
	Safe      common.Hash
	Finalized common.Hash
}

// ConsensusEngine is the driver that switches between historical and live
// sync. It is itself driven by messages from the consensus layer, received
// over the Engine API.
//
// The engine runs as a single loop goroutine. Within one iteration it drains,
// in strict priority: the progress of a hook holding exclusive database
// access, inbound consensus messages, sync controller events, and finally
// startable background work. Consensus responsiveness dominates background
// work, but a running exclusive hook blocks state mutations, so its progress
// is observed first.
type ConsensusEngine struct {
	chainConfig *params.ChainConfig
	db          ethdb.KeyValueStore
	tree        core.BlockchainTree

	sync      *EngineSyncController
	hooks     *EngineHooksController
	payloads  *miner.PayloadBuilder
	syncState NetworkSyncUpdater

	forkchoice     ForkchoiceStateTracker
	invalidHeaders *InvalidHeaderCache

	pipelineRunThreshold uint64

	msgCh     chan interface{}
	eventFeed event.Feed
	scope     event.SubscriptionScope

	runCtx    context.Context
	runCancel context.CancelFunc
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	err       error

	logger log.Logger
}

// New constructs the consensus engine and its handle. If the persisted stage
// checkpoints are inconsistent (a previous pipeline run was interrupted), a
// pipeline run towards the first stage's checkpoint is queued immediately; an
// explicitly configured target takes precedence.
func New(chainConfig *params.ChainConfig, db ethdb.KeyValueStore, tree core.BlockchainTree,
	pipeline Pipeline, client *FullBlockClient, payloads *miner.PayloadBuilder,
	syncState NetworkSyncUpdater, hooks []Hook, config Config) (*ConsensusEngine, *EngineHandle, error) {

	runCtx, runCancel := context.WithCancel(context.Background())
	e := &ConsensusEngine{
		chainConfig:          chainConfig,
		db:                   db,
		tree:                 tree,
		sync:                 NewEngineSyncController(pipeline, client, config.Continuous, config.MaxBlock),
		hooks:                NewEngineHooksController(),
		payloads:             payloads,
		syncState:            syncState,
		invalidHeaders:       NewInvalidHeaderCache(),
		pipelineRunThreshold: config.PipelineRunThreshold,
		msgCh:                make(chan interface{}),
		runCtx:               runCtx,
		runCancel:            runCancel,
		quit:                 make(chan struct{}),
		done:                 make(chan struct{}),
		logger:               log.New("component", "engine"),
	}
	for _, hook := range hooks {
		e.hooks.Add(hook)
	}
	if blob := storage.ReadSyncStatus(db); len(blob) > 0 {
		var status persistedForkchoice
		if err := rlp.DecodeBytes(blob, &status); err == nil {
			e.logger.Info("Loaded previous forkchoice state", "head", status.Head, "finalized", status.Finalized)
		}
	}
	switch {
	case config.Target != nil:
		e.sync.SetPipelineSyncTarget(*config.Target)
	default:
		if target, ok := e.checkPipelineConsistency(); ok {
			e.logger.Warn("Pipeline sync progress is inconsistent, resuming", "target", target)
			e.sync.SetPipelineSyncTarget(target)
		}
	}
	return e, &EngineHandle{engine: e}, nil
}

// checkPipelineConsistency compares every stage checkpoint against the first
// stage's. A trailing checkpoint means the previous run was interrupted; the
// canonical hash at the first stage's height becomes the resume target.
func (e *ConsensusEngine) checkPipelineConsistency() (common.Hash, bool) {
	first := stagedsync.ReadCheckpoint(e.db, stagedsync.AllStages[0]).BlockNumber
	for _, id := range stagedsync.AllStages[1:] {
		if checkpoint := stagedsync.ReadCheckpoint(e.db, id).BlockNumber; checkpoint < first {
			e.logger.Warn("Inconsistent stage checkpoint", "stage", id, "checkpoint", checkpoint, "first", first)
			if hash := storage.ReadCanonicalHash(e.db, first); hash != (common.Hash{}) {
				return hash, true
			}
			return common.Hash{}, false
		}
	}
	return common.Hash{}, false
}

// SubscribeEvents registers a listener for engine progress notifications.
func (e *ConsensusEngine) SubscribeEvents(ch chan<- EngineEvent) event.Subscription {
	return e.scope.Track(e.eventFeed.Subscribe(ch))
}

// Start launches the engine loop.
func (e *ConsensusEngine) Start() {
	go e.run()
}

// Stop terminates the engine loop and blocks until it exited.
func (e *ConsensusEngine) Stop() error {
	e.stopOnce.Do(func() { close(e.quit) })
	<-e.done
	return e.err
}

// Wait blocks until the engine loop resolved: the configured max block was
// reached, a fatal error occurred, or Stop was called.
func (e *ConsensusEngine) Wait() error {
	<-e.done
	return e.err
}

// run is the engine loop. Priorities within one iteration:
//
//  1. advance a running hook holding exclusive database access
//  2. drain one consensus layer message
//  3. drain sync controller events
//  4. launch a queued pipeline run
//  5. start a new hook, unless the latest forkchoice update was invalid
//
// Any progress restarts the iteration so consensus messages are observed
// again as early as possible; the loop blocks only when every source is
// pending.
func (e *ConsensusEngine) run() {
	defer e.shutdown()

	for {
		if e.hooks.IsHookWithDBWriteRunning() {
			select {
			case ev := <-e.hooks.Events():
				if err := e.onHookEvent(ev); err != nil {
					e.exit(err)
					return
				}
				continue
			default:
			}
		}
		select {
		case msg := <-e.msgCh:
			if terminate, err := e.onMessage(msg); terminate {
				e.exit(err)
				return
			}
			continue
		default:
		}
		select {
		case ev := <-e.sync.Events():
			if terminate, err := e.onSyncEvent(ev); terminate {
				e.exit(err)
				return
			}
			continue
		default:
		}
		select {
		case ev := <-e.hooks.Events():
			if err := e.onHookEvent(ev); err != nil {
				e.exit(err)
				return
			}
			continue
		default:
		}
		// The pipeline and exclusive hooks both demand the database for
		// themselves; a queued run waits until the hook is done.
		if !e.hooks.IsHookWithDBWriteRunning() && e.sync.TryStartPipeline(e.runCtx) {
			continue
		}
		if !e.forkchoice.IsLatestInvalid() {
			if hook := e.hooks.TryStartNextHook(e.runCtx, e.hookContext(), e.sync.IsPipelineActive()); hook != nil {
				if hook.DBAccess() == DBAccessReadWrite {
					// An exclusive hook stalls consensus processing the same
					// way the pipeline does, so eth_syncing must report true.
					e.syncState.UpdateSyncState(SyncStateSyncing)
				}
				continue
			}
		}
		select {
		case msg := <-e.msgCh:
			if terminate, err := e.onMessage(msg); terminate {
				e.exit(err)
				return
			}
		case ev := <-e.sync.Events():
			if terminate, err := e.onSyncEvent(ev); terminate {
				e.exit(err)
				return
			}
		case ev := <-e.hooks.Events():
			if err := e.onHookEvent(ev); err != nil {
				e.exit(err)
				return
			}
		case <-e.quit:
			e.exit(nil)
			return
		}
	}
}

func (e *ConsensusEngine) exit(err error) {
	e.err = err
}

func (e *ConsensusEngine) shutdown() {
	e.runCancel()
	e.sync.ClearBlockDownloadRequests()
	e.hooks.Stop()
	e.payloads.Stop()
	if state, _, ok := e.forkchoice.LatestState(); ok {
		blob, err := rlp.EncodeToBytes(&persistedForkchoice{
			Head:      state.HeadBlockHash,
			Safe:      state.SafeBlockHash,
			Finalized: state.FinalizedBlockHash,
		})
		if err == nil {
			storage.WriteSyncStatus(e.db, blob)
		}
	}
	e.scope.Close()
	close(e.done)
	if e.err != nil {
		e.logger.Error("Consensus engine exited", "err", e.err)
	} else {
		e.logger.Info("Consensus engine exited")
	}
}

func (e *ConsensusEngine) hookContext() HookContext {
	hctx := HookContext{TipBlockNumber: e.tree.CanonicalTip().Number}
	if hash, ok := e.tree.FinalizedBlockHash(); ok {
		if number, ok := e.tree.BlockNumber(hash); ok {
			hctx.FinalizedBlockNumber = &number
		}
	}
	return hctx
}

// onMessage dispatches one consensus layer message. The returned flag asks
// the loop to terminate.
func (e *ConsensusEngine) onMessage(msg interface{}) (bool, error) {
	switch m := msg.(type) {
	case *forkchoiceUpdatedMsg:
		return e.onForkchoiceUpdated(m)
	case *newPayloadMsg:
		newPayloadMeter.Mark(1)
		status, err := e.onNewPayload(m.data, m.versionedHashes, m.beaconRoot)
		m.reply <- newPayloadReply{status: status, err: err}
		return false, nil
	case *transitionConfigMsg:
		e.tree.OnTransitionConfigurationExchanged()
		close(m.done)
		return false, nil
	default:
		e.logger.Error("Unknown engine message", "msg", fmt.Sprintf("%T", msg))
		return false, nil
	}
}

// onForkchoiceUpdated processes a forkchoice update end to end: verdict,
// tracker bookkeeping, reply delivery and the resulting sync state changes.
func (e *ConsensusEngine) onForkchoiceUpdated(msg *forkchoiceUpdatedMsg) (bool, error) {
	forkchoiceUpdatedMeter.Mark(1)
	state := msg.state
	e.logger.Trace("Received new forkchoice state update", "head", state.HeadBlockHash, "safe", state.SafeBlockHash, "finalized", state.FinalizedBlockHash)

	// An all-zero head is rejected outright, without touching any state.
	if state.HeadBlockHash == (common.Hash{}) {
		e.logger.Warn("Forkchoice requested update to zero hash")
		msg.reply <- forkchoiceUpdatedReply{resp: invalidForkchoiceStateResponse()}
		return false, nil
	}
	e.tree.OnForkchoiceUpdateReceived(&state)
	resp, err := e.forkchoiceUpdated(state, msg.attrs)
	if err != nil {
		if core.IsFatalCanonicalError(err) {
			msg.reply <- forkchoiceUpdatedReply{err: err}
			return true, err
		}
		// Non-fatal errors (invalid attributes, inconsistent state) still
		// carry a meaningful response alongside the error code; internal
		// errors carry none and leave the tracker untouched.
		if resp.PayloadStatus.Status != "" {
			status := forkchoiceStatus(resp.PayloadStatus.Status)
			e.forkchoice.SetLatest(state, status)
			defer e.notify(EngineEvent{Kind: EventForkchoiceUpdated, State: state, Status: status})
		}
		msg.reply <- forkchoiceUpdatedReply{resp: resp, err: err}
		return false, nil
	}
	status := forkchoiceStatus(resp.PayloadStatus.Status)
	e.forkchoice.SetLatest(state, status)
	msg.reply <- forkchoiceUpdatedReply{resp: resp}

	switch status {
	case ForkchoiceValid:
		// The head is valid: the node is fully synced and any outstanding
		// block downloads are moot.
		e.syncState.UpdateSyncState(SyncStateIdle)
		e.sync.ClearBlockDownloadRequests()

		if tip := e.tree.CanonicalTip().Number; e.sync.HasReachedMaxBlock(tip) {
			e.logger.Info("Reached max block, terminating", "block", tip)
			return true, nil
		}
	case ForkchoiceSyncing:
		e.syncState.UpdateSyncState(SyncStateSyncing)
	}
	e.notify(EngineEvent{Kind: EventForkchoiceUpdated, State: state, Status: status})
	return false, nil
}

// forkchoiceUpdated computes the engine's verdict on a forkchoice update.
// Returned errors other than fatal canonicalization failures are Engine API
// error codes accompanying the response.
func (e *ConsensusEngine) forkchoiceUpdated(state engine.ForkchoiceStateV1, attrs *engine.PayloadAttributes) (engine.ForkChoiceResponse, error) {
	// Reject the update if the head was previously proven invalid or, when
	// part of its chain is buffered, if the parent of its lowest buffered
	// ancestor was.
	lowest := e.lowestBufferedAncestorOr(state.HeadBlockHash)
	if status := e.checkInvalidAncestor(lowest); status != nil {
		return engine.ForkChoiceResponse{PayloadStatus: *status}, nil
	}
	// The pipeline and exclusive hooks own the database while running; the
	// tree must not be touched until they finish.
	if e.sync.IsPipelineActive() {
		e.logger.Trace("Pipeline is syncing, skipping forkchoice update")
		return engine.STATUS_SYNCING, nil
	}
	if e.hooks.IsHookWithDBWriteRunning() {
		e.logger.Warn("Hook with exclusive database access in progress, skipping forkchoice update")
		return engine.STATUS_SYNCING, nil
	}
	start := time.Now()
	outcome, err := e.tree.MakeCanonical(state.HeadBlockHash)
	makeCanonicalTimer.UpdateSince(start)

	if err != nil {
		if core.IsFatalCanonicalError(err) {
			e.logger.Error("Fatal canonicalization error", "err", err)
			return engine.ForkChoiceResponse{}, err
		}
		// The consistency check is skipped here: the verdict is INVALID or
		// SYNCING, and an InvalidForkchoiceState reply would obscure the true
		// failure cause.
		status := e.onFailedCanonicalForkchoiceUpdate(&state, err)
		return engine.ForkChoiceResponse{PayloadStatus: status}, nil
	}
	if outcome.AlreadyCanonical {
		e.logger.Debug("Ignoring beacon update to old head", "head", state.HeadBlockHash, "current", e.tree.CanonicalTip().Number)
	} else {
		e.updateHead(outcome.Head)
		e.notify(EngineEvent{Kind: EventCanonicalChainCommitted, Header: outcome.Head})
	}
	// The head is canonical now; safe and finalized must be among its
	// ancestors for the state to be coherent.
	if resp, cerr := e.ensureConsistentState(state); resp != nil {
		return *resp, cerr
	} else if cerr != nil {
		return engine.ForkChoiceResponse{}, cerr
	}
	if attrs != nil {
		return e.processPayloadAttributes(attrs, outcome.Head, state)
	}
	head := state.HeadBlockHash
	return engine.ForkChoiceResponse{
		PayloadStatus: engine.PayloadStatusV1{Status: engine.VALID, LatestValidHash: &head},
	}, nil
}

// ensureConsistentState verifies that safe and finalized, when set, are
// canonical ancestors of the (new) head, updating the tree's pointers along
// the way. The check only applies to updates that would otherwise be VALID:
// for INVALID and SYNCING verdicts an InvalidForkchoiceState reply would
// obscure the true failure cause and omit the latest valid hash.
func (e *ConsensusEngine) ensureConsistentState(state engine.ForkchoiceStateV1) (*engine.ForkChoiceResponse, error) {
	if state.FinalizedBlockHash != (common.Hash{}) {
		canonical, err := e.tree.IsCanonical(state.FinalizedBlockHash)
		if err != nil {
			return nil, err
		}
		if !canonical {
			e.logger.Warn("Finalized block not in canonical chain", "finalized", state.FinalizedBlockHash)
			resp := invalidForkchoiceStateResponse()
			return &resp, engine.InvalidForkChoiceState.With(errors.New("final block not in canonical chain"))
		}
		e.updateFinalizedBlock(state.FinalizedBlockHash)
	}
	if state.SafeBlockHash != (common.Hash{}) {
		canonical, err := e.tree.IsCanonical(state.SafeBlockHash)
		if err != nil {
			return nil, err
		}
		if !canonical {
			e.logger.Warn("Safe block not in canonical chain", "safe", state.SafeBlockHash)
			resp := invalidForkchoiceStateResponse()
			return &resp, engine.InvalidForkChoiceState.With(errors.New("safe block not in canonical chain"))
		}
		e.updateSafeBlock(state.SafeBlockHash)
	}
	return nil, nil
}

func invalidForkchoiceStateResponse() engine.ForkChoiceResponse {
	msg := "forkchoice state invalid"
	return engine.ForkChoiceResponse{
		PayloadStatus: engine.PayloadStatusV1{Status: engine.INVALID, ValidationError: &msg},
	}
}

// updateHead moves the canonical head pointer and refreshes the handshake
// status advertised to peers.
func (e *ConsensusEngine) updateHead(head *types.Header) {
	e.tree.SetCanonicalHead(head)
	e.syncState.UpdateStatus(ChainHead{
		Number:          head.Number.Uint64(),
		Hash:            head.Hash(),
		TotalDifficulty: e.tree.HeaderTD(head.Number.Uint64()),
		Timestamp:       head.Time,
	})
}

func (e *ConsensusEngine) updateSafeBlock(hash common.Hash) {
	if current, ok := e.tree.SafeBlockHash(); ok && current == hash {
		return
	}
	if header := e.tree.HeaderByHash(hash); header != nil {
		e.tree.SetSafe(header)
	}
}

func (e *ConsensusEngine) updateFinalizedBlock(hash common.Hash) {
	if current, ok := e.tree.FinalizedBlockHash(); ok && current == hash {
		return
	}
	if header := e.tree.HeaderByHash(hash); header != nil {
		e.tree.FinalizeBlock(header.Number.Uint64())
		e.tree.SetFinalized(header)
	}
}

// processPayloadAttributes forwards build attributes to the payload builder.
// The forkchoice update itself is VALID at this point and is not rolled back
// even if the attributes are rejected.
func (e *ConsensusEngine) processPayloadAttributes(attrs *engine.PayloadAttributes, head *types.Header, state engine.ForkchoiceStateV1) (engine.ForkChoiceResponse, error) {
	headHash := state.HeadBlockHash
	valid := func(id *engine.PayloadID) engine.ForkChoiceResponse {
		return engine.ForkChoiceResponse{
			PayloadStatus: engine.PayloadStatusV1{Status: engine.VALID, LatestValidHash: &headHash},
			PayloadID:     id,
		}
	}
	// The build context must lie strictly after the head; an equal timestamp
	// is just as unbuildable as an earlier one.
	if uint64(attrs.Timestamp) <= head.Time {
		e.logger.Warn("Invalid payload attribute timestamp", "head", head.Time, "attribute", uint64(attrs.Timestamp))
		return valid(nil), engine.InvalidPayloadAttributes.With(errors.New("payload timestamp not greater than head"))
	}
	args := &miner.BuildPayloadArgs{
		Parent:       state.HeadBlockHash,
		Timestamp:    uint64(attrs.Timestamp),
		FeeRecipient: attrs.SuggestedFeeRecipient,
		Random:       attrs.Random,
		Withdrawals:  attrs.Withdrawals,
		BeaconRoot:   attrs.BeaconRoot,
	}
	id, err := e.payloads.BuildNewPayload(args)
	if err != nil {
		e.logger.Error("Failed to build payload", "err", err)
		return valid(nil), engine.InvalidPayloadAttributes.With(err)
	}
	return valid(&id), nil
}

// onFailedCanonicalForkchoiceUpdate handles a head that could not be made
// canonical: either the head chain is known invalid, or blocks are missing
// and a sync towards the head (or the safe block, on a cold start) begins.
func (e *ConsensusEngine) onFailedCanonicalForkchoiceUpdate(state *engine.ForkchoiceStateV1, err error) engine.PayloadStatusV1 {
	if status := e.checkInvalidAncestor(state.HeadBlockHash); status != nil {
		e.logger.Warn("Forkchoice head was previously marked invalid", "head", state.HeadBlockHash)
		return *status
	}
	switch {
	case core.IsPreMergeError(err):
		e.logger.Warn("Forkchoice head rejected as pre-merge", "head", state.HeadBlockHash)
		zero := common.Hash{}
		msg := err.Error()
		return engine.PayloadStatusV1{Status: engine.INVALID, LatestValidHash: &zero, ValidationError: &msg}
	case errors.Is(err, core.ErrBlockHashNotFoundInChain):
		// The tree simply does not have the block: ordinary sync-needed
		// condition during live sync, not worth a warning.
		e.logger.Debug("Forkchoice head not found in chain", "head", state.HeadBlockHash)
	default:
		e.logger.Warn("Failed to canonicalize forkchoice head", "head", state.HeadBlockHash, "err", err)
	}
	// On the very first update, if the safe block is unknown locally the
	// pipeline syncs to it rather than the head, so no headers are written
	// past a potentially invalid head.
	var target common.Hash
	if e.forkchoice.IsEmpty() {
		target = state.HeadBlockHash
		if state.SafeBlockHash != (common.Hash{}) {
			if _, known := e.tree.BlockNumber(state.SafeBlockHash); !known {
				target = state.SafeBlockHash
			}
		}
		target = e.lowestBufferedAncestorOr(target)
	} else {
		target = e.lowestBufferedAncestorOr(state.HeadBlockHash)
	}
	if e.pipelineRunThreshold == 0 {
		// Zero threshold: never download first, always arm the pipeline.
		e.sync.SetPipelineSyncTarget(target)
	} else {
		e.sync.DownloadFullBlock(target)
	}
	e.logger.Debug("Syncing to new forkchoice target", "target", target)
	return engine.PayloadStatusV1{Status: engine.SYNCING}
}

// lowestBufferedAncestorOr returns the parent hash of the lowest buffered
// ancestor of the given block if any ancestors are buffered, otherwise the
// hash itself.
func (e *ConsensusEngine) lowestBufferedAncestorOr(hash common.Hash) common.Hash {
	if block := e.tree.LowestBufferedAncestor(hash); block != nil {
		return block.ParentHash()
	}
	return hash
}

// checkInvalidAncestor returns the rejection response if the given hash
// inherits invalidity from the invalid-headers cache.
func (e *ConsensusEngine) checkInvalidAncestor(head common.Hash) *engine.PayloadStatusV1 {
	header := e.invalidHeaders.Get(head)
	if header == nil {
		return nil
	}
	status := e.prepareInvalidResponse(header.ParentHash)
	return &status
}

// checkInvalidAncestorWithHead additionally records the head block as invalid
// if the checked hash has a known invalid ancestor, so progressing bad chains
// keep being rejected without re-execution.
func (e *ConsensusEngine) checkInvalidAncestorWithHead(check, head common.Hash) *engine.PayloadStatusV1 {
	header := e.invalidHeaders.Get(check)
	if header == nil {
		return nil
	}
	status := e.prepareInvalidResponse(header.ParentHash)
	e.invalidHeaders.InsertWithInvalidAncestor(head, header)
	return &status
}

// prepareInvalidResponse builds the INVALID status for a payload whose parent
// is the given hash, populating latestValidHash per the Engine API: the zero
// hash if the parent is the terminal proof-of-work block.
func (e *ConsensusEngine) prepareInvalidResponse(parentHash common.Hash) engine.PayloadStatusV1 {
	latestValid := parentHash
	if header := e.tree.HeaderByHash(parentHash); header != nil && header.Difficulty.Sign() != 0 {
		latestValid = common.Hash{}
	}
	msg := "links to previously rejected block"
	return engine.PayloadStatusV1{Status: engine.INVALID, LatestValidHash: &latestValid, ValidationError: &msg}
}

// latestValidHashForInvalidPayload resolves the latestValidHash field for an
// invalid payload with the given parent:
//
//   - the zero hash for pre-merge rejections
//   - the parent hash if the parent is known, side chains included
//   - otherwise the closest canonical ancestor, or the zero hash if that
//     ancestor is the terminal proof-of-work block
//   - nil if no ancestor is known at all
func (e *ConsensusEngine) latestValidHashForInvalidPayload(parentHash common.Hash, insertErr error) *common.Hash {
	if insertErr != nil && core.IsPreMergeError(insertErr) {
		zero := common.Hash{}
		return &zero
	}
	if e.tree.HeaderByHash(parentHash) != nil {
		return &parentHash
	}
	ancestor, ok := e.tree.FindCanonicalAncestor(parentHash)
	if !ok {
		return nil
	}
	if header := e.tree.HeaderByHash(ancestor); header != nil && header.Difficulty.Sign() != 0 {
		zero := common.Hash{}
		return &zero
	}
	return &ancestor
}

// onNewPayload processes an execution payload received from the consensus
// layer. Internal errors are returned to the caller; every payload-related
// failure is absorbed into the status.
func (e *ConsensusEngine) onNewPayload(data engine.ExecutableData, versionedHashes []common.Hash, beaconRoot *common.Hash) (engine.PayloadStatusV1, error) {
	e.logger.Trace("Engine API request received", "method", "NewPayload", "number", uint64(data.Number), "hash", data.BlockHash)

	block, err := engine.ExecutableDataToBlock(data, versionedHashes, beaconRoot, e.chainConfig)
	if err != nil {
		e.logger.Warn("Invalid payload", "number", uint64(data.Number), "hash", data.BlockHash, "err", err)
		msg := err.Error()
		if errors.Is(err, engine.ErrBlockHashMismatch) {
			// The advertised hash does not describe the payload at all; there
			// is no meaningful latest valid hash for it.
			return engine.PayloadStatusV1{Status: engine.INVALID, ValidationError: &msg}, nil
		}
		return engine.PayloadStatusV1{
			Status:          engine.INVALID,
			LatestValidHash: e.latestValidHashForInvalidPayload(data.ParentHash, nil),
			ValidationError: &msg,
		}, nil
	}
	blockHash := block.Hash()

	// Keep rejecting blocks that were proven invalid before, without
	// re-executing them.
	if status := e.checkInvalidAncestor(blockHash); status != nil {
		return *status, nil
	}
	lowest := e.lowestBufferedAncestorOr(blockHash)
	if lowest == blockHash {
		lowest = block.ParentHash()
	}
	if status := e.checkInvalidAncestorWithHead(lowest, blockHash); status != nil {
		return *status, nil
	}
	if e.sync.IsPipelineIdle() && !e.hooks.IsHookWithDBWriteRunning() {
		return e.tryInsertNewPayload(block)
	}
	// The database is owned by the pipeline or an exclusive hook right now;
	// stash the block away for connection once they finish.
	if e.hooks.IsHookWithDBWriteRunning() {
		e.logger.Debug("Hook with exclusive database access in progress, buffering payload", "hash", blockHash)
	}
	if err := e.tree.BufferBlock(block); err != nil {
		return engine.PayloadStatusV1{}, err
	}
	return engine.PayloadStatusV1{Status: engine.SYNCING}, nil
}

// tryInsertNewPayload inserts the payload into the tree, which requires the
// pipeline and exclusive hooks to be idle.
func (e *ConsensusEngine) tryInsertNewPayload(block *types.Block) (engine.PayloadStatusV1, error) {
	blockHash := block.Hash()
	res, err := e.tree.InsertBlock(block)
	if err != nil {
		insertErr, ok := core.AsInsertBlockError(err)
		if !ok || !insertErr.Invalid {
			// Internal failure: surfaced to the caller, not cached as
			// invalid.
			return engine.PayloadStatusV1{}, err
		}
		e.logger.Warn("Invalid block on new payload", "number", block.NumberU64(), "hash", blockHash, "err", insertErr.Inner)
		e.invalidHeaders.Insert(block.Header())
		msg := insertErr.Inner.Error()
		return engine.PayloadStatusV1{
			Status:          engine.INVALID,
			LatestValidHash: e.latestValidHashForInvalidPayload(block.ParentHash(), insertErr),
			ValidationError: &msg,
		}, nil
	}
	switch res.Status {
	case core.BlockStatusValid:
		if !res.AlreadySeen {
			e.notify(EngineEvent{Kind: EventCanonicalBlockAdded, Block: block})
		}
		// If this block is the current sync target's head, the chain may be
		// connectable now.
		if target, ok := e.forkchoice.SyncTargetState(); ok && blockHash == target.HeadBlockHash {
			e.tryMakeSyncTargetCanonical(core.BlockNumHash{Number: block.NumberU64(), Hash: blockHash})
		}
		e.sync.CancelFullBlockRequest(blockHash)
		return engine.PayloadStatusV1{Status: engine.VALID, LatestValidHash: &blockHash}, nil

	case core.BlockStatusAccepted:
		if !res.AlreadySeen {
			e.notify(EngineEvent{Kind: EventForkBlockAdded, Block: block})
		}
		return engine.PayloadStatusV1{Status: engine.ACCEPTED}, nil

	default: // disconnected
		if status := e.checkInvalidAncestorWithHead(block.ParentHash(), blockHash); status != nil {
			return *status, nil
		}
		e.onDisconnectedBlock(
			core.BlockNumHash{Number: block.NumberU64(), Hash: blockHash},
			res.MissingAncestor,
		)
		return engine.PayloadStatusV1{Status: engine.SYNCING}, nil
	}
}

// onDownloadedBlock inserts a block fetched from the network and decides the
// follow-up: canonicalize the sync target, keep walking backwards, or fall
// back to the pipeline.
func (e *ConsensusEngine) onDownloadedBlock(block *types.Block) {
	numHash := core.BlockNumHash{Number: block.NumberU64(), Hash: block.Hash()}
	e.logger.Trace("Downloaded full block", "number", numHash.Number, "hash", numHash.Hash)

	if e.checkInvalidAncestorWithHead(block.ParentHash(), block.Hash()) != nil {
		return
	}
	if !e.sync.IsPipelineIdle() || e.hooks.IsHookWithDBWriteRunning() {
		e.tree.BufferBlock(block)
		return
	}
	res, err := e.tree.InsertBlock(block)
	if err != nil {
		if insertErr, ok := core.AsInsertBlockError(err); ok && insertErr.Invalid {
			e.logger.Warn("Marking downloaded block as invalid", "number", numHash.Number, "hash", numHash.Hash, "err", insertErr.Inner)
			e.invalidHeaders.Insert(block.Header())
			return
		}
		e.logger.Warn("Failed to insert downloaded block", "number", numHash.Number, "hash", numHash.Hash, "err", err)
		return
	}
	switch res.Status {
	case core.BlockStatusValid, core.BlockStatusAccepted:
		e.tryMakeSyncTargetCanonical(numHash)
	case core.BlockStatusDisconnected:
		e.onDisconnectedBlock(numHash, res.MissingAncestor)
	}
}

// onDisconnectedBlock compares the missing parent of a disconnected block
// with the canonical tip and decides between pipeline sync and backward
// block download.
func (e *ConsensusEngine) onDisconnectedBlock(downloaded core.BlockNumHash, missingParent core.BlockNumHash) {
	tip := e.tree.CanonicalTip().Number

	if target := e.canPipelineSyncToFinalized(tip, missingParent.Number, &downloaded); target != nil {
		e.sync.SetPipelineSyncTarget(*target)
		return
	}
	// The gap is small (or the finalized block is known already): keep
	// downloading the missing range through the tree. A missing parent below
	// the tip sits on an outdated side chain and is fetched alone.
	if missingParent.Number > tip {
		e.sync.DownloadBlockRange(missingParent.Hash, missingParent.Number-tip)
	} else {
		e.sync.DownloadFullBlock(missingParent.Hash)
	}
}

// exceedsPipelineRunThreshold reports whether the distance from the local tip
// to the block is strictly greater than the configured threshold.
func (e *ConsensusEngine) exceedsPipelineRunThreshold(localTip, block uint64) bool {
	return block > localTip && block-localTip > e.pipelineRunThreshold
}

// canPipelineSyncToFinalized returns the finalized hash as pipeline target if
// the gap towards the given block exceeds the threshold and the finalized
// block is not yet known locally. A buffered or just-downloaded finalized
// block refines the distance estimate.
func (e *ConsensusEngine) canPipelineSyncToFinalized(tip, targetNumber uint64, downloaded *core.BlockNumHash) *common.Hash {
	target, ok := e.forkchoice.SyncTargetState()
	if !ok {
		return nil
	}
	exceeds := e.exceedsPipelineRunThreshold(tip, targetNumber)

	if buffered := e.tree.BufferedHeader(target.FinalizedBlockHash); buffered != nil {
		exceeds = e.exceedsPipelineRunThreshold(tip, buffered.Number.Uint64())
	}
	if downloaded != nil && downloaded.Hash == target.FinalizedBlockHash {
		exceeds = e.exceedsPipelineRunThreshold(tip, downloaded.Number)
	}
	if !exceeds {
		return nil
	}
	if target.FinalizedBlockHash == (common.Hash{}) {
		return nil
	}
	if e.tree.HeaderByHash(target.FinalizedBlockHash) != nil {
		// Already synced to the finalized block; keep downloading the missing
		// parents instead.
		return nil
	}
	finalized := target.FinalizedBlockHash
	return &finalized
}

// tryMakeSyncTargetCanonical attempts to canonicalize the current sync
// target's head after a block insertion connected new chain segments.
func (e *ConsensusEngine) tryMakeSyncTargetCanonical(inserted core.BlockNumHash) {
	target, ok := e.forkchoice.SyncTargetState()
	if !ok {
		return
	}
	start := time.Now()
	outcome, err := e.tree.MakeCanonical(target.HeadBlockHash)
	makeCanonicalTimer.UpdateSince(start)
	if err != nil {
		// The target head is still not connectable. If the block just
		// inserted is the targeted safe or finalized block, those are part of
		// the canonical chain as well and may already be connectable.
		if errors.Is(err, core.ErrBlockHashNotFoundInChain) {
			if inserted.Hash == target.SafeBlockHash || inserted.Hash == target.FinalizedBlockHash {
				if _, err := e.tree.MakeCanonical(inserted.Hash); err != nil {
					e.logger.Debug("Failed to canonicalize inserted block", "hash", inserted.Hash, "err", err)
				}
			}
		}
		return
	}
	if !outcome.AlreadyCanonical {
		e.notify(EngineEvent{Kind: EventCanonicalChainCommitted, Header: outcome.Head})
	}
	e.logger.Debug("Canonicalized new head", "number", outcome.Head.Number, "hash", outcome.Head.Hash())

	e.updateHead(outcome.Head)
	e.updateFinalizedBlock(target.FinalizedBlockHash)
	e.updateSafeBlock(target.SafeBlockHash)

	e.syncState.UpdateSyncState(SyncStateIdle)
	e.sync.ClearBlockDownloadRequests()
}

// onSyncEvent dispatches a sync controller event. The returned flag asks the
// loop to terminate.
func (e *ConsensusEngine) onSyncEvent(ev EngineSyncEvent) (bool, error) {
	switch ev.Kind {
	case EventFetchedFullBlock:
		e.onDownloadedBlock(ev.Block)
	case EventPipelineStarted:
		pipelineRunMeter.Mark(1)
		e.logger.Info("Started the pipeline", "target", ev.Target, "continuous", ev.Target == nil)
		e.syncState.UpdateSyncState(SyncStateSyncing)
	case EventPipelineTaskDropped:
		e.logger.Error("Failed to receive spawned pipeline result")
		return true, ErrPipelineTaskDropped
	case EventPipelineFinished:
		return e.onPipelineFinished(ev)
	}
	return false, nil
}

// onPipelineFinished handles the outcome of a pipeline run: cache unwind
// offenders, terminate at the max block, restore the tree from the written
// canonical hashes, or queue another run if the gap is still too large.
func (e *ConsensusEngine) onPipelineFinished(ev EngineSyncEvent) (bool, error) {
	e.logger.Debug("Pipeline finished", "progress", ev.Ctrl.Progress, "unwound", ev.Ctrl.Unwound(), "err", ev.Err)
	if ev.Err != nil {
		// Any pipeline error at this point is fatal.
		return true, ev.Err
	}
	if ev.ReachedMaxBlock {
		e.logger.Info("Reached max block, terminating", "block", ev.Ctrl.Progress)
		return true, nil
	}
	if ev.Ctrl.Unwound() {
		bad := ev.Ctrl.BadBlock
		e.logger.Warn("Bad block detected in unwind", "number", bad.Number, "hash", bad.Hash())
		e.invalidHeaders.Insert(bad)
		return false, nil
	}
	if e.sync.Continuous() {
		header := e.tree.SealedHeader(ev.Ctrl.Progress)
		if header == nil {
			return true, fmt.Errorf("canonical header #%d not found after continuous pipeline run", ev.Ctrl.Progress)
		}
		e.tree.SetCanonicalHead(header)
	}
	target, ok := e.forkchoice.SyncTargetState()
	if !ok {
		// Only possible when the engine runs with a debug target and no
		// consensus client.
		e.logger.Warn("No forkchoice state available after pipeline run")
		return false, nil
	}
	// The target head could have been buffered before the run (received as a
	// payload) and be a descendant of an invalid block; a pipeline run to a
	// known-invalid head must not be queued.
	lowest := e.lowestBufferedAncestorOr(target.HeadBlockHash)
	if e.checkInvalidAncestorWithHead(lowest, target.HeadBlockHash) != nil {
		return false, nil
	}
	var newestFinalized *uint64
	if buffered := e.tree.BufferedHeader(target.FinalizedBlockHash); buffered != nil {
		number := buffered.Number.Uint64()
		newestFinalized = &number
	}
	if newestFinalized != nil {
		if pipelineTarget := e.canPipelineSyncToFinalized(ev.Ctrl.Progress, *newestFinalized, nil); pipelineTarget != nil {
			// The remaining gap is still large enough to warrant another run,
			// keeping the tree from executing too many blocks at once.
			e.sync.SetPipelineSyncTarget(*pipelineTarget)
			return false, nil
		}
	}
	if target.FinalizedBlockHash == (common.Hash{}) {
		if err := e.tree.ConnectBufferedBlocks(); err != nil {
			e.logger.Error("Error restoring blockchain tree state", "err", err)
			return true, err
		}
		return false, nil
	}
	if number, known := e.tree.BlockNumber(target.FinalizedBlockHash); known {
		if err := e.tree.ConnectBufferedBlocksAndFinalize(number); err != nil {
			e.logger.Error("Error restoring blockchain tree state", "err", err)
			return true, err
		}
		return false, nil
	}
	// The finalized block is still missing from the database: run the
	// pipeline again with it as the target.
	e.sync.SetPipelineSyncTarget(target.FinalizedBlockHash)
	return false, nil
}

// onHookEvent finalizes a hook run. Hooks that held exclusive database
// access may have caused payloads to pile up in the buffer; reconnect them
// and report the node as synced again.
func (e *ConsensusEngine) onHookEvent(ev HookEvent) error {
	e.hooks.HookFinished(ev)
	if ev.DBAccess == DBAccessReadWrite {
		e.syncState.UpdateSyncState(SyncStateIdle)
		if err := e.tree.ConnectBufferedBlocks(); err != nil {
			e.logger.Error("Error connecting buffered blocks after hook", "err", err)
			return err
		}
	}
	return nil
}

func (e *ConsensusEngine) notify(ev EngineEvent) {
	e.eventFeed.Send(ev)
}
