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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/carbide-eth/carbide/stagedsync"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// blockFetchRate bounds the block download request rate towards the network
// layer, so a deep ancestor walk cannot flood the peers.
const (
	blockFetchRate  = 64
	blockFetchBurst = 128
)

// Pipeline abstracts the staged sync driver for the controller. The concrete
// implementation is stagedsync.Pipeline.
type Pipeline interface {
	Run(ctx context.Context, target *common.Hash) (stagedsync.ControlFlow, error)
}

// SyncEventKind enumerates the events the sync controller reports to the
// engine loop.
type SyncEventKind int

const (
	// EventFetchedFullBlock delivers a block downloaded from the network.
	EventFetchedFullBlock SyncEventKind = iota

	// EventPipelineStarted signals that a pipeline run began.
	EventPipelineStarted

	// EventPipelineTaskDropped signals that the pipeline task died without
	// producing a result. Fatal to the engine.
	EventPipelineTaskDropped

	// EventPipelineFinished delivers the outcome of a pipeline run.
	EventPipelineFinished
)

// EngineSyncEvent is a notification from the sync controller.
type EngineSyncEvent struct {
	Kind            SyncEventKind
	Block           *types.Block           // EventFetchedFullBlock
	Target          *common.Hash           // EventPipelineStarted, nil in continuous mode
	Ctrl            stagedsync.ControlFlow // EventPipelineFinished
	Err             error                  // EventPipelineFinished, fatal when set
	ReachedMaxBlock bool                   // EventPipelineFinished
}

// FullBlockClient assembles full blocks from the header and body fetchers of
// the networking layer.
type FullBlockClient struct {
	headers HeadersClient
	bodies  BodiesClient
}

// NewFullBlockClient wires the two fetch capabilities together.
func NewFullBlockClient(headers HeadersClient, bodies BodiesClient) *FullBlockClient {
	return &FullBlockClient{headers: headers, bodies: bodies}
}

// FetchFullBlock retrieves the header and body for a hash concurrently and
// reassembles the block, verifying that the result seals to the requested
// hash.
func (c *FullBlockClient) FetchFullBlock(ctx context.Context, hash common.Hash) (*types.Block, error) {
	var (
		header *types.Header
		body   *types.Body
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		header, err = c.headers.HeaderByHash(ctx, hash)
		return err
	})
	g.Go(func() error {
		var err error
		body, err = c.bodies.BodyByHash(ctx, hash)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("header %x not found", hash)
	}
	if header.Hash() != hash {
		return nil, fmt.Errorf("fetched header %x does not seal to %x", header.Hash(), hash)
	}
	if body == nil {
		body = new(types.Body)
	}
	return types.NewBlockWithHeader(header).WithBody(*body), nil
}

// EngineSyncController manages the historical sync: it owns the staged
// pipeline and the block downloader, and reports both of their progress into
// the engine loop through a single event channel.
//
// Pipeline target bookkeeping is engine-loop-owned; only the activity flag is
// shared with the run goroutine.
type EngineSyncController struct {
	pipeline   Pipeline
	client     *FullBlockClient
	continuous bool
	maxBlock   uint64 // zero when unbounded

	pipelineActive atomic.Bool
	pendingTarget  *common.Hash

	inflight mapset.Set[common.Hash] // hashes with an active download
	reqMu    sync.Mutex
	cancels  map[common.Hash]context.CancelFunc

	limiter *rate.Limiter
	events  chan EngineSyncEvent
	logger  log.Logger
}

// NewEngineSyncController creates a sync controller around the given pipeline
// and block client. A zero maxBlock leaves syncing unbounded; continuous mode
// re-runs the pipeline without explicit targets.
func NewEngineSyncController(pipeline Pipeline, client *FullBlockClient, continuous bool, maxBlock uint64) *EngineSyncController {
	return &EngineSyncController{
		pipeline:   pipeline,
		client:     client,
		continuous: continuous,
		maxBlock:   maxBlock,
		inflight:   mapset.NewSet[common.Hash](),
		cancels:    make(map[common.Hash]context.CancelFunc),
		limiter:    rate.NewLimiter(rate.Limit(blockFetchRate), blockFetchBurst),
		events:     make(chan EngineSyncEvent, 256),
		logger:     log.New("component", "sync"),
	}
}

// Events returns the channel delivering sync notifications.
func (s *EngineSyncController) Events() <-chan EngineSyncEvent {
	return s.events
}

// IsPipelineActive reports whether a pipeline run holds exclusive database
// access right now.
func (s *EngineSyncController) IsPipelineActive() bool {
	return s.pipelineActive.Load()
}

// IsPipelineIdle reports whether the database is free of pipeline writes.
func (s *EngineSyncController) IsPipelineIdle() bool {
	return !s.pipelineActive.Load()
}

// Continuous reports whether the pipeline is configured to re-run without
// explicit targets.
func (s *EngineSyncController) Continuous() bool {
	return s.continuous
}

// HasReachedMaxBlock reports whether the given progress satisfies the
// configured termination height.
func (s *EngineSyncController) HasReachedMaxBlock(number uint64) bool {
	return s.maxBlock > 0 && number >= s.maxBlock
}

// SetPipelineSyncTarget queues a pipeline run towards the given hash. The run
// starts on the next engine loop iteration via TryStartPipeline, replacing
// any queued-but-unstarted target.
func (s *EngineSyncController) SetPipelineSyncTarget(target common.Hash) {
	s.pendingTarget = &target
}

// TryStartPipeline launches a pipeline run if one is queued (or continuous
// mode demands one) and none is active. Returns true if a run was started.
func (s *EngineSyncController) TryStartPipeline(ctx context.Context) bool {
	if s.pipelineActive.Load() {
		return false
	}
	if s.pendingTarget == nil && !s.continuous {
		return false
	}
	target := s.pendingTarget
	s.pendingTarget = nil
	s.pipelineActive.Store(true)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Pipeline task panicked", "err", rec)
				s.pipelineActive.Store(false)
				s.events <- EngineSyncEvent{Kind: EventPipelineTaskDropped}
			}
		}()
		s.events <- EngineSyncEvent{Kind: EventPipelineStarted, Target: target}

		ctrl, err := s.pipeline.Run(ctx, target)
		reached := err == nil && s.HasReachedMaxBlock(ctrl.Progress)

		s.pipelineActive.Store(false)
		s.events <- EngineSyncEvent{
			Kind:            EventPipelineFinished,
			Ctrl:            ctrl,
			Err:             err,
			ReachedMaxBlock: reached,
		}
	}()
	return true
}

// DownloadFullBlock requests a single block download. Requests for a hash
// already being fetched are deduplicated.
func (s *EngineSyncController) DownloadFullBlock(hash common.Hash) {
	if !s.inflight.Add(hash) {
		return
	}
	ctx := s.registerRequest(hash)
	s.logger.Debug("Downloading full block", "hash", hash)

	go func() {
		defer s.finishRequest(hash)

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		block, err := s.client.FetchFullBlock(ctx, hash)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("Failed to download block", "hash", hash, "err", err)
			}
			return
		}
		blockDownloadMeter.Mark(1)
		s.events <- EngineSyncEvent{Kind: EventFetchedFullBlock, Block: block}
	}()
}

// DownloadBlockRange requests count blocks ending in the given hash, walking
// parent pointers backwards. Every fetched block is delivered individually.
func (s *EngineSyncController) DownloadBlockRange(hash common.Hash, count uint64) {
	if count == 0 {
		return
	}
	if !s.inflight.Add(hash) {
		return
	}
	ctx := s.registerRequest(hash)
	s.logger.Debug("Downloading block range", "hash", hash, "count", count)

	go func() {
		defer s.finishRequest(hash)

		current := hash
		for i := uint64(0); i < count; i++ {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			block, err := s.client.FetchFullBlock(ctx, current)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Debug("Failed to download block range", "hash", current, "err", err)
				}
				return
			}
			blockDownloadMeter.Mark(1)
			s.events <- EngineSyncEvent{Kind: EventFetchedFullBlock, Block: block}

			if block.NumberU64() == 0 {
				return
			}
			current = block.ParentHash()
		}
	}()
}

// CancelFullBlockRequest aborts the in-flight download of the given hash, if
// any.
func (s *EngineSyncController) CancelFullBlockRequest(hash common.Hash) {
	s.reqMu.Lock()
	cancel, ok := s.cancels[hash]
	s.reqMu.Unlock()
	if ok {
		downloadCancelMeter.Mark(1)
		cancel()
	}
}

// ClearBlockDownloadRequests aborts every in-flight download. Invoked when
// the node observes a valid forkchoice update and is therefore fully synced.
func (s *EngineSyncController) ClearBlockDownloadRequests() {
	s.reqMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.reqMu.Unlock()

	for _, cancel := range cancels {
		downloadCancelMeter.Mark(1)
		cancel()
	}
}

func (s *EngineSyncController) registerRequest(hash common.Hash) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.reqMu.Lock()
	s.cancels[hash] = cancel
	s.reqMu.Unlock()
	return ctx
}

func (s *EngineSyncController) finishRequest(hash common.Hash) {
	s.reqMu.Lock()
	if cancel, ok := s.cancels[hash]; ok {
		cancel()
		delete(s.cancels, hash)
	}
	s.reqMu.Unlock()
	s.inflight.Remove(hash)
}
