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
	"sync/atomic"
	"testing"
	"time"

	"github.com/carbide-eth/carbide/stagedsync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// chainClient serves headers and bodies from an in-memory block map.
type chainClient struct {
	blocks   map[common.Hash]*types.Block
	requests atomic.Int64
	gate     chan struct{} // when set, requests block until closed
}

func newChainClient(blocks ...*types.Block) *chainClient {
	c := &chainClient{blocks: make(map[common.Hash]*types.Block)}
	for _, block := range blocks {
		c.blocks[block.Hash()] = block
	}
	return c
}

func (c *chainClient) wait(ctx context.Context) error {
	if c.gate == nil {
		return nil
	}
	select {
	case <-c.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chainClient) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	c.requests.Add(1)
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	block, ok := c.blocks[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return block.Header(), nil
}

func (c *chainClient) BodyByHash(ctx context.Context, hash common.Hash) (*types.Body, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	block, ok := c.blocks[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return block.Body(), nil
}

// scriptedPipeline replays queued run outcomes and records the targets it was
// launched with.
type scriptedPipeline struct {
	outcomes chan pipelineOutcome
	targets  chan *common.Hash
	block    chan struct{} // when set, Run blocks until closed
}

type pipelineOutcome struct {
	ctrl stagedsync.ControlFlow
	err  error
}

func newScriptedPipeline() *scriptedPipeline {
	return &scriptedPipeline{
		outcomes: make(chan pipelineOutcome, 16),
		targets:  make(chan *common.Hash, 16),
	}
}

func (p *scriptedPipeline) Run(ctx context.Context, target *common.Hash) (stagedsync.ControlFlow, error) {
	p.targets <- target
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return stagedsync.ControlFlow{}, ctx.Err()
		}
	}
	select {
	case outcome := <-p.outcomes:
		return outcome.ctrl, outcome.err
	default:
		return stagedsync.ControlFlow{}, nil
	}
}

func testBlock(number uint64, parent common.Hash) *types.Block {
	header := &types.Header{
		ParentHash: parent,
		Number:     new(big.Int).SetUint64(number),
		GasLimit:   30_000_000,
		Time:       1000 + number*12,
		Difficulty: common.Big0,
	}
	return types.NewBlockWithHeader(header).WithBody(types.Body{})
}

func waitSyncEvent(t *testing.T, events <-chan EngineSyncEvent, kind SyncEventKind) EngineSyncEvent {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for sync event %v", kind)
		}
	}
}

func TestFullBlockClientFetch(t *testing.T) {
	block := testBlock(1, common.Hash{0x01})
	client := NewFullBlockClient(newChainClient(block), newChainClient(block))

	fetched, err := client.FetchFullBlock(context.Background(), block.Hash())
	require.NoError(t, err)
	require.Equal(t, block.Hash(), fetched.Hash())

	_, err = client.FetchFullBlock(context.Background(), common.Hash{0xff})
	require.Error(t, err)
}

func TestDownloadFullBlockDelivers(t *testing.T) {
	block := testBlock(1, common.Hash{0x01})
	client := newChainClient(block)
	s := NewEngineSyncController(newScriptedPipeline(), NewFullBlockClient(client, client), false, 0)

	s.DownloadFullBlock(block.Hash())
	ev := waitSyncEvent(t, s.Events(), EventFetchedFullBlock)
	require.Equal(t, block.Hash(), ev.Block.Hash())
}

func TestDownloadFullBlockDeduplicates(t *testing.T) {
	block := testBlock(1, common.Hash{0x01})
	client := newChainClient(block)
	client.gate = make(chan struct{})
	s := NewEngineSyncController(newScriptedPipeline(), NewFullBlockClient(client, client), false, 0)

	s.DownloadFullBlock(block.Hash())
	s.DownloadFullBlock(block.Hash())
	s.DownloadFullBlock(block.Hash())
	close(client.gate)

	waitSyncEvent(t, s.Events(), EventFetchedFullBlock)
	require.EqualValues(t, 1, client.requests.Load())
}

func TestDownloadBlockRangeWalksBackwards(t *testing.T) {
	parent := testBlock(1, common.Hash{0x01})
	child := testBlock(2, parent.Hash())
	client := newChainClient(parent, child)
	s := NewEngineSyncController(newScriptedPipeline(), NewFullBlockClient(client, client), false, 0)

	s.DownloadBlockRange(child.Hash(), 2)

	first := waitSyncEvent(t, s.Events(), EventFetchedFullBlock)
	second := waitSyncEvent(t, s.Events(), EventFetchedFullBlock)
	require.Equal(t, child.Hash(), first.Block.Hash())
	require.Equal(t, parent.Hash(), second.Block.Hash())
}

func TestCancelBlockDownload(t *testing.T) {
	block := testBlock(1, common.Hash{0x01})
	client := newChainClient(block)
	client.gate = make(chan struct{})
	s := NewEngineSyncController(newScriptedPipeline(), NewFullBlockClient(client, client), false, 0)

	s.DownloadFullBlock(block.Hash())
	s.CancelFullBlockRequest(block.Hash())
	close(client.gate)

	select {
	case ev := <-s.Events():
		t.Fatalf("cancelled download still delivered: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	// The hash must be requestable again after cancellation.
	require.Eventually(t, func() bool { return !s.inflight.Contains(block.Hash()) }, time.Second, 10*time.Millisecond)
}

func TestPipelineLifecycleEvents(t *testing.T) {
	pipeline := newScriptedPipeline()
	pipeline.outcomes <- pipelineOutcome{ctrl: stagedsync.ControlFlow{Progress: 7}}
	s := NewEngineSyncController(pipeline, NewFullBlockClient(newChainClient(), newChainClient()), false, 0)

	require.True(t, s.IsPipelineIdle())
	require.False(t, s.TryStartPipeline(context.Background())) // nothing queued

	target := common.Hash{0xaa}
	s.SetPipelineSyncTarget(target)
	require.True(t, s.TryStartPipeline(context.Background()))

	started := waitSyncEvent(t, s.Events(), EventPipelineStarted)
	require.NotNil(t, started.Target)
	require.Equal(t, target, *started.Target)

	finished := waitSyncEvent(t, s.Events(), EventPipelineFinished)
	require.NoError(t, finished.Err)
	require.EqualValues(t, 7, finished.Ctrl.Progress)
	require.True(t, s.IsPipelineIdle())
}

func TestPipelineExclusiveWhileRunning(t *testing.T) {
	pipeline := newScriptedPipeline()
	pipeline.block = make(chan struct{})
	s := NewEngineSyncController(pipeline, NewFullBlockClient(newChainClient(), newChainClient()), false, 0)

	s.SetPipelineSyncTarget(common.Hash{0xaa})
	require.True(t, s.TryStartPipeline(context.Background()))
	waitSyncEvent(t, s.Events(), EventPipelineStarted)

	require.True(t, s.IsPipelineActive())
	// A second start request must be refused while the first run is active.
	s.SetPipelineSyncTarget(common.Hash{0xbb})
	require.False(t, s.TryStartPipeline(context.Background()))

	close(pipeline.block)
	waitSyncEvent(t, s.Events(), EventPipelineFinished)
	require.True(t, s.IsPipelineIdle())
}

func TestHasReachedMaxBlock(t *testing.T) {
	s := NewEngineSyncController(newScriptedPipeline(), NewFullBlockClient(newChainClient(), newChainClient()), false, 100)
	require.False(t, s.HasReachedMaxBlock(99))
	require.True(t, s.HasReachedMaxBlock(100))
	require.True(t, s.HasReachedMaxBlock(101))

	unbounded := NewEngineSyncController(newScriptedPipeline(), NewFullBlockClient(newChainClient(), newChainClient()), false, 0)
	require.False(t, unbounded.HasReachedMaxBlock(1<<40))
}
