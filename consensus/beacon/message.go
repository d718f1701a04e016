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

	"github.com/carbide-eth/carbide/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// ErrEngineStopped is returned on handle calls after the engine loop exited.
var ErrEngineStopped = errors.New("consensus engine stopped")

type forkchoiceUpdatedReply struct {
	resp engine.ForkChoiceResponse
	err  error
}

type forkchoiceUpdatedMsg struct {
	state engine.ForkchoiceStateV1
	attrs *engine.PayloadAttributes
	reply chan forkchoiceUpdatedReply
}

type newPayloadReply struct {
	status engine.PayloadStatusV1
	err    error
}

type newPayloadMsg struct {
	data            engine.ExecutableData
	versionedHashes []common.Hash
	beaconRoot      *common.Hash
	reply           chan newPayloadReply
}

type transitionConfigMsg struct {
	done chan struct{}
}

// EngineHandle is the engine's public surface: it forwards consensus layer
// messages into the engine loop and waits for the reply, preserving message
// order per caller.
type EngineHandle struct {
	engine *ConsensusEngine
}

// ForkchoiceUpdated forwards a forkchoice update to the engine and waits for
// its verdict.
func (h *EngineHandle) ForkchoiceUpdated(ctx context.Context, state engine.ForkchoiceStateV1, attrs *engine.PayloadAttributes) (engine.ForkChoiceResponse, error) {
	msg := &forkchoiceUpdatedMsg{state: state, attrs: attrs, reply: make(chan forkchoiceUpdatedReply, 1)}
	if err := h.send(ctx, msg); err != nil {
		return engine.ForkChoiceResponse{}, err
	}
	select {
	case reply := <-msg.reply:
		return reply.resp, reply.err
	case <-ctx.Done():
		return engine.ForkChoiceResponse{}, ctx.Err()
	case <-h.engine.done:
		return engine.ForkChoiceResponse{}, ErrEngineStopped
	}
}

// NewPayload forwards an execution payload to the engine and waits for its
// validation status.
func (h *EngineHandle) NewPayload(ctx context.Context, data engine.ExecutableData, versionedHashes []common.Hash, beaconRoot *common.Hash) (engine.PayloadStatusV1, error) {
	msg := &newPayloadMsg{data: data, versionedHashes: versionedHashes, beaconRoot: beaconRoot, reply: make(chan newPayloadReply, 1)}
	if err := h.send(ctx, msg); err != nil {
		return engine.PayloadStatusV1{}, err
	}
	select {
	case reply := <-msg.reply:
		return reply.status, reply.err
	case <-ctx.Done():
		return engine.PayloadStatusV1{}, ctx.Err()
	case <-h.engine.done:
		return engine.PayloadStatusV1{}, ErrEngineStopped
	}
}

// TransitionConfigurationExchanged notifies the engine that the consensus
// layer exchanged the transition configuration.
func (h *EngineHandle) TransitionConfigurationExchanged(ctx context.Context) error {
	msg := &transitionConfigMsg{done: make(chan struct{})}
	if err := h.send(ctx, msg); err != nil {
		return err
	}
	select {
	case <-msg.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.engine.done:
		return ErrEngineStopped
	}
}

// SubscribeEvents registers a listener for engine progress notifications.
func (h *EngineHandle) SubscribeEvents(ch chan<- EngineEvent) event.Subscription {
	return h.engine.SubscribeEvents(ch)
}

func (h *EngineHandle) send(ctx context.Context, msg interface{}) error {
	select {
	case h.engine.msgCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.engine.done:
		return ErrEngineStopped
	}
}
