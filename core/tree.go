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

// Package core contains the blockchain tree the consensus engine drives: the
// in-memory forest of recently received blocks rooted at a recent canonical
// block, which validates blocks, buffers the ones with unknown ancestry and
// commits chains to the canonical index.
package core

import (
	"fmt"
	"math/big"

	"github.com/carbide-eth/carbide/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockNumHash pairs the two halves of a block identity.
type BlockNumHash struct {
	Number uint64
	Hash   common.Hash
}

func (n BlockNumHash) String() string {
	return fmt.Sprintf("%d [%x..]", n.Number, n.Hash[:4])
}

// BlockStatus describes how an inserted block relates to the canonical chain.
type BlockStatus byte

const (
	// BlockStatusDisconnected means at least one ancestor of the block is
	// unknown and the block was buffered.
	BlockStatusDisconnected BlockStatus = iota

	// BlockStatusAccepted means all ancestors are known but the block does not
	// extend the current canonical head (side chain).
	BlockStatusAccepted

	// BlockStatusValid means the block was fully validated and extends the
	// current canonical head.
	BlockStatusValid
)

func (s BlockStatus) String() string {
	switch s {
	case BlockStatusDisconnected:
		return "disconnected"
	case BlockStatusAccepted:
		return "accepted"
	case BlockStatusValid:
		return "valid"
	default:
		return "unknown"
	}
}

// InsertPayloadResult is the outcome of inserting a block into the tree.
type InsertPayloadResult struct {
	Status          BlockStatus
	AlreadySeen     bool
	MissingAncestor BlockNumHash // set when Status is BlockStatusDisconnected
}

// CanonicalOutcome is the outcome of a successful canonicalization request.
type CanonicalOutcome struct {
	AlreadyCanonical bool
	Head             *types.Header
}

// BlockchainTree is the capability set the consensus engine requires from the
// blockchain tree. Mutating operations assume the caller holds the exclusive
// database access the engine coordinates; read operations are always allowed.
type BlockchainTree interface {
	// MakeCanonical commits the chain ending in the given hash as canonical,
	// unwinding and reorganising as needed. Errors carry a fatality flag, see
	// IsFatalCanonicalError.
	MakeCanonical(hash common.Hash) (CanonicalOutcome, error)

	// InsertBlock validates the block and attaches it to the tree. Blocks with
	// unknown ancestry are buffered and reported as disconnected. Invalid
	// blocks are reported via an InsertBlockError.
	InsertBlock(block *types.Block) (InsertPayloadResult, error)

	// BufferBlock stashes a block without validation, for later connection
	// once exclusive database access is available again.
	BufferBlock(block *types.Block) error

	// LowestBufferedAncestor returns the earliest buffered block in the
	// ancestry of the given hash, the block itself included.
	LowestBufferedAncestor(hash common.Hash) *types.Block

	// BufferedHeader returns the header of a buffered block.
	BufferedHeader(hash common.Hash) *types.Header

	// HeaderByHash returns a known header, canonical or side chain.
	HeaderByHash(hash common.Hash) *types.Header

	// BlockNumber resolves the canonical number of a block hash.
	BlockNumber(hash common.Hash) (uint64, bool)

	// FindCanonicalAncestor walks the ancestry of the hash until it reaches a
	// block on the canonical chain.
	FindCanonicalAncestor(hash common.Hash) (common.Hash, bool)

	// IsCanonical reports whether the hash is part of the canonical chain.
	IsCanonical(hash common.Hash) (bool, error)

	// CanonicalTip returns the current canonical head identity.
	CanonicalTip() BlockNumHash

	// SealedHeader returns the canonical header at the given height.
	SealedHeader(number uint64) *types.Header

	// HeaderTD returns the total difficulty at the given canonical height.
	HeaderTD(number uint64) *big.Int

	// SetCanonicalHead moves the tracked head pointer without committing
	// blocks. Used after a pipeline run advanced the database directly.
	SetCanonicalHead(header *types.Header)

	SafeBlockHash() (common.Hash, bool)
	FinalizedBlockHash() (common.Hash, bool)
	SetSafe(header *types.Header)
	SetFinalized(header *types.Header)

	// FinalizeBlock prunes tree state at or below the finalized height.
	FinalizeBlock(number uint64)

	// ConnectBufferedBlocksAndFinalize reloads the canonical index written by
	// the pipeline, finalizes up to the given height and reconnects any
	// buffered blocks that now have a known ancestry.
	ConnectBufferedBlocksAndFinalize(number uint64) error

	// ConnectBufferedBlocks reconnects buffered blocks against the current
	// canonical index, without moving finality.
	ConnectBufferedBlocks() error

	// OnForkchoiceUpdateReceived is a notification hook invoked for every
	// forkchoice update, before any processing.
	OnForkchoiceUpdateReceived(state *engine.ForkchoiceStateV1)

	// OnTransitionConfigurationExchanged is a notification hook invoked when
	// the consensus layer exchanges the transition configuration.
	OnTransitionConfigurationExchanged()
}
