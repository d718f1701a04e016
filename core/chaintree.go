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

package core

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/carbide-eth/carbide/beacon/engine"
	"github.com/carbide-eth/carbide/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
)

// BlockValidator checks a block against its parent. Deployments plug the full
// consensus and state-transition validation in here; the default only checks
// the block number, a rising timestamp and that gas used stays within the gas
// limit.
type BlockValidator func(block *types.Block, parent *types.Header) error

// structuralValidator is the default BlockValidator.
func structuralValidator(block *types.Block, parent *types.Header) error {
	if block.NumberU64() != parent.Number.Uint64()+1 {
		return fmt.Errorf("invalid number: parent %d, block %d", parent.Number.Uint64(), block.NumberU64())
	}
	if block.Time() <= parent.Time {
		return fmt.Errorf("invalid timestamp: parent %d, block %d", parent.Time, block.Time())
	}
	if block.GasUsed() > block.GasLimit() {
		return fmt.Errorf("gas used %d exceeds limit %d", block.GasUsed(), block.GasLimit())
	}
	return nil
}

// ChainTree is the storage-indexed implementation of BlockchainTree. Validated
// blocks live in memory until canonicalized; canonical hashes and headers are
// persisted so a restart (or a pipeline run writing the index directly) can be
// picked up via ConnectBufferedBlocksAndFinalize.
type ChainTree struct {
	db        ethdb.KeyValueStore
	validator BlockValidator
	ttd       *big.Int

	mu       sync.RWMutex
	blocks   map[common.Hash]*types.Block // validated blocks, not necessarily canonical
	buffered map[common.Hash]*types.Block // blocks whose ancestry is unknown
	numbers  map[common.Hash]uint64       // canonical hash -> number index

	head      *types.Header
	safe      *types.Header
	finalized *types.Header

	lastForkchoiceUpdate time.Time
	lastTransitionUpdate time.Time

	logger log.Logger
}

// NewChainTree creates a tree rooted at the given genesis header, reloading
// any canonical index already present in the database. The total difficulty
// is constant past the merge and is therefore carried as a configured value.
func NewChainTree(db ethdb.KeyValueStore, genesis *types.Header, ttd *big.Int, validator BlockValidator) *ChainTree {
	if validator == nil {
		validator = structuralValidator
	}
	if ttd == nil {
		ttd = new(big.Int)
	}
	t := &ChainTree{
		db:        db,
		validator: validator,
		ttd:       ttd,
		blocks:    make(map[common.Hash]*types.Block),
		buffered:  make(map[common.Hash]*types.Block),
		numbers:   make(map[common.Hash]uint64),
		logger:    log.New("component", "tree"),
	}
	if storage.ReadCanonicalHash(db, 0) == (common.Hash{}) {
		storage.WriteCanonicalHash(db, genesis.Hash(), 0)
		storage.WriteHeader(db, genesis)
		storage.WriteHeadHeaderHash(db, genesis.Hash())
	}
	t.head = genesis
	t.numbers[genesis.Hash()] = 0
	t.reloadCanonicalIndex()
	if hash := storage.ReadSafeHeaderHash(db); hash != (common.Hash{}) {
		t.safe = t.headerByHashLocked(hash)
	}
	if hash := storage.ReadFinalizedHeaderHash(db); hash != (common.Hash{}) {
		t.finalized = t.headerByHashLocked(hash)
	}
	return t
}

// reloadCanonicalIndex extends the in-memory canonical index with entries
// found in the database above the current head. Assumes t.mu is held (or the
// tree is not yet shared).
func (t *ChainTree) reloadCanonicalIndex() {
	number := t.head.Number.Uint64()
	for {
		hash := storage.ReadCanonicalHash(t.db, number+1)
		if hash == (common.Hash{}) {
			break
		}
		header := storage.ReadHeader(t.db, number+1)
		if header == nil {
			break
		}
		t.numbers[hash] = number + 1
		t.head = header
		number++
	}
}

func (t *ChainTree) headerByHashLocked(hash common.Hash) *types.Header {
	if block, ok := t.blocks[hash]; ok {
		return block.Header()
	}
	if number, ok := t.numbers[hash]; ok {
		if header := storage.ReadHeader(t.db, number); header != nil {
			return header
		}
	}
	if t.head.Hash() == hash {
		return t.head
	}
	return nil
}

func (t *ChainTree) isCanonicalLocked(hash common.Hash) bool {
	number, ok := t.numbers[hash]
	return ok && storage.ReadCanonicalHash(t.db, number) == hash
}

// HeaderByHash returns a known header, canonical or side chain. Buffered
// blocks are not considered known.
func (t *ChainTree) HeaderByHash(hash common.Hash) *types.Header {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.headerByHashLocked(hash)
}

// BufferedHeader returns the header of a buffered block.
func (t *ChainTree) BufferedHeader(hash common.Hash) *types.Header {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if block, ok := t.buffered[hash]; ok {
		return block.Header()
	}
	return nil
}

// BlockNumber resolves the canonical number of a block hash.
func (t *ChainTree) BlockNumber(hash common.Hash) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	number, ok := t.numbers[hash]
	return number, ok
}

// IsCanonical reports whether the hash is part of the canonical chain.
func (t *ChainTree) IsCanonical(hash common.Hash) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isCanonicalLocked(hash), nil
}

// CanonicalTip returns the current canonical head identity.
func (t *ChainTree) CanonicalTip() BlockNumHash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return BlockNumHash{Number: t.head.Number.Uint64(), Hash: t.head.Hash()}
}

// SealedHeader returns the canonical header at the given height.
func (t *ChainTree) SealedHeader(number uint64) *types.Header {
	return storage.ReadHeader(t.db, number)
}

// HeaderTD returns the total difficulty at the given canonical height, which
// is the terminal total difficulty for any post-merge block.
func (t *ChainTree) HeaderTD(number uint64) *big.Int {
	return new(big.Int).Set(t.ttd)
}

// FindCanonicalAncestor walks the ancestry of the hash until it reaches a
// block on the canonical chain.
func (t *ChainTree) FindCanonicalAncestor(hash common.Hash) (common.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	current := hash
	for {
		if t.isCanonicalLocked(current) {
			return current, true
		}
		header := t.headerByHashLocked(current)
		if header == nil {
			if block, ok := t.buffered[current]; ok {
				current = block.ParentHash()
				continue
			}
			return common.Hash{}, false
		}
		current = header.ParentHash
	}
}

// LowestBufferedAncestor returns the earliest buffered block in the ancestry
// of the given hash, the block itself included.
func (t *ChainTree) LowestBufferedAncestor(hash common.Hash) *types.Block {
	t.mu.RLock()
	defer t.mu.RUnlock()

	current, ok := t.buffered[hash]
	if !ok {
		return nil
	}
	for {
		parent, ok := t.buffered[current.ParentHash()]
		if !ok {
			return current
		}
		current = parent
	}
}

// BufferBlock stashes a block without validation.
func (t *ChainTree) BufferBlock(block *types.Block) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffered[block.Hash()] = block
	return nil
}

// InsertBlock validates the block and attaches it to the tree.
func (t *ChainTree) InsertBlock(block *types.Block) (InsertPayloadResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hash := block.Hash()
	if t.isCanonicalLocked(hash) {
		return InsertPayloadResult{Status: BlockStatusValid, AlreadySeen: true}, nil
	}
	if _, ok := t.blocks[hash]; ok {
		return InsertPayloadResult{Status: t.attachedStatusLocked(block), AlreadySeen: true}, nil
	}
	if _, ok := t.buffered[hash]; ok {
		return InsertPayloadResult{
			Status:          BlockStatusDisconnected,
			AlreadySeen:     true,
			MissingAncestor: t.missingAncestorLocked(hash),
		}, nil
	}
	parent := t.headerByHashLocked(block.ParentHash())
	if parent == nil {
		t.buffered[hash] = block
		return InsertPayloadResult{
			Status:          BlockStatusDisconnected,
			MissingAncestor: t.missingAncestorLocked(hash),
		}, nil
	}
	if err := t.validator(block, parent); err != nil {
		return InsertPayloadResult{}, NewInvalidBlockError(block, err)
	}
	t.blocks[hash] = block
	return InsertPayloadResult{Status: t.attachedStatusLocked(block)}, nil
}

func (t *ChainTree) attachedStatusLocked(block *types.Block) BlockStatus {
	if block.ParentHash() == t.head.Hash() {
		return BlockStatusValid
	}
	return BlockStatusAccepted
}

func (t *ChainTree) missingAncestorLocked(hash common.Hash) BlockNumHash {
	current := t.buffered[hash]
	for {
		parent, ok := t.buffered[current.ParentHash()]
		if !ok {
			return BlockNumHash{Number: current.NumberU64() - 1, Hash: current.ParentHash()}
		}
		current = parent
	}
}

// MakeCanonical commits the chain ending in the given hash as canonical.
func (t *ChainTree) MakeCanonical(hash common.Hash) (CanonicalOutcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isCanonicalLocked(hash) {
		return CanonicalOutcome{AlreadyCanonical: true, Head: t.headerByHashLocked(hash)}, nil
	}
	// Collect the side chain down to its canonical fork point. Buffered blocks
	// cannot take part: their ancestry is unknown and they have not been
	// validated.
	var chain []*types.Block
	current := hash
	for !t.isCanonicalLocked(current) {
		block, ok := t.blocks[current]
		if !ok {
			return CanonicalOutcome{}, &CanonicalError{Inner: fmt.Errorf("%w: %x", ErrBlockHashNotFoundInChain, current)}
		}
		chain = append(chain, block)
		current = block.ParentHash()
	}
	forkNumber := t.numbers[current]

	// Remove the replaced canonical entries above the fork point.
	for number := forkNumber + 1; number <= t.head.Number.Uint64(); number++ {
		old := storage.ReadCanonicalHash(t.db, number)
		if old != (common.Hash{}) {
			delete(t.numbers, old)
			storage.DeleteCanonicalHash(t.db, number)
			storage.DeleteHeader(t.db, number)
		}
	}
	// Commit the new chain, oldest first.
	for i := len(chain) - 1; i >= 0; i-- {
		block := chain[i]
		storage.WriteCanonicalHash(t.db, block.Hash(), block.NumberU64())
		storage.WriteHeader(t.db, block.Header())
		t.numbers[block.Hash()] = block.NumberU64()
	}
	t.head = chain[0].Header()
	storage.WriteHeadHeaderHash(t.db, t.head.Hash())
	t.logger.Debug("Canonicalized new head", "number", t.head.Number, "hash", t.head.Hash())
	return CanonicalOutcome{Head: t.head}, nil
}

// SetCanonicalHead moves the tracked head pointer without committing blocks.
func (t *ChainTree) SetCanonicalHead(header *types.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = header
	t.numbers[header.Hash()] = header.Number.Uint64()
}

// SafeBlockHash returns the tracked safe block hash, if any.
func (t *ChainTree) SafeBlockHash() (common.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.safe == nil {
		return common.Hash{}, false
	}
	return t.safe.Hash(), true
}

// FinalizedBlockHash returns the tracked finalized block hash, if any.
func (t *ChainTree) FinalizedBlockHash() (common.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.finalized == nil {
		return common.Hash{}, false
	}
	return t.finalized.Hash(), true
}

// SetSafe marks the given header as the latest safe block.
func (t *ChainTree) SetSafe(header *types.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.safe = header
	storage.WriteSafeHeaderHash(t.db, header.Hash())
}

// SetFinalized marks the given header as the latest finalized block.
func (t *ChainTree) SetFinalized(header *types.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized = header
	storage.WriteFinalizedHeaderHash(t.db, header.Hash())
}

// FinalizeBlock prunes tree state at or below the finalized height. Buffered
// blocks that old can never connect to the canonical chain again.
func (t *ChainTree) FinalizeBlock(number uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalizeLocked(number)
}

func (t *ChainTree) finalizeLocked(number uint64) {
	for hash, block := range t.buffered {
		if block.NumberU64() <= number {
			delete(t.buffered, hash)
		}
	}
	for hash, block := range t.blocks {
		if block.NumberU64() <= number && !t.isCanonicalLocked(hash) {
			delete(t.blocks, hash)
		}
	}
}

// ConnectBufferedBlocksAndFinalize reloads the canonical index written by the
// pipeline, finalizes up to the given height and reconnects buffered blocks.
func (t *ChainTree) ConnectBufferedBlocksAndFinalize(number uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reloadCanonicalIndex()
	t.finalizeLocked(number)
	t.connectBufferedLocked()
	return nil
}

// ConnectBufferedBlocks reconnects buffered blocks against the current
// canonical index.
func (t *ChainTree) ConnectBufferedBlocks() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reloadCanonicalIndex()
	t.connectBufferedLocked()
	return nil
}

// connectBufferedLocked promotes buffered blocks whose ancestry has become
// known, dropping the ones that fail validation.
func (t *ChainTree) connectBufferedLocked() {
	for {
		var promoted bool
		for hash, block := range t.buffered {
			parent := t.headerByHashLocked(block.ParentHash())
			if parent == nil {
				continue
			}
			delete(t.buffered, hash)
			if err := t.validator(block, parent); err != nil {
				t.logger.Warn("Dropping invalid buffered block", "number", block.NumberU64(), "hash", hash, "err", err)
				continue
			}
			t.blocks[hash] = block
			promoted = true
		}
		if !promoted {
			return
		}
	}
}

// OnForkchoiceUpdateReceived records the beacon client activity.
func (t *ChainTree) OnForkchoiceUpdateReceived(state *engine.ForkchoiceStateV1) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastForkchoiceUpdate = time.Now()
}

// OnTransitionConfigurationExchanged records the beacon client activity.
func (t *ChainTree) OnTransitionConfigurationExchanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTransitionUpdate = time.Now()
}
