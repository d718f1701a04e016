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
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrBlockHashNotFoundInChain is returned by MakeCanonical when the requested
// hash is not known to the tree. This is an ordinary sync-needed condition,
// not a failure of the tree itself.
var ErrBlockHashNotFoundInChain = errors.New("block hash not found in chain")

// BlockPreMergeError rejects a block from before the proof-of-stake
// transition. The Engine API mandates the zero hash as latestValidHash for
// these.
type BlockPreMergeError struct {
	Hash common.Hash
}

func (e *BlockPreMergeError) Error() string {
	return fmt.Sprintf("block %x is pre-merge", e.Hash)
}

// IsPreMergeError reports whether the error chain contains a pre-merge
// rejection.
func IsPreMergeError(err error) bool {
	var target *BlockPreMergeError
	return errors.As(err, &target)
}

// CanonicalError wraps an error produced while committing a canonical chain.
// Fatal errors indicate the database can no longer be trusted and must abort
// the engine.
type CanonicalError struct {
	Inner error
	Fatal bool
}

func (e *CanonicalError) Error() string { return e.Inner.Error() }
func (e *CanonicalError) Unwrap() error { return e.Inner }

// IsFatalCanonicalError reports whether the canonicalization error is
// unrecoverable.
func IsFatalCanonicalError(err error) bool {
	var target *CanonicalError
	return errors.As(err, &target) && target.Fatal
}

// InsertBlockError wraps an error produced while inserting a block into the
// tree, keeping the offending block so the caller can track its hash. Invalid
// marks consensus violations as opposed to internal failures.
type InsertBlockError struct {
	Block   *types.Block
	Inner   error
	Invalid bool
}

func (e *InsertBlockError) Error() string {
	return fmt.Sprintf("failed to insert block %d [%x..]: %v", e.Block.NumberU64(), e.Block.Hash().Bytes()[:4], e.Inner)
}

func (e *InsertBlockError) Unwrap() error { return e.Inner }

// NewInvalidBlockError tags a consensus violation for the given block.
func NewInvalidBlockError(block *types.Block, err error) *InsertBlockError {
	return &InsertBlockError{Block: block, Inner: err, Invalid: true}
}

// NewInternalInsertError tags an internal failure unrelated to the block's
// validity.
func NewInternalInsertError(block *types.Block, err error) *InsertBlockError {
	return &InsertBlockError{Block: block, Inner: err}
}

// AsInsertBlockError unpacks an InsertBlockError from an error chain.
func AsInsertBlockError(err error) (*InsertBlockError, bool) {
	var target *InsertBlockError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
