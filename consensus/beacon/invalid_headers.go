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
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/metrics"
)

// invalidHeaderCacheLimit bounds the number of invalid headers the engine
// remembers. The tracking is strictly in-memory: persisting it could wedge a
// valid chain behind a since-fixed validation bug.
const invalidHeaderCacheLimit = 512

var (
	invalidHeaderInsertMeter = metrics.NewRegisteredMeter("carbide/engine/invalidheaders/insert", nil)
	invalidHeaderHitMeter    = metrics.NewRegisteredMeter("carbide/engine/invalidheaders/hit", nil)
)

// InvalidHeaderCache remembers blocks proven invalid so their descendants can
// be rejected without re-execution. Each entry maps a block hash to the
// invalid header it inherits its invalidity from, which may be the block's
// own header or an earlier ancestor; the parent hash of the stored header
// serves the latestValidHash computation.
type InvalidHeaderCache struct {
	headers *lru.Cache[common.Hash, *types.Header]
}

// NewInvalidHeaderCache creates a bounded invalid-headers cache.
func NewInvalidHeaderCache() *InvalidHeaderCache {
	return &InvalidHeaderCache{
		headers: lru.NewCache[common.Hash, *types.Header](invalidHeaderCacheLimit),
	}
}

// Get returns the invalid header the given hash inherits its invalidity
// from, or nil if the hash is not known to be invalid.
func (c *InvalidHeaderCache) Get(hash common.Hash) *types.Header {
	header, ok := c.headers.Get(hash)
	if !ok {
		return nil
	}
	invalidHeaderHitMeter.Mark(1)
	return header
}

// Insert marks the given header itself as invalid.
func (c *InvalidHeaderCache) Insert(header *types.Header) {
	c.headers.Add(header.Hash(), header)
	invalidHeaderInsertMeter.Mark(1)
}

// InsertWithInvalidAncestor marks the given hash as invalid because it
// descends from the given invalid header.
func (c *InvalidHeaderCache) InsertWithInvalidAncestor(hash common.Hash, invalidAncestor *types.Header) {
	c.headers.Add(hash, invalidAncestor)
	invalidHeaderInsertMeter.Mark(1)
}

// Len returns the number of tracked invalid headers.
func (c *InvalidHeaderCache) Len() int {
	return c.headers.Len()
}
