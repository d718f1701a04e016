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
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func makeTestHeader(number uint64, parent common.Hash) *types.Header {
	return &types.Header{
		ParentHash: parent,
		Number:     new(big.Int).SetUint64(number),
		Difficulty: common.Big0,
	}
}

func TestInvalidHeaderCacheInsertGet(t *testing.T) {
	cache := NewInvalidHeaderCache()

	header := makeTestHeader(5, common.Hash{0x01})
	if cache.Get(header.Hash()) != nil {
		t.Fatalf("unknown header reported invalid")
	}
	cache.Insert(header)
	stored := cache.Get(header.Hash())
	if stored == nil || stored.Hash() != header.Hash() {
		t.Fatalf("stored header not returned")
	}
}

func TestInvalidHeaderCacheDescendants(t *testing.T) {
	cache := NewInvalidHeaderCache()

	ancestor := makeTestHeader(5, common.Hash{0x01})
	cache.Insert(ancestor)

	// A descendant inherits the ancestor's record: its entry must expose the
	// ancestor's parent hash for the latestValidHash computation.
	descendant := common.Hash{0xdd}
	cache.InsertWithInvalidAncestor(descendant, ancestor)

	stored := cache.Get(descendant)
	if stored == nil {
		t.Fatalf("descendant not tracked")
	}
	if stored.ParentHash != ancestor.ParentHash {
		t.Fatalf("descendant record parent mismatch: have %x, want %x", stored.ParentHash, ancestor.ParentHash)
	}
}

func TestInvalidHeaderCacheBounded(t *testing.T) {
	cache := NewInvalidHeaderCache()

	for i := 0; i < invalidHeaderCacheLimit+100; i++ {
		cache.Insert(makeTestHeader(uint64(i), common.Hash{byte(i), byte(i >> 8)}))
	}
	if cache.Len() > invalidHeaderCacheLimit {
		t.Fatalf("cache exceeded its bound: %d", cache.Len())
	}
}
