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

// Package storage contains the persisted chain index consumed by the
// consensus engine: the canonical-headers table, the chain-tip pointers and
// the sync status blob saved across restarts.
package storage

import (
	"encoding/binary"
)

var (
	// headHeaderKey tracks the latest known header's hash.
	headHeaderKey = []byte("LastHeader")

	// safeHeaderKey tracks the hash of the latest safe header.
	safeHeaderKey = []byte("SafeHeader")

	// finalizedHeaderKey tracks the hash of the latest finalized header.
	finalizedHeaderKey = []byte("FinalizedHeader")

	// syncStatusKey tracks the serialized sync status saved at shutdown.
	syncStatusKey = []byte("SyncStatus")

	headerPrefix     = []byte("h") // headerPrefix + num (uint64 big endian) -> header
	headerHashSuffix = []byte("n") // headerPrefix + num (uint64 big endian) + headerHashSuffix -> hash
)

// encodeBlockNumber encodes a block number as big endian uint64.
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

// headerKey = headerPrefix + num (uint64 big endian)
func headerKey(number uint64) []byte {
	return append(headerPrefix, encodeBlockNumber(number)...)
}

// canonicalHashKey = headerPrefix + num (uint64 big endian) + headerHashSuffix
func canonicalHashKey(number uint64) []byte {
	return append(append(headerPrefix, encodeBlockNumber(number)...), headerHashSuffix...)
}
