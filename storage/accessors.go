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

package storage

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

// ReadCanonicalHash retrieves the hash assigned to a canonical block number.
func ReadCanonicalHash(db ethdb.KeyValueReader, number uint64) common.Hash {
	data, _ := db.Get(canonicalHashKey(number))
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteCanonicalHash stores the hash assigned to a canonical block number.
func WriteCanonicalHash(db ethdb.KeyValueWriter, hash common.Hash, number uint64) {
	if err := db.Put(canonicalHashKey(number), hash.Bytes()); err != nil {
		log.Crit("Failed to store number to hash mapping", "err", err)
	}
}

// DeleteCanonicalHash removes the number to hash canonical mapping.
func DeleteCanonicalHash(db ethdb.KeyValueWriter, number uint64) {
	if err := db.Delete(canonicalHashKey(number)); err != nil {
		log.Crit("Failed to delete number to hash mapping", "err", err)
	}
}

// ReadHeader retrieves the canonical header at a block number.
func ReadHeader(db ethdb.KeyValueReader, number uint64) *types.Header {
	data, _ := db.Get(headerKey(number))
	if len(data) == 0 {
		return nil
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		log.Error("Invalid header RLP", "number", number, "err", err)
		return nil
	}
	return header
}

// WriteHeader stores a canonical header keyed by its number.
func WriteHeader(db ethdb.KeyValueWriter, header *types.Header) {
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		log.Crit("Failed to RLP encode header", "err", err)
	}
	if err := db.Put(headerKey(header.Number.Uint64()), data); err != nil {
		log.Crit("Failed to store header", "err", err)
	}
}

// DeleteHeader removes the canonical header at a block number.
func DeleteHeader(db ethdb.KeyValueWriter, number uint64) {
	if err := db.Delete(headerKey(number)); err != nil {
		log.Crit("Failed to delete header", "err", err)
	}
}

// ReadHeadHeaderHash retrieves the hash of the current canonical head header.
func ReadHeadHeaderHash(db ethdb.KeyValueReader) common.Hash {
	data, _ := db.Get(headHeaderKey)
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteHeadHeaderHash stores the hash of the current canonical head header.
func WriteHeadHeaderHash(db ethdb.KeyValueWriter, hash common.Hash) {
	if err := db.Put(headHeaderKey, hash.Bytes()); err != nil {
		log.Crit("Failed to store last header's hash", "err", err)
	}
}

// ReadSafeHeaderHash retrieves the hash of the latest safe header.
func ReadSafeHeaderHash(db ethdb.KeyValueReader) common.Hash {
	data, _ := db.Get(safeHeaderKey)
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteSafeHeaderHash stores the hash of the latest safe header.
func WriteSafeHeaderHash(db ethdb.KeyValueWriter, hash common.Hash) {
	if err := db.Put(safeHeaderKey, hash.Bytes()); err != nil {
		log.Crit("Failed to store safe header's hash", "err", err)
	}
}

// ReadFinalizedHeaderHash retrieves the hash of the latest finalized header.
func ReadFinalizedHeaderHash(db ethdb.KeyValueReader) common.Hash {
	data, _ := db.Get(finalizedHeaderKey)
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteFinalizedHeaderHash stores the hash of the latest finalized header.
func WriteFinalizedHeaderHash(db ethdb.KeyValueWriter, hash common.Hash) {
	if err := db.Put(finalizedHeaderKey, hash.Bytes()); err != nil {
		log.Crit("Failed to store finalized header's hash", "err", err)
	}
}

// ReadSyncStatus retrieves the serialized sync status saved at shutdown.
func ReadSyncStatus(db ethdb.KeyValueReader) []byte {
	data, _ := db.Get(syncStatusKey)
	if len(data) == 0 {
		return nil
	}
	blob, err := snappy.Decode(nil, data)
	if err != nil {
		log.Error("Corrupt sync status blob", "err", err)
		return nil
	}
	return blob
}

// WriteSyncStatus stores the serialized sync status to save at shutdown.
func WriteSyncStatus(db ethdb.KeyValueWriter, status []byte) {
	if err := db.Put(syncStatusKey, snappy.Encode(nil, status)); err != nil {
		log.Crit("Failed to store sync status", "err", err)
	}
}

// DeleteSyncStatus deletes the serialized sync status saved at the last
// shutdown.
func DeleteSyncStatus(db ethdb.KeyValueWriter) {
	if err := db.Delete(syncStatusKey); err != nil {
		log.Crit("Failed to remove sync status", "err", err)
	}
}
