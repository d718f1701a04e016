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

// Package stagedsync drives the historical synchronization pipeline: an
// ordered list of ETL stages executed one after the other, each persisting a
// checkpoint of its progress. The pipeline holds exclusive write access to
// the database while running; the consensus engine coordinates that
// exclusivity.
package stagedsync

import (
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

// StageID identifies a pipeline stage. Checkpoints are keyed by it.
type StageID string

const (
	Headers   StageID = "Headers"
	Bodies    StageID = "Bodies"
	Senders   StageID = "Senders"
	Execution StageID = "Execution"
	TxLookup  StageID = "TxLookup"
	Finish    StageID = "Finish"
)

// AllStages lists every stage in execution order. The first entry drives the
// startup consistency check: any stage whose checkpoint trails the first
// stage's indicates an interrupted run.
var AllStages = []StageID{Headers, Bodies, Senders, Execution, TxLookup, Finish}

// Checkpoint records how far a stage has progressed.
type Checkpoint struct {
	BlockNumber uint64
}

var checkpointPrefix = []byte("stg") // checkpointPrefix + stage id -> checkpoint

func checkpointKey(id StageID) []byte {
	return append(checkpointPrefix, []byte(id)...)
}

// ReadCheckpoint retrieves the stored checkpoint of a stage. Checkpoints are
// snappy-compressed RLP on disk. A stage that has never run reports a zero
// checkpoint.
func ReadCheckpoint(db ethdb.KeyValueReader, id StageID) Checkpoint {
	data, _ := db.Get(checkpointKey(id))
	if len(data) == 0 {
		return Checkpoint{}
	}
	blob, err := snappy.Decode(nil, data)
	if err != nil {
		log.Error("Corrupt stage checkpoint blob", "stage", id, "err", err)
		return Checkpoint{}
	}
	var checkpoint Checkpoint
	if err := rlp.DecodeBytes(blob, &checkpoint); err != nil {
		log.Error("Invalid stage checkpoint RLP", "stage", id, "err", err)
		return Checkpoint{}
	}
	return checkpoint
}

// WriteCheckpoint stores the checkpoint of a stage.
func WriteCheckpoint(db ethdb.KeyValueWriter, id StageID, checkpoint Checkpoint) {
	data, err := rlp.EncodeToBytes(&checkpoint)
	if err != nil {
		log.Crit("Failed to RLP encode stage checkpoint", "err", err)
	}
	if err := db.Put(checkpointKey(id), snappy.Encode(nil, data)); err != nil {
		log.Crit("Failed to store stage checkpoint", "stage", id, "err", err)
	}
}

// DeleteCheckpoint removes the checkpoint of a stage.
func DeleteCheckpoint(db ethdb.KeyValueWriter, id StageID) {
	if err := db.Delete(checkpointKey(id)); err != nil {
		log.Crit("Failed to delete stage checkpoint", "stage", id, "err", err)
	}
}
