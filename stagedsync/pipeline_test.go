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

package stagedsync

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

// scriptedStage executes to a fixed height, optionally failing on the way.
type scriptedStage struct {
	id       StageID
	target   uint64
	step     uint64
	fail     error
	executed int
	unwound  []uint64
}

func (s *scriptedStage) ID() StageID { return s.id }

func (s *scriptedStage) Execute(ctx context.Context, db ethdb.KeyValueStore, input ExecInput) (ExecOutput, error) {
	s.executed++
	if s.fail != nil {
		return ExecOutput{}, s.fail
	}
	next := input.Checkpoint.BlockNumber + s.step
	if next >= s.target {
		return ExecOutput{Checkpoint: Checkpoint{BlockNumber: s.target}, Done: true}, nil
	}
	return ExecOutput{Checkpoint: Checkpoint{BlockNumber: next}}, nil
}

func (s *scriptedStage) Unwind(ctx context.Context, db ethdb.KeyValueStore, input UnwindInput) error {
	s.unwound = append(s.unwound, input.UnwindTo)
	return nil
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	db := memorydb.New()
	first := &scriptedStage{id: Headers, target: 100, step: 40}
	second := &scriptedStage{id: Bodies, target: 100, step: 100}
	pipeline := New(db, []Stage{first, second}, 0)

	ctrl, err := pipeline.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("pipeline run failed: %v", err)
	}
	if ctrl.Unwound() {
		t.Fatalf("unexpected unwind: %+v", ctrl)
	}
	if ctrl.Progress != 100 {
		t.Fatalf("progress mismatch: have %d, want 100", ctrl.Progress)
	}
	if first.executed != 3 { // 40, 80, 100
		t.Fatalf("first stage execution count: have %d, want 3", first.executed)
	}
	for _, id := range []StageID{Headers, Bodies} {
		if cp := ReadCheckpoint(db, id); cp.BlockNumber != 100 {
			t.Fatalf("stage %s checkpoint: have %d, want 100", id, cp.BlockNumber)
		}
	}
}

func TestPipelineUnwindsOnBadBlock(t *testing.T) {
	db := memorydb.New()
	bad := &types.Header{Number: big.NewInt(50), Extra: []byte("bad")}

	first := &scriptedStage{id: Headers, target: 100, step: 100}
	second := &scriptedStage{id: Bodies, fail: &BadBlockError{Header: bad, Reason: errors.New("state root mismatch")}}
	pipeline := New(db, []Stage{first, second}, 0)

	ctrl, err := pipeline.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("pipeline run failed: %v", err)
	}
	if !ctrl.Unwound() {
		t.Fatalf("expected unwind, got %+v", ctrl)
	}
	if ctrl.BadBlock.Hash() != bad.Hash() {
		t.Fatalf("bad block mismatch")
	}
	if ctrl.Progress != 49 {
		t.Fatalf("unwind progress: have %d, want 49", ctrl.Progress)
	}
	// Both stages must have been unwound, newest first, and the headers
	// checkpoint capped below the offender.
	if len(first.unwound) != 1 || first.unwound[0] != 49 {
		t.Fatalf("first stage unwind targets: %v", first.unwound)
	}
	if len(second.unwound) != 1 {
		t.Fatalf("second stage unwind targets: %v", second.unwound)
	}
	if cp := ReadCheckpoint(db, Headers); cp.BlockNumber != 49 {
		t.Fatalf("headers checkpoint after unwind: have %d, want 49", cp.BlockNumber)
	}
}

func TestPipelineStageErrorIsFatal(t *testing.T) {
	db := memorydb.New()
	boom := errors.New("disk on fire")
	pipeline := New(db, []Stage{&scriptedStage{id: Headers, fail: boom}}, 0)

	_, err := pipeline.Run(context.Background(), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected stage error, got %v", err)
	}
}

func TestPipelineHonoursMaxBlock(t *testing.T) {
	db := memorydb.New()
	stage := &scriptedStage{id: Headers, target: 1000, step: 10}
	pipeline := New(db, []Stage{stage}, 25)

	ctrl, err := pipeline.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("pipeline run failed: %v", err)
	}
	if ctrl.Progress < 25 || ctrl.Progress >= 1000 {
		t.Fatalf("progress not clamped by max block: %d", ctrl.Progress)
	}
}

func TestCheckpointStorage(t *testing.T) {
	db := memorydb.New()

	if cp := ReadCheckpoint(db, Senders); cp.BlockNumber != 0 {
		t.Fatalf("unset checkpoint returned: %+v", cp)
	}
	WriteCheckpoint(db, Senders, Checkpoint{BlockNumber: 1234})
	if cp := ReadCheckpoint(db, Senders); cp.BlockNumber != 1234 {
		t.Fatalf("checkpoint mismatch: have %d, want 1234", cp.BlockNumber)
	}
	// The on-disk value is snappy-compressed RLP.
	raw, err := db.Get(checkpointKey(Senders))
	if err != nil {
		t.Fatalf("stored checkpoint not found: %v", err)
	}
	blob, err := snappy.Decode(nil, raw)
	if err != nil {
		t.Fatalf("stored checkpoint not snappy framed: %v", err)
	}
	var stored Checkpoint
	if err := rlp.DecodeBytes(blob, &stored); err != nil {
		t.Fatalf("stored checkpoint not RLP: %v", err)
	}
	if stored.BlockNumber != 1234 {
		t.Fatalf("stored checkpoint mismatch: have %d, want 1234", stored.BlockNumber)
	}
	DeleteCheckpoint(db, Senders)
	if cp := ReadCheckpoint(db, Senders); cp.BlockNumber != 0 {
		t.Fatalf("deleted checkpoint returned: %+v", cp)
	}
}
