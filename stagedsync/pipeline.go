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
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	pipelineRunMeter    = metrics.NewRegisteredMeter("carbide/pipeline/runs", nil)
	pipelineUnwindMeter = metrics.NewRegisteredMeter("carbide/pipeline/unwinds", nil)
	pipelineHeightGauge = metrics.NewRegisteredGauge("carbide/pipeline/height", nil)
)

// ExecInput is handed to a stage on each execution round.
type ExecInput struct {
	Checkpoint Checkpoint   // progress recorded by the previous round
	Target     *common.Hash // forkchoice target hash, nil when running continuously
	MaxBlock   uint64       // stop height, zero when unbounded
}

// ExecOutput reports the stage's new progress. A stage returning Done false
// is executed again with the advanced checkpoint.
type ExecOutput struct {
	Checkpoint Checkpoint
	Done       bool
}

// UnwindInput is handed to a stage when the pipeline rolls back past a bad
// block.
type UnwindInput struct {
	UnwindTo uint64
	BadBlock *types.Header
}

// Stage is one ETL job of the pipeline. Implementations live outside this
// package; the driver only sequences them and owns their checkpoints.
type Stage interface {
	ID() StageID
	Execute(ctx context.Context, db ethdb.KeyValueStore, input ExecInput) (ExecOutput, error)
	Unwind(ctx context.Context, db ethdb.KeyValueStore, input UnwindInput) error
}

// BadBlockError is returned by a stage that detected an invalid block. It
// triggers an unwind of all stages to just before the offender.
type BadBlockError struct {
	Header *types.Header
	Reason error
}

func (e *BadBlockError) Error() string {
	return fmt.Sprintf("bad block %d [%x..]: %v", e.Header.Number.Uint64(), e.Header.Hash().Bytes()[:4], e.Reason)
}

func (e *BadBlockError) Unwrap() error { return e.Reason }

// ControlFlow is the outcome of a completed pipeline run. A non-nil BadBlock
// means the run unwound instead of progressing.
type ControlFlow struct {
	Progress uint64
	BadBlock *types.Header
}

// Unwound reports whether the run rolled back due to a bad block.
func (c ControlFlow) Unwound() bool { return c.BadBlock != nil }

// Pipeline executes the configured stages in order, committing a checkpoint
// after every stage round. It assumes exclusive write access to the database
// for the duration of Run.
type Pipeline struct {
	db       ethdb.KeyValueStore
	stages   []Stage
	maxBlock uint64
	logger   log.Logger
}

// New assembles a pipeline over the given stages. A zero maxBlock leaves the
// run unbounded.
func New(db ethdb.KeyValueStore, stages []Stage, maxBlock uint64) *Pipeline {
	return &Pipeline{
		db:       db,
		stages:   stages,
		maxBlock: maxBlock,
		logger:   log.New("component", "pipeline"),
	}
}

// Run executes every stage to completion, towards the target hash if one is
// set. On a bad block the pipeline unwinds all stages and reports the
// offender through the returned ControlFlow; any other stage error aborts the
// run and is fatal to the caller.
func (p *Pipeline) Run(ctx context.Context, target *common.Hash) (ControlFlow, error) {
	pipelineRunMeter.Mark(1)

	var progress uint64
	for _, stage := range p.stages {
		checkpoint := ReadCheckpoint(p.db, stage.ID())
		for {
			if err := ctx.Err(); err != nil {
				return ControlFlow{}, err
			}
			out, err := stage.Execute(ctx, p.db, ExecInput{
				Checkpoint: checkpoint,
				Target:     target,
				MaxBlock:   p.maxBlock,
			})
			if err != nil {
				var bad *BadBlockError
				if errors.As(err, &bad) {
					p.logger.Warn("Bad block detected, unwinding", "stage", stage.ID(), "number", bad.Header.Number, "hash", bad.Header.Hash())
					if uerr := p.unwind(ctx, bad.Header); uerr != nil {
						return ControlFlow{}, uerr
					}
					return ControlFlow{Progress: bad.Header.Number.Uint64() - 1, BadBlock: bad.Header}, nil
				}
				return ControlFlow{}, fmt.Errorf("stage %s failed: %w", stage.ID(), err)
			}
			WriteCheckpoint(p.db, stage.ID(), out.Checkpoint)
			checkpoint = out.Checkpoint
			if out.Done {
				break
			}
			if p.maxBlock > 0 && checkpoint.BlockNumber >= p.maxBlock {
				p.logger.Info("Stage reached max block", "stage", stage.ID(), "block", checkpoint.BlockNumber)
				break
			}
		}
		progress = checkpoint.BlockNumber
		p.logger.Debug("Stage finished", "stage", stage.ID(), "block", checkpoint.BlockNumber)
	}
	pipelineHeightGauge.Update(int64(progress))
	return ControlFlow{Progress: progress}, nil
}

// unwind rolls every stage back to just before the bad block, newest stage
// first, and caps the stored checkpoints accordingly.
func (p *Pipeline) unwind(ctx context.Context, badBlock *types.Header) error {
	pipelineUnwindMeter.Mark(1)

	unwindTo := badBlock.Number.Uint64() - 1
	for i := len(p.stages) - 1; i >= 0; i-- {
		stage := p.stages[i]
		if err := stage.Unwind(ctx, p.db, UnwindInput{UnwindTo: unwindTo, BadBlock: badBlock}); err != nil {
			return fmt.Errorf("unwind of stage %s failed: %w", stage.ID(), err)
		}
		if checkpoint := ReadCheckpoint(p.db, stage.ID()); checkpoint.BlockNumber > unwindTo {
			WriteCheckpoint(p.db, stage.ID(), Checkpoint{BlockNumber: unwindTo})
		}
	}
	return nil
}
