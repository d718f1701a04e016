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

package miner

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// PayloadJob is a single running payload build process. The job keeps
// improving its best candidate until it is resolved or its deadline elapses;
// the best payload stays queryable the whole time.
type PayloadJob interface {
	// Attributes returns the build arguments the job was created with.
	Attributes() *BuildPayloadArgs

	// BestPayload returns the current best candidate without finalizing the
	// job.
	BestPayload() (*BuiltPayload, error)

	// Resolve stops the build process and returns the best candidate.
	Resolve() (*BuiltPayload, error)

	// KeepAlive reports whether the builder should keep the job around for
	// late queries after it resolved.
	KeepAlive() bool

	// Stop terminates the build process without resolving.
	Stop()
}

// PayloadJobGenerator creates payload jobs. The concrete block assembly (EVM
// execution, transaction selection) is plugged in from outside the core.
type PayloadJobGenerator interface {
	NewPayloadJob(args *BuildPayloadArgs) (PayloadJob, error)
}

// BlockBuilderFunc assembles a candidate block for the given arguments. With
// noTxs set it must produce an empty block, which is expected to be fast
// enough to never miss a slot.
type BlockBuilderFunc func(args *BuildPayloadArgs, noTxs bool) (*BuiltPayload, error)

// JobGeneratorConfig tunes the default job generator.
type JobGeneratorConfig struct {
	// Deadline bounds the build process; SECONDS_PER_SLOT on mainnet.
	Deadline time.Duration

	// Recommit is the interval between payload improvement attempts.
	Recommit time.Duration

	// KeepResolved keeps resolved jobs queryable instead of dropping them.
	KeepResolved bool
}

// DefaultJobGeneratorConfig are the mainnet-tuned generator defaults.
var DefaultJobGeneratorConfig = JobGeneratorConfig{
	Deadline: 12 * time.Second,
	Recommit: 2 * time.Second,
}

// JobGenerator is the default PayloadJobGenerator: it builds an empty payload
// up front and then keeps replacing the best candidate with higher-fee ones
// in the background until the deadline.
type JobGenerator struct {
	build  BlockBuilderFunc
	config JobGeneratorConfig
}

// NewJobGenerator wires a block builder into the default generator.
func NewJobGenerator(build BlockBuilderFunc, config JobGeneratorConfig) *JobGenerator {
	if config.Deadline == 0 {
		config.Deadline = DefaultJobGeneratorConfig.Deadline
	}
	if config.Recommit == 0 {
		config.Recommit = DefaultJobGeneratorConfig.Recommit
	}
	return &JobGenerator{build: build, config: config}
}

// NewPayloadJob starts a build process for the given arguments. The initial
// empty payload is built synchronously so there is always something to
// deliver.
func (g *JobGenerator) NewPayloadJob(args *BuildPayloadArgs) (PayloadJob, error) {
	empty, err := g.build(args, true)
	if err != nil {
		return nil, err
	}
	empty.ID = args.Id()
	job := &buildJob{
		args:      args,
		empty:     empty,
		stop:      make(chan struct{}),
		keepAlive: g.config.KeepResolved,
	}
	log.Info("Starting work on payload", "id", empty.ID)
	go g.updateLoop(job)
	return job, nil
}

// updateLoop keeps rebuilding the payload with fresh transactions until the
// job is resolved or the slot deadline passes.
func (g *JobGenerator) updateLoop(job *buildJob) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	endTimer := time.NewTimer(g.config.Deadline)
	defer endTimer.Stop()

	for {
		select {
		case <-timer.C:
			start := time.Now()
			full, err := g.build(job.args, false)
			if err != nil {
				log.Info("Error while generating work", "id", job.empty.ID, "err", err)
			} else {
				full.ID = job.empty.ID
				job.update(full, time.Since(start))
			}
			timer.Reset(g.config.Recommit)
		case <-job.stop:
			log.Info("Stopping work on payload", "id", job.empty.ID, "reason", "delivery")
			return
		case <-endTimer.C:
			log.Info("Stopping work on payload", "id", job.empty.ID, "reason", "timeout")
			return
		}
	}
}

// buildJob is the job state shared between the update loop and queries.
type buildJob struct {
	args      *BuildPayloadArgs
	empty     *BuiltPayload
	full      *BuiltPayload
	keepAlive bool

	lock sync.Mutex
	stop chan struct{}
}

func (job *buildJob) Attributes() *BuildPayloadArgs {
	return job.args
}

// update replaces the full payload if the new candidate pays higher fees.
func (job *buildJob) update(candidate *BuiltPayload, elapsed time.Duration) {
	job.lock.Lock()
	defer job.lock.Unlock()

	select {
	case <-job.stop:
		return // reject stale update
	default:
	}
	if job.full == nil || candidate.Fees.Cmp(job.full.Fees) > 0 {
		job.full = candidate
		log.Info("Updated payload",
			"id", candidate.ID,
			"number", candidate.Block.NumberU64(),
			"hash", candidate.Block.Hash(),
			"txs", len(candidate.Block.Transactions()),
			"fees", candidate.Fees,
			"elapsed", elapsed,
		)
	}
}

func (job *buildJob) BestPayload() (*BuiltPayload, error) {
	job.lock.Lock()
	defer job.lock.Unlock()

	if job.full != nil {
		return job.full, nil
	}
	return job.empty, nil
}

func (job *buildJob) Resolve() (*BuiltPayload, error) {
	job.lock.Lock()
	defer job.lock.Unlock()

	select {
	case <-job.stop:
	default:
		close(job.stop)
	}
	if job.full != nil {
		return job.full, nil
	}
	return job.empty, nil
}

func (job *buildJob) KeepAlive() bool {
	return job.keepAlive
}

func (job *buildJob) Stop() {
	job.lock.Lock()
	defer job.lock.Unlock()

	select {
	case <-job.stop:
	default:
		close(job.stop)
	}
}
