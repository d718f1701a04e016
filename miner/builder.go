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

	"github.com/carbide-eth/carbide/beacon/engine"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	payloadStartedMeter  = metrics.NewRegisteredMeter("carbide/miner/payloads/started", nil)
	payloadFailedMeter   = metrics.NewRegisteredMeter("carbide/miner/payloads/failed", nil)
	payloadResolvedMeter = metrics.NewRegisteredMeter("carbide/miner/payloads/resolved", nil)
	payloadJobsGauge     = metrics.NewRegisteredGauge("carbide/miner/payloads/tracked", nil)
)

// maxTrackedJobs is the number of concurrently tracked build jobs. The oldest
// job is stopped and dropped when the bound is exceeded; consensus clients
// only ever request the most recent few.
const maxTrackedJobs = 16

type payloadEntry struct {
	id  engine.PayloadID
	job PayloadJob
}

// PayloadBuilder tracks the active payload build jobs, one per distinct
// payload id, and resolves the best payload on demand.
type PayloadBuilder struct {
	generator PayloadJobGenerator

	lock sync.Mutex
	jobs []*payloadEntry

	logger log.Logger
}

// NewPayloadBuilder wires a job generator into the builder service.
func NewPayloadBuilder(generator PayloadJobGenerator) *PayloadBuilder {
	return &PayloadBuilder{
		generator: generator,
		logger:    log.New("component", "payload-builder"),
	}
}

// BuildNewPayload starts a new build job for the given arguments and returns
// its id. If a job with the same id is already tracked, that id is returned
// and no second job is created.
func (b *PayloadBuilder) BuildNewPayload(args *BuildPayloadArgs) (engine.PayloadID, error) {
	id := args.Id()

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.entryLocked(id) != nil {
		b.logger.Debug("Payload job already in progress", "id", id)
		return id, nil
	}
	job, err := b.generator.NewPayloadJob(args)
	if err != nil {
		payloadFailedMeter.Mark(1)
		b.logger.Warn("Failed to start payload job", "id", id, "err", err)
		return engine.PayloadID{}, err
	}
	payloadStartedMeter.Mark(1)
	b.jobs = append(b.jobs, &payloadEntry{id: id, job: job})
	if len(b.jobs) > maxTrackedJobs {
		b.jobs[0].job.Stop()
		b.jobs = b.jobs[1:]
	}
	payloadJobsGauge.Update(int64(len(b.jobs)))
	return id, nil
}

// BestPayload returns the current best candidate of a job without resolving
// it. A nil payload means the id is unknown.
func (b *PayloadBuilder) BestPayload(id engine.PayloadID) (*BuiltPayload, error) {
	b.lock.Lock()
	entry := b.entryLocked(id)
	b.lock.Unlock()

	if entry == nil {
		return nil, nil
	}
	return entry.job.BestPayload()
}

// PayloadAttributes returns the build arguments of a tracked job, or nil if
// the id is unknown.
func (b *PayloadBuilder) PayloadAttributes(id engine.PayloadID) *BuildPayloadArgs {
	b.lock.Lock()
	defer b.lock.Unlock()

	entry := b.entryLocked(id)
	if entry == nil {
		return nil
	}
	return entry.job.Attributes()
}

// Resolve finalizes a job and returns its best payload. Jobs that do not ask
// to be kept alive are dropped after resolution; the remaining ones keep
// serving late queries until evicted. A nil payload means the id is unknown.
func (b *PayloadBuilder) Resolve(id engine.PayloadID) (*BuiltPayload, error) {
	b.lock.Lock()
	entry := b.entryLocked(id)
	if entry == nil {
		b.lock.Unlock()
		return nil, nil
	}
	if !entry.job.KeepAlive() {
		b.removeLocked(id)
	}
	b.lock.Unlock()

	payload, err := entry.job.Resolve()
	if err != nil {
		payloadFailedMeter.Mark(1)
		b.logger.Warn("Failed to resolve payload", "id", id, "err", err)
		return nil, err
	}
	payloadResolvedMeter.Mark(1)
	return payload, nil
}

// Stop terminates every tracked job.
func (b *PayloadBuilder) Stop() {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, entry := range b.jobs {
		entry.job.Stop()
	}
	b.jobs = nil
	payloadJobsGauge.Update(0)
}

func (b *PayloadBuilder) entryLocked(id engine.PayloadID) *payloadEntry {
	for _, entry := range b.jobs {
		if entry.id == id {
			return entry
		}
	}
	return nil
}

func (b *PayloadBuilder) removeLocked(id engine.PayloadID) {
	for i, entry := range b.jobs {
		if entry.id == id {
			b.jobs = append(b.jobs[:i], b.jobs[i+1:]...)
			payloadJobsGauge.Update(int64(len(b.jobs)))
			return
		}
	}
}
