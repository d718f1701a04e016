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

// Package prune expires ancient chain index entries. The pruner runs as an
// engine hook with exclusive database access, so it never races the pipeline
// or live tree commits.
package prune

import (
	"context"

	"github.com/carbide-eth/carbide/consensus/beacon"
	"github.com/carbide-eth/carbide/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	prunedEntriesMeter = metrics.NewRegisteredMeter("carbide/prune/entries", nil)
	pruneRunMeter      = metrics.NewRegisteredMeter("carbide/prune/runs", nil)
)

// Config are the pruner tunables.
type Config struct {
	// Distance is the number of recent blocks whose index entries are kept
	// below the finalized height. Zero disables pruning.
	Distance uint64

	// BatchSize bounds the entries deleted in one run, keeping the exclusive
	// database window short.
	BatchSize uint64
}

// DefaultConfig keeps the index entries of the 90,000 blocks below the
// finalized block and deletes at most 10,000 expired entries per run.
var DefaultConfig = Config{
	Distance:  90_000,
	BatchSize: 10_000,
}

// Pruner deletes canonical index entries that have fallen out of the
// configured retention window below the finalized block.
type Pruner struct {
	db     ethdb.KeyValueStore
	config Config

	tail   uint64 // first not-yet-pruned height
	logger log.Logger
}

// New creates a pruner hook over the given database.
func New(db ethdb.KeyValueStore, config Config) *Pruner {
	if config.BatchSize == 0 {
		config.BatchSize = DefaultConfig.BatchSize
	}
	return &Pruner{
		db:     db,
		config: config,
		logger: log.New("component", "pruner"),
	}
}

// Name implements beacon.Hook.
func (p *Pruner) Name() string { return "pruner" }

// DBAccess implements beacon.Hook. Pruning deletes index entries and must not
// overlap pipeline writes or tree commits.
func (p *Pruner) DBAccess() beacon.DBAccessLevel { return beacon.DBAccessReadWrite }

// Ready implements beacon.Hook: there is work once the retention window has
// moved past entries that were not pruned yet.
func (p *Pruner) Ready(hctx beacon.HookContext) bool {
	if p.config.Distance == 0 || hctx.FinalizedBlockNumber == nil {
		return false
	}
	return *hctx.FinalizedBlockNumber > p.config.Distance+p.tail
}

// Run implements beacon.Hook, deleting one batch of expired entries.
func (p *Pruner) Run(ctx context.Context, hctx beacon.HookContext) error {
	if hctx.FinalizedBlockNumber == nil {
		return nil
	}
	pruneRunMeter.Mark(1)

	if p.tail == 0 {
		p.tail = 1 // the genesis entry is never expired
	}
	limit := *hctx.FinalizedBlockNumber - p.config.Distance
	if max := p.tail + p.config.BatchSize; limit > max {
		limit = max
	}
	var pruned uint64
	for number := p.tail; number < limit; number++ {
		if err := ctx.Err(); err != nil {
			break
		}
		if storage.ReadCanonicalHash(p.db, number) == (common.Hash{}) {
			continue
		}
		storage.DeleteHeader(p.db, number)
		storage.DeleteCanonicalHash(p.db, number)
		pruned++
	}
	p.tail = limit
	prunedEntriesMeter.Mark(int64(pruned))
	p.logger.Debug("Pruned chain index", "tail", p.tail, "entries", pruned)
	return ctx.Err()
}
