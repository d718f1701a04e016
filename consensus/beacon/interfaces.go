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

// Package beacon implements the consensus engine: the state machine driven by
// the consensus layer over the Engine API, switching between historical
// pipeline sync and live tree sync, coordinating exclusive database access
// and payload building.
package beacon

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SyncState is the externally visible synchronization state, reported through
// eth_syncing.
type SyncState int

const (
	SyncStateIdle SyncState = iota
	SyncStateSyncing
)

func (s SyncState) String() string {
	if s == SyncStateSyncing {
		return "syncing"
	}
	return "idle"
}

// ChainHead is the chain tip summary advertised in p2p handshakes.
type ChainHead struct {
	Number          uint64
	Hash            common.Hash
	TotalDifficulty *big.Int
	Timestamp       uint64
}

// NetworkSyncUpdater propagates the engine's sync state to the networking
// layer.
type NetworkSyncUpdater interface {
	// UpdateSyncState flips the externally visible syncing flag.
	UpdateSyncState(state SyncState)

	// UpdateStatus advertises a new chain head for peer handshakes.
	UpdateStatus(head ChainHead)
}

// HeadersClient fetches single headers from the network.
type HeadersClient interface {
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
}

// BodiesClient fetches single block bodies from the network.
type BodiesClient interface {
	BodyByHash(ctx context.Context, hash common.Hash) (*types.Body, error)
}
