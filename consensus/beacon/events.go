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
	"github.com/carbide-eth/carbide/beacon/engine"
	"github.com/ethereum/go-ethereum/core/types"
)

// EngineEventKind enumerates the notifications emitted by the engine.
type EngineEventKind int

const (
	// EventForkchoiceUpdated is emitted for every processed forkchoice update.
	EventForkchoiceUpdated EngineEventKind = iota

	// EventCanonicalChainCommitted is emitted when the canonical chain moved
	// to a new head.
	EventCanonicalChainCommitted

	// EventCanonicalBlockAdded is emitted when a payload extending the
	// canonical head was inserted.
	EventCanonicalBlockAdded

	// EventForkBlockAdded is emitted when a payload was inserted on a side
	// chain.
	EventForkBlockAdded
)

// EngineEvent is a notification about engine progress, delivered to channels
// registered via SubscribeEvents.
type EngineEvent struct {
	Kind   EngineEventKind
	State  engine.ForkchoiceStateV1 // EventForkchoiceUpdated
	Status ForkchoiceStatus         // EventForkchoiceUpdated
	Header *types.Header            // EventCanonicalChainCommitted
	Block  *types.Block             // EventCanonicalBlockAdded, EventForkBlockAdded
}
