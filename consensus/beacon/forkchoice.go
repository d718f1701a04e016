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

import "github.com/carbide-eth/carbide/beacon/engine"

// ForkchoiceStatus is the engine's verdict on a processed forkchoice update.
type ForkchoiceStatus int

const (
	ForkchoiceValid ForkchoiceStatus = iota
	ForkchoiceInvalid
	ForkchoiceSyncing
)

func (s ForkchoiceStatus) String() string {
	switch s {
	case ForkchoiceValid:
		return "valid"
	case ForkchoiceInvalid:
		return "invalid"
	case ForkchoiceSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// forkchoiceStatus classifies an Engine API payload status string. Anything
// that is not VALID or INVALID counts as still syncing.
func forkchoiceStatus(status string) ForkchoiceStatus {
	switch status {
	case engine.VALID:
		return ForkchoiceValid
	case engine.INVALID:
		return ForkchoiceInvalid
	default:
		return ForkchoiceSyncing
	}
}

// ForkchoiceStateTracker records the forkchoice updates received from the
// consensus layer: the most recent one regardless of verdict, and the most
// recent one that was not invalid. Pipeline and download decisions must use
// the latter, since syncing towards a known-invalid target is wasted work.
//
// The tracker is written only by the engine loop and needs no locking.
type ForkchoiceStateTracker struct {
	latestState  engine.ForkchoiceStateV1
	latestStatus ForkchoiceStatus
	hasLatest    bool

	syncTarget    engine.ForkchoiceStateV1
	hasSyncTarget bool
}

// SetLatest records a processed forkchoice update and its verdict.
func (t *ForkchoiceStateTracker) SetLatest(state engine.ForkchoiceStateV1, status ForkchoiceStatus) {
	t.latestState = state
	t.latestStatus = status
	t.hasLatest = true

	if status != ForkchoiceInvalid {
		t.syncTarget = state
		t.hasSyncTarget = true
	}
}

// LatestState returns the most recent forkchoice update, invalid ones
// included.
func (t *ForkchoiceStateTracker) LatestState() (engine.ForkchoiceStateV1, ForkchoiceStatus, bool) {
	return t.latestState, t.latestStatus, t.hasLatest
}

// SyncTargetState returns the most recent forkchoice update that was not
// marked invalid.
func (t *ForkchoiceStateTracker) SyncTargetState() (engine.ForkchoiceStateV1, bool) {
	return t.syncTarget, t.hasSyncTarget
}

// IsLatestInvalid reports whether the last received update was invalid. The
// engine gates background hook scheduling on this.
func (t *ForkchoiceStateTracker) IsLatestInvalid() bool {
	return t.hasLatest && t.latestStatus == ForkchoiceInvalid
}

// IsEmpty reports whether no forkchoice update was received yet.
func (t *ForkchoiceStateTracker) IsEmpty() bool {
	return !t.hasLatest
}
