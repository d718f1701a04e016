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

// Package miner tracks payload build jobs on behalf of the consensus layer
// and serves the best candidate block when the payload is requested.
package miner

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/carbide-eth/carbide/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// BuildPayloadArgs contains the provided parameters for building payload.
type BuildPayloadArgs struct {
	Parent       common.Hash       // The parent block to build payload on top
	Timestamp    uint64            // The provided timestamp of generated payload
	FeeRecipient common.Address    // The provided recipient address for collecting transaction fee
	Random       common.Hash       // The provided randomness value
	Withdrawals  types.Withdrawals // The provided withdrawals
	BeaconRoot   *common.Hash      // The provided beacon root (Cancun)
}

// Id computes an 8-byte identifier by hashing the components of the payload
// arguments. Identical arguments therefore share a build job.
func (args *BuildPayloadArgs) Id() engine.PayloadID {
	hasher := sha256.New()
	hasher.Write(args.Parent[:])
	binary.Write(hasher, binary.BigEndian, args.Timestamp)
	hasher.Write(args.Random[:])
	hasher.Write(args.FeeRecipient[:])
	if args.Withdrawals != nil {
		rlp.Encode(hasher, args.Withdrawals)
	}
	if args.BeaconRoot != nil {
		hasher.Write(args.BeaconRoot[:])
	}
	var out engine.PayloadID
	copy(out[:], hasher.Sum(nil)[:8])
	return out
}

// BuiltPayload is a candidate block assembled for the consensus layer,
// together with the cumulative transaction fees and the blob sidecars.
type BuiltPayload struct {
	ID       engine.PayloadID
	Block    *types.Block
	Fees     *uint256.Int
	Sidecars []*types.BlobTxSidecar
}

// Envelope converts the payload into its getPayload wire representation.
func (p *BuiltPayload) Envelope() *engine.ExecutionPayloadEnvelope {
	fees := new(big.Int)
	if p.Fees != nil {
		fees = p.Fees.ToBig()
	}
	return engine.BlockToExecutableData(p.Block, fees, p.Sidecars)
}
