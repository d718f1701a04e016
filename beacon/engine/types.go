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

// Package engine defines the types exchanged between the consensus layer and
// the execution engine over the Engine API.
package engine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
)

// PayloadID is an identifier of the payload build process. Identical payload
// attributes derive the identical id, so resubmitting the same attributes
// resolves to the already running build job.
type PayloadID [8]byte

func (b PayloadID) String() string {
	return hexutil.Encode(b[:])
}

func (b PayloadID) MarshalText() ([]byte, error) {
	return hexutil.Bytes(b[:]).MarshalText()
}

func (b *PayloadID) UnmarshalText(input []byte) error {
	err := hexutil.UnmarshalFixedText("PayloadID", input, b[:])
	if err != nil {
		return fmt.Errorf("invalid payload id %q: %w", input, err)
	}
	return nil
}

// ForkchoiceStateV1 is the chain view advertised by the consensus layer: the
// newest head, the safe block unlikely to be reorged, and the economically
// final block. The zero hash means the respective field is unset.
type ForkchoiceStateV1 struct {
	HeadBlockHash      common.Hash `json:"headBlockHash"`
	SafeBlockHash      common.Hash `json:"safeBlockHash"`
	FinalizedBlockHash common.Hash `json:"finalizedBlockHash"`
}

// PayloadAttributes describes the environment context in which a block should
// be built.
type PayloadAttributes struct {
	Timestamp             hexutil.Uint64    `json:"timestamp"`
	Random                common.Hash       `json:"prevRandao"`
	SuggestedFeeRecipient common.Address    `json:"suggestedFeeRecipient"`
	Withdrawals           types.Withdrawals `json:"withdrawals,omitempty"`
	BeaconRoot            *common.Hash      `json:"parentBeaconBlockRoot,omitempty"`
}

// ExecutableData is the data necessary to execute an EL payload.
type ExecutableData struct {
	ParentHash    common.Hash       `json:"parentHash"`
	FeeRecipient  common.Address    `json:"feeRecipient"`
	StateRoot     common.Hash       `json:"stateRoot"`
	ReceiptsRoot  common.Hash       `json:"receiptsRoot"`
	LogsBloom     hexutil.Bytes     `json:"logsBloom"`
	Random        common.Hash       `json:"prevRandao"`
	Number        hexutil.Uint64    `json:"blockNumber"`
	GasLimit      hexutil.Uint64    `json:"gasLimit"`
	GasUsed       hexutil.Uint64    `json:"gasUsed"`
	Timestamp     hexutil.Uint64    `json:"timestamp"`
	ExtraData     hexutil.Bytes     `json:"extraData"`
	BaseFeePerGas *hexutil.Big      `json:"baseFeePerGas"`
	BlockHash     common.Hash       `json:"blockHash"`
	Transactions  []hexutil.Bytes   `json:"transactions"`
	Withdrawals   types.Withdrawals `json:"withdrawals,omitempty"`
	BlobGasUsed   *hexutil.Uint64   `json:"blobGasUsed,omitempty"`
	ExcessBlobGas *hexutil.Uint64   `json:"excessBlobGas,omitempty"`
}

// PayloadStatusV1 is the status of a processed payload or forkchoice head.
type PayloadStatusV1 struct {
	Status          string       `json:"status"`
	LatestValidHash *common.Hash `json:"latestValidHash"`
	ValidationError *string      `json:"validationError"`
}

// IsValid reports whether the status is VALID.
func (s PayloadStatusV1) IsValid() bool { return s.Status == VALID }

// ForkChoiceResponse is the reply to a forkchoiceUpdated call, the payload id
// being set only if payload building was requested and started.
type ForkChoiceResponse struct {
	PayloadStatus PayloadStatusV1 `json:"payloadStatus"`
	PayloadID     *PayloadID      `json:"payloadId"`
}

// BlobsBundleV1 carries the sidecar artefacts of the blob transactions in a
// built payload.
type BlobsBundleV1 struct {
	Commitments []hexutil.Bytes `json:"commitments"`
	Proofs      []hexutil.Bytes `json:"proofs"`
	Blobs       []hexutil.Bytes `json:"blobs"`
}

// ExecutionPayloadEnvelope is the getPayload reply: the built block, the
// cumulative transaction fees and the blob sidecars.
type ExecutionPayloadEnvelope struct {
	ExecutionPayload *ExecutableData `json:"executionPayload"`
	BlockValue       *hexutil.Big    `json:"blockValue"`
	BlobsBundle      *BlobsBundleV1  `json:"blobsBundle,omitempty"`
	Override         bool            `json:"shouldOverrideBuilder"`
}

func decodeTransactions(enc []hexutil.Bytes) ([]*types.Transaction, error) {
	var txs = make([]*types.Transaction, len(enc))
	for i, encTx := range enc {
		var tx types.Transaction
		if err := tx.UnmarshalBinary(encTx); err != nil {
			return nil, fmt.Errorf("invalid transaction %d: %v", i, err)
		}
		txs[i] = &tx
	}
	return txs, nil
}

// ExecutableDataToBlock constructs a sealed block from executable data. It
// verifies that the following conditions are met:
//
//   - limit the size of extra data to 32 bytes
//   - logs bloom has the correct length
//   - the payload carries blob transactions only if the fork rules permit them
//   - the versioned hashes of the blob transactions match the expected list
//     supplied by the consensus layer, in order
//   - the computed block hash matches the one advertised in the payload
//
// A mismatching block hash is reported as ErrBlockHashMismatch, which callers
// must answer without a latestValidHash.
func ExecutableDataToBlock(data ExecutableData, versionedHashes []common.Hash, beaconRoot *common.Hash, config *params.ChainConfig) (*types.Block, error) {
	txs, err := decodeTransactions(data.Transactions)
	if err != nil {
		return nil, err
	}
	if len(data.ExtraData) > int(params.MaximumExtraDataSize) {
		return nil, fmt.Errorf("invalid extradata length: %v", len(data.ExtraData))
	}
	if len(data.LogsBloom) != 256 {
		return nil, fmt.Errorf("invalid logsBloom length: %v", len(data.LogsBloom))
	}
	number := new(big.Int).SetUint64(uint64(data.Number))

	// Blob transactions are only admissible once Cancun rules are active, and
	// their versioned hashes must match the expectation of the consensus layer
	// exactly. This check runs even while the node is syncing.
	var blobHashes = make([]common.Hash, 0, len(versionedHashes))
	for _, tx := range txs {
		blobHashes = append(blobHashes, tx.BlobHashes()...)
	}
	if !config.IsCancun(number, uint64(data.Timestamp)) {
		if len(blobHashes) > 0 {
			return nil, ErrUnexpectedBlobTxs
		}
	} else {
		if len(blobHashes) != len(versionedHashes) {
			return nil, fmt.Errorf("%w: %v blobs, %v expected", ErrInvalidVersionedHashes, len(blobHashes), len(versionedHashes))
		}
		for i := range blobHashes {
			if blobHashes[i] != versionedHashes[i] {
				return nil, fmt.Errorf("%w: %v != %v at index %v", ErrInvalidVersionedHashes, blobHashes[i], versionedHashes[i], i)
			}
		}
	}
	// Withdrawals are mandatory from Shanghai onwards and forbidden before.
	var withdrawalsRoot *common.Hash
	if config.IsShanghai(number, uint64(data.Timestamp)) {
		if data.Withdrawals == nil {
			return nil, ErrNilWithdrawals
		}
		h := types.DeriveSha(data.Withdrawals, trie.NewStackTrie(nil))
		withdrawalsRoot = &h
	} else if data.Withdrawals != nil {
		return nil, fmt.Errorf("withdrawals not supported at %v", data.Timestamp)
	}
	header := &types.Header{
		ParentHash:       data.ParentHash,
		UncleHash:        types.EmptyUncleHash,
		Coinbase:         data.FeeRecipient,
		Root:             data.StateRoot,
		TxHash:           types.DeriveSha(types.Transactions(txs), trie.NewStackTrie(nil)),
		ReceiptHash:      data.ReceiptsRoot,
		Bloom:            types.BytesToBloom(data.LogsBloom),
		Difficulty:       common.Big0,
		Number:           number,
		GasLimit:         uint64(data.GasLimit),
		GasUsed:          uint64(data.GasUsed),
		Time:             uint64(data.Timestamp),
		BaseFee:          (*big.Int)(data.BaseFeePerGas),
		Extra:            data.ExtraData,
		MixDigest:        data.Random,
		WithdrawalsHash:  withdrawalsRoot,
		BlobGasUsed:      (*uint64)(data.BlobGasUsed),
		ExcessBlobGas:    (*uint64)(data.ExcessBlobGas),
		ParentBeaconRoot: beaconRoot,
	}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{
		Transactions: txs,
		Withdrawals:  data.Withdrawals,
	})
	if block.Hash() != data.BlockHash {
		return nil, fmt.Errorf("%w: want %x, got %x", ErrBlockHashMismatch, data.BlockHash, block.Hash())
	}
	return block, nil
}

// BlockToExecutableData constructs the executable data envelope for a built
// block, with the cumulative fees and blob sidecars attached.
func BlockToExecutableData(block *types.Block, fees *big.Int, sidecars []*types.BlobTxSidecar) *ExecutionPayloadEnvelope {
	data := &ExecutableData{
		BlockHash:     block.Hash(),
		ParentHash:    block.ParentHash(),
		FeeRecipient:  block.Coinbase(),
		StateRoot:     block.Root(),
		Number:        hexutil.Uint64(block.NumberU64()),
		GasLimit:      hexutil.Uint64(block.GasLimit()),
		GasUsed:       hexutil.Uint64(block.GasUsed()),
		Timestamp:     hexutil.Uint64(block.Time()),
		ReceiptsRoot:  block.ReceiptHash(),
		LogsBloom:     block.Bloom().Bytes(),
		Random:        block.MixDigest(),
		ExtraData:     block.Extra(),
		BaseFeePerGas: (*hexutil.Big)(block.BaseFee()),
		Withdrawals:   block.Withdrawals(),
		BlobGasUsed:   (*hexutil.Uint64)(block.BlobGasUsed()),
		ExcessBlobGas: (*hexutil.Uint64)(block.ExcessBlobGas()),
	}
	for _, tx := range block.Transactions() {
		enc, _ := tx.MarshalBinary()
		data.Transactions = append(data.Transactions, enc)
	}
	var bundle *BlobsBundleV1
	if sidecars != nil {
		bundle = &BlobsBundleV1{
			Commitments: make([]hexutil.Bytes, 0),
			Blobs:       make([]hexutil.Bytes, 0),
			Proofs:      make([]hexutil.Bytes, 0),
		}
		for _, sidecar := range sidecars {
			for j := range sidecar.Blobs {
				bundle.Blobs = append(bundle.Blobs, hexutil.Bytes(sidecar.Blobs[j][:]))
				bundle.Commitments = append(bundle.Commitments, hexutil.Bytes(sidecar.Commitments[j][:]))
				bundle.Proofs = append(bundle.Proofs, hexutil.Bytes(sidecar.Proofs[j][:]))
			}
		}
	}
	return &ExecutionPayloadEnvelope{
		ExecutionPayload: data,
		BlockValue:       (*hexutil.Big)(fees),
		BlobsBundle:      bundle,
		Override:         false,
	}
}
