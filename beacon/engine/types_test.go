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

package engine

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
)

// postMergeConfig returns a chain config with every proof-of-stake fork
// active from genesis.
func postMergeConfig() *params.ChainConfig {
	config := *params.MergedTestChainConfig
	return &config
}

func validPayload(t *testing.T, config *params.ChainConfig) (ExecutableData, *types.Block) {
	t.Helper()

	header := &types.Header{
		ParentHash:  common.Hash{0x01},
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    common.Address{0xee},
		Root:        common.Hash{0x02},
		TxHash:      types.DeriveSha(types.Transactions(nil), trie.NewStackTrie(nil)),
		ReceiptHash: types.EmptyReceiptsHash,
		Difficulty:  common.Big0,
		Number:      big.NewInt(1),
		GasLimit:    30_000_000,
		Time:        1700000012,
		BaseFee:     big.NewInt(params.InitialBaseFee),
		MixDigest:   common.Hash{0x03},
	}
	if config.IsShanghai(header.Number, header.Time) {
		h := types.DeriveSha(types.Withdrawals{}, trie.NewStackTrie(nil))
		header.WithdrawalsHash = &h
	}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{Withdrawals: types.Withdrawals{}})

	data := ExecutableData{
		ParentHash:    block.ParentHash(),
		FeeRecipient:  block.Coinbase(),
		StateRoot:     block.Root(),
		ReceiptsRoot:  block.ReceiptHash(),
		LogsBloom:     block.Bloom().Bytes(),
		Random:        block.MixDigest(),
		Number:        hexutil.Uint64(block.NumberU64()),
		GasLimit:      hexutil.Uint64(block.GasLimit()),
		GasUsed:       hexutil.Uint64(block.GasUsed()),
		Timestamp:     hexutil.Uint64(block.Time()),
		BaseFeePerGas: (*hexutil.Big)(block.BaseFee()),
		BlockHash:     block.Hash(),
		Withdrawals:   types.Withdrawals{},
	}
	return data, block
}

func TestExecutableDataToBlock(t *testing.T) {
	config := postMergeConfig()
	data, want := validPayload(t, config)

	block, err := ExecutableDataToBlock(data, nil, nil, config)
	if err != nil {
		t.Fatalf("failed to convert payload: %v", err)
	}
	if block.Hash() != want.Hash() {
		t.Fatalf("hash mismatch: have %x, want %x", block.Hash(), want.Hash())
	}
}

func TestExecutableDataToBlockHashMismatch(t *testing.T) {
	config := postMergeConfig()
	data, _ := validPayload(t, config)
	data.BlockHash = common.Hash{0xde, 0xad}

	_, err := ExecutableDataToBlock(data, nil, nil, config)
	if !errors.Is(err, ErrBlockHashMismatch) {
		t.Fatalf("expected block hash mismatch, got %v", err)
	}
}

func TestExecutableDataToBlockTamperedField(t *testing.T) {
	config := postMergeConfig()
	data, _ := validPayload(t, config)
	data.GasUsed = data.GasUsed + 1 // changes the sealed hash

	_, err := ExecutableDataToBlock(data, nil, nil, config)
	if !errors.Is(err, ErrBlockHashMismatch) {
		t.Fatalf("expected block hash mismatch, got %v", err)
	}
}

func TestBlockToExecutableDataRoundtrip(t *testing.T) {
	config := postMergeConfig()
	data, block := validPayload(t, config)

	envelope := BlockToExecutableData(block, big.NewInt(42), nil)
	if envelope.ExecutionPayload.BlockHash != data.BlockHash {
		t.Fatalf("roundtrip hash mismatch: have %x, want %x", envelope.ExecutionPayload.BlockHash, data.BlockHash)
	}
	if (*big.Int)(envelope.BlockValue).Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected block value: %v", envelope.BlockValue)
	}
	back, err := ExecutableDataToBlock(*envelope.ExecutionPayload, nil, nil, config)
	if err != nil {
		t.Fatalf("failed to convert roundtripped payload: %v", err)
	}
	if back.Hash() != block.Hash() {
		t.Fatalf("roundtrip block mismatch")
	}
}

func TestPayloadIDText(t *testing.T) {
	id := PayloadID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back PayloadID
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != id {
		t.Fatalf("roundtrip mismatch: have %v, want %v", back, id)
	}
	if err := back.UnmarshalText([]byte("0xzz")); err == nil {
		t.Fatalf("expected error for invalid payload id")
	}
}
