// Copyright 2025 The carbide Authors
// This file is part of carbide.
//
// carbide is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// carbide is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with carbide. If not, see <http://www.gnu.org/licenses/>.

// carbide is the staged-sync consensus engine node shell: it wires the chain
// database, the blockchain tree, the pipeline, the payload builder and the
// consensus engine together. Networking and the authenticated RPC transport
// are provided by the surrounding deployment.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/carbide-eth/carbide/consensus/beacon"
	"github.com/carbide-eth/carbide/core"
	"github.com/carbide-eth/carbide/miner"
	"github.com/carbide-eth/carbide/prune"
	"github.com/carbide-eth/carbide/stagedsync"
	"github.com/carbide-eth/carbide/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the chain database",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	thresholdFlag = &cli.Uint64Flag{
		Name:  "sync.threshold",
		Usage: "Head distance above which the pipeline is used instead of live sync",
		Value: beacon.DefaultPipelineRunThreshold,
	}
	maxBlockFlag = &cli.Uint64Flag{
		Name:  "sync.maxblock",
		Usage: "Terminate once the canonical chain reaches this height (0 = never)",
	}
	continuousFlag = &cli.BoolFlag{
		Name:  "sync.continuous",
		Usage: "Re-run the pipeline continuously without explicit targets",
	}
	pruneDistanceFlag = &cli.Uint64Flag{
		Name:  "prune.distance",
		Usage: "Blocks of expired chain index kept below the finalized height (0 = keep all)",
		Value: prune.DefaultConfig.Distance,
	}
)

func main() {
	app := &cli.App{
		Name:  "carbide",
		Usage: "staged-sync Ethereum consensus engine",
		Flags: []cli.Flag{
			dataDirFlag, configFlag, verbosityFlag,
			thresholdFlag, maxBlockFlag, continuousFlag, pruneDistanceFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(verbosity int) {
	output := colorable.NewColorableStderr()
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(output, log.FromLegacyLevel(verbosity), usecolor)))
}

func run(ctx *cli.Context) error {
	cfg := defaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		if err := loadConfig(path, &cfg); err != nil {
			return err
		}
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(verbosityFlag.Name) {
		cfg.Verbosity = ctx.Int(verbosityFlag.Name)
	}
	if ctx.IsSet(thresholdFlag.Name) {
		cfg.Engine.PipelineRunThreshold = ctx.Uint64(thresholdFlag.Name)
	}
	if ctx.IsSet(maxBlockFlag.Name) {
		cfg.Engine.MaxBlock = ctx.Uint64(maxBlockFlag.Name)
	}
	if ctx.IsSet(continuousFlag.Name) {
		cfg.Engine.Continuous = ctx.Bool(continuousFlag.Name)
	}
	if ctx.IsSet(pruneDistanceFlag.Name) {
		cfg.Prune.Distance = ctx.Uint64(pruneDistanceFlag.Name)
	}
	setupLogging(cfg.Verbosity)

	db, err := storage.Open(cfg.DataDir, cfg.DBCache, cfg.DBHandles, false)
	if err != nil {
		return fmt.Errorf("failed to open chain database: %w", err)
	}
	defer db.Close()

	chainConfig := params.MainnetChainConfig
	genesis := mainnetGenesisHeader()
	tree := core.NewChainTree(db, genesis, chainConfig.TerminalTotalDifficulty, nil)

	pipeline := stagedsync.New(db, nil, cfg.Engine.MaxBlock)
	client := beacon.NewFullBlockClient(offlineClient{}, offlineClient{})
	payloads := miner.NewPayloadBuilder(miner.NewJobGenerator(emptyBlockBuilder(tree), miner.DefaultJobGeneratorConfig))

	engine, handle, err := beacon.New(chainConfig, db, tree, pipeline, client, payloads, noopSyncUpdater{}, []beacon.Hook{
		prune.New(db, cfg.Prune),
	}, cfg.Engine)
	if err != nil {
		return err
	}
	_ = handle // served to the consensus layer by the RPC transport

	engine.Start()
	log.Info("Consensus engine started", "datadir", cfg.DataDir, "threshold", cfg.Engine.PipelineRunThreshold)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- engine.Wait() }()

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", "signal", sig)
		return engine.Stop()
	case err := <-done:
		return err
	}
}

// mainnetGenesisHeader is the mainnet genesis block header.
func mainnetGenesisHeader() *types.Header {
	return &types.Header{
		Number:     new(big.Int),
		GasLimit:   5000,
		Difficulty: big.NewInt(17_179_869_184),
		Extra:      common.FromHex("0x11bbe8db4e347b4e8c937c1c8370e4b5ed33adb3db69cbdb7a38e1e50b1b82fa"),
		Root:       common.HexToHash("0xd7f8974fb5ac78d9ac099b9ad5018bedc2ce0a72dad1827a1709da30580f0544"),
	}
}

// offlineClient is the fetcher used when no networking layer is attached:
// every request reports the peerless condition.
type offlineClient struct{}

var errNoPeers = errors.New("no peers available")

func (offlineClient) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	return nil, errNoPeers
}

func (offlineClient) BodyByHash(ctx context.Context, hash common.Hash) (*types.Body, error) {
	return nil, errNoPeers
}

// noopSyncUpdater drops sync state updates when no networking layer is
// attached.
type noopSyncUpdater struct{}

func (noopSyncUpdater) UpdateSyncState(state beacon.SyncState) {}
func (noopSyncUpdater) UpdateStatus(head beacon.ChainHead)     {}

// emptyBlockBuilder assembles transaction-less payloads on top of the tree's
// headers. Deployments with a transaction pool plug their own builder in.
func emptyBlockBuilder(tree core.BlockchainTree) miner.BlockBuilderFunc {
	return func(args *miner.BuildPayloadArgs, noTxs bool) (*miner.BuiltPayload, error) {
		parent := tree.HeaderByHash(args.Parent)
		if parent == nil {
			return nil, fmt.Errorf("unknown parent block: %s", args.Parent)
		}
		header := &types.Header{
			ParentHash: args.Parent,
			Coinbase:   args.FeeRecipient,
			Number:     new(big.Int).Add(parent.Number, common.Big1),
			GasLimit:   parent.GasLimit,
			Time:       args.Timestamp,
			MixDigest:  args.Random,
			Difficulty: common.Big0,
			BaseFee:    parent.BaseFee,
		}
		block := types.NewBlockWithHeader(header).WithBody(types.Body{Withdrawals: args.Withdrawals})
		return &miner.BuiltPayload{Block: block, Fees: uint256.NewInt(0)}, nil
	}
}
