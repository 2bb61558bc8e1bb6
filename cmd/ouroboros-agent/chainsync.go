// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	ouroboros "github.com/blinklabs-io/ouroboros-agent"
	"github.com/blinklabs-io/ouroboros-agent/protocol/chainsync"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
	"github.com/spf13/cobra"
)

type chainSyncFlags struct {
	tip       bool
	startSlot uint64
	startHash string
	count     uint64
	strategy  string
	depth     int
}

var chainSyncOpts chainSyncFlags

var chainSyncCmd = &cobra.Command{
	Use:   "chain-sync",
	Short: "Follow the chain of a node and print each roll forward and roll backward",
	RunE:  runChainSync,
}

func init() {
	rootCmd.AddCommand(chainSyncCmd)
	f := chainSyncCmd.Flags()
	f.BoolVar(&chainSyncOpts.tip, "tip", false, "start chain-sync at the current chain tip")
	f.Uint64Var(&chainSyncOpts.startSlot, "start-slot", 0, "slot of the intersect point")
	f.StringVar(&chainSyncOpts.startHash, "start-hash", "", "block hash (hex) of the intersect point")
	f.Uint64Var(&chainSyncOpts.count, "count", 0, "stop after this many roll forwards (0 runs until interrupted)")
	f.StringVar(&chainSyncOpts.strategy, "strategy", "", "pipelining strategy (sequential, max-pipeline, min-pipeline, watermark)")
	f.IntVar(&chainSyncOpts.depth, "depth", 0, "pipelining depth for the max-pipeline and min-pipeline strategies")
}

func runChainSync(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("strategy") {
		cfg.ChainSync.Strategy = chainSyncOpts.strategy
	}
	if cmd.Flags().Changed("depth") {
		cfg.ChainSync.Depth = chainSyncOpts.depth
	}
	strategy, err := cfg.Strategy()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	point, err := parsePoint(chainSyncOpts.startSlot, chainSyncOpts.startHash)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	doneChan := make(chan struct{})
	var doneOnce sync.Once
	var rollForwards atomic.Uint64
	nodeToNode := cfg.NodeToNode
	chainSyncCfg := chainsync.NewConfig(
		chainsync.WithStrategy(strategy),
		chainsync.WithIntersectTimeout(cfg.ChainSync.IntersectTimeout),
		chainsync.WithRollBackwardFunc(
			func(_ chainsync.CallbackContext, point common.Point, tip common.Tip) error {
				fmt.Fprintf(out, "roll backward: point = %s, tip = %s\n", point.String(), tip.Point.String())
				return nil
			},
		),
		chainsync.WithRollForwardFunc(
			func(_ chainsync.CallbackContext, blockType uint, data []byte, tip common.Tip) error {
				var info common.HeaderInfo
				var ok bool
				if nodeToNode {
					if blockType > common.BlockTypeByronMain {
						var err error
						info, err = common.DecodeHeaderInfo(data)
						ok = err == nil
					}
				} else {
					info, ok = blockInfo(blockType, data)
				}
				if ok {
					fmt.Fprintf(
						out,
						"roll forward: type = %d, block = %d, slot = %d, tip = %s\n",
						blockType,
						info.BlockNumber,
						info.Slot,
						tip.Point.String(),
					)
				} else {
					fmt.Fprintf(out, "roll forward: type = %d, %d bytes, tip = %s\n", blockType, len(data), tip.Point.String())
				}
				count := rollForwards.Add(1)
				if chainSyncOpts.count > 0 && count >= chainSyncOpts.count {
					doneOnce.Do(func() { close(doneChan) })
				}
				return nil
			},
		),
	)
	conn, err := dialConnection(ctx, cfg, logger, ouroboros.WithChainSyncConfig(chainSyncCfg))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	client := conn.ChainSync().Client
	if chainSyncOpts.tip {
		tip, err := client.GetCurrentTip()
		if err != nil {
			return fmt.Errorf("failed to get current tip: %w", err)
		}
		point = tip.Point
	}
	if err := client.Sync([]common.Point{point}); err != nil {
		return fmt.Errorf("failed to start chain-sync: %w", err)
	}
	logger.Info("chain-sync started", "intersect", point.String(), "strategy", strategy.Name())
	return waitConnection(ctx, conn, doneChan)
}
