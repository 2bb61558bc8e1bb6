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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	ouroboros "github.com/blinklabs-io/ouroboros-agent"
	"github.com/blinklabs-io/ouroboros-agent/protocol/blockfetch"
	"github.com/spf13/cobra"
)

type blockFetchFlags struct {
	startSlot uint64
	startHash string
	endSlot   uint64
	endHash   string
}

var blockFetchOpts blockFetchFlags

var errNoBlocks = errors.New("node does not have the requested blocks")

var blockFetchCmd = &cobra.Command{
	Use:   "block-fetch",
	Short: "Fetch a block or a range of blocks from a node",
	Long:  `Fetches the blocks between --start and --end inclusive. Without --end-hash only the start block is fetched. Block-fetch is a node-to-node protocol.`,
	RunE:  runBlockFetch,
}

func init() {
	rootCmd.AddCommand(blockFetchCmd)
	f := blockFetchCmd.Flags()
	f.Uint64Var(&blockFetchOpts.startSlot, "start-slot", 0, "slot of the first block")
	f.StringVar(&blockFetchOpts.startHash, "start-hash", "", "hash (hex) of the first block")
	f.Uint64Var(&blockFetchOpts.endSlot, "end-slot", 0, "slot of the last block")
	f.StringVar(&blockFetchOpts.endHash, "end-hash", "", "hash (hex) of the last block")
	_ = blockFetchCmd.MarkFlagRequired("start-hash")
}

func runBlockFetch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.NodeToNode = true
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	start, err := parsePoint(blockFetchOpts.startSlot, blockFetchOpts.startHash)
	if err != nil {
		return err
	}
	end := start
	if blockFetchOpts.endHash != "" {
		end, err = parsePoint(blockFetchOpts.endSlot, blockFetchOpts.endHash)
		if err != nil {
			return err
		}
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	doneChan := make(chan struct{})
	var doneOnce sync.Once
	var batchErr error
	finish := func(err error) {
		doneOnce.Do(func() {
			batchErr = err
			close(doneChan)
		})
	}
	blockFetchCfg := blockfetch.NewConfig(
		blockfetch.WithBlockFunc(func(_ blockfetch.CallbackContext, blockType uint, blockCbor []byte) error {
			if info, ok := blockInfo(blockType, blockCbor); ok {
				fmt.Fprintf(
					out,
					"block: type = %d, block = %d, slot = %d, %d bytes\n",
					blockType,
					info.BlockNumber,
					info.Slot,
					len(blockCbor),
				)
			} else {
				fmt.Fprintf(out, "block: type = %d, %d bytes\n", blockType, len(blockCbor))
			}
			return nil
		}),
		blockfetch.WithNoBlocksFunc(func(blockfetch.CallbackContext) error {
			finish(errNoBlocks)
			return nil
		}),
		blockfetch.WithBatchDoneFunc(func(blockfetch.CallbackContext) error {
			finish(nil)
			return nil
		}),
	)
	conn, err := dialConnection(ctx, cfg, logger, ouroboros.WithBlockFetchConfig(blockFetchCfg))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.BlockFetch().Client.RequestRange(start, end); err != nil {
		return fmt.Errorf("failed to request block range: %w", err)
	}
	if err := waitConnection(ctx, conn, doneChan); err != nil {
		return err
	}
	select {
	case <-doneChan:
		return batchErr
	default:
		return nil
	}
}
