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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	ouroboros "github.com/blinklabs-io/ouroboros-agent"
	"github.com/blinklabs-io/ouroboros-agent/internal/config"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
	"github.com/blinklabs-io/ouroboros-agent/protocol/keepalive"
	"github.com/spf13/cobra"
)

// loadConfig loads the config file and environment, then applies any global flags that were set
// on the command line
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(global.configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("network") {
		cfg.Network = global.network
		cfg.NetworkMagic = 0
	}
	if flags.Changed("network-magic") {
		cfg.NetworkMagic = global.networkMagic
	}
	if flags.Changed("address") {
		cfg.Address = global.address
	}
	if flags.Changed("socket") {
		cfg.Socket = global.socket
	}
	if flags.Changed("ntn") {
		cfg.NodeToNode = global.ntn
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = global.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connectionOptions returns the connection options shared by the client and server commands
func connectionOptions(cfg *config.Config, logger *slog.Logger) ([]ouroboros.ConnectionOptionFunc, error) {
	magic, err := cfg.Magic()
	if err != nil {
		return nil, err
	}
	return []ouroboros.ConnectionOptionFunc{
		ouroboros.WithNetworkMagic(magic),
		ouroboros.WithNodeToNode(cfg.NodeToNode),
		ouroboros.WithLogger(logger),
		ouroboros.WithKeepAlive(cfg.KeepAlive.Enabled),
		ouroboros.WithKeepAliveConfig(
			keepalive.NewConfig(
				keepalive.WithPeriod(cfg.KeepAlive.Period),
				keepalive.WithTimeout(cfg.KeepAlive.Timeout),
			),
		),
	}, nil
}

// dialConnection connects to the configured node and completes the handshake
func dialConnection(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	opts ...ouroboros.ConnectionOptionFunc,
) (*ouroboros.Connection, error) {
	proto, address, err := cfg.DialTarget()
	if err != nil {
		return nil, err
	}
	baseOpts, err := connectionOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	conn, err := ouroboros.NewConnection(append(baseOpts, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := conn.DialContext(ctx, proto, address); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	logger.Info("connected", "address", address, "node_to_node", cfg.NodeToNode)
	return conn, nil
}

// newLogger builds the command logger. Logs go to stderr so that command output stays clean
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return cfg.NewLogger(os.Stderr)
}

// parsePoint builds a point from a slot and hex hash. An empty hash with slot 0 is the origin
func parsePoint(slot uint64, hashHex string) (common.Point, error) {
	if hashHex == "" {
		if slot != 0 {
			return common.Point{}, errors.New("a block hash is required with a non-zero slot")
		}
		return common.NewPointOrigin(), nil
	}
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return common.Point{}, fmt.Errorf("invalid block hash: %w", err)
	}
	if len(hash) != 32 {
		return common.Point{}, fmt.Errorf("invalid block hash length %d", len(hash))
	}
	return common.NewPoint(slot, hash), nil
}

// blockInfo reads the chain coordinates of a block. Byron blocks are reported without them
func blockInfo(blockType uint, blockCbor []byte) (common.HeaderInfo, bool) {
	if blockType <= common.BlockTypeByronMain {
		return common.HeaderInfo{}, false
	}
	header, err := common.BlockHeader(blockCbor)
	if err != nil {
		return common.HeaderInfo{}, false
	}
	info, err := common.DecodeHeaderInfo(header)
	if err != nil {
		return common.HeaderInfo{}, false
	}
	return info, true
}

// waitConnection blocks until ctx is done, doneChan is closed or the connection fails
func waitConnection(ctx context.Context, conn *ouroboros.Connection, doneChan <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return nil
	case <-doneChan:
		return nil
	case err, ok := <-conn.ErrorChan():
		if !ok {
			return nil
		}
		return err
	}
}
