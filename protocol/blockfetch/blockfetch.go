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

// Package blockfetch implements the Ouroboros block-fetch mini-protocol. The client requests a
// range of blocks and the server streams them back one message per turn.
//
// BlockFetch states: Idle -> Busy -> Streaming -> Idle
package blockfetch

import (
	"errors"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

const (
	ProtocolName        = "block-fetch"
	ProtocolId   uint16 = 3
)

var (
	StateIdle      = protocol.NewState(1, "Idle")
	StateBusy      = protocol.NewState(2, "Busy")
	StateStreaming = protocol.NewState(3, "Streaming")
	StateDone      = protocol.NewState(4, "Done")
)

// StateMap defines the valid state transitions for the block-fetch protocol
var StateMap = protocol.StateMap{
	StateIdle: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeRequestRange,
				NewState: StateBusy,
			},
			{
				MsgType:  MessageTypeClientDone,
				NewState: StateDone,
			},
		},
	},
	StateBusy: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeStartBatch,
				NewState: StateStreaming,
			},
			{
				MsgType:  MessageTypeNoBlocks,
				NewState: StateIdle,
			},
		},
	},
	StateStreaming: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeBlock,
				NewState: StateStreaming,
			},
			{
				MsgType:  MessageTypeBatchDone,
				NewState: StateIdle,
			},
		},
	},
	StateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

var (
	// ErrInvalidRange is returned when the start of a range is after its end
	ErrInvalidRange = errors.New("invalid block range")
	// ErrRequestInProgress is returned when a range is requested while another batch is active
	ErrRequestInProgress = errors.New("block range request already in progress")
	// ErrNoChainStore is returned by the server when no chain store is configured
	ErrNoChainStore = errors.New("no chain store configured")
)

// BlockFetch provides both client and server implementations of the block-fetch protocol
type BlockFetch struct {
	Client *Client
	Server *Server
}

// Config is used to configure the BlockFetch protocol instance
type Config struct {
	StartBatchFunc   StartBatchFunc
	NoBlocksFunc     NoBlocksFunc
	BlockFunc        BlockFunc
	BatchDoneFunc    BatchDoneFunc
	RequestRangeFunc RequestRangeFunc
	ChainStore       common.ChainStore
}

// CallbackContext provides context information to block-fetch callbacks
type CallbackContext struct {
	ConnectionId string
	Client       *Client
	Server       *Server
}

// Callback function types
type (
	StartBatchFunc func(CallbackContext) error
	NoBlocksFunc   func(CallbackContext) error
	// BlockFunc receives the block type and the raw block CBOR
	BlockFunc     func(CallbackContext, uint, []byte) error
	BatchDoneFunc func(CallbackContext) error
	// RequestRangeFunc is called by the server for each accepted range request before it is served
	RequestRangeFunc func(CallbackContext, common.Point, common.Point) error
)

// New returns a new BlockFetch object
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *BlockFetch {
	return &BlockFetch{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
}

// BlockFetchOptionFunc represents a function used to modify the BlockFetch protocol config
type BlockFetchOptionFunc func(*Config)

// NewConfig returns a new BlockFetch config object with the provided options
func NewConfig(options ...BlockFetchOptionFunc) Config {
	c := Config{}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithStartBatchFunc specifies the StartBatch callback function
func WithStartBatchFunc(startBatchFunc StartBatchFunc) BlockFetchOptionFunc {
	return func(c *Config) {
		c.StartBatchFunc = startBatchFunc
	}
}

// WithNoBlocksFunc specifies the NoBlocks callback function
func WithNoBlocksFunc(noBlocksFunc NoBlocksFunc) BlockFetchOptionFunc {
	return func(c *Config) {
		c.NoBlocksFunc = noBlocksFunc
	}
}

// WithBlockFunc specifies the Block callback function
func WithBlockFunc(blockFunc BlockFunc) BlockFetchOptionFunc {
	return func(c *Config) {
		c.BlockFunc = blockFunc
	}
}

// WithBatchDoneFunc specifies the BatchDone callback function
func WithBatchDoneFunc(batchDoneFunc BatchDoneFunc) BlockFetchOptionFunc {
	return func(c *Config) {
		c.BatchDoneFunc = batchDoneFunc
	}
}

// WithRequestRangeFunc specifies the RequestRange callback function
func WithRequestRangeFunc(requestRangeFunc RequestRangeFunc) BlockFetchOptionFunc {
	return func(c *Config) {
		c.RequestRangeFunc = requestRangeFunc
	}
}

// WithChainStore specifies the chain store used to serve blocks
func WithChainStore(chainStore common.ChainStore) BlockFetchOptionFunc {
	return func(c *Config) {
		c.ChainStore = chainStore
	}
}
