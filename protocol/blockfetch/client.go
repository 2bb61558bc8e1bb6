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

package blockfetch

import (
	"fmt"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

// Client implements the block-fetch client. Blocks are delivered through the configured callbacks
type Client struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mutex           sync.Mutex
	busy            bool
	batchBlocks     int
}

// NewClient returns a new block-fetch client
func NewClient(protoOptions protocol.ProtocolOptions, cfg *Config) *Client {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	c := &Client{
		config: cfg,
	}
	c.callbackContext = CallbackContext{
		Client:       c,
		ConnectionId: protoOptions.ConnectionId,
	}
	c.Agent = protocol.NewAgent(protocol.AgentConfig{
		Name:                ProtocolName,
		ProtocolId:          ProtocolId,
		Role:                protocol.RoleClient,
		ConnectionId:        protoOptions.ConnectionId,
		Transport:           protoOptions.Transport,
		Logger:              protoOptions.Logger,
		Metrics:             protoOptions.Metrics,
		StateMap:            StateMap,
		InitialState:        StateIdle,
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  c.messageHandler,
		DoneMessageFunc: func() protocol.Message {
			return NewMsgClientDone()
		},
	})
	return c
}

// RequestRange requests all blocks between start and end, inclusive. It returns once the request
// is sent and the blocks are delivered to the callbacks
func (c *Client) RequestRange(start common.Point, end common.Point) error {
	if start.Slot > end.Slot {
		return fmt.Errorf(
			"%w: start slot %d is after end slot %d",
			ErrInvalidRange,
			start.Slot,
			end.Slot,
		)
	}
	c.mutex.Lock()
	if c.busy {
		c.mutex.Unlock()
		return ErrRequestInProgress
	}
	c.busy = true
	c.mutex.Unlock()
	c.Logger().Debug(
		"requesting block range",
		"start", start.String(),
		"end", end.String(),
	)
	if err := c.SendMessage(NewMsgRequestRange(start, end)); err != nil {
		c.mutex.Lock()
		c.busy = false
		c.mutex.Unlock()
		return err
	}
	return nil
}

// Busy returns whether a range request is waiting for its batch to finish
func (c *Client) Busy() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.busy
}

// Reset returns the client to its initial state for use over a new transport
func (c *Client) Reset() {
	c.Agent.Reset()
	c.mutex.Lock()
	c.busy = false
	c.batchBlocks = 0
	c.mutex.Unlock()
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeStartBatch:
		err = c.handleStartBatch()
	case MessageTypeNoBlocks:
		err = c.handleNoBlocks()
	case MessageTypeBlock:
		err = c.handleBlock(msg)
	case MessageTypeBatchDone:
		err = c.handleBatchDone()
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleStartBatch() error {
	c.mutex.Lock()
	c.batchBlocks = 0
	c.mutex.Unlock()
	if c.config.StartBatchFunc != nil {
		return c.config.StartBatchFunc(c.callbackContext)
	}
	return nil
}

func (c *Client) handleNoBlocks() error {
	c.mutex.Lock()
	c.busy = false
	c.mutex.Unlock()
	c.Logger().Debug("no blocks returned")
	if c.config.NoBlocksFunc != nil {
		return c.config.NoBlocksFunc(c.callbackContext)
	}
	return nil
}

func (c *Client) handleBlock(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgBlock)
	block, err := msg.Block()
	if err != nil {
		return err
	}
	c.mutex.Lock()
	c.batchBlocks++
	c.mutex.Unlock()
	if c.config.BlockFunc == nil {
		c.Logger().Debug(
			"block received with no callback defined",
			"block_type", block.Type,
		)
		return nil
	}
	return c.config.BlockFunc(c.callbackContext, block.Type, block.RawBlock)
}

func (c *Client) handleBatchDone() error {
	c.mutex.Lock()
	c.busy = false
	count := c.batchBlocks
	c.mutex.Unlock()
	c.Logger().Debug("batch done", "blocks", count)
	if c.config.BatchDoneFunc != nil {
		return c.config.BatchDoneFunc(c.callbackContext)
	}
	return nil
}
