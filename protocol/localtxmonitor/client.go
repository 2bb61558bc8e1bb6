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

package localtxmonitor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

var (
	ErrAcquireTimeout = errors.New("local-tx-monitor: timed out waiting for Acquired")
	ErrQueryTimeout   = errors.New("local-tx-monitor: timed out waiting for reply")
)

type commandKind int

const (
	commandAcquire commandKind = iota
	commandNextTx
	commandHasTx
	commandGetSizes
	commandRelease
	commandDone
)

type command struct {
	kind     commandKind
	txId     []byte
	implicit bool
	result   chan commandResult
}

type commandResult struct {
	value any
	err   error
}

func (c *command) complete(value any, err error) {
	if c.result == nil {
		return
	}
	select {
	case c.result <- commandResult{value: value, err: err}:
	default:
	}
}

// Client implements the local-tx-monitor client. Requests made while no snapshot is acquired
// acquire one first
type Client struct {
	*protocol.Agent
	config       *Config
	stateContext *StateContext
	mutex        sync.Mutex
	queue        []*command
	inflight     *command
	acquiredSlot uint64
}

// NewClient returns a new local-tx-monitor client
func NewClient(protoOptions protocol.ProtocolOptions, cfg *Config) *Client {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	c := &Client{
		config:       cfg,
		stateContext: NewStateContext(),
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
		StateContext:        c.stateContext,
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  c.messageHandler,
		NextMessageFunc:     c.nextMessage,
		DoneMessageFunc:     func() protocol.Message { return NewMsgDone() },
	})
	c.AddListener(c.handleEvent)
	return c
}

// Acquire takes a new mempool snapshot and returns the slot it was taken at
func (c *Client) Acquire() (uint64, error) {
	value, err := c.runCommand(&command{kind: commandAcquire}, c.config.AcquireTimeout)
	if err != nil {
		return 0, err
	}
	return value.(uint64), nil
}

// Release releases the acquired snapshot
func (c *Client) Release() error {
	_, err := c.runCommand(&command{kind: commandRelease}, c.config.AcquireTimeout)
	return err
}

// Stop releases any acquired snapshot and terminates the protocol
func (c *Client) Stop() error {
	_, err := c.runCommand(&command{kind: commandDone}, c.config.AcquireTimeout)
	return err
}

// NextTx returns the next transaction in the snapshot, or nil once every transaction has been returned
func (c *Client) NextTx() ([]byte, error) {
	value, err := c.runCommand(&command{kind: commandNextTx}, c.config.QueryTimeout)
	if err != nil {
		return nil, err
	}
	tx, _ := value.([]byte)
	return tx, nil
}

// HasTx returns whether the snapshot contains the specified transaction
func (c *Client) HasTx(txId []byte) (bool, error) {
	value, err := c.runCommand(&command{kind: commandHasTx, txId: txId}, c.config.QueryTimeout)
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// GetSizes returns the capacity and usage of the snapshot
func (c *Client) GetSizes() (MempoolSizes, error) {
	value, err := c.runCommand(&command{kind: commandGetSizes}, c.config.QueryTimeout)
	if err != nil {
		return MempoolSizes{}, err
	}
	return value.(MempoolSizes), nil
}

// AcquiredSlot returns the slot of the most recently acquired snapshot
func (c *Client) AcquiredSlot() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.acquiredSlot
}

// Reset returns the client to its initial state for use over a new transport. Pending
// requests fail with protocol.ErrProtocolShuttingDown
func (c *Client) Reset() {
	c.Agent.Reset()
	c.failPending(protocol.ErrProtocolShuttingDown)
}

func (c *Client) runCommand(cmd *command, timeout time.Duration) (any, error) {
	cmd.result = make(chan commandResult, 1)
	c.mutex.Lock()
	c.queue = append(c.queue, cmd)
	c.mutex.Unlock()
	c.Wake()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-cmd.result:
		return result.value, result.err
	case <-timer.C:
		c.mutex.Lock()
		c.queue = slices.DeleteFunc(c.queue, func(queued *command) bool {
			return queued == cmd
		})
		c.mutex.Unlock()
		switch cmd.kind {
		case commandNextTx, commandHasTx, commandGetSizes:
			return nil, ErrQueryTimeout
		}
		return nil, ErrAcquireTimeout
	}
}

func (c *Client) failPending(err error) {
	c.mutex.Lock()
	pending := c.queue
	if c.inflight != nil {
		pending = append(pending, c.inflight)
	}
	c.queue = nil
	c.inflight = nil
	c.mutex.Unlock()
	for _, cmd := range pending {
		cmd.complete(nil, err)
	}
}

func (c *Client) handleEvent(event protocol.Event) error {
	if event.Type != protocol.EventDisconnect {
		return nil
	}
	err := protocol.ErrProtocolShuttingDown
	if event.Err != nil {
		err = fmt.Errorf("%w: %w", protocol.ErrProtocolShuttingDown, event.Err)
	}
	c.failPending(err)
	return nil
}

// nextMessage runs with the agent lock held. Only the Idle and Acquired states reach it
func (c *Client) nextMessage(state protocol.State) (protocol.Message, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.inflight != nil {
		return nil, nil
	}
	for len(c.queue) > 0 {
		cmd := c.queue[0]
		switch cmd.kind {
		case commandAcquire:
			c.queue = c.queue[1:]
			c.inflight = cmd
			return NewMsgAcquire(), nil
		case commandNextTx, commandHasTx, commandGetSizes:
			if state == StateIdle {
				c.inflight = &command{kind: commandAcquire, implicit: true}
				return NewMsgAcquire(), nil
			}
			c.queue = c.queue[1:]
			c.inflight = cmd
			switch cmd.kind {
			case commandNextTx:
				return NewMsgNextTx(), nil
			case commandHasTx:
				return NewMsgHasTx(cmd.txId), nil
			default:
				return NewMsgGetSizes(), nil
			}
		case commandRelease:
			c.queue = c.queue[1:]
			cmd.complete(nil, nil)
			if state == StateAcquired {
				return NewMsgRelease(), nil
			}
		case commandDone:
			if state == StateAcquired {
				return NewMsgRelease(), nil
			}
			c.queue = c.queue[1:]
			cmd.complete(nil, nil)
			return NewMsgDone(), nil
		}
	}
	return nil, nil
}

func (c *Client) takeInflight() *command {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	cmd := c.inflight
	c.inflight = nil
	return cmd
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg := msg.(type) {
	case *MsgAcquired:
		c.mutex.Lock()
		c.acquiredSlot = msg.SlotNo
		c.mutex.Unlock()
		if cmd := c.takeInflight(); cmd != nil {
			cmd.complete(msg.SlotNo, nil)
		}
	case *MsgReplyNextTx:
		var tx []byte
		if msg.Transaction != nil {
			tx = msg.Transaction.Tx.Bytes()
		}
		if cmd := c.takeInflight(); cmd != nil {
			cmd.complete(tx, nil)
		}
	case *MsgReplyHasTx:
		if cmd := c.takeInflight(); cmd != nil {
			cmd.complete(msg.Result, nil)
		}
	case *MsgReplyGetSizes:
		if cmd := c.takeInflight(); cmd != nil {
			cmd.complete(msg.Result, nil)
		}
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}
