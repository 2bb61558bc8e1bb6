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

package localstatequery

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

type commandKind int

const (
	commandAcquire commandKind = iota
	commandQuery
	commandRelease
	commandDone
)

type command struct {
	kind     commandKind
	target   AcquireTarget
	query    []byte
	implicit bool
	result   chan commandResult
}

type commandResult struct {
	data []byte
	err  error
}

func (c *command) complete(data []byte, err error) {
	if c.result == nil {
		return
	}
	// The channel is buffered and each command completes once
	select {
	case c.result <- commandResult{data: data, err: err}:
	default:
	}
}

// Client implements the local-state-query client. Commands are queued and sent by the agent's
// drive loop as the protocol state allows
type Client struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mutex           sync.Mutex
	queue           []*command
	inflight        *command
}

// NewClient returns a new local-state-query client
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
		NextMessageFunc:     c.nextMessage,
	})
	c.AddListener(c.handleEvent)
	return c
}

// Acquire acquires the ledger state at the specified point. A nil point acquires the volatile tip.
// An already acquired state is replaced
func (c *Client) Acquire(point *common.Point) error {
	_, err := c.runCommand(
		&command{kind: commandAcquire, target: AcquireTarget{Point: point}},
		c.config.AcquireTimeout,
	)
	return err
}

// AcquireVolatileTip acquires the ledger state at the tip of the chain
func (c *Client) AcquireVolatileTip() error {
	return c.Acquire(nil)
}

// Release releases the acquired ledger state
func (c *Client) Release() error {
	_, err := c.runCommand(&command{kind: commandRelease}, c.config.AcquireTimeout)
	return err
}

// Stop releases any acquired state and terminates the protocol
func (c *Client) Stop() error {
	_, err := c.runCommand(&command{kind: commandDone}, c.config.AcquireTimeout)
	return err
}

// Query runs a raw CBOR query and returns the raw CBOR result. The volatile tip is acquired
// first when no state is acquired
func (c *Client) Query(query []byte) ([]byte, error) {
	return c.runCommand(&command{kind: commandQuery, query: query}, c.config.QueryTimeout)
}

func (c *Client) runQuery(query any, result any) error {
	queryCbor, err := cbor.Encode(query)
	if err != nil {
		return err
	}
	resultCbor, err := c.Query(queryCbor)
	if err != nil {
		return err
	}
	if _, err := cbor.Decode(resultCbor, result); err != nil {
		return fmt.Errorf("%s: decode query result: %w", ProtocolName, err)
	}
	return nil
}

// GetSystemStart returns the network start time
func (c *Client) GetSystemStart() (*SystemStartResult, error) {
	var result SystemStartResult
	if err := c.runQuery(buildQuery(QueryTypeSystemStart), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetChainBlockNo returns the block number of the acquired state, or 0 at origin
func (c *Client) GetChainBlockNo() (uint64, error) {
	var result []uint64
	if err := c.runQuery(buildQuery(QueryTypeChainBlockNo), &result); err != nil {
		return 0, err
	}
	if len(result) < 2 {
		return 0, nil
	}
	return result[1], nil
}

// GetChainPoint returns the point of the acquired state
func (c *Client) GetChainPoint() (*common.Point, error) {
	var result common.Point
	if err := c.runQuery(buildQuery(QueryTypeChainPoint), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetCurrentEra returns the era index of the acquired state
func (c *Client) GetCurrentEra() (int, error) {
	var result int
	if err := c.runQuery(buildHardForkQuery(QueryTypeHardForkCurrentEra), &result); err != nil {
		return 0, err
	}
	return result, nil
}

// GetEpochNo returns the epoch of the acquired state
func (c *Client) GetEpochNo() (int, error) {
	era, err := c.GetCurrentEra()
	if err != nil {
		return 0, err
	}
	// Era-specific results are wrapped in a single element list
	var result []int
	if err := c.runQuery(buildShelleyQuery(era, QueryTypeShelleyEpochNo), &result); err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("%s: empty epoch result", ProtocolName)
	}
	return result[0], nil
}

// Pending returns the number of queued commands, including the one waiting for a reply
func (c *Client) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ret := len(c.queue)
	if c.inflight != nil {
		ret++
	}
	return ret
}

// Reset returns the client to its initial state for use over a new transport. Pending
// commands fail with protocol.ErrProtocolShuttingDown
func (c *Client) Reset() {
	c.Agent.Reset()
	c.failPending(protocol.ErrProtocolShuttingDown)
}

func (c *Client) runCommand(cmd *command, timeout time.Duration) ([]byte, error) {
	cmd.result = make(chan commandResult, 1)
	c.mutex.Lock()
	c.queue = append(c.queue, cmd)
	c.mutex.Unlock()
	c.Wake()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-cmd.result:
		return result.data, result.err
	case <-timer.C:
		c.mutex.Lock()
		c.queue = slices.DeleteFunc(c.queue, func(queued *command) bool {
			return queued == cmd
		})
		c.mutex.Unlock()
		if cmd.kind == commandQuery {
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
			return acquireMessage(state, cmd.target), nil
		case commandQuery:
			if state == StateIdle {
				c.inflight = &command{kind: commandAcquire, implicit: true}
				return NewMsgAcquireNoPoint(), nil
			}
			c.queue = c.queue[1:]
			c.inflight = cmd
			return NewMsgQuery(cmd.query), nil
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

func acquireMessage(state protocol.State, target AcquireTarget) protocol.Message {
	if state == StateAcquired {
		if target.Point == nil {
			return NewMsgReAcquireNoPoint()
		}
		return NewMsgReAcquire(*target.Point)
	}
	if target.Point == nil {
		return NewMsgAcquireNoPoint()
	}
	return NewMsgAcquire(*target.Point)
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeAcquired:
		err = c.handleAcquired()
	case MessageTypeFailure:
		err = c.handleFailure(msg)
	case MessageTypeResult:
		err = c.handleResult(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleAcquired() error {
	c.mutex.Lock()
	cmd := c.inflight
	c.inflight = nil
	c.mutex.Unlock()
	var target AcquireTarget
	if cmd != nil {
		target = cmd.target
		cmd.complete(nil, nil)
	}
	if c.config.AcquiredFunc != nil {
		return c.config.AcquiredFunc(c.callbackContext, target)
	}
	return nil
}

func (c *Client) handleFailure(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgFailure)
	failureErr := errorForFailure(msg.Failure)
	c.mutex.Lock()
	cmd := c.inflight
	c.inflight = nil
	var failed *command
	if cmd != nil && cmd.implicit {
		// The query that needed the state can not run
		if len(c.queue) > 0 && c.queue[0].kind == commandQuery {
			failed = c.queue[0]
			c.queue = c.queue[1:]
		}
	} else {
		failed = cmd
	}
	c.mutex.Unlock()
	var target AcquireTarget
	if cmd != nil {
		target = cmd.target
	}
	c.Logger().Debug(
		"acquire failed",
		"target", target.String(),
		"error", failureErr,
	)
	if failed != nil {
		failed.complete(nil, failureErr)
	}
	if c.config.FailureFunc != nil {
		return c.config.FailureFunc(c.callbackContext, target, failureErr)
	}
	return nil
}

func (c *Client) handleResult(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgResult)
	c.mutex.Lock()
	cmd := c.inflight
	c.inflight = nil
	c.mutex.Unlock()
	if cmd != nil {
		cmd.complete(msg.Result, nil)
	}
	if c.config.ResultFunc != nil {
		return c.config.ResultFunc(c.callbackContext, msg.Result)
	}
	return nil
}
