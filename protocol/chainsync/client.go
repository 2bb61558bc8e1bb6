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

package chainsync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/metrics"
	"github.com/blinklabs-io/ouroboros-agent/pipeline"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

// Client implements the ChainSync client. Requests are issued by the agent's drive loop as
// allowed by the pipelining strategy
type Client struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mode            protocol.ProtocolMode
	connectionId    string
	metrics         *metrics.Metrics
	stateContext    *StateContext
	strategy        pipeline.Strategy
	tracker         *pipeline.MetricsTracker
	mutex           sync.Mutex
	syncing         bool
	doneRequested   bool
	intersectPoints []common.Point
	intersectChan   chan intersectResult
	clientTipSlot   uint64
	serverTip       common.Tip
}

type intersectResult struct {
	point *common.Point
	tip   common.Tip
}

// NewClient returns a new ChainSync client object
func NewClient(protoOptions protocol.ProtocolOptions, cfg *Config) *Client {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	c := &Client{
		config:       cfg,
		mode:         protoOptions.Mode,
		connectionId: protoOptions.ConnectionId,
		metrics:      protoOptions.Metrics,
		stateContext: NewStateContext(),
		strategy:     cfg.Strategy,
		tracker:      pipeline.NewMetricsTracker(),
	}
	if c.strategy == nil {
		c.strategy = pipeline.NewSequentialStrategy()
	}
	c.callbackContext = CallbackContext{
		Client:       c,
		ConnectionId: protoOptions.ConnectionId,
	}
	msgFromCborFunc := NewMsgFromCborNtN
	if c.mode == protocol.ProtocolModeNodeToClient {
		msgFromCborFunc = NewMsgFromCborNtC
	}
	c.Agent = protocol.NewAgent(protocol.AgentConfig{
		Name:                ProtocolName,
		ProtocolId:          ProtocolIdForMode(c.mode),
		Role:                protocol.RoleClient,
		ConnectionId:        protoOptions.ConnectionId,
		Transport:           protoOptions.Transport,
		Logger:              protoOptions.Logger,
		Metrics:             protoOptions.Metrics,
		StateMap:            StateMap,
		InitialState:        StateIdle,
		StateContext:        c.stateContext,
		MessageFromCborFunc: msgFromCborFunc,
		MessageHandlerFunc:  c.messageHandler,
		NextMessageFunc:     c.nextMessage,
		DoneMessageFunc: func() protocol.Message {
			return NewMsgDone()
		},
	})
	c.AddListener(c.handleEvent)
	return c
}

// Sync finds the intersection with the server using the provided points and then starts
// requesting blocks. It returns ErrIntersectNotFound when none of the points are known
func (c *Client) Sync(intersectPoints []common.Point) error {
	if len(intersectPoints) == 0 {
		intersectPoints = []common.Point{common.NewPointOrigin()}
	}
	result, err := c.findIntersect(intersectPoints)
	if err != nil {
		return err
	}
	if result.point == nil {
		return ErrIntersectNotFound
	}
	c.mutex.Lock()
	c.syncing = true
	c.mutex.Unlock()
	c.Logger().Debug(
		"starting sync",
		"intersect", result.point.String(),
		"strategy", c.strategy.Name(),
	)
	c.Wake()
	return nil
}

// GetCurrentTip returns the server's tip. While syncing, the most recently reported tip is returned
func (c *Client) GetCurrentTip() (*common.Tip, error) {
	c.mutex.Lock()
	if c.syncing {
		tip := c.serverTip
		c.mutex.Unlock()
		return &tip, nil
	}
	c.mutex.Unlock()
	// An empty point list never intersects, so the server replies with only its tip
	result, err := c.findIntersect([]common.Point{})
	if err != nil {
		return nil, err
	}
	return &result.tip, nil
}

func (c *Client) findIntersect(points []common.Point) (intersectResult, error) {
	c.mutex.Lock()
	if c.syncing || c.intersectChan != nil {
		c.mutex.Unlock()
		return intersectResult{}, ErrSyncInProgress
	}
	resultChan := make(chan intersectResult, 1)
	c.intersectPoints = points
	c.intersectChan = resultChan
	c.mutex.Unlock()
	c.Wake()
	timer := time.NewTimer(c.config.IntersectTimeout)
	defer timer.Stop()
	select {
	case result := <-resultChan:
		return result, nil
	case <-timer.C:
		c.mutex.Lock()
		if c.intersectChan == resultChan {
			c.intersectPoints = nil
			c.intersectChan = nil
		}
		c.mutex.Unlock()
		return intersectResult{}, ErrIntersectTimeout
	}
}

// Stop stops requesting blocks. Outstanding replies are collected and the protocol is then
// terminated with Done
func (c *Client) Stop() error {
	c.mutex.Lock()
	c.syncing = false
	c.doneRequested = true
	c.mutex.Unlock()
	c.Wake()
	return nil
}

// NetworkMetrics returns the link health snapshot used for pipelining decisions
func (c *Client) NetworkMetrics() pipeline.NetworkMetrics {
	return c.tracker.Snapshot()
}

// Outstanding returns the number of requests waiting for a reply
func (c *Client) Outstanding() int {
	return c.stateContext.PipelineCount()
}

// Reset returns the client to its initial state for use over a new transport
func (c *Client) Reset() {
	c.Agent.Reset()
	c.mutex.Lock()
	c.syncing = false
	c.doneRequested = false
	c.intersectPoints = nil
	c.intersectChan = nil
	c.clientTipSlot = 0
	c.serverTip = common.Tip{}
	c.mutex.Unlock()
	c.strategy.Reset()
	c.tracker.Reset()
}

// nextMessage runs with the agent lock held
func (c *Client) nextMessage(state protocol.State) (protocol.Message, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if state == StateIdle {
		if c.intersectPoints != nil {
			points := c.intersectPoints
			c.intersectPoints = nil
			return NewMsgFindIntersect(points), nil
		}
		if c.doneRequested {
			return NewMsgDone(), nil
		}
	}
	if !c.syncing {
		return nil, nil
	}
	outstanding := c.stateContext.PipelineCount()
	decision := c.strategy.Decide(
		outstanding,
		c.clientTipSlot,
		c.serverTip.Point.Slot,
		c.tracker.Snapshot(),
	)
	c.metrics.PipelineDecision(c.strategy.Name(), decision.String())
	switch decision {
	case pipeline.DecisionRequest,
		pipeline.DecisionPipeline,
		pipeline.DecisionCollectOrPipeline:
		c.tracker.RecordRequest()
		c.metrics.SetPipelineDepth(c.connectionId, outstanding+1)
		return NewMsgRequestNext(), nil
	default:
		return nil, nil
	}
}

func (c *Client) handleEvent(event protocol.Event) error {
	if event.Type == protocol.EventDisconnect {
		c.tracker.RecordFailure()
		c.strategy.RecordFailure()
	}
	return nil
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeAwaitReply:
		err = c.handleAwaitReply()
	case MessageTypeRollForward:
		err = c.handleRollForward(msg)
	case MessageTypeRollBackward:
		err = c.handleRollBackward(msg)
	case MessageTypeIntersectFound:
		err = c.handleIntersectFound(msg)
	case MessageTypeIntersectNotFound:
		err = c.handleIntersectNotFound(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleAwaitReply() error {
	if c.config.AwaitReplyFunc != nil {
		return c.config.AwaitReplyFunc(c.callbackContext)
	}
	return nil
}

func (c *Client) handleRollForward(msgGeneric protocol.Message) error {
	c.tracker.RecordReply()
	var blockType uint
	var data []byte
	var tip common.Tip
	var info common.HeaderInfo
	var infoErr error
	switch msg := msgGeneric.(type) {
	case *MsgRollForwardNtN:
		tip = msg.Tip
		blockType = BlockTypeForEra(msg.WrappedHeader.Era, msg.WrappedHeader.ByronType)
		data = msg.WrappedHeader.HeaderCbor()
		info, infoErr = msg.WrappedHeader.HeaderInfo()
	case *MsgRollForwardNtC:
		tip = msg.Tip
		block, err := msg.Block()
		if err != nil {
			return err
		}
		blockType = block.BlockType
		data = block.BlockCbor
		infoErr = errors.New("no header")
		if blockType > common.BlockTypeByronMain {
			var header []byte
			header, infoErr = common.BlockHeader(block.BlockCbor)
			if infoErr == nil {
				info, infoErr = common.DecodeHeaderInfo(header)
			}
		}
	default:
		return fmt.Errorf("%s: unexpected roll forward message %T", ProtocolName, msgGeneric)
	}
	c.mutex.Lock()
	c.serverTip = tip
	if infoErr == nil {
		c.clientTipSlot = info.Slot
	}
	c.mutex.Unlock()
	if infoErr != nil {
		c.Logger().Debug(
			"could not read slot from block header",
			"block_type", blockType,
			"error", infoErr,
		)
	}
	c.metrics.SetPipelineDepth(c.connectionId, c.stateContext.PipelineCount())
	if c.config.RollForwardFunc == nil {
		return nil
	}
	return c.callbackResult(c.config.RollForwardFunc(c.callbackContext, blockType, data, tip))
}

func (c *Client) handleRollBackward(msgGeneric protocol.Message) error {
	c.tracker.RecordReply()
	msg := msgGeneric.(*MsgRollBackward)
	c.mutex.Lock()
	c.serverTip = msg.Tip
	c.clientTipSlot = msg.Point.Slot
	c.mutex.Unlock()
	c.metrics.SetPipelineDepth(c.connectionId, c.stateContext.PipelineCount())
	if c.config.RollBackwardFunc == nil {
		return nil
	}
	return c.callbackResult(c.config.RollBackwardFunc(c.callbackContext, msg.Point, msg.Tip))
}

// callbackResult turns ErrStopSyncProcess into a stop of the sync loop
func (c *Client) callbackResult(err error) error {
	if errors.Is(err, ErrStopSyncProcess) {
		c.mutex.Lock()
		c.syncing = false
		c.mutex.Unlock()
		c.Logger().Debug("sync stopped by callback")
		return nil
	}
	return err
}

func (c *Client) deliverIntersect(result intersectResult) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.serverTip = result.tip
	if result.point != nil {
		c.clientTipSlot = result.point.Slot
	}
	if c.intersectChan != nil {
		c.intersectChan <- result
		c.intersectChan = nil
	}
}

func (c *Client) handleIntersectFound(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgIntersectFound)
	point := msg.Point
	c.deliverIntersect(intersectResult{point: &point, tip: msg.Tip})
	if c.config.IntersectFoundFunc != nil {
		return c.config.IntersectFoundFunc(c.callbackContext, msg.Point, msg.Tip)
	}
	return nil
}

func (c *Client) handleIntersectNotFound(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgIntersectNotFound)
	c.deliverIntersect(intersectResult{tip: msg.Tip})
	if c.config.IntersectNotFoundFunc != nil {
		return c.config.IntersectNotFoundFunc(c.callbackContext, msg.Tip)
	}
	return nil
}
