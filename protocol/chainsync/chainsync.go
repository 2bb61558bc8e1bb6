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

// Package chainsync implements the Ouroboros chain-sync protocol
package chainsync

import (
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/pipeline"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

// Protocol identifiers
const (
	ProtocolName         = "chain-sync"
	ProtocolIdNtN uint16 = 2
	ProtocolIdNtC uint16 = 5
)

var (
	StateIdle      = protocol.NewState(1, "Idle")
	StateCanAwait  = protocol.NewState(2, "CanAwait")
	StateMustReply = protocol.NewState(3, "MustReply")
	StateIntersect = protocol.NewState(4, "Intersect")
	StateDone      = protocol.NewState(5, "Done")
)

// rollTransitions are the replies to a RequestNext. The pipeline count decides whether the
// client gets agency back
var rollTransitions = []protocol.StateTransition{
	{
		MsgType:    MessageTypeRollForward,
		NewState:   StateIdle,
		MatchFunc:  PipelineCountIsOne,
		CommitFunc: DecrementPipelineCount,
	},
	{
		MsgType:    MessageTypeRollForward,
		NewState:   StateCanAwait,
		MatchFunc:  PipelineCountIsMany,
		CommitFunc: DecrementPipelineCount,
	},
	{
		MsgType:    MessageTypeRollBackward,
		NewState:   StateIdle,
		MatchFunc:  PipelineCountIsOne,
		CommitFunc: DecrementPipelineCount,
	},
	{
		MsgType:    MessageTypeRollBackward,
		NewState:   StateCanAwait,
		MatchFunc:  PipelineCountIsMany,
		CommitFunc: DecrementPipelineCount,
	},
}

// StateMap is the chain-sync protocol state machine
var StateMap = protocol.StateMap{
	StateIdle: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:    MessageTypeRequestNext,
				NewState:   StateCanAwait,
				CommitFunc: IncrementPipelineCount,
			},
			{
				MsgType:  MessageTypeFindIntersect,
				NewState: StateIntersect,
			},
			{
				MsgType:  MessageTypeDone,
				NewState: StateDone,
			},
		},
	},
	StateCanAwait: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: append(
			[]protocol.StateTransition{
				{
					MsgType:    MessageTypeRequestNext,
					NewState:   StateCanAwait,
					CommitFunc: IncrementPipelineCount,
					Pipelined:  true,
				},
				{
					MsgType:  MessageTypeAwaitReply,
					NewState: StateMustReply,
				},
			},
			rollTransitions...,
		),
	},
	StateMustReply: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: append(
			[]protocol.StateTransition{
				{
					MsgType:    MessageTypeRequestNext,
					NewState:   StateMustReply,
					CommitFunc: IncrementPipelineCount,
					Pipelined:  true,
				},
			},
			rollTransitions...,
		),
	},
	StateIntersect: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeIntersectFound,
				NewState: StateIdle,
			},
			{
				MsgType:  MessageTypeIntersectNotFound,
				NewState: StateIdle,
			},
		},
	},
	StateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

// StateContext holds the number of RequestNext messages that have not been answered yet
type StateContext struct {
	mutex         sync.Mutex
	pipelineCount int
}

func NewStateContext() *StateContext {
	return &StateContext{}
}

// PipelineCount returns the number of outstanding RequestNext messages
func (s *StateContext) PipelineCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pipelineCount
}

func (s *StateContext) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pipelineCount = 0
}

var IncrementPipelineCount = func(context any, _ protocol.Message) {
	s := context.(*StateContext)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pipelineCount++
}

var DecrementPipelineCount = func(context any, _ protocol.Message) {
	s := context.(*StateContext)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pipelineCount > 0 {
		s.pipelineCount--
	}
}

var PipelineCountIsOne = func(context any, _ protocol.Message) bool {
	return context.(*StateContext).PipelineCount() == 1
}

var PipelineCountIsMany = func(context any, _ protocol.Message) bool {
	return context.(*StateContext).PipelineCount() > 1
}

// ChainSync is a wrapper object that holds the client and server instances
type ChainSync struct {
	Client *Client
	Server *Server
}

// Config is used to configure the ChainSync protocol instance
type Config struct {
	RollBackwardFunc      RollBackwardFunc
	RollForwardFunc       RollForwardFunc
	IntersectFoundFunc    IntersectFoundFunc
	IntersectNotFoundFunc IntersectNotFoundFunc
	AwaitReplyFunc        AwaitReplyFunc
	FindIntersectFunc     FindIntersectFunc
	RequestNextFunc       RequestNextFunc
	ChainStore            common.ChainStore
	Strategy              pipeline.Strategy
	IntersectTimeout      time.Duration
}

// CallbackContext provides context information to chain-sync callbacks
type CallbackContext struct {
	ConnectionId string
	Client       *Client
	Server       *Server
}

// Callback function types
type (
	RollBackwardFunc func(CallbackContext, common.Point, common.Tip) error
	// RollForwardFunc receives the block type and the header (NtN) or full block (NtC) CBOR
	RollForwardFunc       func(CallbackContext, uint, []byte, common.Tip) error
	IntersectFoundFunc    func(CallbackContext, common.Point, common.Tip) error
	IntersectNotFoundFunc func(CallbackContext, common.Tip) error
	AwaitReplyFunc        func(CallbackContext) error
	// FindIntersectFunc returns ErrIntersectNotFound along with the tip when no point matches
	FindIntersectFunc func(CallbackContext, []common.Point) (common.Point, common.Tip, error)
	RequestNextFunc   func(CallbackContext) error
)

// New returns a new ChainSync object
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *ChainSync {
	return &ChainSync{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
}

// ProtocolIdForMode returns the mini-protocol number for the connection mode
func ProtocolIdForMode(mode protocol.ProtocolMode) uint16 {
	if mode == protocol.ProtocolModeNodeToClient {
		return ProtocolIdNtC
	}
	return ProtocolIdNtN
}

// ChainSyncOptionFunc represents a function used to modify the ChainSync protocol config
type ChainSyncOptionFunc func(*Config)

// NewConfig returns a new ChainSync config object with the provided options
func NewConfig(options ...ChainSyncOptionFunc) Config {
	c := Config{
		IntersectTimeout: 5 * time.Second,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithRollBackwardFunc specifies the RollBackward callback function
func WithRollBackwardFunc(rollBackwardFunc RollBackwardFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.RollBackwardFunc = rollBackwardFunc
	}
}

// WithRollForwardFunc specifies the RollForward callback function
func WithRollForwardFunc(rollForwardFunc RollForwardFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.RollForwardFunc = rollForwardFunc
	}
}

// WithIntersectFoundFunc specifies the IntersectFound callback function
func WithIntersectFoundFunc(intersectFoundFunc IntersectFoundFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.IntersectFoundFunc = intersectFoundFunc
	}
}

// WithIntersectNotFoundFunc specifies the IntersectNotFound callback function
func WithIntersectNotFoundFunc(
	intersectNotFoundFunc IntersectNotFoundFunc,
) ChainSyncOptionFunc {
	return func(c *Config) {
		c.IntersectNotFoundFunc = intersectNotFoundFunc
	}
}

// WithAwaitReplyFunc specifies the AwaitReply callback function
func WithAwaitReplyFunc(awaitReplyFunc AwaitReplyFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.AwaitReplyFunc = awaitReplyFunc
	}
}

// WithFindIntersectFunc overrides the server's chain store intersection lookup
func WithFindIntersectFunc(findIntersectFunc FindIntersectFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.FindIntersectFunc = findIntersectFunc
	}
}

// WithRequestNextFunc specifies the RequestNext callback function
func WithRequestNextFunc(requestNextFunc RequestNextFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.RequestNextFunc = requestNextFunc
	}
}

// WithChainStore specifies the chain served by the server
func WithChainStore(chainStore common.ChainStore) ChainSyncOptionFunc {
	return func(c *Config) {
		c.ChainStore = chainStore
	}
}

// WithStrategy specifies the client pipelining strategy
func WithStrategy(strategy pipeline.Strategy) ChainSyncOptionFunc {
	return func(c *Config) {
		c.Strategy = strategy
	}
}

// WithIntersectTimeout specifies the timeout for intersect operations
func WithIntersectTimeout(timeout time.Duration) ChainSyncOptionFunc {
	return func(c *Config) {
		c.IntersectTimeout = timeout
	}
}
