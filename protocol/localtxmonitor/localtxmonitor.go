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

// Package localtxmonitor implements the Ouroboros local-tx-monitor mini-protocol, which lets a
// local client inspect a snapshot of the node's mempool
package localtxmonitor

import (
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

const (
	ProtocolName        = "local-tx-monitor"
	ProtocolId   uint16 = 9
)

var (
	StateIdle      = protocol.NewState(1, "Idle")
	StateAcquiring = protocol.NewState(2, "Acquiring")
	StateAcquired  = protocol.NewState(3, "Acquired")
	StateBusy      = protocol.NewState(4, "Busy")
	StateDone      = protocol.NewState(5, "Done")
)

// StateMap defines the valid state transitions for the local-tx-monitor protocol. The Busy
// state only accepts the reply matching the request that entered it
var StateMap = protocol.StateMap{
	StateIdle: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeAcquire,
				NewState: StateAcquiring,
			},
			{
				MsgType:  MessageTypeDone,
				NewState: StateDone,
			},
		},
	},
	StateAcquiring: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeAcquired,
				NewState: StateAcquired,
			},
		},
	},
	StateAcquired: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeAcquire,
				NewState: StateAcquiring,
			},
			{
				MsgType:  MessageTypeRelease,
				NewState: StateIdle,
			},
			{
				MsgType:    MessageTypeNextTx,
				NewState:   StateBusy,
				CommitFunc: setPendingRequest,
			},
			{
				MsgType:    MessageTypeHasTx,
				NewState:   StateBusy,
				CommitFunc: setPendingRequest,
			},
			{
				MsgType:    MessageTypeGetSizes,
				NewState:   StateBusy,
				CommitFunc: setPendingRequest,
			},
		},
	},
	StateBusy: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:    MessageTypeReplyNextTx,
				NewState:   StateAcquired,
				MatchFunc:  pendingRequestIs(MessageTypeNextTx),
				CommitFunc: clearPendingRequest,
			},
			{
				MsgType:    MessageTypeReplyHasTx,
				NewState:   StateAcquired,
				MatchFunc:  pendingRequestIs(MessageTypeHasTx),
				CommitFunc: clearPendingRequest,
			},
			{
				MsgType:    MessageTypeReplyGetSizes,
				NewState:   StateAcquired,
				MatchFunc:  pendingRequestIs(MessageTypeGetSizes),
				CommitFunc: clearPendingRequest,
			},
		},
	},
	StateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

// StateContext records which request put the protocol in the Busy state
type StateContext struct {
	mutex   sync.Mutex
	request uint8
}

func NewStateContext() *StateContext {
	return &StateContext{}
}

// SetPendingRequest records the request type, as the commit of a request transition would
func (s *StateContext) SetPendingRequest(msgType uint8) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.request = msgType
}

func (s *StateContext) Reset() {
	s.SetPendingRequest(0)
}

func setPendingRequest(context any, msg protocol.Message) {
	context.(*StateContext).SetPendingRequest(msg.Type())
}

func clearPendingRequest(context any, _ protocol.Message) {
	context.(*StateContext).SetPendingRequest(0)
}

func pendingRequestIs(msgType uint8) protocol.StateTransitionMatchFunc {
	return func(context any, _ protocol.Message) bool {
		s := context.(*StateContext)
		s.mutex.Lock()
		defer s.mutex.Unlock()
		return s.request == msgType
	}
}

// LocalTxMonitor is a wrapper object that holds the client and server instances
type LocalTxMonitor struct {
	Client *Client
	Server *Server
}

// MempoolTx is one transaction in a mempool snapshot
type MempoolTx struct {
	EraId uint8
	// TxId is computed from Tx with common.TxIdFromCbor when empty
	TxId []byte
	Tx   []byte
}

// MempoolSnapshot is the mempool content captured when a client acquires
type MempoolSnapshot struct {
	Slot     uint64
	Capacity uint32
	Txs      []MempoolTx
}

// Config is used to configure the LocalTxMonitor protocol instance
type Config struct {
	GetMempoolFunc GetMempoolFunc
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
}

// CallbackContext provides context information to local-tx-monitor callbacks
type CallbackContext struct {
	ConnectionId string
	Client       *Client
	Server       *Server
}

// GetMempoolFunc returns the mempool snapshot served to a client after it acquires
type GetMempoolFunc func(CallbackContext) (MempoolSnapshot, error)

// New returns a new LocalTxMonitor object
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *LocalTxMonitor {
	return &LocalTxMonitor{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
}

// LocalTxMonitorOptionFunc represents a function used to modify the LocalTxMonitor protocol config
type LocalTxMonitorOptionFunc func(*Config)

// NewConfig returns a new LocalTxMonitor config object with the provided options
func NewConfig(options ...LocalTxMonitorOptionFunc) Config {
	c := Config{
		AcquireTimeout: 5 * time.Second,
		QueryTimeout:   30 * time.Second,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithGetMempoolFunc specifies the callback function used by the server to snapshot the mempool
func WithGetMempoolFunc(getMempoolFunc GetMempoolFunc) LocalTxMonitorOptionFunc {
	return func(c *Config) {
		c.GetMempoolFunc = getMempoolFunc
	}
}

// WithAcquireTimeout specifies how long the client waits for Acquired
func WithAcquireTimeout(timeout time.Duration) LocalTxMonitorOptionFunc {
	return func(c *Config) {
		c.AcquireTimeout = timeout
	}
}

// WithQueryTimeout specifies how long the client waits for a reply to NextTx, HasTx or GetSizes
func WithQueryTimeout(timeout time.Duration) LocalTxMonitorOptionFunc {
	return func(c *Config) {
		c.QueryTimeout = timeout
	}
}
