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

// Package txsubmission implements the Ouroboros tx-submission protocol. The client (initiator)
// offers transactions from its pending queue and the server (responder) pulls IDs and bodies
package txsubmission

import (
	"errors"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Protocol identifiers
const (
	ProtocolName        = "tx-submission"
	ProtocolId   uint16 = 4
)

var (
	StateInit             = protocol.NewState(1, "Init")
	StateIdle             = protocol.NewState(2, "Idle")
	StateTxIdsBlocking    = protocol.NewState(3, "TxIdsBlocking")
	StateTxIdsNonBlocking = protocol.NewState(4, "TxIdsNonBlocking")
	StateTxs              = protocol.NewState(5, "Txs")
	StateDone             = protocol.NewState(6, "Done")
)

var (
	ErrInvalidAck       = errors.New("tx-submission: acknowledged more IDs than are outstanding")
	ErrBlockingRequest  = errors.New("tx-submission: blocking request with unacknowledged IDs")
	ErrTooManyTxIds     = errors.New("tx-submission: reply carries more IDs than requested")
	ErrEmptyBlockingTxs = errors.New("tx-submission: blocking reply carries no IDs")
)

func isBlockingRequest(blocking bool) protocol.StateTransitionMatchFunc {
	return func(_ any, msg protocol.Message) bool {
		req, ok := msg.(*MsgRequestTxIds)
		return ok && req.Blocking == blocking
	}
}

// TxSubmission protocol state machine
var StateMap = protocol.StateMap{
	StateInit: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeInit,
				NewState: StateIdle,
			},
		},
	},
	StateIdle: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:   MessageTypeRequestTxIds,
				NewState:  StateTxIdsBlocking,
				MatchFunc: isBlockingRequest(true),
			},
			{
				MsgType:   MessageTypeRequestTxIds,
				NewState:  StateTxIdsNonBlocking,
				MatchFunc: isBlockingRequest(false),
			},
			{
				MsgType:  MessageTypeRequestTxs,
				NewState: StateTxs,
			},
		},
	},
	StateTxIdsBlocking: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeReplyTxIds,
				NewState: StateIdle,
			},
			{
				MsgType:  MessageTypeDone,
				NewState: StateDone,
			},
		},
	},
	StateTxIdsNonBlocking: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeReplyTxIds,
				NewState: StateIdle,
			},
		},
	},
	StateTxs: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeReplyTxs,
				NewState: StateIdle,
			},
		},
	},
	StateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

// TxSubmission is a wrapper object that holds the client and server instances
type TxSubmission struct {
	Client *Client
	Server *Server
}

// Config is used to configure the TxSubmission protocol instance
type Config struct {
	InitFunc       InitFunc
	ReplyTxIdsFunc ReplyTxIdsFunc
	ReplyTxsFunc   ReplyTxsFunc
	DoneFunc       DoneFunc
}

// Callback context
type CallbackContext struct {
	ConnectionId string
	Client       *Client
	Server       *Server
}

// Callback function types
type (
	InitFunc       func(CallbackContext) error
	ReplyTxIdsFunc func(CallbackContext, []TxIdAndSize) error
	ReplyTxsFunc   func(CallbackContext, []TxBody) error
	DoneFunc       func(CallbackContext) error
)

// New returns a new TxSubmission object
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *TxSubmission {
	return &TxSubmission{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
}

// TxSubmissionOptionFunc represents a function used to modify the TxSubmission protocol config
type TxSubmissionOptionFunc func(*Config)

// NewConfig returns a new TxSubmission config object with the provided options
func NewConfig(options ...TxSubmissionOptionFunc) Config {
	c := Config{}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithInitFunc specifies the callback run by the server when the client sends Init
func WithInitFunc(initFunc InitFunc) TxSubmissionOptionFunc {
	return func(c *Config) {
		c.InitFunc = initFunc
	}
}

// WithReplyTxIdsFunc specifies the callback run by the server for each ReplyTxIds
func WithReplyTxIdsFunc(replyTxIdsFunc ReplyTxIdsFunc) TxSubmissionOptionFunc {
	return func(c *Config) {
		c.ReplyTxIdsFunc = replyTxIdsFunc
	}
}

// WithReplyTxsFunc specifies the callback run by the server for each ReplyTxs
func WithReplyTxsFunc(replyTxsFunc ReplyTxsFunc) TxSubmissionOptionFunc {
	return func(c *Config) {
		c.ReplyTxsFunc = replyTxsFunc
	}
}

// WithDoneFunc specifies the callback run by the server when the client sends Done
func WithDoneFunc(doneFunc DoneFunc) TxSubmissionOptionFunc {
	return func(c *Config) {
		c.DoneFunc = doneFunc
	}
}
