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

// Package handshake implements the Ouroboros handshake protocol, which negotiates the protocol
// version and version parameters before any other mini-protocol runs
package handshake

import (
	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Protocol identifiers
const (
	ProtocolName        = "handshake"
	ProtocolId   uint16 = 0
)

var (
	StatePropose = protocol.NewState(1, "Propose")
	StateConfirm = protocol.NewState(2, "Confirm")
	StateDone    = protocol.NewState(3, "Done")
)

// StateMap is the handshake protocol state machine
var StateMap = protocol.StateMap{
	StatePropose: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeProposeVersions,
				NewState: StateConfirm,
			},
		},
	},
	StateConfirm: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeAcceptVersion,
				NewState: StateDone,
			},
			{
				MsgType:  MessageTypeRefuse,
				NewState: StateDone,
			},
			{
				MsgType:  MessageTypeQueryReply,
				NewState: StateDone,
			},
		},
	},
	StateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

// Handshake is a wrapper object that holds the client and server instances
type Handshake struct {
	Client *Client
	Server *Server
}

// Config is used to configure the Handshake protocol instance
type Config struct {
	// ProtocolVersionMap is the version table proposed by the client and supported by the server
	ProtocolVersionMap protocol.ProtocolVersionMap
	FinishedFunc       FinishedFunc
	QueryReplyFunc     QueryReplyFunc
}

// CallbackContext provides context information to handshake callbacks
type CallbackContext struct {
	ConnectionId string
	Client       *Client
	Server       *Server
}

// FinishedFunc is called with the negotiated version and the remote version data
type FinishedFunc func(CallbackContext, uint16, protocol.VersionData) error

// QueryReplyFunc is called by the client with the version table returned for a query
type QueryReplyFunc func(CallbackContext, protocol.ProtocolVersionMap) error

// New returns a new Handshake object
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *Handshake {
	return &Handshake{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
}

// HandshakeOptionFunc represents a function used to modify the Handshake protocol config
type HandshakeOptionFunc func(*Config)

// NewConfig returns a new Handshake config object with the provided options
func NewConfig(options ...HandshakeOptionFunc) Config {
	c := Config{}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithProtocolVersionMap specifies the supported protocol versions and their version data
func WithProtocolVersionMap(
	versionMap protocol.ProtocolVersionMap,
) HandshakeOptionFunc {
	return func(c *Config) {
		c.ProtocolVersionMap = versionMap
	}
}

// WithFinishedFunc specifies the Finished callback function
func WithFinishedFunc(finishedFunc FinishedFunc) HandshakeOptionFunc {
	return func(c *Config) {
		c.FinishedFunc = finishedFunc
	}
}

// WithQueryReplyFunc specifies the QueryReply callback function
func WithQueryReplyFunc(queryReplyFunc QueryReplyFunc) HandshakeOptionFunc {
	return func(c *Config) {
		c.QueryReplyFunc = queryReplyFunc
	}
}
