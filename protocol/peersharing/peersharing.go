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

// Package peersharing implements the Ouroboros peer-sharing protocol. The client asks the
// server for a number of peer addresses and the server answers with at most that many. Only
// one request is outstanding at a time, and its deadline is checked cooperatively by the owner
// of the connection
package peersharing

import (
	"errors"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Protocol identifiers
const (
	ProtocolName        = "peer-sharing"
	ProtocolId   uint16 = 10
)

// DefaultTimeout is the reply deadline used when none is configured
const DefaultTimeout = 5 * time.Second

var (
	// StateIdle is the state in which the client may ask for peers or terminate
	StateIdle = protocol.NewState(1, "Idle")
	// StateBusy is the state in which the server owes a SharePeers reply
	StateBusy = protocol.NewState(2, "Busy")
	// StateDone is the terminal state
	StateDone = protocol.NewState(3, "Done")
)

var (
	// ErrRequestInProgress is returned by RequestPeers when another request is waiting for its
	// reply or to be sent
	ErrRequestInProgress = errors.New("peer-sharing: request already in progress")
	// ErrRequestTimeout fails a request whose reply did not arrive before CheckTimeout found it
	// past its deadline
	ErrRequestTimeout = errors.New("peer-sharing: timed out waiting for SharePeers")
)

// StateMap is the peer-sharing state machine. Idle and Busy alternate until the client sends Done
var StateMap = protocol.StateMap{
	StateIdle: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{MsgType: MessageTypeShareRequest, NewState: StateBusy},
			{MsgType: MessageTypeDone, NewState: StateDone},
		},
	},
	StateBusy: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{MsgType: MessageTypeSharePeers, NewState: StateIdle},
		},
	},
	StateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

// PeerSharing holds both sides of the protocol for one connection. Which of them runs depends
// on the role negotiated for the connection
type PeerSharing struct {
	Client *Client
	Server *Server
}

// Config is shared by the client and server
type Config struct {
	// ShareRequestFunc supplies the addresses the server shares. The server trims the result
	// to the requested amount
	ShareRequestFunc ShareRequestFunc
	// Timeout is how long a request may wait for SharePeers before CheckTimeout fails it
	Timeout time.Duration
}

// CallbackContext identifies the session a callback is invoked for
type CallbackContext struct {
	ConnectionId string
	Client       *Client
	Server       *Server
}

// ShareRequestFunc is called by the server with the amount of peers the client asked for
type ShareRequestFunc func(ctx CallbackContext, amount int) ([]PeerAddress, error)

// New returns both sides of the protocol sharing one config
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *PeerSharing {
	return &PeerSharing{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
}

// PeerSharingOptionFunc modifies a Config
type PeerSharingOptionFunc func(*Config)

// NewConfig returns a config with DefaultTimeout and the provided options applied
func NewConfig(options ...PeerSharingOptionFunc) Config {
	c := Config{
		Timeout: DefaultTimeout,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithShareRequestFunc specifies the ShareRequest callback function
func WithShareRequestFunc(shareRequestFunc ShareRequestFunc) PeerSharingOptionFunc {
	return func(c *Config) {
		c.ShareRequestFunc = shareRequestFunc
	}
}

// WithTimeout specifies the reply deadline enforced by CheckTimeout. A zero or negative
// timeout keeps DefaultTimeout
func WithTimeout(timeout time.Duration) PeerSharingOptionFunc {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}
