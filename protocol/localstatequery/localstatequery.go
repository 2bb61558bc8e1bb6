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

// Package localstatequery implements the Ouroboros local-state-query mini-protocol, which lets a
// local client acquire a ledger state and run queries against it
package localstatequery

import (
	"time"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

const (
	ProtocolName        = "local-state-query"
	ProtocolId   uint16 = 7
)

var (
	StateIdle      = protocol.NewState(1, "Idle")
	StateAcquiring = protocol.NewState(2, "Acquiring")
	StateAcquired  = protocol.NewState(3, "Acquired")
	StateQuerying  = protocol.NewState(4, "Querying")
	StateDone      = protocol.NewState(5, "Done")
)

// StateMap defines the valid state transitions for the local-state-query protocol
var StateMap = protocol.StateMap{
	StateIdle: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeAcquire,
				NewState: StateAcquiring,
			},
			{
				MsgType:  MessageTypeAcquireNoPoint,
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
				MsgType:  MessageTypeFailure,
				NewState: StateIdle,
			},
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
				MsgType:  MessageTypeQuery,
				NewState: StateQuerying,
			},
			{
				MsgType:  MessageTypeReAcquire,
				NewState: StateAcquiring,
			},
			{
				MsgType:  MessageTypeReAcquireNoPoint,
				NewState: StateAcquiring,
			},
			{
				MsgType:  MessageTypeRelease,
				NewState: StateIdle,
			},
		},
	},
	StateQuerying: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeResult,
				NewState: StateAcquired,
			},
		},
	},
	StateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

// LocalStateQuery is a wrapper object that holds the client and server instances
type LocalStateQuery struct {
	Client *Client
	Server *Server
}

// AcquireTarget identifies the ledger state to acquire. A nil Point selects the volatile tip
type AcquireTarget struct {
	Point *common.Point
}

func (t AcquireTarget) String() string {
	if t.Point == nil {
		return "volatile tip"
	}
	return t.Point.String()
}

// Config is used to configure the LocalStateQuery protocol instance
type Config struct {
	AcquiredFunc   AcquiredFunc
	FailureFunc    FailureFunc
	ResultFunc     ResultFunc
	AcquireFunc    AcquireFunc
	QueryFunc      QueryFunc
	ReleaseFunc    ReleaseFunc
	DoneFunc       DoneFunc
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
}

// CallbackContext provides context information to local-state-query callbacks
type CallbackContext struct {
	ConnectionId string
	Client       *Client
	Server       *Server
}

// Callback function types
type (
	AcquiredFunc func(CallbackContext, AcquireTarget) error
	// FailureFunc receives ErrAcquireFailurePointTooOld or ErrAcquireFailurePointNotOnChain
	FailureFunc func(CallbackContext, AcquireTarget, error) error
	ResultFunc  func(CallbackContext, []byte) error
	// AcquireFunc returns one of the acquire failure errors to refuse the target
	AcquireFunc func(CallbackContext, AcquireTarget) error
	QueryFunc   func(CallbackContext, []byte) ([]byte, error)
	ReleaseFunc func(CallbackContext) error
	DoneFunc    func(CallbackContext) error
)

// New returns a new LocalStateQuery object
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *LocalStateQuery {
	return &LocalStateQuery{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
}

// LocalStateQueryOptionFunc represents a function used to modify the LocalStateQuery protocol config
type LocalStateQueryOptionFunc func(*Config)

// NewConfig returns a new LocalStateQuery config object with the provided options
func NewConfig(options ...LocalStateQueryOptionFunc) Config {
	c := Config{
		AcquireTimeout: 5 * time.Second,
		QueryTimeout:   180 * time.Second,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithAcquiredFunc specifies the callback for a successful acquire
func WithAcquiredFunc(acquiredFunc AcquiredFunc) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.AcquiredFunc = acquiredFunc
	}
}

// WithFailureFunc specifies the callback for an acquire failure
func WithFailureFunc(failureFunc FailureFunc) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.FailureFunc = failureFunc
	}
}

// WithResultFunc specifies the callback for query results
func WithResultFunc(resultFunc ResultFunc) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.ResultFunc = resultFunc
	}
}

// WithAcquireFunc specifies the server callback used to acquire a ledger state
func WithAcquireFunc(acquireFunc AcquireFunc) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.AcquireFunc = acquireFunc
	}
}

// WithQueryFunc specifies the server callback used to answer queries
func WithQueryFunc(queryFunc QueryFunc) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.QueryFunc = queryFunc
	}
}

// WithReleaseFunc specifies the server callback for Release
func WithReleaseFunc(releaseFunc ReleaseFunc) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.ReleaseFunc = releaseFunc
	}
}

// WithDoneFunc specifies the server callback for Done
func WithDoneFunc(doneFunc DoneFunc) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.DoneFunc = doneFunc
	}
}

// WithAcquireTimeout specifies how long the client waits for an acquire reply
func WithAcquireTimeout(timeout time.Duration) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.AcquireTimeout = timeout
	}
}

// WithQueryTimeout specifies how long the client waits for a query result
func WithQueryTimeout(timeout time.Duration) LocalStateQueryOptionFunc {
	return func(c *Config) {
		c.QueryTimeout = timeout
	}
}
