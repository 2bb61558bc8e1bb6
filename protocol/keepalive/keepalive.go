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

// Package keepalive implements the Ouroboros keep-alive mini-protocol, which is used to detect and
// maintain liveness between nodes
package keepalive

import (
	"errors"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

const (
	// ProtocolName is the name of the keep-alive protocol
	ProtocolName = "keep-alive"
	// ProtocolId is the mini-protocol number of the keep-alive protocol
	ProtocolId uint16 = 8
	// DefaultKeepAlivePeriod is the default interval between keep-alive probes, in seconds
	DefaultKeepAlivePeriod = 60
	// DefaultKeepAliveTimeout is the default timeout for keep-alive responses, in seconds
	DefaultKeepAliveTimeout = 10
)

var (
	StateClient = protocol.NewState(1, "Client")
	StateServer = protocol.NewState(2, "Server")
	StateDone   = protocol.NewState(3, "Done")
)

// StateMap defines the valid state transitions for the keep-alive protocol
var StateMap = protocol.StateMap{
	StateClient: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeKeepAlive,
				NewState: StateServer,
			},
			{
				MsgType:  MessageTypeDone,
				NewState: StateDone,
			},
		},
	},
	StateServer: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeKeepAliveResponse,
				NewState: StateClient,
			},
		},
	},
	StateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

var (
	// ErrCookieMismatch is returned when a response carries a different cookie than the request
	ErrCookieMismatch = errors.New("keep-alive cookie mismatch")
	// ErrTimeout is returned by CheckTimeout when a response is overdue
	ErrTimeout = errors.New("keep-alive response timeout")
)

// KeepAlive provides both client and server implementations of the keep-alive protocol
type KeepAlive struct {
	Client *Client
	Server *Server
}

// Config contains configuration options for the keep-alive protocol
type Config struct {
	KeepAliveFunc         KeepAliveFunc
	KeepAliveResponseFunc KeepAliveResponseFunc
	DoneFunc              DoneFunc
	Timeout               time.Duration
	Period                time.Duration
	Cookie                uint16
}

// CallbackContext provides context information to keep-alive protocol callbacks
type CallbackContext struct {
	ConnectionId string
	Client       *Client
	Server       *Server
}

// KeepAliveFunc is called by the server for each keep-alive request
type KeepAliveFunc func(CallbackContext, uint16) error

// KeepAliveResponseFunc is called by the client for each response, with the measured round-trip time
type KeepAliveResponseFunc func(CallbackContext, uint16, time.Duration) error

// DoneFunc is called by the server when the client terminates the protocol
type DoneFunc func(CallbackContext) error

// New returns a KeepAlive with client and server sharing the provided options and config
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *KeepAlive {
	return &KeepAlive{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
}

// KeepAliveOptionFunc is a function that modifies a Config
type KeepAliveOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...KeepAliveOptionFunc) Config {
	c := Config{
		Period:  DefaultKeepAlivePeriod * time.Second,
		Timeout: DefaultKeepAliveTimeout * time.Second,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithKeepAliveFunc sets the server request callback
func WithKeepAliveFunc(keepAliveFunc KeepAliveFunc) KeepAliveOptionFunc {
	return func(c *Config) {
		c.KeepAliveFunc = keepAliveFunc
	}
}

// WithKeepAliveResponseFunc sets the client response callback
func WithKeepAliveResponseFunc(
	keepAliveResponseFunc KeepAliveResponseFunc,
) KeepAliveOptionFunc {
	return func(c *Config) {
		c.KeepAliveResponseFunc = keepAliveResponseFunc
	}
}

// WithDoneFunc sets the server Done callback
func WithDoneFunc(doneFunc DoneFunc) KeepAliveOptionFunc {
	return func(c *Config) {
		c.DoneFunc = doneFunc
	}
}

// WithTimeout sets how long the client waits for a response
func WithTimeout(timeout time.Duration) KeepAliveOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithPeriod sets the interval between keep-alive probes
func WithPeriod(period time.Duration) KeepAliveOptionFunc {
	return func(c *Config) {
		c.Period = period
	}
}

// WithCookie sets the cookie sent with each probe
func WithCookie(cookie uint16) KeepAliveOptionFunc {
	return func(c *Config) {
		c.Cookie = cookie
	}
}
