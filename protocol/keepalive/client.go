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

package keepalive

import (
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Client sends keep-alive probes and checks the echoed cookie
type Client struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mutex           sync.Mutex
	pending         bool
	sentAt          time.Time
	roundTripTime   time.Duration
}

// NewClient returns a new keep-alive client
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
		InitialState:        StateClient,
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  c.messageHandler,
		NextMessageFunc:     c.nextMessage,
		DoneMessageFunc: func() protocol.Message {
			return NewMsgDone()
		},
	})
	return c
}

// SendKeepAlive queues a probe and wakes the agent. A probe already queued or in flight is not duplicated
func (c *Client) SendKeepAlive() {
	c.mutex.Lock()
	if c.pending || !c.sentAt.IsZero() {
		c.mutex.Unlock()
		return
	}
	c.pending = true
	c.mutex.Unlock()
	c.Wake()
}

// CheckTimeout returns ErrTimeout when a probe has been waiting for its response longer than the
// configured timeout
func (c *Client) CheckTimeout(now time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.sentAt.IsZero() || c.config.Timeout <= 0 {
		return nil
	}
	if now.Sub(c.sentAt) > c.config.Timeout {
		return fmt.Errorf("%w: no response after %s", ErrTimeout, now.Sub(c.sentAt))
	}
	return nil
}

// RoundTripTime returns the round-trip time of the most recent probe
func (c *Client) RoundTripTime() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.roundTripTime
}

func (c *Client) nextMessage(state protocol.State) (protocol.Message, error) {
	if state != StateClient {
		return nil, nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.pending {
		return nil, nil
	}
	c.pending = false
	c.sentAt = time.Now()
	return NewMsgKeepAlive(c.config.Cookie), nil
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeKeepAliveResponse:
		err = c.handleKeepAliveResponse(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleKeepAliveResponse(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgKeepAliveResponse)
	c.mutex.Lock()
	var rtt time.Duration
	if !c.sentAt.IsZero() {
		rtt = time.Since(c.sentAt)
		c.roundTripTime = rtt
	}
	c.sentAt = time.Time{}
	c.mutex.Unlock()
	if msg.Cookie != c.config.Cookie {
		return fmt.Errorf(
			"%w: expected %d but received %d",
			ErrCookieMismatch,
			c.config.Cookie,
			msg.Cookie,
		)
	}
	c.Logger().Debug(
		"keep-alive response",
		"cookie", msg.Cookie,
		"rtt", rtt,
	)
	if c.config.KeepAliveResponseFunc != nil {
		// Call the user callback function
		return c.config.KeepAliveResponseFunc(c.callbackContext, msg.Cookie, rtt)
	}
	return nil
}
