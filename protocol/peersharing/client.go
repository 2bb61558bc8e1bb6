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

package peersharing

import (
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

type peerRequest struct {
	amount    uint8
	queuedAt  time.Time
	sentAt    time.Time
	abandoned bool
	result    chan peerResult
}

type peerResult struct {
	peers []PeerAddress
	err   error
}

// Client implements the PeerSharing client. A single request may be outstanding, and its
// deadline is only enforced when the caller invokes CheckTimeout. A request that timed out
// stays in flight until its reply arrives, and a new request waits for that reply before it
// is sent
type Client struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mutex           sync.Mutex
	inFlight        *peerRequest
	queued          *peerRequest
}

// NewClient returns a new PeerSharing client object
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
		MessageHandlerFunc:  c.handleMessage,
		NextMessageFunc:     c.nextMessage,
		DoneMessageFunc:     func() protocol.Message { return NewMsgDone() },
	})
	c.AddListener(c.handleEvent)
	return c
}

// RequestPeers asks the server for up to amount peer addresses and waits for the reply. The
// request fails with ErrRequestTimeout when CheckTimeout finds it past its deadline
func (c *Client) RequestPeers(amount uint8) ([]PeerAddress, error) {
	req := &peerRequest{
		amount:   amount,
		queuedAt: time.Now(),
		result:   make(chan peerResult, 1),
	}
	c.mutex.Lock()
	if c.queued != nil || (c.inFlight != nil && !c.inFlight.abandoned) {
		c.mutex.Unlock()
		return nil, ErrRequestInProgress
	}
	c.queued = req
	c.mutex.Unlock()
	c.Wake()
	result := <-req.result
	return result.peers, result.err
}

// CheckTimeout fails the outstanding request if it was sent, or queued behind a timed out
// request, more than the configured timeout before now. It returns ErrRequestTimeout when a
// request was failed
func (c *Client) CheckTimeout(now time.Time) error {
	var expired []*peerRequest
	c.mutex.Lock()
	if req := c.inFlight; req != nil && !req.abandoned && now.Sub(req.sentAt) > c.config.Timeout {
		// The reply may still arrive and is dropped then
		req.abandoned = true
		expired = append(expired, req)
	}
	if req := c.queued; req != nil && now.Sub(req.queuedAt) > c.config.Timeout {
		c.queued = nil
		expired = append(expired, req)
	}
	c.mutex.Unlock()
	if len(expired) == 0 {
		return nil
	}
	for _, req := range expired {
		c.Logger().Debug(
			"peer-sharing request timed out",
			"amount", req.amount,
			"sent", !req.sentAt.IsZero(),
		)
		req.result <- peerResult{err: ErrRequestTimeout}
	}
	return ErrRequestTimeout
}

// Stop terminates the protocol. It has no effect while a request is outstanding
func (c *Client) Stop() error {
	return c.Shutdown()
}

// Reset returns the client to its initial state for use over a new transport
func (c *Client) Reset() {
	c.Agent.Reset()
	c.failPending(protocol.ErrProtocolShuttingDown)
}

func (c *Client) failPending(err error) {
	c.mutex.Lock()
	var failed []*peerRequest
	if c.inFlight != nil && !c.inFlight.abandoned {
		failed = append(failed, c.inFlight)
	}
	if c.queued != nil {
		failed = append(failed, c.queued)
	}
	c.inFlight = nil
	c.queued = nil
	c.mutex.Unlock()
	for _, req := range failed {
		req.result <- peerResult{err: err}
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

// nextMessage runs with the agent lock held. Only the Idle state reaches it
func (c *Client) nextMessage(protocol.State) (protocol.Message, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	req := c.queued
	if req == nil {
		return nil, nil
	}
	c.queued = nil
	req.sentAt = time.Now()
	c.inFlight = req
	return NewMsgShareRequest(req.amount), nil
}

func (c *Client) handleMessage(msg protocol.Message) error {
	var err error
	switch msg := msg.(type) {
	case *MsgSharePeers:
		err = c.handleSharePeers(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleSharePeers(msg *MsgSharePeers) error {
	c.mutex.Lock()
	req := c.inFlight
	c.inFlight = nil
	c.mutex.Unlock()
	if req == nil || req.abandoned {
		c.Logger().Debug(
			"dropping late SharePeers reply",
			"peers", len(msg.PeerAddresses),
		)
		return nil
	}
	peers := msg.PeerAddresses
	if len(peers) > int(req.amount) {
		err := fmt.Errorf(
			"%s: received %d peers for a request of %d",
			ProtocolName,
			len(peers),
			req.amount,
		)
		req.result <- peerResult{err: err}
		return err
	}
	req.result <- peerResult{peers: peers}
	return nil
}
