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

package handshake

import (
	"fmt"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Client implements the Handshake client
type Client struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
}

// NewClient returns a new Handshake client object
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
		InitialState:        StatePropose,
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  c.handleMessage,
		NextMessageFunc:     c.nextMessage,
	})
	return c
}

func (c *Client) nextMessage(state protocol.State) (protocol.Message, error) {
	if state != StatePropose {
		return nil, nil
	}
	if len(c.config.ProtocolVersionMap) == 0 {
		return nil, fmt.Errorf("%s: no protocol versions to propose", ProtocolName)
	}
	return NewMsgProposeVersions(c.config.ProtocolVersionMap)
}

func (c *Client) handleMessage(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeAcceptVersion:
		err = c.handleAcceptVersion(msg)
	case MessageTypeRefuse:
		err = c.handleRefuse(msg)
	case MessageTypeQueryReply:
		err = c.handleQueryReply(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleAcceptVersion(msg protocol.Message) error {
	if c.config.FinishedFunc == nil {
		return fmt.Errorf(
			"received handshake AcceptVersion message but no callback function is defined",
		)
	}
	msgAcceptVersion := msg.(*MsgAcceptVersion)
	if _, ok := c.config.ProtocolVersionMap[msgAcceptVersion.Version]; !ok {
		return fmt.Errorf(
			"%s: server accepted version %d which was not proposed",
			ProtocolName,
			msgAcceptVersion.Version,
		)
	}
	protoVersion, ok := protocol.GetProtocolVersion(msgAcceptVersion.Version)
	if !ok {
		return fmt.Errorf(
			"%s: unsupported protocol version %d",
			ProtocolName,
			msgAcceptVersion.Version,
		)
	}
	versionData, err := protoVersion.NewVersionDataFromCborFunc(msgAcceptVersion.VersionData)
	if err != nil {
		return fmt.Errorf("%s: version data decode error: %w", ProtocolName, err)
	}
	c.Logger().Debug(
		"handshake accepted",
		"version", msgAcceptVersion.Version,
		"network_magic", versionData.NetworkMagic(),
	)
	return c.config.FinishedFunc(c.callbackContext, msgAcceptVersion.Version, versionData)
}

func (c *Client) handleRefuse(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgRefuse)
	refuseErr, err := refuseErrorFromReason(msg.Reason)
	if err != nil {
		return err
	}
	return refuseErr
}

func (c *Client) handleQueryReply(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgQueryReply)
	versionMap, err := decodeVersionMap(msg.VersionMap)
	if err != nil {
		return fmt.Errorf("%s: query reply decode error: %w", ProtocolName, err)
	}
	if c.config.QueryReplyFunc != nil {
		return c.config.QueryReplyFunc(c.callbackContext, versionMap)
	}
	return nil
}
