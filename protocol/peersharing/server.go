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

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Server implements the PeerSharing server
type Server struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
}

// NewServer returns a new PeerSharing server object
func NewServer(protoOptions protocol.ProtocolOptions, cfg *Config) *Server {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	s := &Server{
		config: cfg,
	}
	s.callbackContext = CallbackContext{
		Server:       s,
		ConnectionId: protoOptions.ConnectionId,
	}
	s.Agent = protocol.NewAgent(protocol.AgentConfig{
		Name:                ProtocolName,
		ProtocolId:          ProtocolId,
		Role:                protocol.RoleServer,
		ConnectionId:        protoOptions.ConnectionId,
		Transport:           protoOptions.Transport,
		Logger:              protoOptions.Logger,
		Metrics:             protoOptions.Metrics,
		StateMap:            StateMap,
		InitialState:        StateIdle,
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  s.handleMessage,
	})
	return s
}

func (s *Server) handleMessage(msg protocol.Message) error {
	var err error
	switch msg := msg.(type) {
	case *MsgShareRequest:
		err = s.handleShareRequest(msg)
	case *MsgDone:
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

// handleShareRequest answers from the callback, trimmed to the requested amount. Without a
// callback no peers are shared
func (s *Server) handleShareRequest(msg *MsgShareRequest) error {
	var peers []PeerAddress
	if s.config.ShareRequestFunc != nil {
		var err error
		peers, err = s.config.ShareRequestFunc(s.callbackContext, int(msg.Amount))
		if err != nil {
			return err
		}
	}
	if len(peers) > int(msg.Amount) {
		peers = peers[:msg.Amount]
	}
	return s.SendMessage(NewMsgSharePeers(peers))
}
