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

package localstatequery

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Server implements the local-state-query server. Acquire and query requests are delegated to callbacks
type Server struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
}

// NewServer returns a new local-state-query server
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
		MessageHandlerFunc:  s.messageHandler,
	})
	return s
}

func (s *Server) messageHandler(msg protocol.Message) error {
	var err error
	switch msg := msg.(type) {
	case *MsgAcquire:
		point := msg.Point
		err = s.handleAcquire(AcquireTarget{Point: &point})
	case *MsgAcquireNoPoint:
		err = s.handleAcquire(AcquireTarget{})
	case *MsgReAcquire:
		point := msg.Point
		err = s.handleAcquire(AcquireTarget{Point: &point})
	case *MsgReAcquireNoPoint:
		err = s.handleAcquire(AcquireTarget{})
	case *MsgQuery:
		err = s.handleQuery(msg)
	case *MsgRelease:
		err = s.handleRelease()
	case *MsgDone:
		err = s.handleDone()
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (s *Server) handleAcquire(target AcquireTarget) error {
	if s.config.AcquireFunc != nil {
		if err := s.config.AcquireFunc(s.callbackContext, target); err != nil {
			if !errors.Is(err, ErrAcquireFailurePointTooOld) &&
				!errors.Is(err, ErrAcquireFailurePointNotOnChain) {
				return err
			}
			s.Logger().Debug(
				"refusing acquire",
				"target", target.String(),
				"error", err,
			)
			return s.SendMessage(NewMsgFailure(failureForError(err)))
		}
	}
	return s.SendMessage(NewMsgAcquired())
}

func (s *Server) handleQuery(msg *MsgQuery) error {
	if s.config.QueryFunc == nil {
		return fmt.Errorf(
			"%s: received Query message but no callback function is defined",
			ProtocolName,
		)
	}
	result, err := s.config.QueryFunc(s.callbackContext, msg.Query)
	if err != nil {
		return err
	}
	return s.SendMessage(NewMsgResult(result))
}

func (s *Server) handleRelease() error {
	if s.config.ReleaseFunc != nil {
		return s.config.ReleaseFunc(s.callbackContext)
	}
	return nil
}

func (s *Server) handleDone() error {
	if s.config.DoneFunc != nil {
		return s.config.DoneFunc(s.callbackContext)
	}
	return nil
}
