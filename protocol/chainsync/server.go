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

package chainsync

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

// recentPointsLimit bounds the points a session remembers for finding a rollback target
const recentPointsLimit = 32

// Server implements the ChainSync server. Each session keeps its own cursor into the chain store
type Server struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mode            protocol.ProtocolMode
	stateContext    *StateContext
	mutex           sync.Mutex
	cursor          common.Point
	recent          []common.Point
	needRollback    bool
}

// NewServer returns a new ChainSync server object
func NewServer(protoOptions protocol.ProtocolOptions, cfg *Config) *Server {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	s := &Server{
		config:       cfg,
		mode:         protoOptions.Mode,
		stateContext: NewStateContext(),
		cursor:       common.NewPointOrigin(),
		// A new session starts with a rollback to its starting point
		needRollback: true,
	}
	s.callbackContext = CallbackContext{
		Server:       s,
		ConnectionId: protoOptions.ConnectionId,
	}
	msgFromCborFunc := NewMsgFromCborNtN
	if s.mode == protocol.ProtocolModeNodeToClient {
		msgFromCborFunc = NewMsgFromCborNtC
	}
	s.Agent = protocol.NewAgent(protocol.AgentConfig{
		Name:                ProtocolName,
		ProtocolId:          ProtocolIdForMode(s.mode),
		Role:                protocol.RoleServer,
		ConnectionId:        protoOptions.ConnectionId,
		Transport:           protoOptions.Transport,
		Logger:              protoOptions.Logger,
		Metrics:             protoOptions.Metrics,
		StateMap:            StateMap,
		InitialState:        StateIdle,
		StateContext:        s.stateContext,
		MessageFromCborFunc: msgFromCborFunc,
		MessageHandlerFunc:  s.messageHandler,
		NextMessageFunc:     s.nextMessage,
	})
	return s
}

// NotifyTip wakes the session so that a client waiting at the tip receives new blocks
func (s *Server) NotifyTip() {
	s.Wake()
}

// Reset returns the server to its initial state for use over a new transport
func (s *Server) Reset() {
	s.Agent.Reset()
	s.mutex.Lock()
	s.cursor = common.NewPointOrigin()
	s.recent = nil
	s.needRollback = true
	s.mutex.Unlock()
}

// Cursor returns the last point sent to the client
func (s *Server) Cursor() common.Point {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cursor
}

// nextMessage runs with the agent lock held and answers one outstanding RequestNext
func (s *Server) nextMessage(state protocol.State) (protocol.Message, error) {
	if state != StateCanAwait && state != StateMustReply {
		return nil, nil
	}
	if s.stateContext.PipelineCount() == 0 {
		return nil, nil
	}
	if s.config.ChainStore == nil {
		return nil, fmt.Errorf("%s: %w", ProtocolName, ErrNoChainStore)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	tip := s.config.ChainStore.Tip()
	if s.needRollback {
		s.needRollback = false
		return NewMsgRollBackward(s.cursor, tip), nil
	}
	block, ok, err := s.config.ChainStore.NextBlock(s.cursor)
	if err != nil {
		// The chain switched away from our cursor, so roll the client back to the newest point
		// we sent that is still on chain
		candidates := slices.Clone(s.recent)
		slices.Reverse(candidates)
		point, found := s.config.ChainStore.FindIntersect(candidates)
		if !found {
			point = common.NewPointOrigin()
		}
		s.recent = s.recent[:0]
		if !point.IsOrigin() {
			s.recent = append(s.recent, point)
		}
		s.Logger().Warn(
			"cursor no longer on chain, rolling back",
			"cursor", s.cursor.String(),
			"point", point.String(),
			"error", err,
		)
		s.cursor = point
		return NewMsgRollBackward(point, tip), nil
	}
	if !ok {
		if state == StateCanAwait {
			return NewMsgAwaitReply(), nil
		}
		// Waiting in MustReply until NotifyTip
		return nil, nil
	}
	msg, err := s.rollForward(block, tip)
	if err != nil {
		return nil, err
	}
	s.cursor = block.Point
	s.recent = append(s.recent, block.Point)
	if len(s.recent) > recentPointsLimit {
		s.recent = slices.Delete(s.recent, 0, len(s.recent)-recentPointsLimit)
	}
	return msg, nil
}

func (s *Server) rollForward(block common.Block, tip common.Tip) (protocol.Message, error) {
	if s.mode == protocol.ProtocolModeNodeToClient {
		return NewMsgRollForwardNtC(block.Type, block.Cbor, tip)
	}
	era := EraForBlockType(block.Type)
	if era == EraByron {
		// Byron headers can only be relayed from their original wrapping
		return nil, fmt.Errorf("%s: block %s: %w", ProtocolName, block.Point, ErrByronHeaderEncode)
	}
	return NewMsgRollForwardNtN(era, 0, block.Header, tip), nil
}

func (s *Server) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeRequestNext:
		err = s.handleRequestNext()
	case MessageTypeFindIntersect:
		err = s.handleFindIntersect(msg)
	case MessageTypeDone:
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

func (s *Server) handleRequestNext() error {
	if s.config.RequestNextFunc != nil {
		return s.config.RequestNextFunc(s.callbackContext)
	}
	return nil
}

func (s *Server) findIntersect(points []common.Point) (common.Point, common.Tip, error) {
	if s.config.FindIntersectFunc != nil {
		return s.config.FindIntersectFunc(s.callbackContext, points)
	}
	if s.config.ChainStore == nil {
		return common.Point{}, common.Tip{}, fmt.Errorf("%s: %w", ProtocolName, ErrNoChainStore)
	}
	tip := s.config.ChainStore.Tip()
	point, ok := s.config.ChainStore.FindIntersect(points)
	if !ok {
		return common.Point{}, tip, ErrIntersectNotFound
	}
	return point, tip, nil
}

func (s *Server) handleFindIntersect(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgFindIntersect)
	point, tip, err := s.findIntersect(msg.Points)
	if err != nil {
		if errors.Is(err, ErrIntersectNotFound) {
			return s.SendMessage(NewMsgIntersectNotFound(tip))
		}
		return err
	}
	s.mutex.Lock()
	s.cursor = point
	s.recent = s.recent[:0]
	if !point.IsOrigin() {
		s.recent = append(s.recent, point)
	}
	s.needRollback = true
	s.mutex.Unlock()
	return s.SendMessage(NewMsgIntersectFound(point, tip))
}

func (s *Server) handleDone() error {
	s.Logger().Debug("client terminated chain-sync")
	return nil
}
