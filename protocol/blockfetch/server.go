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

package blockfetch

import (
	"fmt"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

// Server streams requested ranges from the configured chain store. The range is resolved to
// points when the batch starts and each block body is loaded when its turn comes
type Server struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mutex           sync.Mutex
	request         *rangeRequest
	points          []common.Point
	cursor          int
}

type rangeRequest struct {
	start common.Point
	end   common.Point
}

// NewServer returns a new block-fetch server
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
		NextMessageFunc:     s.nextMessage,
	})
	return s
}

// Remaining returns the number of points left in the active batch
func (s *Server) Remaining() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.points) - s.cursor
}

// Reset returns the server to its initial state for use over a new transport
func (s *Server) Reset() {
	s.Agent.Reset()
	s.mutex.Lock()
	s.request = nil
	s.points = nil
	s.cursor = 0
	s.mutex.Unlock()
}

// nextMessage runs with the agent lock held and produces one message per turn
func (s *Server) nextMessage(state protocol.State) (protocol.Message, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch state {
	case StateBusy:
		if s.request == nil {
			return nil, nil
		}
		req := *s.request
		s.request = nil
		return s.startBatch(req)
	case StateStreaming:
		return s.nextBlock()
	}
	return nil, nil
}

func (s *Server) startBatch(req rangeRequest) (protocol.Message, error) {
	if req.start.Slot > req.end.Slot {
		s.Logger().Warn(
			"inverted block range requested",
			"start", req.start.String(),
			"end", req.end.String(),
		)
		return NewMsgNoBlocks(), nil
	}
	if s.config.ChainStore == nil {
		return nil, fmt.Errorf("%s: %w", ProtocolName, ErrNoChainStore)
	}
	for _, point := range []common.Point{req.start, req.end} {
		if !s.config.ChainStore.HasPoint(point) {
			s.Logger().Warn(
				"block range endpoint not on chain",
				"point", point.String(),
			)
			return NewMsgNoBlocks(), nil
		}
	}
	points, err := s.config.ChainStore.PointsInRange(req.start, req.end)
	if err != nil {
		s.Logger().Warn(
			"failed to resolve block range",
			"start", req.start.String(),
			"end", req.end.String(),
			"error", err,
		)
		return NewMsgNoBlocks(), nil
	}
	if len(points) == 0 {
		return NewMsgNoBlocks(), nil
	}
	s.points = points
	s.cursor = 0
	return NewMsgStartBatch(), nil
}

func (s *Server) nextBlock() (protocol.Message, error) {
	for s.cursor < len(s.points) {
		point := s.points[s.cursor]
		s.cursor++
		block, err := s.config.ChainStore.GetBlock(point.Hash)
		if err != nil {
			s.Logger().Warn(
				"skipping block missing from chain store",
				"point", point.String(),
				"error", err,
			)
			continue
		}
		return NewMsgBlock(block.Type, block.Cbor)
	}
	s.points = nil
	s.cursor = 0
	return NewMsgBatchDone(), nil
}

func (s *Server) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeRequestRange:
		err = s.handleRequestRange(msg)
	case MessageTypeClientDone:
		err = s.handleClientDone()
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (s *Server) handleRequestRange(msgGeneric protocol.Message) error {
	msg := msgGeneric.(*MsgRequestRange)
	if s.config.RequestRangeFunc != nil {
		if err := s.config.RequestRangeFunc(s.callbackContext, msg.Start, msg.End); err != nil {
			return err
		}
	}
	s.mutex.Lock()
	s.request = &rangeRequest{
		start: msg.Start,
		end:   msg.End,
	}
	s.mutex.Unlock()
	return nil
}

func (s *Server) handleClientDone() error {
	s.Logger().Debug("client terminated block-fetch")
	return nil
}
