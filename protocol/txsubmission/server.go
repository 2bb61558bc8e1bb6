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

package txsubmission

import (
	"fmt"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Server implements the TxSubmission server. Requests are queued by the application and sent
// whenever the server has agency, and replies are reported through the configured callbacks
type Server struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mutex           sync.Mutex
	queue           []protocol.Message
	lastRequest     *MsgRequestTxIds
}

// NewServer returns a new TxSubmission server object
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
		InitialState:        StateInit,
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  s.messageHandler,
		NextMessageFunc:     s.nextMessage,
	})
	return s
}

// RequestTxIds queues a request for up to req transaction IDs, acknowledging ack previously
// received IDs. A blocking request is only answered once the client has something to offer
func (s *Server) RequestTxIds(blocking bool, ack uint16, req uint16) {
	s.enqueue(NewMsgRequestTxIds(blocking, ack, req))
}

// RequestTxs queues a request for the bodies of the specified transactions
func (s *Server) RequestTxs(txIds []TxId) {
	s.enqueue(NewMsgRequestTxs(txIds))
}

// Pending returns the number of queued requests not yet sent
func (s *Server) Pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.queue)
}

// Reset drops queued requests and returns the server to its initial state
func (s *Server) Reset() {
	s.Agent.Reset()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.queue = nil
	s.lastRequest = nil
}

func (s *Server) enqueue(msg protocol.Message) {
	s.mutex.Lock()
	s.queue = append(s.queue, msg)
	s.mutex.Unlock()
	s.Wake()
}

// nextMessage runs with the agent lock held. Only the Idle state reaches it
func (s *Server) nextMessage(protocol.State) (protocol.Message, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	if req, ok := msg.(*MsgRequestTxIds); ok {
		s.lastRequest = req
	}
	return msg, nil
}

func (s *Server) messageHandler(msg protocol.Message) error {
	var err error
	switch msg := msg.(type) {
	case *MsgInit:
		if s.config.InitFunc != nil {
			err = s.config.InitFunc(s.callbackContext)
		}
	case *MsgReplyTxIds:
		err = s.handleReplyTxIds(msg)
	case *MsgReplyTxs:
		if s.config.ReplyTxsFunc != nil {
			err = s.config.ReplyTxsFunc(s.callbackContext, msg.Txs)
		}
	case *MsgDone:
		if s.config.DoneFunc != nil {
			err = s.config.DoneFunc(s.callbackContext)
		}
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (s *Server) handleReplyTxIds(msg *MsgReplyTxIds) error {
	s.mutex.Lock()
	req := s.lastRequest
	s.lastRequest = nil
	s.mutex.Unlock()
	if req != nil {
		if len(msg.TxIds) > int(req.Req) {
			return fmt.Errorf("%w: %d > %d", ErrTooManyTxIds, len(msg.TxIds), req.Req)
		}
		if req.Blocking && len(msg.TxIds) == 0 {
			return ErrEmptyBlockingTxs
		}
	}
	if s.config.ReplyTxIdsFunc != nil {
		return s.config.ReplyTxIdsFunc(s.callbackContext, msg.TxIds)
	}
	return nil
}
