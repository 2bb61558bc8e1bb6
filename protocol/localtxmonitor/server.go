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

package localtxmonitor

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

// Server implements the local-tx-monitor server. Each Acquire takes a fresh snapshot from
// the configured mempool callback and later requests are answered from that snapshot
type Server struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mutex           sync.Mutex
	snapshot        *MempoolSnapshot
	cursor          int
}

// NewServer returns a new local-tx-monitor server
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
		StateContext:        NewStateContext(),
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  s.messageHandler,
	})
	return s
}

// Reset drops the acquired snapshot and returns the agent to its initial state
func (s *Server) Reset() {
	s.Agent.Reset()
	s.releaseSnapshot()
}

func (s *Server) messageHandler(msg protocol.Message) error {
	var err error
	switch msg := msg.(type) {
	case *MsgAcquire:
		err = s.handleAcquire()
	case *MsgNextTx:
		err = s.handleNextTx()
	case *MsgHasTx:
		err = s.handleHasTx(msg)
	case *MsgGetSizes:
		err = s.handleGetSizes()
	case *MsgRelease, *MsgDone:
		s.releaseSnapshot()
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (s *Server) handleAcquire() error {
	var snapshot MempoolSnapshot
	if s.config.GetMempoolFunc != nil {
		var err error
		snapshot, err = s.config.GetMempoolFunc(s.callbackContext)
		if err != nil {
			return err
		}
	}
	for idx := range snapshot.Txs {
		if len(snapshot.Txs[idx].TxId) == 0 {
			txId := common.TxIdFromCbor(snapshot.Txs[idx].Tx)
			snapshot.Txs[idx].TxId = txId[:]
		}
	}
	s.mutex.Lock()
	s.snapshot = &snapshot
	s.cursor = 0
	s.mutex.Unlock()
	s.Logger().Debug(
		"acquired mempool snapshot",
		"slot", snapshot.Slot,
		"txs", len(snapshot.Txs),
	)
	return s.SendMessage(NewMsgAcquired(snapshot.Slot))
}

func (s *Server) handleNextTx() error {
	s.mutex.Lock()
	var reply *MsgReplyNextTx
	if s.snapshot != nil && s.cursor < len(s.snapshot.Txs) {
		tx := s.snapshot.Txs[s.cursor]
		s.cursor++
		reply = NewMsgReplyNextTx(tx.EraId, tx.Tx)
	} else {
		reply = NewMsgReplyNextTx(0, nil)
	}
	s.mutex.Unlock()
	return s.SendMessage(reply)
}

func (s *Server) handleHasTx(msg *MsgHasTx) error {
	s.mutex.Lock()
	found := false
	if s.snapshot != nil {
		for _, tx := range s.snapshot.Txs {
			if bytes.Equal(tx.TxId, msg.TxId) {
				found = true
				break
			}
		}
	}
	s.mutex.Unlock()
	return s.SendMessage(NewMsgReplyHasTx(found))
}

func (s *Server) handleGetSizes() error {
	s.mutex.Lock()
	var sizes MempoolSizes
	if s.snapshot != nil {
		sizes.Capacity = s.snapshot.Capacity
		sizes.NumberOfTxs = uint32(len(s.snapshot.Txs)) // #nosec G115
		for _, tx := range s.snapshot.Txs {
			sizes.Size += uint32(len(tx.Tx)) // #nosec G115
		}
	}
	s.mutex.Unlock()
	return s.SendMessage(NewMsgReplyGetSizes(sizes))
}

func (s *Server) releaseSnapshot() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.snapshot = nil
	s.cursor = 0
}
