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
	"slices"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Client implements the TxSubmission client. Transactions added with AddTransactions wait in
// a FIFO until the server requests their IDs, then stay in the unacknowledged window until the
// server acknowledges them
type Client struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
	mutex           sync.Mutex
	pending         []Transaction
	unacked         []Transaction
	requestTxIds    *MsgRequestTxIds
	requestTxs      *MsgRequestTxs
	stopping        bool
}

// NewClient returns a new TxSubmission client object
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
		InitialState:        StateInit,
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  c.messageHandler,
		NextMessageFunc:     c.nextMessage,
	})
	return c
}

// AddTransactions queues transactions to offer to the server. A blocking request waiting for
// transactions is answered on the next drive step
func (c *Client) AddTransactions(txs ...Transaction) {
	c.mutex.Lock()
	c.pending = append(c.pending, txs...)
	c.mutex.Unlock()
	c.Wake()
}

// Stop terminates the protocol. Done is sent when the server next makes a blocking request
// that can not be answered
func (c *Client) Stop() {
	c.mutex.Lock()
	c.stopping = true
	c.mutex.Unlock()
	c.Wake()
}

// Pending returns the number of transactions whose IDs have not been offered yet
func (c *Client) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}

// Unacknowledged returns the number of offered transactions the server has not acknowledged
func (c *Client) Unacknowledged() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.unacked)
}

// Reset returns the client to its initial state for use over a new transport. Offered but
// unacknowledged transactions are queued again ahead of the pending ones
func (c *Client) Reset() {
	c.Agent.Reset()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.pending = slices.Concat(c.unacked, c.pending)
	c.unacked = nil
	c.requestTxIds = nil
	c.requestTxs = nil
	c.stopping = false
}

// nextMessage runs with the agent lock held
func (c *Client) nextMessage(state protocol.State) (protocol.Message, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch state {
	case StateInit:
		return NewMsgInit(), nil
	case StateTxIdsBlocking, StateTxIdsNonBlocking:
		req := c.requestTxIds
		if req == nil {
			return nil, nil
		}
		if len(c.pending) == 0 && req.Blocking {
			if c.stopping {
				c.requestTxIds = nil
				return NewMsgDone(), nil
			}
			// Wait for AddTransactions
			return nil, nil
		}
		count := min(int(req.Req), len(c.pending))
		offered := c.pending[:count]
		c.pending = c.pending[count:]
		c.unacked = append(c.unacked, offered...)
		txIds := make([]TxIdAndSize, 0, count)
		for _, tx := range offered {
			txIds = append(txIds, TxIdAndSize{
				TxId: tx.TxId(),
				Size: uint32(len(tx.Body)), // #nosec G115
			})
		}
		c.requestTxIds = nil
		return NewMsgReplyTxIds(txIds), nil
	case StateTxs:
		req := c.requestTxs
		if req == nil {
			return nil, nil
		}
		c.requestTxs = nil
		txs := make([]TxBody, 0, len(req.TxIds))
		for _, txId := range req.TxIds {
			tx, ok := c.findUnacked(txId)
			if !ok {
				// Transactions that are no longer offered are left out of the reply
				continue
			}
			txs = append(txs, TxBody{
				EraId:  tx.EraId,
				TxBody: cbor.WrappedCbor(tx.Body),
			})
		}
		return NewMsgReplyTxs(txs), nil
	}
	return nil, nil
}

func (c *Client) findUnacked(txId TxId) (Transaction, bool) {
	for _, tx := range c.unacked {
		if tx.TxId() == txId {
			return tx, true
		}
	}
	return Transaction{}, false
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg := msg.(type) {
	case *MsgRequestTxIds:
		err = c.handleRequestTxIds(msg)
	case *MsgRequestTxs:
		c.mutex.Lock()
		c.requestTxs = msg
		c.mutex.Unlock()
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleRequestTxIds(msg *MsgRequestTxIds) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if int(msg.Ack) > len(c.unacked) {
		return fmt.Errorf("%w: ack %d, outstanding %d", ErrInvalidAck, msg.Ack, len(c.unacked))
	}
	c.unacked = c.unacked[msg.Ack:]
	if msg.Blocking && len(c.unacked) > 0 {
		return fmt.Errorf("%w: %d outstanding", ErrBlockingRequest, len(c.unacked))
	}
	c.requestTxIds = msg
	return nil
}
