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

package txsubmission_test

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/internal/test"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/txsubmission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStateMap(t *testing.T) {
	test.CheckStateMap(t, txsubmission.StateMap, nil)
}

func TestMessageEncoding(t *testing.T) {
	zeroId := txsubmission.TxId{EraId: 6}
	zeroHex := strings.Repeat("00", 32)
	testDefs := []struct {
		name     string
		msg      protocol.Message
		expected string
	}{
		{
			name:     "Init",
			msg:      txsubmission.NewMsgInit(),
			expected: "8106",
		},
		{
			name:     "RequestTxIds",
			msg:      txsubmission.NewMsgRequestTxIds(true, 2, 3),
			expected: "8400f50203",
		},
		{
			name: "ReplyTxIds",
			msg: txsubmission.NewMsgReplyTxIds(
				[]txsubmission.TxIdAndSize{{TxId: zeroId, Size: 100}},
			),
			expected: "820181828206" + "5820" + zeroHex + "1864",
		},
		{
			name:     "RequestTxs",
			msg:      txsubmission.NewMsgRequestTxs([]txsubmission.TxId{zeroId}),
			expected: "8202818206" + "5820" + zeroHex,
		},
		{
			name: "ReplyTxs",
			msg: txsubmission.NewMsgReplyTxs(
				[]txsubmission.TxBody{{EraId: 6, TxBody: cbor.WrappedCbor{0x80}}},
			),
			expected: "8203818206d8184180",
		},
		{
			name:     "Done",
			msg:      txsubmission.NewMsgDone(),
			expected: "8104",
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			data, err := cbor.Encode(testDef.msg)
			require.NoError(t, err)
			assert.Equal(t, testDef.expected, hex.EncodeToString(data))
			msg, err := txsubmission.NewMsgFromCbor(uint(testDef.msg.Type()), data)
			require.NoError(t, err)
			assert.Equal(t, data, msg.Cbor())
		})
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}

func newTx(marker byte) txsubmission.Transaction {
	// [{0: marker}, [], true, null]
	return txsubmission.NewTransaction(6, []byte{0x84, 0xa1, 0x00, marker, 0x80, 0xf5, 0xf6})
}

func TestSubmitTransactions(t *testing.T) {
	defer goleak.VerifyNone(t)
	initChan := make(chan struct{}, 1)
	idsChan := make(chan []txsubmission.TxIdAndSize, 4)
	txsChan := make(chan []txsubmission.TxBody, 4)
	doneChan := make(chan struct{}, 1)
	serverCfg := txsubmission.NewConfig(
		txsubmission.WithInitFunc(func(txsubmission.CallbackContext) error {
			initChan <- struct{}{}
			return nil
		}),
		txsubmission.WithReplyTxIdsFunc(
			func(_ txsubmission.CallbackContext, txIds []txsubmission.TxIdAndSize) error {
				idsChan <- txIds
				return nil
			},
		),
		txsubmission.WithReplyTxsFunc(
			func(_ txsubmission.CallbackContext, txs []txsubmission.TxBody) error {
				txsChan <- txs
				return nil
			},
		),
		txsubmission.WithDoneFunc(func(txsubmission.CallbackContext) error {
			doneChan <- struct{}{}
			return nil
		}),
	)
	pair := test.NewMuxerPair()
	defer pair.Stop()
	client := txsubmission.NewClient(protocol.ProtocolOptions{ConnectionId: "client"}, nil)
	server := txsubmission.NewServer(protocol.ProtocolOptions{ConnectionId: "server"}, &serverCfg)
	ctx := context.Background()
	serverRun := test.RunAgent(ctx, pair.Server, server.Agent)
	defer serverRun.Stop()
	clientRun := test.RunAgent(ctx, pair.Client, client.Agent)
	defer clientRun.Stop()

	receive(t, initChan)
	server.RequestTxIds(true, 0, 2)
	// A blocking request is held until there is something to offer
	select {
	case <-idsChan:
		t.Fatal("blocking request answered without transactions")
	case <-time.After(50 * time.Millisecond):
	}
	tx1, tx2, tx3 := newTx(1), newTx(2), newTx(3)
	client.AddTransactions(tx1, tx2, tx3)
	txIds := receive(t, idsChan)
	require.Len(t, txIds, 2)
	assert.Equal(t, tx1.TxId(), txIds[0].TxId)
	assert.Equal(t, tx2.TxId(), txIds[1].TxId)
	assert.Equal(t, uint32(len(tx1.Body)), txIds[0].Size)

	server.RequestTxs([]txsubmission.TxId{txIds[1].TxId, txIds[0].TxId})
	bodies := receive(t, txsChan)
	require.Len(t, bodies, 2)
	assert.Equal(t, tx2.Body, bodies[0].TxBody.Bytes())
	assert.Equal(t, tx1.Body, bodies[1].TxBody.Bytes())

	// Acknowledge the first two and take whatever is left
	server.RequestTxIds(false, 2, 5)
	txIds = receive(t, idsChan)
	require.Len(t, txIds, 1)
	assert.Equal(t, tx3.TxId(), txIds[0].TxId)
	assert.Equal(t, 0, client.Pending())
	assert.Equal(t, 1, client.Unacknowledged())

	server.RequestTxIds(true, 1, 1)
	require.Eventually(
		t,
		func() bool { return client.Unacknowledged() == 0 },
		5*time.Second,
		time.Millisecond,
	)
	client.Stop()
	receive(t, doneChan)
	require.Eventually(t, server.IsDone, 5*time.Second, time.Millisecond)
	require.Eventually(t, client.IsDone, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, server.Pending())
}

func TestClientRejectsInvalidRequests(t *testing.T) {
	transport := test.NewRecordingTransport()
	client := txsubmission.NewClient(protocol.ProtocolOptions{Transport: transport}, nil)
	msg, err := client.SendNextMessage()
	require.NoError(t, err)
	require.IsType(t, &txsubmission.MsgInit{}, msg)

	client.AddTransactions(newTx(1))
	require.NoError(t, client.ReceiveResponse(txsubmission.NewMsgRequestTxIds(false, 0, 1)))
	msg, err = client.SendNextMessage()
	require.NoError(t, err)
	require.IsType(t, &txsubmission.MsgReplyTxIds{}, msg)
	assert.Equal(t, 1, client.Unacknowledged())

	// The offered ID is still outstanding
	err = client.ReceiveResponse(txsubmission.NewMsgRequestTxIds(true, 0, 1))
	assert.ErrorIs(t, err, txsubmission.ErrBlockingRequest)

	client = txsubmission.NewClient(protocol.ProtocolOptions{Transport: transport}, nil)
	_, err = client.SendNextMessage()
	require.NoError(t, err)
	err = client.ReceiveResponse(txsubmission.NewMsgRequestTxIds(false, 1, 1))
	assert.ErrorIs(t, err, txsubmission.ErrInvalidAck)
}

func TestClientSkipsUnknownTxs(t *testing.T) {
	transport := test.NewRecordingTransport()
	client := txsubmission.NewClient(protocol.ProtocolOptions{Transport: transport}, nil)
	_, err := client.SendNextMessage()
	require.NoError(t, err)
	err = client.ReceiveResponse(
		txsubmission.NewMsgRequestTxs([]txsubmission.TxId{newTx(9).TxId()}),
	)
	require.NoError(t, err)
	msg, err := client.SendNextMessage()
	require.NoError(t, err)
	require.IsType(t, &txsubmission.MsgReplyTxs{}, msg)
	assert.Empty(t, msg.(*txsubmission.MsgReplyTxs).Txs)
}

func TestServerRejectsOversizedReply(t *testing.T) {
	transport := test.NewRecordingTransport()
	server := txsubmission.NewServer(protocol.ProtocolOptions{Transport: transport}, nil)
	require.NoError(t, server.ReceiveResponse(txsubmission.NewMsgInit()))
	server.RequestTxIds(false, 0, 1)
	msg, err := server.SendNextMessage()
	require.NoError(t, err)
	require.IsType(t, &txsubmission.MsgRequestTxIds{}, msg)
	err = server.ReceiveResponse(txsubmission.NewMsgReplyTxIds([]txsubmission.TxIdAndSize{
		{TxId: newTx(1).TxId(), Size: 7},
		{TxId: newTx(2).TxId(), Size: 7},
	}))
	assert.ErrorIs(t, err, txsubmission.ErrTooManyTxIds)
}

func TestClientReset(t *testing.T) {
	transport := test.NewRecordingTransport()
	client := txsubmission.NewClient(protocol.ProtocolOptions{Transport: transport}, nil)
	_, err := client.SendNextMessage()
	require.NoError(t, err)
	client.AddTransactions(newTx(1), newTx(2))
	require.NoError(t, client.ReceiveResponse(txsubmission.NewMsgRequestTxIds(false, 0, 1)))
	_, err = client.SendNextMessage()
	require.NoError(t, err)
	assert.Equal(t, 1, client.Pending())
	assert.Equal(t, 1, client.Unacknowledged())
	client.Reset()
	assert.Equal(t, 2, client.Pending())
	assert.Equal(t, 0, client.Unacknowledged())
	assert.Equal(t, txsubmission.StateInit, client.CurrentState())
}
