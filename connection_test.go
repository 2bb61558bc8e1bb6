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

package ouroboros_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	ouroboros "github.com/blinklabs-io/ouroboros-agent"
	"github.com/blinklabs-io/ouroboros-agent/chainstore"
	"github.com/blinklabs-io/ouroboros-agent/internal/test/ouroboros_mock"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/chainsync"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
	"github.com/blinklabs-io/ouroboros-agent/protocol/handshake"
	"github.com/blinklabs-io/ouroboros-agent/protocol/localtxmonitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testNetworkMagic = 42
	testTimeout      = 5 * time.Second
)

type connectResult struct {
	conn *ouroboros.Connection
	err  error
}

// connectPair runs the handshake for a server and a client over net.Pipe
func connectPair(
	t *testing.T,
	serverOpts []ouroboros.ConnectionOptionFunc,
	clientOpts []ouroboros.ConnectionOptionFunc,
) (*ouroboros.Connection, *ouroboros.Connection, error, error) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	serverChan := make(chan connectResult, 1)
	go func() {
		conn, err := ouroboros.NewConnection(
			append(
				[]ouroboros.ConnectionOptionFunc{
					ouroboros.WithConnection(serverConn),
					ouroboros.WithServer(true),
				},
				serverOpts...,
			)...,
		)
		serverChan <- connectResult{conn: conn, err: err}
	}()
	client, clientErr := ouroboros.NewConnection(
		append(
			[]ouroboros.ConnectionOptionFunc{
				ouroboros.WithConnection(clientConn),
			},
			clientOpts...,
		)...,
	)
	var server connectResult
	select {
	case server = <-serverChan:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for server handshake")
	}
	// A failed handshake leaves the peer's end of the pipe open
	if server.err != nil {
		_ = serverConn.Close()
	}
	if clientErr != nil {
		_ = clientConn.Close()
	}
	return server.conn, client, server.err, clientErr
}

// Ensure that we don't panic when closing the Connection object after a failed Dial() call
func TestDialFailClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	oConn, err := ouroboros.New()
	require.NoError(t, err)
	err = oConn.Dial("unix", "/path/does/not/exist")
	require.Error(t, err)
	require.NoError(t, oConn.Close())
}

func TestInvalidNetworkMagic(t *testing.T) {
	defer goleak.VerifyNone(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	_, err := ouroboros.New(ouroboros.WithConnection(clientConn))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid network magic")
	_ = clientConn.Close()
}

func TestDoubleClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	server, client, serverErr, clientErr := connectPair(
		t,
		[]ouroboros.ConnectionOptionFunc{ouroboros.WithNetworkMagic(testNetworkMagic)},
		[]ouroboros.ConnectionOptionFunc{ouroboros.WithNetworkMagic(testNetworkMagic)},
	)
	require.NoError(t, serverErr)
	require.NoError(t, clientErr)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
}

func TestHandshakeNetworkMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, _, serverErr, clientErr := connectPair(
		t,
		[]ouroboros.ConnectionOptionFunc{ouroboros.WithNetworkMagic(1)},
		[]ouroboros.ConnectionOptionFunc{ouroboros.WithNetworkMagic(2)},
	)
	require.ErrorIs(t, serverErr, handshake.ErrRefused)
	require.ErrorIs(t, clientErr, handshake.ErrRefused)
	var refuseErr *handshake.RefuseError
	require.ErrorAs(t, clientErr, &refuseErr)
	assert.Equal(t, handshake.RefuseReasonRefused, refuseErr.Reason)
}

func TestNodeToNodeChainSync(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := chainstore.NewMemoryStore()
	require.NoError(t, chainstore.GenerateChain(store, 5, 10))
	slotChan := make(chan uint64, 10)
	server, client, serverErr, clientErr := connectPair(
		t,
		[]ouroboros.ConnectionOptionFunc{
			ouroboros.WithNetwork(ouroboros.NetworkPreview),
			ouroboros.WithNodeToNode(true),
			ouroboros.WithChainSyncConfig(
				chainsync.NewConfig(chainsync.WithChainStore(store)),
			),
		},
		[]ouroboros.ConnectionOptionFunc{
			ouroboros.WithNetwork(ouroboros.NetworkPreview),
			ouroboros.WithNodeToNode(true),
			ouroboros.WithChainSyncConfig(
				chainsync.NewConfig(
					chainsync.WithRollForwardFunc(
						func(_ chainsync.CallbackContext, _ uint, header []byte, _ common.Tip) error {
							info, err := common.DecodeHeaderInfo(header)
							if err != nil {
								return err
							}
							slotChan <- info.Slot
							return nil
						},
					),
				),
			),
		},
	)
	require.NoError(t, serverErr)
	require.NoError(t, clientErr)
	defer server.Close()
	defer client.Close()

	version, versionData := client.ProtocolVersion()
	assert.Equal(t, uint16(14), version)
	assert.Equal(t, ouroboros.NetworkPreview.NetworkMagic, versionData.NetworkMagic())
	assert.NotNil(t, client.KeepAlive())
	assert.NotNil(t, client.PeerSharing())
	assert.Nil(t, client.LocalStateQuery())

	require.NoError(t, client.ChainSync().Client.Sync(nil))
	for idx := range 5 {
		select {
		case slot := <-slotChan:
			assert.Equal(t, uint64(idx+1)*10, slot)
		case err := <-client.ErrorChan():
			t.Fatalf("unexpected connection error: %s", err)
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for roll forward")
		}
	}
}

func TestNodeToClientLocalTxMonitor(t *testing.T) {
	defer goleak.VerifyNone(t)
	server, client, serverErr, clientErr := connectPair(
		t,
		[]ouroboros.ConnectionOptionFunc{
			ouroboros.WithNetworkMagic(testNetworkMagic),
			ouroboros.WithLocalTxMonitorConfig(
				localtxmonitor.NewConfig(
					localtxmonitor.WithGetMempoolFunc(
						func(localtxmonitor.CallbackContext) (localtxmonitor.MempoolSnapshot, error) {
							return localtxmonitor.MempoolSnapshot{
								Slot:     99,
								Capacity: 5000,
								Txs: []localtxmonitor.MempoolTx{
									{EraId: 6, Tx: []byte{0x82, 0x01, 0x02}},
								},
							}, nil
						},
					),
				),
			),
		},
		[]ouroboros.ConnectionOptionFunc{
			ouroboros.WithNetworkMagic(testNetworkMagic),
		},
	)
	require.NoError(t, serverErr)
	require.NoError(t, clientErr)
	defer server.Close()
	defer client.Close()

	version, _ := client.ProtocolVersion()
	assert.Equal(t, uint16(20+protocol.ProtocolVersionNtCOffset), version)
	assert.Nil(t, client.KeepAlive())
	assert.NotNil(t, client.LocalStateQuery())

	slot, err := client.LocalTxMonitor().Client.Acquire()
	require.NoError(t, err)
	assert.Equal(t, uint64(99), slot)
	sizes, err := client.LocalTxMonitor().Client.GetSizes()
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), sizes.Capacity)
	assert.Equal(t, uint32(3), sizes.Size)
	assert.Equal(t, uint32(1), sizes.NumberOfTxs)
}

func TestPeerCloseReportsEOF(t *testing.T) {
	defer goleak.VerifyNone(t)
	server, client, serverErr, clientErr := connectPair(
		t,
		[]ouroboros.ConnectionOptionFunc{ouroboros.WithNetworkMagic(testNetworkMagic)},
		[]ouroboros.ConnectionOptionFunc{ouroboros.WithNetworkMagic(testNetworkMagic)},
	)
	require.NoError(t, serverErr)
	require.NoError(t, clientErr)
	require.NoError(t, server.Close())
	select {
	case err, ok := <-client.ErrorChan():
		require.True(t, ok)
		assert.True(t, errors.Is(err, io.EOF), "unexpected error: %s", err)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for connection error")
	}
	require.NoError(t, client.Close())
}

func TestProtocolViolationClosesConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	mockConn := ouroboros_mock.NewConnection(
		ouroboros_mock.ProtocolRoleClient,
		[]ouroboros_mock.ConversationEntry{
			ouroboros_mock.ConversationEntryHandshakeRequestGeneric,
			ouroboros_mock.ConversationEntryHandshakeNtCResponse,
			// The server sends without having agency
			{
				Type:       ouroboros_mock.EntryTypeOutput,
				ProtocolId: chainsync.ProtocolIdNtC,
				IsResponse: true,
				OutputMessages: []protocol.Message{
					chainsync.NewMsgRollBackward(common.NewPoint(10, []byte{0x01}), common.Tip{}),
				},
			},
		},
	)
	oConn, err := ouroboros.New(
		ouroboros.WithConnection(mockConn),
		ouroboros.WithNetworkMagic(ouroboros_mock.MockNetworkMagic),
	)
	require.NoError(t, err)
	select {
	case err, ok := <-oConn.ErrorChan():
		require.True(t, ok)
		require.ErrorIs(t, err, protocol.ErrProtocolViolation)
		assert.Contains(t, err.Error(), "protocol error")
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for protocol violation")
	}
	require.NoError(t, oConn.Close())
	require.NoError(t, mockConn.Close())
}
