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

package localstatequery_test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/internal/test"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
	"github.com/blinklabs-io/ouroboros-agent/protocol/localstatequery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStateMap(t *testing.T) {
	test.CheckStateMap(t, localstatequery.StateMap, nil)
}

func TestMessageEncoding(t *testing.T) {
	testDefs := []struct {
		name     string
		msg      protocol.Message
		expected string
	}{
		{
			name:     "Acquire",
			msg:      localstatequery.NewMsgAcquire(common.NewPoint(5, []byte{0xab})),
			expected: "8200820541ab",
		},
		{
			name:     "AcquireNoPoint",
			msg:      localstatequery.NewMsgAcquireNoPoint(),
			expected: "8108",
		},
		{
			name:     "Failure",
			msg:      localstatequery.NewMsgFailure(localstatequery.AcquireFailurePointNotOnChain),
			expected: "820201",
		},
		{
			name:     "Query",
			msg:      localstatequery.NewMsgQuery([]byte{0x81, 0x01}),
			expected: "82038101",
		},
		{
			name:     "Result",
			msg:      localstatequery.NewMsgResult([]byte{0x05}),
			expected: "820405",
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			data, err := cbor.Encode(testDef.msg)
			require.NoError(t, err)
			assert.Equal(t, testDef.expected, hex.EncodeToString(data))
			msg, err := localstatequery.NewMsgFromCbor(uint(testDef.msg.Type()), data)
			require.NoError(t, err)
			assert.Equal(t, data, msg.Cbor())
		})
	}
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := cbor.Encode(v)
	require.NoError(t, err)
	return data
}

type lsqFixture struct {
	client    *localstatequery.Client
	server    *localstatequery.Server
	clientRun *test.AgentRun
	serverRun *test.AgentRun
	pair      *test.MuxerPair
}

func newLsqFixture(clientCfg localstatequery.Config, serverCfg localstatequery.Config) *lsqFixture {
	f := &lsqFixture{
		pair: test.NewMuxerPair(),
	}
	f.client = localstatequery.NewClient(protocol.ProtocolOptions{ConnectionId: "client"}, &clientCfg)
	f.server = localstatequery.NewServer(protocol.ProtocolOptions{ConnectionId: "server"}, &serverCfg)
	ctx := context.Background()
	f.serverRun = test.RunAgent(ctx, f.pair.Server, f.server.Agent)
	f.clientRun = test.RunAgent(ctx, f.pair.Client, f.client.Agent)
	return f
}

func (f *lsqFixture) stop() {
	f.clientRun.Stop()
	f.serverRun.Stop()
	f.pair.Stop()
}

func TestQueries(t *testing.T) {
	defer goleak.VerifyNone(t)
	chainPoint := common.NewPoint(1234, []byte{0x01, 0x02})
	results := map[string][]byte{
		// [1]
		"8101": mustEncode(t, localstatequery.SystemStartResult{Year: 2022, Day: 150, Picoseconds: 7}),
		// [2]
		"8102": mustEncode(t, []uint64{1, 42}),
		// [3]
		"8103": mustEncode(t, chainPoint),
		// [0, [2, [1]]]
		"820082028101": mustEncode(t, 6),
		// [0, [0, [6, [1]]]]
		"8200820082068101": mustEncode(t, []int{512}),
	}
	var acquires []string
	failures := make(chan error, 4)
	doneChan := make(chan struct{})
	serverCfg := localstatequery.NewConfig(
		localstatequery.WithAcquireFunc(
			func(_ localstatequery.CallbackContext, target localstatequery.AcquireTarget) error {
				acquires = append(acquires, target.String())
				if target.Point != nil && target.Point.Slot == 999 {
					return localstatequery.ErrAcquireFailurePointTooOld
				}
				return nil
			},
		),
		localstatequery.WithQueryFunc(
			func(_ localstatequery.CallbackContext, query []byte) ([]byte, error) {
				result, ok := results[hex.EncodeToString(query)]
				if !ok {
					return nil, fmt.Errorf("unexpected query %x", query)
				}
				return result, nil
			},
		),
		localstatequery.WithDoneFunc(func(localstatequery.CallbackContext) error {
			close(doneChan)
			return nil
		}),
	)
	clientCfg := localstatequery.NewConfig(
		localstatequery.WithFailureFunc(
			func(_ localstatequery.CallbackContext, _ localstatequery.AcquireTarget, err error) error {
				failures <- err
				return nil
			},
		),
	)
	f := newLsqFixture(clientCfg, serverCfg)
	defer f.stop()

	// The first query acquires the volatile tip
	systemStart, err := f.client.GetSystemStart()
	require.NoError(t, err)
	assert.Equal(t, 2022, systemStart.Year)
	assert.Equal(t, 150, systemStart.Day)
	assert.Equal(t, localstatequery.StateAcquired, f.client.CurrentState())

	blockNo, err := f.client.GetChainBlockNo()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), blockNo)

	point, err := f.client.GetChainPoint()
	require.NoError(t, err)
	assert.True(t, chainPoint.Equal(*point))

	epoch, err := f.client.GetEpochNo()
	require.NoError(t, err)
	assert.Equal(t, 512, epoch)

	// Re-acquire at a point the server refuses
	tooOld := common.NewPoint(999, []byte{0xff})
	err = f.client.Acquire(&tooOld)
	assert.ErrorIs(t, err, localstatequery.ErrAcquireFailurePointTooOld)
	assert.ErrorIs(t, <-failures, localstatequery.ErrAcquireFailurePointTooOld)
	assert.Equal(t, localstatequery.StateIdle, f.client.CurrentState())

	good := common.NewPoint(100, []byte{0x0a})
	require.NoError(t, f.client.Acquire(&good))
	require.NoError(t, f.client.Release())
	require.NoError(t, f.client.Stop())
	select {
	case <-doneChan:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive Done")
	}
	assert.True(t, f.client.IsDone())
	assert.Equal(
		t,
		[]string{"volatile tip", tooOld.String(), good.String()},
		acquires,
	)
	assert.Equal(t, 0, f.client.Pending())
}

func TestImplicitAcquireFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	serverCfg := localstatequery.NewConfig(
		localstatequery.WithAcquireFunc(
			func(localstatequery.CallbackContext, localstatequery.AcquireTarget) error {
				return localstatequery.ErrAcquireFailurePointNotOnChain
			},
		),
	)
	f := newLsqFixture(localstatequery.NewConfig(), serverCfg)
	defer f.stop()
	_, err := f.client.Query([]byte{0x81, 0x01})
	assert.ErrorIs(t, err, localstatequery.ErrAcquireFailurePointNotOnChain)
	assert.Equal(t, 0, f.client.Pending())
	assert.Equal(t, localstatequery.StateIdle, f.client.CurrentState())
}

func TestQueryTimeout(t *testing.T) {
	transport := test.NewRecordingTransport()
	cfg := localstatequery.NewConfig(localstatequery.WithQueryTimeout(20 * time.Millisecond))
	client := localstatequery.NewClient(protocol.ProtocolOptions{Transport: transport}, &cfg)
	_, err := client.Query([]byte{0x81, 0x01})
	assert.ErrorIs(t, err, localstatequery.ErrQueryTimeout)
	assert.Equal(t, 0, client.Pending())
	assert.Empty(t, transport.Messages())
}

func TestDisconnectFailsPending(t *testing.T) {
	transport := test.NewRecordingTransport()
	client := localstatequery.NewClient(protocol.ProtocolOptions{Transport: transport}, nil)
	errChan := make(chan error, 1)
	go func() {
		errChan <- client.AcquireVolatileTip()
	}()
	require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, time.Millisecond)
	msg, err := client.SendNextMessage()
	require.NoError(t, err)
	require.IsType(t, &localstatequery.MsgAcquireNoPoint{}, msg)
	require.NoError(t, client.Disconnect(errors.New("connection reset")))
	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, protocol.ErrProtocolShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("pending acquire was not failed")
	}
}
