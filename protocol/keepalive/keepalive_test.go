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

package keepalive_test

import (
	"context"
	"testing"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/internal/test"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/keepalive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStateMap(t *testing.T) {
	test.CheckStateMap(t, keepalive.StateMap, nil)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	pair := test.NewMuxerPair()
	defer pair.Stop()
	respChan := make(chan uint16, 1)
	serverDone := make(chan struct{})
	cfg := keepalive.NewConfig(
		keepalive.WithCookie(0x1234),
		keepalive.WithKeepAliveResponseFunc(
			func(_ keepalive.CallbackContext, cookie uint16, _ time.Duration) error {
				respChan <- cookie
				return nil
			},
		),
		keepalive.WithDoneFunc(func(keepalive.CallbackContext) error {
			close(serverDone)
			return nil
		}),
	)
	protoOptions := protocol.ProtocolOptions{ConnectionId: "test"}
	client := keepalive.NewClient(protoOptions, &cfg)
	server := keepalive.NewServer(protoOptions, &cfg)
	ctx := context.Background()
	serverRun := test.RunAgent(ctx, pair.Server, server.Agent)
	defer serverRun.Stop()
	clientRun := test.RunAgent(ctx, pair.Client, client.Agent)
	defer clientRun.Stop()

	client.SendKeepAlive()
	select {
	case cookie := <-respChan:
		assert.Equal(t, uint16(0x1234), cookie)
	case err := <-clientRun.ErrorChan():
		t.Fatalf("client error: %s", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for keep-alive response")
	}
	assert.Equal(t, keepalive.StateClient, client.CurrentState())
	assert.NoError(t, client.CheckTimeout(time.Now().Add(time.Hour)))

	require.NoError(t, client.Shutdown())
	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server Done")
	}
	assert.True(t, client.IsDone())
	assert.True(t, server.IsDone())
}

func TestCookieMismatch(t *testing.T) {
	transport := test.NewRecordingTransport()
	cfg := keepalive.NewConfig(keepalive.WithCookie(5))
	client := keepalive.NewClient(protocol.ProtocolOptions{Transport: transport}, &cfg)
	client.SendKeepAlive()
	msg, err := client.SendNextMessage()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, keepalive.StateServer, client.CurrentState())
	err = client.ReceiveResponse(keepalive.NewMsgKeepAliveResponse(7))
	assert.ErrorIs(t, err, keepalive.ErrCookieMismatch)
}

func TestCheckTimeout(t *testing.T) {
	transport := test.NewRecordingTransport()
	cfg := keepalive.NewConfig(keepalive.WithTimeout(time.Second))
	client := keepalive.NewClient(protocol.ProtocolOptions{Transport: transport}, &cfg)
	now := time.Now()
	assert.NoError(t, client.CheckTimeout(now))
	client.SendKeepAlive()
	_, err := client.SendNextMessage()
	require.NoError(t, err)
	// A second probe is not queued while one is in flight
	client.SendKeepAlive()
	msg, err := client.SendNextMessage()
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.NoError(t, client.CheckTimeout(time.Now()))
	assert.ErrorIs(t, client.CheckTimeout(time.Now().Add(2*time.Second)), keepalive.ErrTimeout)
	require.NoError(t, client.ReceiveResponse(keepalive.NewMsgKeepAliveResponse(0)))
	assert.NoError(t, client.CheckTimeout(time.Now().Add(2*time.Second)))
	assert.Len(t, transport.Messages(), 1)
}
