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

package protocol_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/internal/test"
	"github.com/blinklabs-io/ouroboros-agent/muxer"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testProtocolId       = 42
	msgTypePing    uint8 = 0
	msgTypePong    uint8 = 1
	msgTypeDone    uint8 = 2
)

var (
	stateIdle = protocol.NewState(1, "Idle")
	stateBusy = protocol.NewState(2, "Busy")
	stateDone = protocol.NewState(3, "Done")
)

var testStateMap = protocol.StateMap{
	stateIdle: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{MsgType: msgTypePing, NewState: stateBusy},
			{MsgType: msgTypeDone, NewState: stateDone},
		},
	},
	stateBusy: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{MsgType: msgTypePong, NewState: stateIdle},
		},
	},
	stateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

type testMsg struct {
	protocol.MessageBase
	Data []byte
}

func newTestMsg(msgType uint8, data []byte) *testMsg {
	m := &testMsg{Data: data}
	m.MessageType = msgType
	return m
}

func testMsgFromCbor(msgType uint, data []byte) (protocol.Message, error) {
	if msgType > uint(msgTypeDone) {
		return nil, nil
	}
	var msg testMsg
	if _, err := cbor.Decode(data, &msg); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	msg.SetCbor(data)
	return &msg, nil
}

func newTestAgent(
	role protocol.Role,
	transport protocol.Transport,
	nextMessageFunc protocol.NextMessageFunc,
) *protocol.Agent {
	return protocol.NewAgent(protocol.AgentConfig{
		Name:                "test",
		ProtocolId:          testProtocolId,
		Role:                role,
		Transport:           transport,
		StateMap:            testStateMap,
		InitialState:        stateIdle,
		MessageFromCborFunc: testMsgFromCbor,
		NextMessageFunc:     nextMessageFunc,
		DoneMessageFunc: func() protocol.Message {
			return newTestMsg(msgTypeDone, nil)
		},
	})
}

func encode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	data, err := cbor.Encode(msg)
	require.NoError(t, err)
	return data
}

func TestStateMapValidate(t *testing.T) {
	require.NoError(t, testStateMap.Validate())
	ambiguous := testStateMap.Copy()
	ambiguous[stateBusy] = protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{MsgType: msgTypePong, NewState: stateIdle},
			{MsgType: msgTypePong, NewState: stateDone},
		},
	}
	assert.ErrorContains(t, ambiguous.Validate(), "ambiguous")
	terminal := testStateMap.Copy()
	terminal[stateDone] = protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
		Transitions: []protocol.StateTransition{
			{MsgType: msgTypePing, NewState: stateIdle},
		},
	}
	assert.ErrorContains(t, terminal.Validate(), "terminal state Done has transitions")
}

func TestPipelinedSend(t *testing.T) {
	pipelined := testStateMap.Copy()
	pipelined[stateBusy] = protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{MsgType: msgTypePing, NewState: stateBusy, Pipelined: true},
			{MsgType: msgTypePong, NewState: stateIdle},
		},
	}
	require.NoError(t, pipelined.Validate())
	assert.True(t, pipelined.CanSend(stateBusy, protocol.RoleClient))
	assert.True(t, pipelined.CanSend(stateBusy, protocol.RoleServer))
	assert.False(t, testStateMap.CanSend(stateBusy, protocol.RoleClient))
	transport := test.NewRecordingTransport()
	agent := protocol.NewAgent(protocol.AgentConfig{
		Name:                "test",
		ProtocolId:          testProtocolId,
		Role:                protocol.RoleClient,
		Transport:           transport,
		StateMap:            pipelined,
		InitialState:        stateIdle,
		MessageFromCborFunc: testMsgFromCbor,
		NextMessageFunc: func(protocol.State) (protocol.Message, error) {
			return newTestMsg(msgTypePing, nil), nil
		},
	})
	for range 3 {
		msg, err := agent.SendNextMessage()
		require.NoError(t, err)
		require.NotNil(t, msg)
	}
	assert.Equal(t, stateBusy, agent.CurrentState())
	assert.Len(t, transport.Messages(), 3)
	// The client still may not send a message that is not pipelined
	err := agent.SendMessage(newTestMsg(msgTypeDone, nil))
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestListenerOrder(t *testing.T) {
	transport := test.NewRecordingTransport()
	agent := newTestAgent(protocol.RoleClient, transport, nil)
	var order []string
	for _, name := range []string{"L1", "L2", "L3"} {
		agent.AddListener(func(event protocol.Event) error {
			order = append(order, name)
			return nil
		})
	}
	require.NoError(t, agent.SendMessage(newTestMsg(msgTypePing, nil)))
	assert.Equal(t, []string{"L3", "L2", "L1"}, order)
}

func TestListenerErrorStopsDelivery(t *testing.T) {
	transport := test.NewRecordingTransport()
	agent := newTestAgent(protocol.RoleClient, transport, nil)
	testErr := errors.New("vetoed")
	var called []string
	agent.AddListener(func(event protocol.Event) error {
		called = append(called, "inner")
		return nil
	})
	agent.AddListener(func(event protocol.Event) error {
		called = append(called, "outer")
		assert.Equal(t, protocol.EventStateUpdate, event.Type)
		assert.Equal(t, stateIdle, event.OldState)
		assert.Equal(t, stateBusy, event.NewState)
		assert.True(t, event.Outbound)
		return testErr
	})
	err := agent.SendMessage(newTestMsg(msgTypePing, nil))
	assert.ErrorIs(t, err, testErr)
	assert.Equal(t, []string{"outer"}, called)
	// The transition was committed before listeners ran
	assert.Equal(t, stateBusy, agent.CurrentState())
}

func TestSendWithoutTransport(t *testing.T) {
	agent := newTestAgent(protocol.RoleClient, nil, nil)
	notified := false
	agent.AddListener(func(protocol.Event) error {
		notified = true
		return nil
	})
	err := agent.SendMessage(newTestMsg(msgTypePing, nil))
	assert.ErrorIs(t, err, protocol.ErrTransportUnavailable)
	assert.Equal(t, stateIdle, agent.CurrentState())
	assert.False(t, notified)

	transport := test.NewRecordingTransport()
	transport.SetActive(false)
	agent.AttachTransport(transport)
	err = agent.SendMessage(newTestMsg(msgTypePing, nil))
	assert.ErrorIs(t, err, protocol.ErrTransportUnavailable)
	assert.Equal(t, stateIdle, agent.CurrentState())
	assert.Empty(t, transport.Writes())
}

func TestWriteFailureKeepsState(t *testing.T) {
	transport := test.NewRecordingTransport()
	transport.SetWriteError(errors.New("broken pipe"))
	agent := newTestAgent(protocol.RoleClient, transport, nil)
	assert.Error(t, agent.SendMessage(newTestMsg(msgTypePing, nil)))
	assert.Equal(t, stateIdle, agent.CurrentState())
}

func TestSendWithoutAgency(t *testing.T) {
	transport := test.NewRecordingTransport()
	agent := newTestAgent(protocol.RoleServer, transport, nil)
	err := agent.SendMessage(newTestMsg(msgTypePong, nil))
	var violation *protocol.ProtocolViolationError
	require.ErrorAs(t, err, &violation)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	assert.Equal(t, stateIdle, violation.State)
	assert.Equal(t, msgTypePong, violation.MessageType)
	assert.Empty(t, transport.Writes())
}

func TestReceiveViolation(t *testing.T) {
	agent := newTestAgent(protocol.RoleClient, test.NewRecordingTransport(), nil)
	// Client has agency in Idle, so the server may not send
	err := agent.ReceiveResponse(newTestMsg(msgTypePong, nil))
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	assert.Equal(t, stateIdle, agent.CurrentState())
}

func TestDeserializeResponse(t *testing.T) {
	agent := newTestAgent(protocol.RoleServer, test.NewRecordingTransport(), nil)
	data := encode(t, newTestMsg(msgTypePing, []byte{1, 2, 3}))
	msg, err := agent.DeserializeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, msgTypePing, msg.Type())
	assert.Equal(t, data, msg.Cbor())

	// Pong is not allowed in Idle
	_, err = agent.DeserializeResponse(encode(t, newTestMsg(msgTypePong, nil)))
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)

	malformed := []byte{0x82, 0x00, 0x01}
	_, err = agent.DeserializeResponse(malformed)
	var decodeErr *protocol.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.ErrorIs(t, err, protocol.ErrDecode)
	assert.Equal(t, malformed, decodeErr.Cbor)
}

func TestHandleSegmentReassembly(t *testing.T) {
	agent := newTestAgent(protocol.RoleServer, test.NewRecordingTransport(), nil)
	var received []protocol.Message
	agent.AddListener(func(event protocol.Event) error {
		received = append(received, event.Message)
		return nil
	})
	payload := make([]byte, 150000)
	for i := range payload {
		payload[i] = byte(i)
	}
	data := encode(t, newTestMsg(msgTypePing, payload))
	segments := muxer.SegmentMessage(testProtocolId, false, 0, data)
	require.Len(t, segments, 3)
	for _, segment := range segments[:2] {
		require.NoError(t, agent.HandleSegment(segment))
		assert.Empty(t, received)
	}
	require.NoError(t, agent.HandleSegment(segments[2]))
	require.Len(t, received, 1)
	msg, ok := received[0].(*testMsg)
	require.True(t, ok)
	assert.Equal(t, payload, msg.Data)
	assert.Equal(t, data, msg.Cbor())
	assert.Equal(t, stateBusy, agent.CurrentState())
}

func TestHandleSegmentMultipleMessages(t *testing.T) {
	agent := newTestAgent(protocol.RoleClient, test.NewRecordingTransport(), nil)
	require.NoError(t, agent.SendMessage(newTestMsg(msgTypePing, nil)))
	data := encode(t, newTestMsg(msgTypePong, []byte{0xff}))
	require.NoError(t, agent.HandleSegment(muxer.NewSegment(testProtocolId, data, true)))
	assert.Equal(t, stateIdle, agent.CurrentState())

	server := newTestAgent(protocol.RoleServer, test.NewRecordingTransport(), nil)
	// Ping followed by a Ping is a violation in Busy
	joined := append(encode(t, newTestMsg(msgTypePing, nil)), encode(t, newTestMsg(msgTypePing, nil))...)
	err := server.HandleSegment(muxer.NewSegment(testProtocolId, joined, false))
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	assert.Equal(t, stateBusy, server.CurrentState())
}

func TestSendSegmentsLargeMessage(t *testing.T) {
	transport := test.NewRecordingTransport()
	agent := newTestAgent(protocol.RoleClient, transport, nil)
	payload := make([]byte, 70000)
	require.NoError(t, agent.SendMessage(newTestMsg(msgTypePing, payload)))
	writes := transport.Writes()
	require.Len(t, writes, 1)
	require.Len(t, writes[0], 2)
	for _, segment := range writes[0] {
		assert.Equal(t, uint16(testProtocolId), segment.GetProtocolId())
		assert.True(t, segment.IsRequest())
		// First message of an agent has a zero timestamp
		assert.Equal(t, uint32(0), segment.Timestamp)
	}
	assert.Equal(t, encode(t, newTestMsg(msgTypePing, payload)), transport.Messages()[0])
}

func TestServerSegmentsHaveResponseFlag(t *testing.T) {
	transport := test.NewRecordingTransport()
	agent := newTestAgent(protocol.RoleServer, transport, nil)
	require.NoError(t, agent.ReceiveResponse(newTestMsg(msgTypePing, nil)))
	require.NoError(t, agent.SendMessage(newTestMsg(msgTypePong, nil)))
	writes := transport.Writes()
	require.Len(t, writes, 1)
	assert.True(t, writes[0][0].IsResponse())
}

func TestResetShutdownAndIsDone(t *testing.T) {
	transport := test.NewRecordingTransport()
	agent := newTestAgent(protocol.RoleClient, transport, nil)
	require.NoError(t, agent.SendMessage(newTestMsg(msgTypePing, nil)))
	// No agency in Busy, so shutdown sends nothing
	require.NoError(t, agent.Shutdown())
	assert.Len(t, transport.Writes(), 1)
	agent.Reset()
	assert.Equal(t, stateIdle, agent.CurrentState())
	assert.False(t, agent.IsDone())
	require.NoError(t, agent.Shutdown())
	assert.True(t, agent.IsDone())
	assert.Len(t, transport.Writes(), 2)
}

func TestDisconnect(t *testing.T) {
	transport := test.NewRecordingTransport()
	agent := newTestAgent(protocol.RoleClient, transport, nil)
	testErr := errors.New("connection reset")
	var events []protocol.Event
	agent.AddListener(func(event protocol.Event) error {
		events = append(events, event)
		return nil
	})
	require.NoError(t, agent.Disconnect(testErr))
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventDisconnect, events[0].Type)
	assert.ErrorIs(t, events[0].Err, testErr)
	assert.ErrorIs(
		t,
		agent.SendMessage(newTestMsg(msgTypePing, nil)),
		protocol.ErrTransportUnavailable,
	)
}

func TestDrive(t *testing.T) {
	defer goleak.VerifyNone(t)
	transport := test.NewRecordingTransport()
	var queueMutex sync.Mutex
	queue := []protocol.Message{newTestMsg(msgTypePing, nil)}
	agent := newTestAgent(
		protocol.RoleClient,
		transport,
		func(protocol.State) (protocol.Message, error) {
			queueMutex.Lock()
			defer queueMutex.Unlock()
			if len(queue) == 0 {
				return nil, nil
			}
			msg := queue[0]
			queue = queue[1:]
			return msg, nil
		},
	)
	ctx, cancel := context.WithCancel(context.Background())
	driveErr := make(chan error, 1)
	go func() {
		driveErr <- agent.Drive(ctx)
	}()
	require.Eventually(t, func() bool {
		return len(transport.Writes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, stateBusy, agent.CurrentState())
	// The reply hands agency back and wakes the loop, which sends Done
	queueMutex.Lock()
	queue = append(queue, newTestMsg(msgTypeDone, nil))
	queueMutex.Unlock()
	require.NoError(t, agent.ReceiveResponse(newTestMsg(msgTypePong, nil)))
	select {
	case err := <-driveErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drive loop")
	}
	cancel()
	assert.True(t, agent.IsDone())
	assert.Len(t, transport.Writes(), 2)
}

// replyingTransport delivers a reply from inside the write, before the write returns
type replyingTransport struct {
	agent    *protocol.Agent
	replyErr error
	states   []protocol.State
}

func (r *replyingTransport) WriteSegments(_ context.Context, _ []*muxer.Segment) error {
	r.states = append(r.states, r.agent.CurrentState())
	r.replyErr = r.agent.ReceiveResponse(newTestMsg(msgTypePong, nil))
	return nil
}

func (r *replyingTransport) IsActive() bool {
	return true
}

func TestReplyDuringWrite(t *testing.T) {
	transport := &replyingTransport{}
	agent := newTestAgent(protocol.RoleClient, transport, nil)
	transport.agent = agent
	var events []protocol.Event
	agent.AddListener(func(event protocol.Event) error {
		events = append(events, event)
		return nil
	})
	require.NoError(t, agent.SendMessage(newTestMsg(msgTypePing, nil)))
	require.NoError(t, transport.replyErr)
	// The reply is judged against the state reserved for the message being written
	assert.Equal(t, []protocol.State{stateBusy}, transport.states)
	assert.Equal(t, stateIdle, agent.CurrentState())
	require.Len(t, events, 2)
	assert.False(t, events[0].Outbound)
	assert.True(t, events[1].Outbound)
}

// blockingTransport never completes a write until ctx is cancelled
type blockingTransport struct {
	started chan struct{}
}

func (b *blockingTransport) WriteSegments(ctx context.Context, _ []*muxer.Segment) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingTransport) IsActive() bool {
	return true
}

func TestDriveAbandonsBlockedWrite(t *testing.T) {
	defer goleak.VerifyNone(t)
	transport := &blockingTransport{started: make(chan struct{})}
	var sent bool
	agent := newTestAgent(
		protocol.RoleClient,
		transport,
		func(protocol.State) (protocol.Message, error) {
			if sent {
				return nil, nil
			}
			sent = true
			return newTestMsg(msgTypePing, nil), nil
		},
	)
	ctx, cancel := context.WithCancel(context.Background())
	driveErr := make(chan error, 1)
	go func() {
		driveErr <- agent.Drive(ctx)
	}()
	select {
	case <-transport.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
	}
	// The receive path is not blocked by the pending write
	assert.Equal(t, stateBusy, agent.CurrentState())
	cancel()
	select {
	case err := <-driveErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("drive loop did not return")
	}
	// The failed write gives the reserved state back
	assert.Equal(t, stateIdle, agent.CurrentState())
}
