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

package protocol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/metrics"
	"github.com/blinklabs-io/ouroboros-agent/muxer"
)

// AgentConfig describes one mini-protocol session
type AgentConfig struct {
	Name                string
	ProtocolId          uint16
	Role                Role
	ConnectionId        string
	Transport           Transport
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
	StateMap            StateMap
	InitialState        State
	StateContext        any
	MessageFromCborFunc MessageFromCborFunc
	MessageHandlerFunc  MessageHandlerFunc
	NextMessageFunc     NextMessageFunc
	DoneMessageFunc     DoneMessageFunc
}

// StateContextResetter is implemented by state contexts that hold per-session data
type StateContextResetter interface {
	Reset()
}

// Agent owns the current state of one mini-protocol session. It sends and receives
// messages through a Transport and notifies listeners of every state change
type Agent struct {
	config         AgentConfig
	logger         *slog.Logger
	stateMutex     sync.Mutex
	currentState   State
	generation     uint64
	transport      Transport
	sendSlot       chan struct{}
	lastSend       time.Time
	recvMutex      sync.Mutex
	recvBuffer     []byte
	recvReset      atomic.Bool
	listenersMutex sync.Mutex
	listeners      []ListenerFunc
	wakeChan       chan struct{}
}

// NewAgent returns a new agent in the initial state
func NewAgent(config AgentConfig) *Agent {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	a := &Agent{
		config:       config,
		currentState: config.InitialState,
		transport:    config.Transport,
		sendSlot:     make(chan struct{}, 1),
		wakeChan:     make(chan struct{}, 1),
	}
	a.logger = logger.With(
		"component", "network",
		"protocol", config.Name,
		"role", config.Role.String(),
		"connection_id", config.ConnectionId,
	)
	return a
}

func (a *Agent) Name() string {
	return a.config.Name
}

func (a *Agent) ProtocolId() uint16 {
	return a.config.ProtocolId
}

func (a *Agent) Role() Role {
	return a.config.Role
}

func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

func (a *Agent) StateContext() any {
	return a.config.StateContext
}

func (a *Agent) CurrentState() State {
	a.stateMutex.Lock()
	defer a.stateMutex.Unlock()
	return a.currentState
}

// HasAgency returns whether the local side may send in the current state
func (a *Agent) HasAgency() bool {
	a.stateMutex.Lock()
	defer a.stateMutex.Unlock()
	return a.config.StateMap.HasAgency(a.currentState, a.config.Role)
}

// IsDone returns whether the agent has reached a terminal state
func (a *Agent) IsDone() bool {
	a.stateMutex.Lock()
	defer a.stateMutex.Unlock()
	return a.config.StateMap.IsTerminal(a.currentState)
}

func (a *Agent) AttachTransport(transport Transport) {
	a.stateMutex.Lock()
	defer a.stateMutex.Unlock()
	a.transport = transport
}

func (a *Agent) DetachTransport() {
	a.stateMutex.Lock()
	defer a.stateMutex.Unlock()
	a.transport = nil
}

// AddListener registers a listener. Listeners registered later are notified first
func (a *Agent) AddListener(listener ListenerFunc) {
	a.listenersMutex.Lock()
	defer a.listenersMutex.Unlock()
	a.listeners = append([]ListenerFunc{listener}, a.listeners...)
}

func (a *Agent) notify(event Event) error {
	a.listenersMutex.Lock()
	listeners := make([]ListenerFunc, len(a.listeners))
	copy(listeners, a.listeners)
	a.listenersMutex.Unlock()
	event.Protocol = a.config.Name
	event.Role = a.config.Role
	for _, listener := range listeners {
		if err := listener(event); err != nil {
			return err
		}
	}
	return nil
}

// Wake signals the Drive loop to try sending
func (a *Agent) Wake() {
	select {
	case a.wakeChan <- struct{}{}:
	default:
	}
}

func (a *Agent) remoteRole() Role {
	if a.config.Role == RoleClient {
		return RoleServer
	}
	return RoleClient
}

func (a *Agent) violation(state State, msg Message, cborData []byte, reason string) error {
	a.config.Metrics.ProtocolViolation(a.config.Name, a.config.Role.String())
	err := &ProtocolViolationError{
		Protocol:    a.config.Name,
		State:       state,
		MessageType: msg.Type(),
		Cbor:        cborData,
		Reason:      reason,
	}
	a.logger.Error(
		"protocol violation",
		"state", state.String(),
		"message_type", msg.Type(),
		"cbor", hex.EncodeToString(cborData),
		"error", err,
	)
	return err
}

// SendNextMessage asks the protocol for the next outbound message and sends it. It returns
// nil without error when the local side cannot send in the current state or there is nothing to send
func (a *Agent) SendNextMessage() (Message, error) {
	return a.sendNextMessage(context.Background())
}

func (a *Agent) sendNextMessage(ctx context.Context) (Message, error) {
	if a.config.NextMessageFunc == nil {
		return nil, nil
	}
	if err := a.acquireSendSlot(ctx); err != nil {
		return nil, err
	}
	defer a.releaseSendSlot()
	a.stateMutex.Lock()
	if !a.config.StateMap.CanSend(a.currentState, a.config.Role) {
		a.stateMutex.Unlock()
		return nil, nil
	}
	msg, err := a.config.NextMessageFunc(a.currentState)
	if err != nil || msg == nil {
		a.stateMutex.Unlock()
		return nil, err
	}
	pending, err := a.reserveLocked(msg)
	a.stateMutex.Unlock()
	if err != nil {
		return nil, err
	}
	if err := a.write(ctx, pending); err != nil {
		return nil, err
	}
	return msg, a.notify(pending.event)
}

// SendMessage sends an application-built message
func (a *Agent) SendMessage(msg Message) error {
	return a.SendMessageContext(context.Background(), msg)
}

// SendMessageContext sends an application-built message. A write that is still blocked when
// ctx is cancelled is abandoned
func (a *Agent) SendMessageContext(ctx context.Context, msg Message) error {
	if err := a.acquireSendSlot(ctx); err != nil {
		return err
	}
	defer a.releaseSendSlot()
	a.stateMutex.Lock()
	pending, err := a.reserveLocked(msg)
	a.stateMutex.Unlock()
	if err != nil {
		return err
	}
	if err := a.write(ctx, pending); err != nil {
		return err
	}
	return a.notify(pending.event)
}

// The send slot orders reservations and writes of one agent. It is never held together
// with a wait on the receive path
func (a *Agent) acquireSendSlot(ctx context.Context) error {
	select {
	case a.sendSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) releaseSendSlot() {
	<-a.sendSlot
}

type pendingSend struct {
	transport    Transport
	segments     []*muxer.Segment
	event        Event
	generation   uint64
	prevLastSend time.Time
}

// reserveLocked validates an outbound message, builds its segments and moves the agent to the
// new state so that a reply racing the write is judged against it. The state mutex must be held
func (a *Agent) reserveLocked(msg Message) (*pendingSend, error) {
	state := a.currentState
	transition, ok := a.config.StateMap.Transition(state, msg, a.config.StateContext)
	if !ok {
		return nil, a.violation(state, msg, msg.Cbor(), "message not allowed in current state")
	}
	if !a.config.StateMap.HasAgency(state, a.config.Role) &&
		(!transition.Pipelined || a.config.Role != RoleClient) {
		return nil, a.violation(state, msg, msg.Cbor(), "sending without agency")
	}
	if a.transport == nil || !a.transport.IsActive() {
		a.logger.Warn(
			"dropping message with no active transport",
			"state", state.String(),
			"message_type", msg.Type(),
		)
		return nil, ErrTransportUnavailable
	}
	data := msg.Cbor()
	if data == nil {
		var err error
		data, err = cbor.Encode(msg)
		if err != nil {
			return nil, fmt.Errorf("%s: encode error: %w", a.config.Name, err)
		}
	}
	now := time.Now()
	var timestamp uint32
	if !a.lastSend.IsZero() {
		// Truncation to 32 bits is part of the frame format
		timestamp = uint32(now.Sub(a.lastSend).Microseconds()) // #nosec G115
	}
	pending := &pendingSend{
		transport: a.transport,
		segments: muxer.SegmentMessage(
			a.config.ProtocolId,
			a.config.Role == RoleServer,
			timestamp,
			data,
		),
		event: Event{
			Type:     EventStateUpdate,
			OldState: state,
			NewState: transition.NewState,
			Message:  msg,
			Outbound: true,
		},
		prevLastSend: a.lastSend,
	}
	a.lastSend = now
	a.commitLocked(transition, msg)
	pending.generation = a.generation
	return pending, nil
}

// write sends reserved segments without holding the state mutex. When the write fails the
// reserved state is undone unless another transition happened in the meantime. State context
// changes made by the transition's CommitFunc are kept
func (a *Agent) write(ctx context.Context, pending *pendingSend) error {
	msg := pending.event.Message
	err := pending.transport.WriteSegments(ctx, pending.segments)
	if err == nil {
		a.logger.Debug(
			"sent message",
			"message_type", msg.Type(),
			"old_state", pending.event.OldState.String(),
			"new_state", pending.event.NewState.String(),
		)
		return nil
	}
	a.logger.Warn(
		"failed to write message",
		"state", pending.event.OldState.String(),
		"message_type", msg.Type(),
		"error", err,
	)
	a.stateMutex.Lock()
	if a.generation == pending.generation {
		a.currentState = pending.event.OldState
		a.lastSend = pending.prevLastSend
		a.generation++
	}
	a.stateMutex.Unlock()
	if errors.Is(err, muxer.ErrMuxerStopped) {
		return ErrTransportUnavailable
	}
	return err
}

func (a *Agent) commitLocked(transition StateTransition, msg Message) {
	if transition.CommitFunc != nil {
		transition.CommitFunc(a.config.StateContext, msg)
	}
	a.config.Metrics.StateTransition(
		a.config.Name,
		a.config.Role.String(),
		a.currentState.String(),
		transition.NewState.String(),
	)
	a.currentState = transition.NewState
	a.generation++
}

// ReceiveResponse accepts an inbound message from the remote side, advances the state,
// calls the protocol message handler and then notifies listeners
func (a *Agent) ReceiveResponse(msg Message) error {
	a.stateMutex.Lock()
	state := a.currentState
	transition, ok := a.config.StateMap.Transition(state, msg, a.config.StateContext)
	if !ok {
		a.stateMutex.Unlock()
		return a.violation(state, msg, msg.Cbor(), "message not allowed in current state")
	}
	if !a.config.StateMap.HasAgency(state, a.remoteRole()) &&
		(!transition.Pipelined || a.config.Role != RoleServer) {
		a.stateMutex.Unlock()
		return a.violation(state, msg, msg.Cbor(), "received message from side without agency")
	}
	a.commitLocked(transition, msg)
	localAgency := a.config.StateMap.CanSend(transition.NewState, a.config.Role)
	a.stateMutex.Unlock()
	a.logger.Debug(
		"received message",
		"message_type", msg.Type(),
		"old_state", state.String(),
		"new_state", transition.NewState.String(),
	)
	if a.config.MessageHandlerFunc != nil {
		if err := a.config.MessageHandlerFunc(msg); err != nil {
			return err
		}
	}
	if err := a.notify(Event{
		Type:     EventStateUpdate,
		OldState: state,
		NewState: transition.NewState,
		Message:  msg,
	}); err != nil {
		return err
	}
	if localAgency {
		a.Wake()
	}
	return nil
}

// DeserializeResponse decodes one complete message, checking its type against the
// current state's allow-list first
func (a *Agent) DeserializeResponse(data []byte) (Message, error) {
	state := a.CurrentState()
	msgType, err := cbor.DecodeIdFromList(data)
	if err != nil {
		return nil, a.decodeError(state, data, err)
	}
	if msgType < 0 || msgType > 0xff ||
		!a.config.StateMap.AllowsMessageType(state, uint8(msgType)) {
		a.config.Metrics.ProtocolViolation(a.config.Name, a.config.Role.String())
		err := &ProtocolViolationError{
			Protocol:    a.config.Name,
			State:       state,
			MessageType: uint8(msgType), // #nosec G115
			Cbor:        data,
			Reason:      "message not allowed in current state",
		}
		a.logger.Error(
			"protocol violation",
			"state", state.String(),
			"message_type", msgType,
			"cbor", hex.EncodeToString(data),
			"error", err,
		)
		return nil, err
	}
	msg, err := a.config.MessageFromCborFunc(uint(msgType), data)
	if err != nil {
		return nil, a.decodeError(state, data, err)
	}
	if msg == nil {
		return nil, a.decodeError(
			state,
			data,
			fmt.Errorf("unknown message type: %d", msgType),
		)
	}
	return msg, nil
}

func (a *Agent) decodeError(state State, data []byte, err error) error {
	decodeErr := &DecodeError{
		Protocol: a.config.Name,
		State:    state,
		Cbor:     data,
		Err:      err,
	}
	a.logger.Error(
		"failed to decode message",
		"state", state.String(),
		"cbor", hex.EncodeToString(data),
		"error", err,
	)
	return decodeErr
}

// HandleSegment appends an inbound segment to the receive buffer and processes every
// complete message in it. A partial message waits for further segments
func (a *Agent) HandleSegment(segment *muxer.Segment) error {
	a.recvMutex.Lock()
	defer a.recvMutex.Unlock()
	if a.recvReset.Swap(false) {
		a.recvBuffer = nil
	}
	a.recvBuffer = append(a.recvBuffer, segment.Payload...)
	for len(a.recvBuffer) > 0 {
		var item cbor.RawMessage
		numBytesRead, err := cbor.Decode(a.recvBuffer, &item)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				// Probably a multi-segment message, so wait for the rest of it
				return nil
			}
			data := a.recvBuffer
			a.recvBuffer = nil
			return a.decodeError(a.CurrentState(), data, err)
		}
		data := make([]byte, numBytesRead)
		copy(data, a.recvBuffer[:numBytesRead])
		a.recvBuffer = a.recvBuffer[numBytesRead:]
		msg, err := a.DeserializeResponse(data)
		if err != nil {
			a.recvBuffer = nil
			return err
		}
		if err := a.ReceiveResponse(msg); err != nil {
			a.recvBuffer = nil
			return err
		}
	}
	a.recvBuffer = nil
	return nil
}

// Receive feeds segments to HandleSegment until the channel closes, doneChan is closed or
// ctx is cancelled
func (a *Agent) Receive(
	ctx context.Context,
	recvChan <-chan *muxer.Segment,
	doneChan <-chan struct{},
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-doneChan:
			return nil
		case segment, ok := <-recvChan:
			if !ok {
				return nil
			}
			if err := a.HandleSegment(segment); err != nil {
				return err
			}
		}
	}
}

// Drive sends messages whenever the agent is woken until the agent is done or ctx is cancelled
func (a *Agent) Drive(ctx context.Context) error {
	// Start with an attempt in case we already have agency
	a.Wake()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wakeChan:
		}
		for {
			msg, err := a.sendNextMessage(ctx)
			if err != nil {
				return err
			}
			if msg == nil {
				break
			}
		}
		if a.IsDone() {
			return nil
		}
	}
}

// Reset returns the agent to its initial state and clears per-session data
func (a *Agent) Reset() {
	a.stateMutex.Lock()
	a.currentState = a.config.InitialState
	a.generation++
	a.lastSend = time.Time{}
	if resetter, ok := a.config.StateContext.(StateContextResetter); ok {
		resetter.Reset()
	}
	a.stateMutex.Unlock()
	// HandleSegment owns the receive buffer and clears it on the next segment
	a.recvReset.Store(true)
}

// Shutdown sends the protocol termination message when the local side has agency
func (a *Agent) Shutdown() error {
	if a.config.DoneMessageFunc == nil || !a.HasAgency() {
		return nil
	}
	msg := a.config.DoneMessageFunc()
	if msg == nil {
		return nil
	}
	return a.SendMessage(msg)
}

// Disconnect detaches the transport and notifies listeners
func (a *Agent) Disconnect(err error) error {
	a.stateMutex.Lock()
	a.transport = nil
	state := a.currentState
	a.stateMutex.Unlock()
	return a.notify(Event{
		Type:     EventDisconnect,
		OldState: state,
		NewState: state,
		Err:      err,
	})
}
