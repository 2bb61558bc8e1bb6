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

// Package muxer implements the segment framing shared by all mini-protocols on a connection.
package muxer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/metrics"
)

// DiffusionMode controls which roles the muxer will accept traffic for
type DiffusionMode int

const (
	DiffusionModeNone                  DiffusionMode = 0
	DiffusionModeInitiator             DiffusionMode = 1
	DiffusionModeResponder             DiffusionMode = 2
	DiffusionModeInitiatorAndResponder DiffusionMode = 3
)

// ProtocolRole is the local role for a registered protocol
type ProtocolRole int

const (
	ProtocolRoleNone      ProtocolRole = 0
	ProtocolRoleInitiator ProtocolRole = 1
	ProtocolRoleResponder ProtocolRole = 2
)

const (
	// Magic number chosen to represent unknown protocols. A receiver registered with this ID
	// gets all segments that have no explicit receiver
	ProtocolUnknown uint16 = 0xabcd

	receiverBufferSize = 10
)

// ErrMuxerStopped is returned when writing to a muxer that has been stopped
var ErrMuxerStopped = errors.New("muxer stopped")

// ConnectionClosedError is reported when the underlying connection goes away
type ConnectionClosedError struct {
	Err error
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("peer closed the connection: %s", e.Err)
}

func (e *ConnectionClosedError) Unwrap() error {
	return e.Err
}

type receiverKey struct {
	protocolId uint16
	role       ProtocolRole
}

// Muxer binds a net.Conn (TCP or UNIX socket) and multiplexes mini-protocol segments over it
type Muxer struct {
	conn              net.Conn
	logger            *slog.Logger
	metrics           *metrics.Metrics
	sendSlot          chan struct{}
	startChan         chan struct{}
	startOnce         sync.Once
	doneChan          chan struct{}
	stopOnce          sync.Once
	errorChan         chan error
	diffusionMode     DiffusionMode
	protocolReceivers map[receiverKey]chan *Segment
	receiversMutex    sync.Mutex
	readLoopDone      chan struct{}
}

// New creates a muxer on conn and starts its read loop. Only a single segment is read
// until Start is called, so the handshake can complete before other protocols are registered
func New(conn net.Conn) *Muxer {
	m := &Muxer{
		conn:              conn,
		logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		sendSlot:          make(chan struct{}, 1),
		startChan:         make(chan struct{}),
		doneChan:          make(chan struct{}),
		errorChan:         make(chan error, 10),
		diffusionMode:     DiffusionModeInitiatorAndResponder,
		protocolReceivers: make(map[receiverKey]chan *Segment),
		readLoopDone:      make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *Muxer) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	m.receiversMutex.Lock()
	defer m.receiversMutex.Unlock()
	m.logger = logger
}

func (m *Muxer) SetMetrics(metrics *metrics.Metrics) {
	m.receiversMutex.Lock()
	defer m.receiversMutex.Unlock()
	m.metrics = metrics
}

func (m *Muxer) SetDiffusionMode(diffusionMode DiffusionMode) {
	m.receiversMutex.Lock()
	defer m.receiversMutex.Unlock()
	m.diffusionMode = diffusionMode
}

// ErrorChan returns the channel used to report fatal muxer errors
func (m *Muxer) ErrorChan() <-chan error {
	return m.errorChan
}

// Done returns a channel that is closed when the muxer stops
func (m *Muxer) Done() <-chan struct{} {
	return m.doneChan
}

func (m *Muxer) Start() {
	m.startOnce.Do(func() {
		close(m.startChan)
	})
}

// Stop shuts down the muxer and closes the underlying connection. It is safe to call more than once
func (m *Muxer) Stop() {
	m.stopOnce.Do(func() {
		close(m.doneChan)
		_ = m.conn.Close()
	})
	<-m.readLoopDone
}

// IsActive returns whether the muxer can still write segments
func (m *Muxer) IsActive() bool {
	select {
	case <-m.doneChan:
		return false
	default:
		return true
	}
}

func (m *Muxer) sendError(err error) {
	select {
	case <-m.doneChan:
		return
	default:
	}
	select {
	case m.errorChan <- err:
	default:
		m.logger.Error(
			"dropping muxer error",
			"component", "network",
			"error", err,
		)
	}
	m.stopOnce.Do(func() {
		close(m.doneChan)
		_ = m.conn.Close()
	})
}

// RegisterProtocol registers a receiver for the specified protocol ID and local role. It
// returns the receive channel along with a channel that is closed when the muxer stops. Nil
// channels are returned if the muxer has already stopped
func (m *Muxer) RegisterProtocol(
	protocolId uint16,
	role ProtocolRole,
) (<-chan *Segment, <-chan struct{}) {
	if !m.IsActive() {
		return nil, nil
	}
	m.receiversMutex.Lock()
	defer m.receiversMutex.Unlock()
	key := receiverKey{protocolId: protocolId, role: role}
	recvChan, ok := m.protocolReceivers[key]
	if !ok {
		recvChan = make(chan *Segment, receiverBufferSize)
		m.protocolReceivers[key] = recvChan
	}
	return recvChan, m.doneChan
}

func (m *Muxer) UnregisterProtocol(protocolId uint16, role ProtocolRole) {
	m.receiversMutex.Lock()
	defer m.receiversMutex.Unlock()
	delete(m.protocolReceivers, receiverKey{protocolId: protocolId, role: role})
}

// WriteSegments writes all segments of one message. The send slot is held for the whole
// message, so segments from different protocols never interleave inside a message. A write
// that is still blocked when ctx is cancelled is abandoned, which stops the muxer since the
// peer may have seen part of a frame
func (m *Muxer) WriteSegments(ctx context.Context, segments []*Segment) error {
	select {
	case m.sendSlot <- struct{}{}:
	case <-m.doneChan:
		return ErrMuxerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.sendSlot }()
	if !m.IsActive() {
		return ErrMuxerStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := &bytes.Buffer{}
	for _, segment := range segments {
		if err := binary.Write(buf, binary.BigEndian, segment.SegmentHeader); err != nil {
			return err
		}
		buf.Write(segment.Payload)
	}
	if err := m.write(ctx, buf.Bytes()); err != nil {
		if isConnectionClosed(err) {
			err = &ConnectionClosedError{Err: err}
		}
		m.sendError(err)
		return err
	}
	m.receiversMutex.Lock()
	collectors := m.metrics
	m.receiversMutex.Unlock()
	for _, segment := range segments {
		collectors.SegmentSent(segment.GetProtocolId(), len(segment.Payload))
	}
	return nil
}

func (m *Muxer) write(ctx context.Context, data []byte) error {
	if ctx.Done() == nil {
		_, err := m.conn.Write(data)
		return err
	}
	stopChan := make(chan struct{})
	abortChan := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			_ = m.conn.SetWriteDeadline(time.Now())
			abortChan <- true
		case <-stopChan:
			abortChan <- false
		}
	}()
	_, err := m.conn.Write(data)
	close(stopChan)
	if <-abortChan {
		if err == nil {
			// The write finished before the deadline took effect
			_ = m.conn.SetWriteDeadline(time.Time{})
			return nil
		}
		return fmt.Errorf("write abandoned: %w", ctx.Err())
	}
	return err
}

// Send writes a single segment
func (m *Muxer) Send(segment *Segment) error {
	return m.WriteSegments(context.Background(), []*Segment{segment})
}

func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func (m *Muxer) readLoop() {
	defer close(m.readLoopDone)
	started := false
	for {
		header := SegmentHeader{}
		if err := binary.Read(m.conn, binary.BigEndian, &header); err != nil {
			if isConnectionClosed(err) {
				err = &ConnectionClosedError{Err: err}
			}
			m.sendError(err)
			return
		}
		if header.PayloadLength == 0 {
			m.sendError(
				fmt.Errorf(
					"received zero-byte segment payload for protocol ID %d",
					header.GetProtocolId(),
				),
			)
			return
		}
		segment := &Segment{
			SegmentHeader: header,
			Payload:       make([]byte, header.PayloadLength),
		}
		// We use ReadFull because it guarantees to read the expected number of bytes or
		// return an error
		if _, err := io.ReadFull(m.conn, segment.Payload); err != nil {
			if isConnectionClosed(err) {
				err = &ConnectionClosedError{Err: err}
			}
			m.sendError(err)
			return
		}
		recvChan, err := m.receiverFor(segment)
		if err != nil {
			m.sendError(err)
			return
		}
		select {
		case recvChan <- segment:
		case <-m.doneChan:
			return
		}
		// Wait until the muxer is started to continue
		// We don't want to read more than one segment until the handshake is complete
		if !started {
			select {
			case <-m.doneChan:
				return
			case <-m.startChan:
				started = true
			}
		}
	}
}

func (m *Muxer) receiverFor(segment *Segment) (chan *Segment, error) {
	m.receiversMutex.Lock()
	defer m.receiversMutex.Unlock()
	m.metrics.SegmentReceived(segment.GetProtocolId(), len(segment.Payload))
	// A response was sent by the remote responder, so it belongs to our initiator
	role := ProtocolRoleResponder
	if segment.IsResponse() {
		role = ProtocolRoleInitiator
		if m.diffusionMode == DiffusionModeResponder {
			return nil, errors.New(
				"received message from responder when not configured as an initiator",
			)
		}
	} else if m.diffusionMode == DiffusionModeInitiator {
		return nil, errors.New(
			"received message from initiator when not configured as a responder",
		)
	}
	recvChan, ok := m.protocolReceivers[receiverKey{protocolId: segment.GetProtocolId(), role: role}]
	if !ok {
		// Try the "unknown protocol" receiver if we didn't find an explicit one
		recvChan, ok = m.protocolReceivers[receiverKey{protocolId: ProtocolUnknown, role: role}]
	}
	if !ok {
		return nil, fmt.Errorf(
			"received message for unknown protocol ID %d",
			segment.GetProtocolId(),
		)
	}
	return recvChan, nil
}
