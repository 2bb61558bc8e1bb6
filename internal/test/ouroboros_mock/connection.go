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

// Package ouroboros_mock provides a scripted peer for exercising a Connection over net.Pipe
package ouroboros_mock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/muxer"
)

// ProtocolRole is the role of the connection under test
type ProtocolRole uint

const (
	ProtocolRoleNone   ProtocolRole = 0
	ProtocolRoleClient ProtocolRole = 1
	ProtocolRoleServer ProtocolRole = 2
)

var errClosed = errors.New("connection closed")

// Connection is the connection under test's end of a pipe whose other end plays back a conversation
type Connection struct {
	mockConn      net.Conn
	conn          net.Conn
	conversation  []ConversationEntry
	muxer         *muxer.Muxer
	muxerRecvChan <-chan *muxer.Segment
	errorChan     chan error
	doneChan      chan struct{}
	closeOnce     sync.Once
}

// NewConnection returns a new Connection with the provided conversation entries. The
// conversation starts immediately
func NewConnection(
	protocolRole ProtocolRole,
	conversation []ConversationEntry,
) *Connection {
	c := &Connection{
		conversation: conversation,
		errorChan:    make(chan error, 1),
		doneChan:     make(chan struct{}),
	}
	c.conn, c.mockConn = net.Pipe()
	c.muxer = muxer.New(c.mockConn)
	// The mock plays the opposite end of the connection, so we flip the protocol role
	muxerProtocolRole := muxer.ProtocolRoleResponder
	if protocolRole == ProtocolRoleServer {
		muxerProtocolRole = muxer.ProtocolRoleInitiator
	}
	// We use ProtocolUnknown to catch all inbound messages
	c.muxerRecvChan, _ = c.muxer.RegisterProtocol(
		muxer.ProtocolUnknown,
		muxerProtocolRole,
	)
	c.muxer.Start()
	go c.asyncLoop()
	return c
}

// ErrorChan returns conversation mismatches. It is closed when the conversation ends
func (c *Connection) ErrorChan() <-chan error {
	return c.errorChan
}

func (c *Connection) Read(b []byte) (n int, err error) {
	return c.conn.Read(b)
}

func (c *Connection) Write(b []byte) (n int, err error) {
	return c.conn.Write(b)
}

// Close closes both sides of the connection
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.doneChan)
		c.muxer.Stop()
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *Connection) asyncLoop() {
	defer close(c.errorChan)
	for idx, entry := range c.conversation {
		var err error
		switch entry.Type {
		case EntryTypeInput:
			err = c.processInputEntry(entry)
		case EntryTypeOutput:
			err = c.processOutputEntry(entry)
		case EntryTypeClose:
			err = c.Close()
		default:
			err = fmt.Errorf("unknown conversation entry type: %d", entry.Type)
		}
		if errors.Is(err, errClosed) {
			return
		}
		if err != nil {
			c.errorChan <- fmt.Errorf("conversation entry %d: %w", idx, err)
			return
		}
	}
}

func (c *Connection) processInputEntry(entry ConversationEntry) error {
	var segment *muxer.Segment
	select {
	case <-c.doneChan:
		return errClosed
	case <-c.muxer.Done():
		return errClosed
	case segment = <-c.muxerRecvChan:
	}
	if segment.GetProtocolId() != entry.ProtocolId {
		return fmt.Errorf(
			"input message protocol ID did not match expected value: expected %d, got %d",
			entry.ProtocolId,
			segment.GetProtocolId(),
		)
	}
	if segment.IsResponse() != entry.IsResponse {
		return fmt.Errorf(
			"input message response flag did not match expected value: expected %v, got %v",
			entry.IsResponse,
			segment.IsResponse(),
		)
	}
	msgType, err := cbor.DecodeIdFromList(segment.Payload)
	if err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	if entry.InputMessageType != uint(msgType) { // #nosec G115
		return fmt.Errorf(
			"input message is not of expected type: expected %d, got %d",
			entry.InputMessageType,
			msgType,
		)
	}
	return nil
}

func (c *Connection) processOutputEntry(entry ConversationEntry) error {
	for _, msg := range entry.OutputMessages {
		payload, err := cbor.Encode(msg)
		if err != nil {
			return err
		}
		segments := muxer.SegmentMessage(entry.ProtocolId, entry.IsResponse, 0, payload)
		if err := c.muxer.WriteSegments(context.Background(), segments); err != nil {
			if errors.Is(err, muxer.ErrMuxerStopped) {
				return errClosed
			}
			return err
		}
	}
	return nil
}
