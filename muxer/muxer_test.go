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

package muxer_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/muxer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSegmentCreation(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		protocolId uint16
		isResponse bool
		expectNil  bool
	}{
		{
			name:       "valid request segment",
			protocolId: 0x01,
			payload:    []byte("test payload"),
		},
		{
			name:       "valid response segment",
			protocolId: 0x01,
			payload:    []byte("test response"),
			isResponse: true,
		},
		{
			name:       "maximum payload size",
			protocolId: 0x03,
			payload:    make([]byte, muxer.SegmentMaxPayloadLength),
		},
		{
			name:       "payload too large",
			protocolId: 0x04,
			payload:    make([]byte, muxer.SegmentMaxPayloadLength+1),
			expectNil:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segment := muxer.NewSegment(tt.protocolId, tt.payload, tt.isResponse)
			if tt.expectNil {
				assert.Nil(t, segment)
				return
			}
			require.NotNil(t, segment)
			assert.Equal(t, tt.protocolId, segment.GetProtocolId())
			assert.Equal(t, tt.payload, segment.Payload)
			assert.Equal(t, uint16(len(tt.payload)), segment.PayloadLength)
			assert.Equal(t, tt.isResponse, segment.IsResponse())
			assert.NotEqual(t, segment.IsResponse(), segment.IsRequest())
		})
	}
}

func TestSegmentHeaderEncoding(t *testing.T) {
	segment := muxer.NewSegment(2, []byte{0xaa, 0xbb}, true)
	segment.Timestamp = 0x01020304
	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.BigEndian, segment.SegmentHeader))
	assert.Equal(
		t,
		[]byte{0x01, 0x02, 0x03, 0x04, 0x80, 0x02, 0x00, 0x02},
		buf.Bytes(),
	)
}

func TestSegmentMessage(t *testing.T) {
	tests := []struct {
		payloadLength int
		expectedSizes []int
	}{
		{payloadLength: 0, expectedSizes: []int{}},
		{payloadLength: 65535, expectedSizes: []int{65535}},
		{payloadLength: 65536, expectedSizes: []int{65535, 1}},
		{payloadLength: 150000, expectedSizes: []int{65535, 65535, 18930}},
	}
	for _, tt := range tests {
		payload := make([]byte, tt.payloadLength)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		segments := muxer.SegmentMessage(5, false, 1234, payload)
		require.Len(t, segments, len(tt.expectedSizes))
		joined := []byte{}
		for idx, segment := range segments {
			assert.Len(t, segment.Payload, tt.expectedSizes[idx])
			assert.Equal(t, uint16(tt.expectedSizes[idx]), segment.PayloadLength)
			assert.Equal(t, uint16(5), segment.GetProtocolId())
			assert.Equal(t, uint32(1234), segment.Timestamp)
			joined = append(joined, segment.Payload...)
		}
		assert.Equal(t, payload, joined)
	}
}

func newMuxerPair() (*muxer.Muxer, *muxer.Muxer, func()) {
	connA, connB := net.Pipe()
	muxerA := muxer.New(connA)
	muxerB := muxer.New(connB)
	return muxerA, muxerB, func() {
		muxerA.Stop()
		muxerB.Stop()
	}
}

func TestMuxerSendReceive(t *testing.T) {
	defer goleak.VerifyNone(t)
	muxerA, muxerB, stop := newMuxerPair()
	defer stop()
	recvB, doneB := muxerB.RegisterProtocol(0x01, muxer.ProtocolRoleResponder)
	require.NotNil(t, recvB)
	require.NotNil(t, doneB)
	recvA, _ := muxerA.RegisterProtocol(0x01, muxer.ProtocolRoleInitiator)
	muxerA.Start()
	muxerB.Start()
	require.NoError(t, muxerA.Send(muxer.NewSegment(0x01, []byte("request"), false)))
	select {
	case segment := <-recvB:
		assert.Equal(t, []byte("request"), segment.Payload)
		assert.True(t, segment.IsRequest())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
	require.NoError(t, muxerB.Send(muxer.NewSegment(0x01, []byte("response"), true)))
	select {
	case segment := <-recvA:
		assert.Equal(t, []byte("response"), segment.Payload)
		assert.True(t, segment.IsResponse())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestRegisterAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	muxerA, _, stop := newMuxerPair()
	defer stop()
	muxerA.Stop()
	// Should be able to stop multiple times without panic
	muxerA.Stop()
	recvChan, doneChan := muxerA.RegisterProtocol(0x02, muxer.ProtocolRoleInitiator)
	assert.Nil(t, recvChan)
	assert.Nil(t, doneChan)
	assert.False(t, muxerA.IsActive())
	assert.ErrorIs(t, muxerA.Send(muxer.NewSegment(2, []byte{1}, false)), muxer.ErrMuxerStopped)
}

func TestWriteAbandonedOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn, remote := net.Pipe()
	defer remote.Close()
	m := muxer.New(conn)
	defer m.Stop()
	m.Start()
	// Nothing reads the remote end, so the write blocks until ctx is cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errChan := make(chan error, 1)
	go func() {
		errChan <- m.WriteSegments(ctx, muxer.SegmentMessage(2, false, 0, []byte{1, 2, 3}))
	}()
	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("write was not abandoned")
	}
	assert.False(t, m.IsActive())
	assert.ErrorIs(t, m.Send(muxer.NewSegment(2, []byte{1}, false)), muxer.ErrMuxerStopped)
}

func TestWriteCancelledBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	muxerA, _, stop := newMuxerPair()
	defer stop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := muxerA.WriteSegments(ctx, muxer.SegmentMessage(2, false, 0, []byte{1}))
	assert.ErrorIs(t, err, context.Canceled)
	// The stream was never touched, so the muxer stays usable
	assert.True(t, muxerA.IsActive())
}

func writeRaw(t *testing.T, conn net.Conn, header muxer.SegmentHeader, payload []byte) {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.BigEndian, header))
	buf.Write(payload)
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)
}

func waitError(t *testing.T, m *muxer.Muxer) error {
	t.Helper()
	select {
	case err := <-m.ErrorChan():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for muxer error")
	}
	return nil
}

func TestDiffusionModes(t *testing.T) {
	defer goleak.VerifyNone(t)
	tests := []struct {
		name          string
		diffusionMode muxer.DiffusionMode
		isResponse    bool
		errorContains string
	}{
		{
			name:          "initiator only rejects requests",
			diffusionMode: muxer.DiffusionModeInitiator,
			errorContains: "received message from initiator when not configured as a responder",
		},
		{
			name:          "responder only rejects responses",
			diffusionMode: muxer.DiffusionModeResponder,
			isResponse:    true,
			errorContains: "received message from responder when not configured as an initiator",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := net.Pipe()
			m := muxer.New(local)
			defer m.Stop()
			defer remote.Close()
			m.SetDiffusionMode(tt.diffusionMode)
			_, _ = m.RegisterProtocol(0x01, muxer.ProtocolRoleInitiator)
			_, _ = m.RegisterProtocol(0x01, muxer.ProtocolRoleResponder)
			m.Start()
			segment := muxer.NewSegment(0x01, []byte("data"), tt.isResponse)
			writeRaw(t, remote, segment.SegmentHeader, segment.Payload)
			err := waitError(t, m)
			assert.ErrorContains(t, err, tt.errorContains)
		})
	}
}

func TestErrorHandling(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("zero byte payload", func(t *testing.T) {
		local, remote := net.Pipe()
		m := muxer.New(local)
		defer m.Stop()
		defer remote.Close()
		_, _ = m.RegisterProtocol(0x01, muxer.ProtocolRoleResponder)
		m.Start()
		writeRaw(t, remote, muxer.SegmentHeader{Timestamp: 12345, ProtocolId: 0x01}, nil)
		assert.ErrorContains(t, waitError(t, m), "zero-byte segment payload")
	})

	t.Run("unknown protocol", func(t *testing.T) {
		local, remote := net.Pipe()
		m := muxer.New(local)
		defer m.Stop()
		defer remote.Close()
		m.Start()
		segment := muxer.NewSegment(0x1999, []byte("test"), false)
		writeRaw(t, remote, segment.SegmentHeader, segment.Payload)
		assert.ErrorContains(t, waitError(t, m), "unknown protocol ID")
	})

	t.Run("connection closed", func(t *testing.T) {
		local, remote := net.Pipe()
		m := muxer.New(local)
		defer m.Stop()
		m.Start()
		require.NoError(t, remote.Close())
		err := waitError(t, m)
		var connErr *muxer.ConnectionClosedError
		assert.True(t, errors.As(err, &connErr), "expected ConnectionClosedError, got %T", err)
		assert.ErrorIs(t, err, io.EOF)
	})
}

// Multi-segment messages written concurrently from several protocols must arrive contiguously
func TestConcurrentWritesAreAtomic(t *testing.T) {
	defer goleak.VerifyNone(t)
	local, remote := net.Pipe()
	m := muxer.New(local)
	defer m.Stop()
	m.Start()

	const numProtocols = 4
	const messagesPerProtocol = 5
	const payloadLength = muxer.SegmentMaxPayloadLength + 10

	readErr := make(chan error, 1)
	go func() {
		defer remote.Close()
		for range numProtocols * messagesPerProtocol {
			var first, second muxer.SegmentHeader
			if err := binary.Read(remote, binary.BigEndian, &first); err != nil {
				readErr <- err
				return
			}
			if _, err := io.CopyN(io.Discard, remote, int64(first.PayloadLength)); err != nil {
				readErr <- err
				return
			}
			if err := binary.Read(remote, binary.BigEndian, &second); err != nil {
				readErr <- err
				return
			}
			if _, err := io.CopyN(io.Discard, remote, int64(second.PayloadLength)); err != nil {
				readErr <- err
				return
			}
			if first.ProtocolId != second.ProtocolId ||
				first.PayloadLength != muxer.SegmentMaxPayloadLength ||
				second.PayloadLength != 10 {
				readErr <- errors.New("segments from different messages were interleaved")
				return
			}
		}
		readErr <- nil
	}()

	var wg sync.WaitGroup
	for i := range numProtocols {
		wg.Add(1)
		go func(protocolId uint16) {
			defer wg.Done()
			for range messagesPerProtocol {
				segments := muxer.SegmentMessage(protocolId, false, 0, make([]byte, payloadLength))
				assert.NoError(t, m.WriteSegments(context.Background(), segments))
			}
		}(uint16(i + 1))
	}
	wg.Wait()
	select {
	case err := <-readErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reader")
	}
}
