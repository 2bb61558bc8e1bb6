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

// Package test provides helpers shared by the package tests
package test

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/muxer"
)

// DecodeHexString is a helper function for tests that decodes hex strings. It doesn't return
// an error value, which makes it usable inline.
func DecodeHexString(hexData string) []byte {
	// Strip off any leading/trailing whitespace in hex string
	hexData = strings.TrimSpace(hexData)
	decoded, err := hex.DecodeString(hexData)
	if err != nil {
		panic(fmt.Sprintf("error decoding hex: %s", err))
	}
	return decoded
}

// RecordingTransport captures written segments instead of sending them
type RecordingTransport struct {
	mutex    sync.Mutex
	segments [][]*muxer.Segment
	inactive bool
	writeErr error
}

func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

func (r *RecordingTransport) WriteSegments(_ context.Context, segments []*muxer.Segment) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.segments = append(r.segments, segments)
	return nil
}

func (r *RecordingTransport) IsActive() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return !r.inactive
}

// SetActive marks the transport as active or inactive
func (r *RecordingTransport) SetActive(active bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.inactive = !active
}

// SetWriteError makes subsequent writes fail with err
func (r *RecordingTransport) SetWriteError(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.writeErr = err
}

// Writes returns the segments of every write call, in order
func (r *RecordingTransport) Writes() [][]*muxer.Segment {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ret := make([][]*muxer.Segment, len(r.segments))
	copy(ret, r.segments)
	return ret
}

// Messages returns the reassembled payload of every write call, in order
func (r *RecordingTransport) Messages() [][]byte {
	writes := r.Writes()
	ret := make([][]byte, 0, len(writes))
	for _, segments := range writes {
		var payload []byte
		for _, segment := range segments {
			payload = append(payload, segment.Payload...)
		}
		ret = append(ret, payload)
	}
	return ret
}

// MuxerPair is two started muxers connected over net.Pipe
type MuxerPair struct {
	Client *muxer.Muxer
	Server *muxer.Muxer
}

// NewMuxerPair returns a pair of started muxers. The client side is configured as an
// initiator and the server side as a responder
func NewMuxerPair() *MuxerPair {
	clientConn, serverConn := net.Pipe()
	p := &MuxerPair{
		Client: muxer.New(clientConn),
		Server: muxer.New(serverConn),
	}
	p.Client.SetDiffusionMode(muxer.DiffusionModeInitiator)
	p.Server.SetDiffusionMode(muxer.DiffusionModeResponder)
	p.Client.Start()
	p.Server.Start()
	return p
}

// Stop stops both muxers
func (p *MuxerPair) Stop() {
	p.Client.Stop()
	p.Server.Stop()
}
