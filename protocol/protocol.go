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

// Package protocol provides the generic mini-protocol engine: state machine descriptors,
// message plumbing and the session Agent that drives one mini-protocol over a transport
package protocol

import (
	"context"
	"log/slog"

	"github.com/blinklabs-io/ouroboros-agent/metrics"
	"github.com/blinklabs-io/ouroboros-agent/muxer"
)

// ProtocolMode is the connection mode
type ProtocolMode uint

const (
	ProtocolModeNone         ProtocolMode = 0
	ProtocolModeNodeToClient ProtocolMode = 1
	ProtocolModeNodeToNode   ProtocolMode = 2
)

// Role is the local role of an agent. The client is the initiator of a mini-protocol
type Role uint

const (
	RoleNone   Role = 0
	RoleClient Role = 1
	RoleServer Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "none"
	}
}

// Transport writes complete, pre-built segments. All segments of one call are written
// without interleaving with any other writer. A write still blocked when ctx is cancelled
// is abandoned
type Transport interface {
	WriteSegments(ctx context.Context, segments []*muxer.Segment) error
	IsActive() bool
}

// ProtocolOptions holds the per-connection settings shared by all mini-protocols
type ProtocolOptions struct {
	ConnectionId string
	Transport    Transport
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Mode         ProtocolMode
	Version      uint16
}
