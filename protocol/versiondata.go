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

import "github.com/blinklabs-io/ouroboros-agent/cbor"

// Peer sharing modes
const (
	PeerSharingModeNoPeerSharing     = 0
	PeerSharingModePeerSharingPublic = 1
)

// VersionData is the per-version parameter block exchanged during the handshake
type VersionData interface {
	NetworkMagic() uint32
	Query() bool
	// NtN only
	InitiatorOnly() bool
	PeerSharing() bool
}

// VersionDataNtC15andUp is encoded as [magic, query]
type VersionDataNtC15andUp struct {
	cbor.StructAsArray
	CborNetworkMagic uint32
	CborQuery        bool
}

func NewVersionDataNtC15andUpFromCbor(cborData []byte) (VersionData, error) {
	var v VersionDataNtC15andUp
	if _, err := cbor.Decode(cborData, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (v VersionDataNtC15andUp) NetworkMagic() uint32 {
	return v.CborNetworkMagic
}

func (v VersionDataNtC15andUp) Query() bool {
	return v.CborQuery
}

func (v VersionDataNtC15andUp) InitiatorOnly() bool {
	return true
}

func (v VersionDataNtC15andUp) PeerSharing() bool {
	return false
}

// VersionDataNtN13andUp is encoded as [magic, initiatorOnly, peerSharing, query]
type VersionDataNtN13andUp struct {
	cbor.StructAsArray
	CborNetworkMagic  uint32
	CborInitiatorOnly bool
	CborPeerSharing   uint
	CborQuery         bool
}

func NewVersionDataNtN13andUpFromCbor(cborData []byte) (VersionData, error) {
	var v VersionDataNtN13andUp
	if _, err := cbor.Decode(cborData, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (v VersionDataNtN13andUp) NetworkMagic() uint32 {
	return v.CborNetworkMagic
}

func (v VersionDataNtN13andUp) Query() bool {
	return v.CborQuery
}

func (v VersionDataNtN13andUp) InitiatorOnly() bool {
	return v.CborInitiatorOnly
}

func (v VersionDataNtN13andUp) PeerSharing() bool {
	return v.CborPeerSharing >= PeerSharingModePeerSharingPublic
}
