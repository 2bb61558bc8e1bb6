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

package handshake

import (
	"fmt"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Message types
const (
	MessageTypeProposeVersions = 0
	MessageTypeAcceptVersion   = 1
	MessageTypeRefuse          = 2
	MessageTypeQueryReply      = 3
)

// Refusal reasons
const (
	RefuseReasonVersionMismatch uint64 = 0
	RefuseReasonDecodeError     uint64 = 1
	RefuseReasonRefused         uint64 = 2
)

// NewMsgFromCbor parses a handshake message from CBOR
func NewMsgFromCbor(msgType uint, data []byte) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case MessageTypeProposeVersions:
		ret = &MsgProposeVersions{}
	case MessageTypeAcceptVersion:
		ret = &MsgAcceptVersion{}
	case MessageTypeRefuse:
		ret = &MsgRefuse{}
	case MessageTypeQueryReply:
		ret = &MsgQueryReply{}
	default:
		return nil, nil
	}
	if _, err := cbor.Decode(data, ret); err != nil {
		return nil, fmt.Errorf("%s: decode error: %w", ProtocolName, err)
	}
	// Store the raw message CBOR
	ret.SetCbor(data)
	return ret, nil
}

// encodeVersionMap encodes each version's parameters, keeping the table ready for the wire
func encodeVersionMap(
	versionMap protocol.ProtocolVersionMap,
) (map[uint16]cbor.RawMessage, error) {
	ret := make(map[uint16]cbor.RawMessage, len(versionMap))
	for version, versionData := range versionMap {
		data, err := cbor.Encode(versionData)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", version, err)
		}
		ret[version] = data
	}
	return ret, nil
}

// decodeVersionMap decodes every version in the table this side knows about. Unknown versions
// are skipped
func decodeVersionMap(
	versionMap map[uint16]cbor.RawMessage,
) (protocol.ProtocolVersionMap, error) {
	ret := protocol.ProtocolVersionMap{}
	for version, data := range versionMap {
		versionInfo, ok := protocol.GetProtocolVersion(version)
		if !ok {
			continue
		}
		versionData, err := versionInfo.NewVersionDataFromCborFunc(data)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", version, err)
		}
		ret[version] = versionData
	}
	return ret, nil
}

type MsgProposeVersions struct {
	protocol.MessageBase
	VersionMap map[uint16]cbor.RawMessage
}

func NewMsgProposeVersions(
	versionMap protocol.ProtocolVersionMap,
) (*MsgProposeVersions, error) {
	encoded, err := encodeVersionMap(versionMap)
	if err != nil {
		return nil, err
	}
	return &MsgProposeVersions{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeProposeVersions,
		},
		VersionMap: encoded,
	}, nil
}

type MsgAcceptVersion struct {
	protocol.MessageBase
	Version     uint16
	VersionData cbor.RawMessage
}

func NewMsgAcceptVersion(
	version uint16,
	versionData protocol.VersionData,
) (*MsgAcceptVersion, error) {
	data, err := cbor.Encode(versionData)
	if err != nil {
		return nil, err
	}
	return &MsgAcceptVersion{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeAcceptVersion,
		},
		Version:     version,
		VersionData: data,
	}, nil
}

// MsgRefuse carries the refusal reason as [reason, ...]. A version mismatch carries the
// supported versions, the other reasons carry the version and an error string
type MsgRefuse struct {
	protocol.MessageBase
	Reason []any
}

func NewMsgRefuse(reason []any) *MsgRefuse {
	return &MsgRefuse{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRefuse,
		},
		Reason: reason,
	}
}

type MsgQueryReply struct {
	protocol.MessageBase
	VersionMap map[uint16]cbor.RawMessage
}

func NewMsgQueryReply(
	versionMap protocol.ProtocolVersionMap,
) (*MsgQueryReply, error) {
	encoded, err := encodeVersionMap(versionMap)
	if err != nil {
		return nil, err
	}
	return &MsgQueryReply{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeQueryReply,
		},
		VersionMap: encoded,
	}, nil
}
