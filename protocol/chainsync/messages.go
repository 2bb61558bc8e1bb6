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

package chainsync

import (
	"fmt"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

// Message types
const (
	MessageTypeRequestNext       = 0
	MessageTypeAwaitReply        = 1
	MessageTypeRollForward       = 2
	MessageTypeRollBackward      = 3
	MessageTypeFindIntersect     = 4
	MessageTypeIntersectFound    = 5
	MessageTypeIntersectNotFound = 6
	MessageTypeDone              = 7
)

// NewMsgFromCborNtN parses a NtN chain-sync message from CBOR
func NewMsgFromCborNtN(msgType uint, data []byte) (protocol.Message, error) {
	return NewMsgFromCbor(protocol.ProtocolModeNodeToNode, msgType, data)
}

// NewMsgFromCborNtC parses a NtC chain-sync message from CBOR
func NewMsgFromCborNtC(msgType uint, data []byte) (protocol.Message, error) {
	return NewMsgFromCbor(protocol.ProtocolModeNodeToClient, msgType, data)
}

// NewMsgFromCbor parses a chain-sync message from CBOR
func NewMsgFromCbor(
	protoMode protocol.ProtocolMode,
	msgType uint,
	data []byte,
) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case MessageTypeRequestNext:
		ret = &MsgRequestNext{}
	case MessageTypeAwaitReply:
		ret = &MsgAwaitReply{}
	case MessageTypeRollForward:
		if protoMode == protocol.ProtocolModeNodeToClient {
			ret = &MsgRollForwardNtC{}
		} else {
			ret = &MsgRollForwardNtN{}
		}
	case MessageTypeRollBackward:
		ret = &MsgRollBackward{}
	case MessageTypeFindIntersect:
		ret = &MsgFindIntersect{}
	case MessageTypeIntersectFound:
		ret = &MsgIntersectFound{}
	case MessageTypeIntersectNotFound:
		ret = &MsgIntersectNotFound{}
	case MessageTypeDone:
		ret = &MsgDone{}
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

type MsgRequestNext struct {
	protocol.MessageBase
}

func NewMsgRequestNext() *MsgRequestNext {
	return &MsgRequestNext{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRequestNext,
		},
	}
}

type MsgAwaitReply struct {
	protocol.MessageBase
}

func NewMsgAwaitReply() *MsgAwaitReply {
	return &MsgAwaitReply{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeAwaitReply,
		},
	}
}

// MsgRollForwardNtC carries a full block as #6.24([blockType, block])
type MsgRollForwardNtC struct {
	protocol.MessageBase
	WrappedBlock cbor.WrappedCbor
	Tip          common.Tip
}

func NewMsgRollForwardNtC(
	blockType uint,
	blockCbor []byte,
	tip common.Tip,
) (*MsgRollForwardNtC, error) {
	content, err := cbor.Encode(NewWrappedBlock(blockType, blockCbor))
	if err != nil {
		return nil, fmt.Errorf("%s: encode block: %w", ProtocolName, err)
	}
	return &MsgRollForwardNtC{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRollForward,
		},
		WrappedBlock: content,
		Tip:          tip,
	}, nil
}

// Block decodes the wrapped block
func (m *MsgRollForwardNtC) Block() (*WrappedBlock, error) {
	var ret WrappedBlock
	if _, err := cbor.Decode(m.WrappedBlock.Bytes(), &ret); err != nil {
		return nil, fmt.Errorf("%s: decode block: %w", ProtocolName, err)
	}
	return &ret, nil
}

// MsgRollForwardNtN carries a block header
type MsgRollForwardNtN struct {
	protocol.MessageBase
	WrappedHeader WrappedHeader
	Tip           common.Tip
}

func NewMsgRollForwardNtN(
	era uint,
	byronType uint,
	headerCbor []byte,
	tip common.Tip,
) *MsgRollForwardNtN {
	return &MsgRollForwardNtN{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRollForward,
		},
		WrappedHeader: *NewWrappedHeader(era, byronType, headerCbor),
		Tip:           tip,
	}
}

type MsgRollBackward struct {
	protocol.MessageBase
	Point common.Point
	Tip   common.Tip
}

func NewMsgRollBackward(point common.Point, tip common.Tip) *MsgRollBackward {
	return &MsgRollBackward{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRollBackward,
		},
		Point: point,
		Tip:   tip,
	}
}

type MsgFindIntersect struct {
	protocol.MessageBase
	Points []common.Point
}

func NewMsgFindIntersect(points []common.Point) *MsgFindIntersect {
	if points == nil {
		// A nil slice would be encoded as null
		points = []common.Point{}
	}
	return &MsgFindIntersect{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeFindIntersect,
		},
		Points: points,
	}
}

type MsgIntersectFound struct {
	protocol.MessageBase
	Point common.Point
	Tip   common.Tip
}

func NewMsgIntersectFound(point common.Point, tip common.Tip) *MsgIntersectFound {
	return &MsgIntersectFound{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeIntersectFound,
		},
		Point: point,
		Tip:   tip,
	}
}

type MsgIntersectNotFound struct {
	protocol.MessageBase
	Tip common.Tip
}

func NewMsgIntersectNotFound(tip common.Tip) *MsgIntersectNotFound {
	return &MsgIntersectNotFound{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeIntersectNotFound,
		},
		Tip: tip,
	}
}

type MsgDone struct {
	protocol.MessageBase
}

func NewMsgDone() *MsgDone {
	return &MsgDone{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeDone,
		},
	}
}
