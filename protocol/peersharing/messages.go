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

package peersharing

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Message types
const (
	MessageTypeShareRequest = 0
	MessageTypeSharePeers   = 1
	MessageTypeDone         = 2
)

// Peer address types
const (
	PeerAddressTypeIPv4 = 0
	PeerAddressTypeIPv6 = 1
)

// NewMsgFromCbor parses a PeerSharing message from CBOR
func NewMsgFromCbor(msgType uint, data []byte) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case MessageTypeShareRequest:
		ret = &MsgShareRequest{}
	case MessageTypeSharePeers:
		ret = &MsgSharePeers{}
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

type MsgShareRequest struct {
	protocol.MessageBase
	Amount uint8
}

func NewMsgShareRequest(amount uint8) *MsgShareRequest {
	return &MsgShareRequest{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeShareRequest,
		},
		Amount: amount,
	}
}

type MsgSharePeers struct {
	protocol.MessageBase
	PeerAddresses []PeerAddress
}

func NewMsgSharePeers(peerAddresses []PeerAddress) *MsgSharePeers {
	if peerAddresses == nil {
		peerAddresses = []PeerAddress{}
	}
	return &MsgSharePeers{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeSharePeers,
		},
		PeerAddresses: peerAddresses,
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

// PeerAddress is an IPv4 or IPv6 address and port. On the wire an IPv4 address is
// [0, addr, port] and an IPv6 address is [1, addr1, addr2, addr3, addr4, port], where each
// address word holds 4 address bytes in little-endian order
type PeerAddress struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

func (p PeerAddress) MarshalCBOR() ([]byte, error) {
	if ip4 := p.IP.To4(); ip4 != nil {
		return cbor.Encode([]any{
			PeerAddressTypeIPv4,
			binary.LittleEndian.Uint32(ip4),
			p.Port,
		})
	}
	ip6 := p.IP.To16()
	if ip6 == nil {
		return nil, fmt.Errorf("invalid peer address IP: %v", p.IP)
	}
	return cbor.Encode([]any{
		PeerAddressTypeIPv6,
		binary.LittleEndian.Uint32(ip6[0:]),
		binary.LittleEndian.Uint32(ip6[4:]),
		binary.LittleEndian.Uint32(ip6[8:]),
		binary.LittleEndian.Uint32(ip6[12:]),
		p.Port,
	})
}

func (p *PeerAddress) UnmarshalCBOR(cborData []byte) error {
	peerType, err := cbor.DecodeIdFromList(cborData)
	if err != nil {
		return err
	}
	switch peerType {
	case PeerAddressTypeIPv4:
		tmpPeer := struct {
			cbor.StructAsArray
			PeerType int
			Address  uint32
			Port     uint16
		}{}
		if _, err := cbor.Decode(cborData, &tmpPeer); err != nil {
			return err
		}
		p.IP = make(net.IP, net.IPv4len)
		binary.LittleEndian.PutUint32(p.IP, tmpPeer.Address)
		p.Port = tmpPeer.Port
	case PeerAddressTypeIPv6:
		cborListLen, err := cbor.ListLength(cborData)
		if err != nil {
			return err
		}
		if cborListLen != 6 {
			return fmt.Errorf("invalid peer address length: %d", cborListLen)
		}
		tmpPeer := struct {
			cbor.StructAsArray
			PeerType int
			Address1 uint32
			Address2 uint32
			Address3 uint32
			Address4 uint32
			Port     uint16
		}{}
		if _, err := cbor.Decode(cborData, &tmpPeer); err != nil {
			return err
		}
		p.IP = make(net.IP, net.IPv6len)
		binary.LittleEndian.PutUint32(p.IP[0:], tmpPeer.Address1)
		binary.LittleEndian.PutUint32(p.IP[4:], tmpPeer.Address2)
		binary.LittleEndian.PutUint32(p.IP[8:], tmpPeer.Address3)
		binary.LittleEndian.PutUint32(p.IP[12:], tmpPeer.Address4)
		p.Port = tmpPeer.Port
	default:
		return fmt.Errorf("unknown peer type: %d", peerType)
	}
	return nil
}
