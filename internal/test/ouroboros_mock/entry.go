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

package ouroboros_mock

import (
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/handshake"
)

const (
	MockNetworkMagic       uint32 = 999999
	MockProtocolVersionNtC uint16 = 20 + protocol.ProtocolVersionNtCOffset
	MockProtocolVersionNtN uint16 = 14
)

type EntryType int

const (
	EntryTypeNone   EntryType = 0
	EntryTypeInput  EntryType = 1
	EntryTypeOutput EntryType = 2
	EntryTypeClose  EntryType = 3
)

// ConversationEntry is one step of a scripted conversation. Input entries wait for a message of
// the given type, output entries send their messages
type ConversationEntry struct {
	Type             EntryType
	ProtocolId       uint16
	IsResponse       bool
	OutputMessages   []protocol.Message
	InputMessageType uint
}

// ConversationEntryHandshakeRequestGeneric matches a handshake proposal from a client
var ConversationEntryHandshakeRequestGeneric = ConversationEntry{
	Type:             EntryTypeInput,
	ProtocolId:       handshake.ProtocolId,
	InputMessageType: handshake.MessageTypeProposeVersions,
}

// ConversationEntryHandshakeNtCResponse accepts a node-to-client handshake
var ConversationEntryHandshakeNtCResponse = ConversationEntry{
	Type:       EntryTypeOutput,
	ProtocolId: handshake.ProtocolId,
	IsResponse: true,
	OutputMessages: []protocol.Message{
		acceptVersion(
			MockProtocolVersionNtC,
			protocol.VersionDataNtC15andUp{CborNetworkMagic: MockNetworkMagic},
		),
	},
}

// ConversationEntryHandshakeNtNResponse accepts a node-to-node handshake
var ConversationEntryHandshakeNtNResponse = ConversationEntry{
	Type:       EntryTypeOutput,
	ProtocolId: handshake.ProtocolId,
	IsResponse: true,
	OutputMessages: []protocol.Message{
		acceptVersion(
			MockProtocolVersionNtN,
			protocol.VersionDataNtN13andUp{
				CborNetworkMagic:  MockNetworkMagic,
				CborInitiatorOnly: true,
				CborPeerSharing:   protocol.PeerSharingModeNoPeerSharing,
			},
		),
	},
}

// ConversationEntryClose closes the mocked end of the connection
var ConversationEntryClose = ConversationEntry{
	Type: EntryTypeClose,
}

func acceptVersion(version uint16, versionData protocol.VersionData) protocol.Message {
	msg, err := handshake.NewMsgAcceptVersion(version, versionData)
	if err != nil {
		panic(err)
	}
	return msg
}
