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

import "slices"

// The NtC protocol versions have the 15th bit set in the handshake
const ProtocolVersionNtCOffset = 0x8000

type NewVersionDataFromCborFunc func([]byte) (VersionData, error)

type ProtocolVersionMap map[uint16]VersionData

type ProtocolVersion struct {
	NewVersionDataFromCborFunc NewVersionDataFromCborFunc
	// NtC only
	EnableLocalQueryProtocol     bool
	EnableLocalTxMonitorProtocol bool
	// NtN only
	EnableKeepAliveProtocol   bool
	EnableFullDuplex          bool
	EnablePeerSharingProtocol bool
}

var protocolVersions = map[uint16]ProtocolVersion{
	// NtC protocol versions
	(16 + ProtocolVersionNtCOffset): {
		NewVersionDataFromCborFunc:   NewVersionDataNtC15andUpFromCbor,
		EnableLocalQueryProtocol:     true,
		EnableLocalTxMonitorProtocol: true,
	},
	(17 + ProtocolVersionNtCOffset): {
		NewVersionDataFromCborFunc:   NewVersionDataNtC15andUpFromCbor,
		EnableLocalQueryProtocol:     true,
		EnableLocalTxMonitorProtocol: true,
	},
	(18 + ProtocolVersionNtCOffset): {
		NewVersionDataFromCborFunc:   NewVersionDataNtC15andUpFromCbor,
		EnableLocalQueryProtocol:     true,
		EnableLocalTxMonitorProtocol: true,
	},
	(19 + ProtocolVersionNtCOffset): {
		NewVersionDataFromCborFunc:   NewVersionDataNtC15andUpFromCbor,
		EnableLocalQueryProtocol:     true,
		EnableLocalTxMonitorProtocol: true,
	},
	(20 + ProtocolVersionNtCOffset): {
		NewVersionDataFromCborFunc:   NewVersionDataNtC15andUpFromCbor,
		EnableLocalQueryProtocol:     true,
		EnableLocalTxMonitorProtocol: true,
	},

	// NtN protocol versions
	13: {
		NewVersionDataFromCborFunc: NewVersionDataNtN13andUpFromCbor,
		EnableKeepAliveProtocol:    true,
		EnableFullDuplex:           true,
		EnablePeerSharingProtocol:  true,
	},
	14: {
		NewVersionDataFromCborFunc: NewVersionDataNtN13andUpFromCbor,
		EnableKeepAliveProtocol:    true,
		EnableFullDuplex:           true,
		EnablePeerSharingProtocol:  true,
	},
}

// GetProtocolVersionMap returns a data structure suitable for use with the protocol handshake
func GetProtocolVersionMap(
	protocolMode ProtocolMode,
	networkMagic uint32,
	initiatorOnly bool,
	peerSharing bool,
	queryMode bool,
) ProtocolVersionMap {
	ret := ProtocolVersionMap{}
	for version := range protocolVersions {
		if protocolMode == ProtocolModeNodeToClient {
			if version >= ProtocolVersionNtCOffset {
				ret[version] = VersionDataNtC15andUp{
					CborNetworkMagic: networkMagic,
					CborQuery:        queryMode,
				}
			}
			continue
		}
		if version < ProtocolVersionNtCOffset {
			var tmpPeerSharing uint = PeerSharingModeNoPeerSharing
			if peerSharing {
				tmpPeerSharing = PeerSharingModePeerSharingPublic
			}
			ret[version] = VersionDataNtN13andUp{
				CborNetworkMagic:  networkMagic,
				CborInitiatorOnly: initiatorOnly,
				CborPeerSharing:   tmpPeerSharing,
				CborQuery:         queryMode,
			}
		}
	}
	return ret
}

// GetProtocolVersionsNtC returns a sorted list of supported NtC protocol versions
func GetProtocolVersionsNtC() []uint16 {
	versions := []uint16{}
	for key := range protocolVersions {
		if key >= ProtocolVersionNtCOffset {
			versions = append(versions, key)
		}
	}
	slices.Sort(versions)
	return versions
}

// GetProtocolVersionsNtN returns a sorted list of supported NtN protocol versions
func GetProtocolVersionsNtN() []uint16 {
	versions := []uint16{}
	for key := range protocolVersions {
		if key < ProtocolVersionNtCOffset {
			versions = append(versions, key)
		}
	}
	slices.Sort(versions)
	return versions
}

// GetProtocolVersion returns the protocol version config for the specified protocol version
func GetProtocolVersion(version uint16) (ProtocolVersion, bool) {
	ret, ok := protocolVersions[version]
	return ret, ok
}
