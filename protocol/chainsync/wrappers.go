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
	"errors"
	"fmt"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

// Header eras used in NtN RollForward messages
const (
	EraByron   uint = 0
	EraShelley uint = 1
	EraAllegra uint = 2
	EraMary    uint = 3
	EraAlonzo  uint = 4
	EraBabbage uint = 5
	EraConway  uint = 6
)

// ErrByronHeaderEncode is returned when a Byron header that was not decoded from the wire is encoded
var ErrByronHeaderEncode = errors.New("encoding Byron headers is not supported")

// EraForBlockType returns the header era for a block type
func EraForBlockType(blockType uint) uint {
	if blockType <= common.BlockTypeByronMain {
		return EraByron
	}
	return blockType - 1
}

// BlockTypeForEra returns the block type for a header era. Byron headers carry their own type
func BlockTypeForEra(era uint, byronType uint) uint {
	if era == EraByron {
		return byronType
	}
	return era + 1
}

// WrappedBlock is the full block carried by an NtC RollForward message
type WrappedBlock struct {
	cbor.StructAsArray
	cbor.DecodeStoreCbor
	BlockType uint
	BlockCbor cbor.RawMessage
}

// NewWrappedBlock returns a new WrappedBlock
func NewWrappedBlock(blockType uint, blockCbor []byte) *WrappedBlock {
	return &WrappedBlock{
		BlockType: blockType,
		BlockCbor: blockCbor,
	}
}

func (w *WrappedBlock) UnmarshalCBOR(data []byte) error {
	w.SetCbor(data)
	return cbor.DecodeGeneric(data, w)
}

// WrappedHeader represents a block header returned via NtN RollForward message
type WrappedHeader struct {
	cbor.DecodeStoreCbor
	Era        uint
	ByronType  uint
	ByronSize  uint
	headerCbor []byte
}

// NewWrappedHeader returns a new WrappedHeader
func NewWrappedHeader(era uint, byronType uint, headerCbor []byte) *WrappedHeader {
	return &WrappedHeader{
		Era:        era,
		ByronType:  byronType,
		headerCbor: headerCbor,
	}
}

func (w *WrappedHeader) UnmarshalCBOR(data []byte) error {
	var tmpHeader struct {
		cbor.StructAsArray
		Era       uint
		HeaderRaw cbor.RawMessage
	}
	if _, err := cbor.Decode(data, &tmpHeader); err != nil {
		return err
	}
	w.Era = tmpHeader.Era
	switch w.Era {
	case EraByron:
		var byronHeader wrappedHeaderByron
		if _, err := cbor.Decode(tmpHeader.HeaderRaw, &byronHeader); err != nil {
			return err
		}
		w.ByronType = byronHeader.Metadata.Type
		w.ByronSize = byronHeader.Metadata.Size
		w.headerCbor = byronHeader.RawHeader.Bytes()
	default:
		var wrapped cbor.WrappedCbor
		if _, err := cbor.Decode(tmpHeader.HeaderRaw, &wrapped); err != nil {
			return err
		}
		w.headerCbor = wrapped.Bytes()
	}
	w.SetCbor(data)
	return nil
}

// MarshalCBOR encodes the header as [era, #6.24(header)]. Byron headers are only re-encoded
// from the CBOR they were decoded from
func (w WrappedHeader) MarshalCBOR() ([]byte, error) {
	if w.Era == EraByron {
		if raw := w.Cbor(); raw != nil {
			return raw, nil
		}
		return nil, ErrByronHeaderEncode
	}
	return cbor.Encode([]any{w.Era, cbor.WrappedCbor(w.headerCbor)})
}

// HeaderCbor returns the header CBOR
func (w *WrappedHeader) HeaderCbor() []byte {
	return w.headerCbor
}

// HeaderInfo returns the block number and slot from the header
func (w *WrappedHeader) HeaderInfo() (common.HeaderInfo, error) {
	if w.Era == EraByron {
		return common.HeaderInfo{}, fmt.Errorf("%s: Byron header info is not supported", ProtocolName)
	}
	return common.DecodeHeaderInfo(w.headerCbor)
}

type wrappedHeaderByron struct {
	cbor.StructAsArray
	Metadata struct {
		cbor.StructAsArray
		Type uint
		Size uint
	}
	RawHeader cbor.WrappedCbor
}
