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

package common

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
)

// HeaderInfo holds the chain coordinates carried in a block header
type HeaderInfo struct {
	BlockNumber uint64
	Slot        uint64
}

// DecodeHeaderInfo reads the block number and slot from a header with the post-Byron layout
// [[blockNumber, slot, ...], signature]. The rest of the header is left opaque
func DecodeHeaderInfo(headerCbor []byte) (HeaderInfo, error) {
	var header []cbor.RawMessage
	if _, err := cbor.Decode(headerCbor, &header); err != nil {
		return HeaderInfo{}, fmt.Errorf("decode header: %w", err)
	}
	if len(header) == 0 {
		return HeaderInfo{}, errors.New("decode header: empty header")
	}
	var body []cbor.RawMessage
	if _, err := cbor.Decode(header[0], &body); err != nil {
		return HeaderInfo{}, fmt.Errorf("decode header body: %w", err)
	}
	if len(body) < 2 {
		return HeaderInfo{}, errors.New("decode header body: too few fields")
	}
	var ret HeaderInfo
	if _, err := cbor.Decode(body[0], &ret.BlockNumber); err != nil {
		return HeaderInfo{}, fmt.Errorf("decode block number: %w", err)
	}
	if _, err := cbor.Decode(body[1], &ret.Slot); err != nil {
		return HeaderInfo{}, fmt.Errorf("decode slot: %w", err)
	}
	return ret, nil
}

// BlockHeader returns the header CBOR of a block with the layout [header, ...]
func BlockHeader(blockCbor []byte) ([]byte, error) {
	var block []cbor.RawMessage
	if _, err := cbor.Decode(blockCbor, &block); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	if len(block) == 0 {
		return nil, errors.New("decode block: empty block")
	}
	return block[0], nil
}
