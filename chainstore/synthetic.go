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

package chainstore

import (
	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
)

var _ common.ChainStore = (*MemoryStore)(nil)

// The header follows the post-Byron layout [[blockNumber, slot, prevHash, ...], signature]
type syntheticHeaderBody struct {
	cbor.StructAsArray
	BlockNumber uint64
	Slot        uint64
	PrevHash    []byte
}

type syntheticHeader struct {
	cbor.StructAsArray
	Body      syntheticHeaderBody
	Signature []byte
}

type syntheticBlock struct {
	cbor.StructAsArray
	Header       cbor.RawMessage
	Transactions []cbor.RawMessage
}

// NewSyntheticBlock builds an opaque block whose header commits to the block number, slot
// and previous hash. It is used to serve a chain without a ledger
func NewSyntheticBlock(
	blockNumber uint64,
	slot uint64,
	prevHash []byte,
	blockType uint,
) (common.Block, error) {
	header, err := cbor.Encode(syntheticHeader{
		Body: syntheticHeaderBody{
			BlockNumber: blockNumber,
			Slot:        slot,
			PrevHash:    prevHash,
		},
		Signature: []byte{},
	})
	if err != nil {
		return common.Block{}, err
	}
	blockCbor, err := cbor.Encode(syntheticBlock{
		Header:       header,
		Transactions: []cbor.RawMessage{},
	})
	if err != nil {
		return common.Block{}, err
	}
	return common.Block{
		Point:       common.NewPoint(slot, HashHeader(header)),
		BlockNumber: blockNumber,
		Type:        blockType,
		Header:      header,
		Cbor:        blockCbor,
	}, nil
}

// GenerateChain appends count synthetic blocks to the store, one every slotStep slots
func GenerateChain(store *MemoryStore, count int, slotStep uint64) error {
	tip := store.Tip()
	slotStep = max(slotStep, 1)
	slot := tip.Point.Slot
	prevHash := tip.Point.Hash
	var blockNumber uint64
	if store.Len() > 0 {
		blockNumber = tip.BlockNumber + 1
	}
	for range count {
		slot += slotStep
		block, err := NewSyntheticBlock(blockNumber, slot, prevHash, common.BlockTypeConway)
		if err != nil {
			return err
		}
		block, err = store.AddBlock(block)
		if err != nil {
			return err
		}
		prevHash = block.Point.Hash
		blockNumber++
	}
	return nil
}
