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

// Package chainstore provides an in-memory chain store used by the chain-sync and
// block-fetch servers
package chainstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrPointNotFound     = errors.New("point not found")
	ErrSlotNotIncreasing = errors.New("block slot must be greater than the tip slot")
)

// HashHeader returns the Blake2b-256 hash of the header CBOR, which identifies a block
func HashHeader(header []byte) []byte {
	hash := blake2b.Sum256(header)
	return hash[:]
}

// MemoryStore is a ChainStore holding a single chain in memory
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []common.Block
	byHash map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]int),
	}
}

// AddBlock appends a block to the chain. The block hash is computed from the header when
// the point has no hash
func (s *MemoryStore) AddBlock(block common.Block) (common.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) > 0 && block.Point.Slot <= s.blocks[len(s.blocks)-1].Point.Slot {
		return common.Block{}, fmt.Errorf(
			"%w: slot %d, tip slot %d",
			ErrSlotNotIncreasing,
			block.Point.Slot,
			s.blocks[len(s.blocks)-1].Point.Slot,
		)
	}
	if len(block.Point.Hash) == 0 {
		block.Point.Hash = HashHeader(block.Header)
	}
	s.byHash[string(block.Point.Hash)] = len(s.blocks)
	s.blocks = append(s.blocks, block)
	return block, nil
}

// Rollback removes all blocks after the specified point
func (s *MemoryStore) Rollback(point common.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := 0
	if !point.IsOrigin() {
		idx, ok := s.indexOf(point)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPointNotFound, point)
		}
		keep = idx + 1
	}
	for _, block := range s.blocks[keep:] {
		delete(s.byHash, string(block.Point.Hash))
	}
	s.blocks = s.blocks[:keep]
	return nil
}

// indexOf returns the index of the block at point. The lock must be held
func (s *MemoryStore) indexOf(point common.Point) (int, bool) {
	idx, ok := s.byHash[string(point.Hash)]
	if !ok || s.blocks[idx].Point.Slot != point.Slot {
		return 0, false
	}
	return idx, true
}

func (s *MemoryStore) Tip() common.Tip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return common.Tip{Point: common.NewPointOrigin()}
	}
	tipBlock := s.blocks[len(s.blocks)-1]
	return common.Tip{
		Point:       tipBlock.Point,
		BlockNumber: tipBlock.BlockNumber,
	}
}

func (s *MemoryStore) GetBlock(hash []byte) (common.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byHash[string(hash)]
	if !ok {
		return common.Block{}, common.ErrBlockNotFound
	}
	return s.blocks[idx], nil
}

// PointsInRange returns the points of all blocks with a slot between the start and end slots, inclusive
func (s *MemoryStore) PointsInRange(start common.Point, end common.Point) ([]common.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start.Slot > end.Slot {
		return nil, nil
	}
	var ret []common.Point
	for _, block := range s.blocks {
		if block.Point.Slot < start.Slot {
			continue
		}
		if block.Point.Slot > end.Slot {
			break
		}
		ret = append(ret, block.Point)
	}
	return ret, nil
}

func (s *MemoryStore) FindIntersect(points []common.Point) (common.Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, point := range points {
		if point.IsOrigin() {
			return point, true
		}
		if _, ok := s.indexOf(point); ok {
			return point, true
		}
	}
	return common.Point{}, false
}

func (s *MemoryStore) NextBlock(after common.Point) (common.Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := 0
	if !after.IsOrigin() {
		idx, ok := s.indexOf(after)
		if !ok {
			return common.Block{}, false, fmt.Errorf("%w: %s", ErrPointNotFound, after)
		}
		next = idx + 1
	}
	if next >= len(s.blocks) {
		return common.Block{}, false, nil
	}
	return s.blocks[next], true, nil
}

func (s *MemoryStore) HasPoint(point common.Point) bool {
	if point.IsOrigin() {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indexOf(point)
	return ok
}

// Len returns the number of blocks in the store
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}
