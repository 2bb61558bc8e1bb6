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

import "errors"

// Block types, as used in the era tag of wrapped headers and blocks
const (
	BlockTypeByronEbb  = 0
	BlockTypeByronMain = 1
	BlockTypeShelley   = 2
	BlockTypeAllegra   = 3
	BlockTypeMary      = 4
	BlockTypeAlonzo    = 5
	BlockTypeBabbage   = 6
	BlockTypeConway    = 7
)

// ErrBlockNotFound is returned by a ChainStore when a block is not available
var ErrBlockNotFound = errors.New("block not found")

// Block is an opaque, era-tagged block as held by a ChainStore
type Block struct {
	Point       Point
	BlockNumber uint64
	// Type is the era block type (BlockTypeXxx)
	Type uint
	// Header is the CBOR of the block header
	Header []byte
	// Cbor is the CBOR of the full block
	Cbor []byte
}

// ChainStore is the chain state collaborator consumed by the chain-sync and block-fetch servers
type ChainStore interface {
	// Tip returns the current chain tip
	Tip() Tip
	// GetBlock returns the block with the specified hash
	GetBlock(hash []byte) (Block, error)
	// PointsInRange returns the ordered points between start and end, inclusive, without loading blocks
	PointsInRange(start Point, end Point) ([]Point, error)
	// FindIntersect returns the first of the provided points that is on the chain
	FindIntersect(points []Point) (Point, bool)
	// NextBlock returns the block following the specified point. It returns false at the tip
	NextBlock(after Point) (Block, bool, error)
	// HasPoint returns whether the point is on the current chain
	HasPoint(point Point) bool
}
