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

package chainstore_test

import (
	"testing"

	"github.com/blinklabs-io/ouroboros-agent/chainstore"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, count int) *chainstore.MemoryStore {
	t.Helper()
	store := chainstore.NewMemoryStore()
	require.NoError(t, chainstore.GenerateChain(store, count, 10))
	return store
}

func TestGenerateChain(t *testing.T) {
	store := newTestStore(t, 5)
	tip := store.Tip()
	assert.Equal(t, uint64(50), tip.Point.Slot)
	assert.Equal(t, uint64(4), tip.BlockNumber)
	block, err := store.GetBlock(tip.Point.Hash)
	require.NoError(t, err)
	assert.Equal(t, chainstore.HashHeader(block.Header), block.Point.Hash)
	assert.Len(t, block.Point.Hash, 32)
	info, err := common.DecodeHeaderInfo(block.Header)
	require.NoError(t, err)
	assert.Equal(t, common.HeaderInfo{BlockNumber: 4, Slot: 50}, info)
	header, err := common.BlockHeader(block.Cbor)
	require.NoError(t, err)
	assert.Equal(t, block.Header, header)
	// Extending continues the numbering
	require.NoError(t, chainstore.GenerateChain(store, 1, 10))
	assert.Equal(t, uint64(5), store.Tip().BlockNumber)
}

func TestEmptyStore(t *testing.T) {
	store := chainstore.NewMemoryStore()
	assert.True(t, store.Tip().Point.IsOrigin())
	_, ok, err := store.NextBlock(common.NewPointOrigin())
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.GetBlock([]byte{1})
	assert.ErrorIs(t, err, common.ErrBlockNotFound)
}

func TestAddBlockRequiresIncreasingSlot(t *testing.T) {
	store := newTestStore(t, 2)
	block, err := chainstore.NewSyntheticBlock(9, 20, nil, common.BlockTypeConway)
	require.NoError(t, err)
	_, err = store.AddBlock(block)
	assert.ErrorIs(t, err, chainstore.ErrSlotNotIncreasing)
}

func TestPointsInRange(t *testing.T) {
	store := newTestStore(t, 10)
	points, err := store.PointsInRange(common.NewPoint(25, nil), common.NewPoint(60, nil))
	require.NoError(t, err)
	require.Len(t, points, 4)
	for idx, point := range points {
		assert.Equal(t, uint64(30+idx*10), point.Slot)
	}
	points, err = store.PointsInRange(common.NewPoint(60, nil), common.NewPoint(25, nil))
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestNextBlockAndIntersect(t *testing.T) {
	store := newTestStore(t, 3)
	first, ok, err := store.NextBlock(common.NewPointOrigin())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), first.Point.Slot)
	second, ok, err := store.NextBlock(first.Point)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), second.Point.Slot)

	unknown := common.NewPoint(15, []byte{0xde, 0xad})
	_, _, err = store.NextBlock(unknown)
	assert.ErrorIs(t, err, chainstore.ErrPointNotFound)

	point, ok := store.FindIntersect([]common.Point{unknown, second.Point, first.Point})
	require.True(t, ok)
	assert.True(t, point.Equal(second.Point))
	_, ok = store.FindIntersect([]common.Point{unknown})
	assert.False(t, ok)
	assert.True(t, store.HasPoint(common.NewPointOrigin()))
	assert.True(t, store.HasPoint(first.Point))
	assert.False(t, store.HasPoint(unknown))
}

func TestRollback(t *testing.T) {
	store := newTestStore(t, 5)
	second, _, err := store.NextBlock(common.NewPointOrigin())
	require.NoError(t, err)
	second, _, err = store.NextBlock(second.Point)
	require.NoError(t, err)
	require.NoError(t, store.Rollback(second.Point))
	assert.Equal(t, 2, store.Len())
	assert.True(t, store.Tip().Point.Equal(second.Point))
	require.NoError(t, store.Rollback(common.NewPointOrigin()))
	assert.Equal(t, 0, store.Len())
	assert.ErrorIs(t, store.Rollback(second.Point), chainstore.ErrPointNotFound)
}
