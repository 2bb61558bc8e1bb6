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

package blockfetch_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/chainstore"
	"github.com/blinklabs-io/ouroboros-agent/internal/test"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/blockfetch"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStateMap(t *testing.T) {
	test.CheckStateMap(t, blockfetch.StateMap, nil)
}

func TestMessageEncoding(t *testing.T) {
	block, err := blockfetch.NewMsgBlock(common.BlockTypeConway, []byte{0x80})
	require.NoError(t, err)
	testDefs := []struct {
		name     string
		msg      protocol.Message
		expected string
	}{
		{
			name: "RequestRange",
			msg: blockfetch.NewMsgRequestRange(
				common.NewPoint(10, []byte{0x01}),
				common.NewPoint(20, []byte{0x02}),
			),
			expected: "8300820a4101821441" + "02",
		},
		{
			name:     "Block",
			msg:      block,
			expected: "8204d818438207" + "80",
		},
		{
			name:     "BatchDone",
			msg:      blockfetch.NewMsgBatchDone(),
			expected: "8105",
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			data, err := cbor.Encode(testDef.msg)
			require.NoError(t, err)
			assert.Equal(t, testDef.expected, hex.EncodeToString(data))
			msg, err := blockfetch.NewMsgFromCbor(uint(testDef.msg.Type()), data)
			require.NoError(t, err)
			assert.Equal(t, data, msg.Cbor())
		})
	}
	wrapped, err := block.Block()
	require.NoError(t, err)
	assert.Equal(t, uint(common.BlockTypeConway), wrapped.Type)
	assert.Equal(t, []byte{0x80}, []byte(wrapped.RawBlock))
}

func TestRequestRangeValidation(t *testing.T) {
	transport := test.NewRecordingTransport()
	client := blockfetch.NewClient(protocol.ProtocolOptions{Transport: transport}, nil)
	err := client.RequestRange(common.NewPoint(20, nil), common.NewPoint(10, nil))
	assert.ErrorIs(t, err, blockfetch.ErrInvalidRange)
	assert.Empty(t, transport.Messages())
	assert.False(t, client.Busy())

	require.NoError(t, client.RequestRange(common.NewPoint(10, nil), common.NewPoint(20, nil)))
	assert.True(t, client.Busy())
	assert.Equal(t, blockfetch.StateBusy, client.CurrentState())
	err = client.RequestRange(common.NewPoint(10, nil), common.NewPoint(20, nil))
	assert.ErrorIs(t, err, blockfetch.ErrRequestInProgress)
	assert.Len(t, transport.Messages(), 1)

	require.NoError(t, client.ReceiveResponse(blockfetch.NewMsgNoBlocks()))
	assert.False(t, client.Busy())
	assert.Equal(t, blockfetch.StateIdle, client.CurrentState())
}

// missingBlockStore hides the bodies of some blocks while keeping their points
type missingBlockStore struct {
	*chainstore.MemoryStore
	missing map[uint64]bool
}

func (s *missingBlockStore) GetBlock(hash []byte) (common.Block, error) {
	block, err := s.MemoryStore.GetBlock(hash)
	if err != nil {
		return block, err
	}
	if s.missing[block.Point.Slot] {
		return common.Block{}, errors.New("block body unavailable")
	}
	return block, nil
}

type fetchFixture struct {
	client    *blockfetch.Client
	server    *blockfetch.Server
	clientRun *test.AgentRun
	serverRun *test.AgentRun
	pair      *test.MuxerPair
	events    chan string
	blocks    chan []byte
}

func newFetchFixture(t *testing.T, store common.ChainStore) *fetchFixture {
	t.Helper()
	f := &fetchFixture{
		pair:   test.NewMuxerPair(),
		events: make(chan string, 100),
		blocks: make(chan []byte, 100),
	}
	clientCfg := blockfetch.NewConfig(
		blockfetch.WithStartBatchFunc(func(blockfetch.CallbackContext) error {
			f.events <- "start"
			return nil
		}),
		blockfetch.WithNoBlocksFunc(func(blockfetch.CallbackContext) error {
			f.events <- "none"
			return nil
		}),
		blockfetch.WithBlockFunc(func(_ blockfetch.CallbackContext, _ uint, data []byte) error {
			header, err := common.BlockHeader(data)
			if err != nil {
				return err
			}
			info, err := common.DecodeHeaderInfo(header)
			if err != nil {
				return err
			}
			f.blocks <- data
			f.events <- fmt.Sprintf("block:%d", info.Slot)
			return nil
		}),
		blockfetch.WithBatchDoneFunc(func(blockfetch.CallbackContext) error {
			f.events <- "done"
			return nil
		}),
	)
	serverCfg := blockfetch.NewConfig(blockfetch.WithChainStore(store))
	f.client = blockfetch.NewClient(protocol.ProtocolOptions{ConnectionId: "client"}, &clientCfg)
	f.server = blockfetch.NewServer(protocol.ProtocolOptions{ConnectionId: "server"}, &serverCfg)
	ctx := context.Background()
	f.serverRun = test.RunAgent(ctx, f.pair.Server, f.server.Agent)
	f.clientRun = test.RunAgent(ctx, f.pair.Client, f.client.Agent)
	return f
}

func (f *fetchFixture) stop() {
	f.clientRun.Stop()
	f.serverRun.Stop()
	f.pair.Stop()
}

// collect reads events until the batch ends
func (f *fetchFixture) collect(t *testing.T) []string {
	t.Helper()
	var ret []string
	for {
		select {
		case event := <-f.events:
			ret = append(ret, event)
			if event == "done" || event == "none" {
				return ret
			}
		case err := <-f.clientRun.ErrorChan():
			t.Fatalf("client error: %s", err)
		case err := <-f.serverRun.ErrorChan():
			t.Fatalf("server error: %s", err)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for batch, got %v", ret)
		}
	}
}

// chainPoint returns the point of the block at slot
func chainPoint(t *testing.T, store *chainstore.MemoryStore, slot uint64) common.Point {
	t.Helper()
	points, err := store.PointsInRange(common.NewPoint(slot, nil), common.NewPoint(slot, nil))
	require.NoError(t, err)
	require.Len(t, points, 1)
	return points[0]
}

func TestFetchRange(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := chainstore.NewMemoryStore()
	require.NoError(t, chainstore.GenerateChain(store, 10, 10))
	f := newFetchFixture(t, store)
	defer f.stop()

	start, end := chainPoint(t, store, 30), chainPoint(t, store, 60)
	require.NoError(t, f.client.RequestRange(start, end))
	assert.Equal(
		t,
		[]string{"start", "block:30", "block:40", "block:50", "block:60", "done"},
		f.collect(t),
	)
	points, err := store.PointsInRange(start, end)
	require.NoError(t, err)
	for _, point := range points {
		block, err := store.GetBlock(point.Hash)
		require.NoError(t, err)
		assert.Equal(t, block.Cbor, <-f.blocks)
	}
	assert.Equal(t, 0, f.server.Remaining())
	require.Eventually(t, func() bool { return !f.client.Busy() }, time.Second, 10*time.Millisecond)

	// A range with no blocks
	require.NoError(t, f.client.RequestRange(common.NewPoint(500, nil), common.NewPoint(600, nil)))
	assert.Equal(t, []string{"none"}, f.collect(t))

	// An inverted range is answered with NoBlocks by the server
	require.NoError(
		t,
		f.client.SendMessage(blockfetch.NewMsgRequestRange(end, start)),
	)
	assert.Equal(t, []string{"none"}, f.collect(t))

	// So is a range whose endpoint is not on our chain
	offChain := common.NewPoint(60, bytes.Repeat([]byte{0xee}, 32))
	require.NoError(t, f.client.RequestRange(start, offChain))
	assert.Equal(t, []string{"none"}, f.collect(t))

	require.NoError(t, f.client.Shutdown())
	require.Eventually(t, f.server.IsDone, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.client.IsDone())
}

func TestFetchSkipsMissingBlocks(t *testing.T) {
	defer goleak.VerifyNone(t)
	memStore := chainstore.NewMemoryStore()
	require.NoError(t, chainstore.GenerateChain(memStore, 5, 10))
	store := &missingBlockStore{
		MemoryStore: memStore,
		missing:     map[uint64]bool{20: true, 50: true},
	}
	f := newFetchFixture(t, store)
	defer f.stop()
	require.NoError(t, f.client.RequestRange(common.NewPointOrigin(), chainPoint(t, memStore, 50)))
	assert.Equal(
		t,
		[]string{"start", "block:10", "block:30", "block:40", "done"},
		f.collect(t),
	)
}
