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

package cbor_test

import (
	"encoding/hex"
	"testing"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIdFromList(t *testing.T) {
	testDefs := []struct {
		name        string
		cborHex     string
		expectedId  int
		expectError bool
	}{
		{name: "simple id", cborHex: "820301", expectedId: 3},
		{name: "single byte argument id", cborHex: "82182001", expectedId: 32},
		{name: "id only", cborHex: "8107", expectedId: 7},
		{name: "empty list", cborHex: "80", expectError: true},
		{name: "not a list", cborHex: "a10102", expectError: true},
		{name: "non-numeric first item", cborHex: "824101", expectError: true},
		{name: "no data", cborHex: "", expectError: true},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			data, err := hex.DecodeString(testDef.cborHex)
			require.NoError(t, err)
			id, err := cbor.DecodeIdFromList(data)
			if testDef.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testDef.expectedId, id)
		})
	}
}

func TestListLength(t *testing.T) {
	length, err := cbor.ListLength([]byte{0x83, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, 3, length)
	// 24 items needs the one byte length form
	items := make([]int, 24)
	data, err := cbor.Encode(items)
	require.NoError(t, err)
	length, err = cbor.ListLength(data)
	require.NoError(t, err)
	assert.Equal(t, 24, length)
	_, err = cbor.ListLength([]byte{0x01})
	assert.Error(t, err)
}

func TestDecodeReportsBytesRead(t *testing.T) {
	// Two concatenated items: 1 and [2]
	data := []byte{0x01, 0x81, 0x02}
	var first uint64
	n, err := cbor.Decode(data, &first)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), first)
	var second []uint64
	n, err = cbor.Decode(data[n:], &second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{2}, second)
}

func TestEncodeDeterministicMap(t *testing.T) {
	data, err := cbor.Encode(map[uint]uint{2: 1, 1: 2, 10: 3})
	require.NoError(t, err)
	assert.Equal(t, "a3010202010a03", hex.EncodeToString(data))
}

func TestWrappedCbor(t *testing.T) {
	data, err := cbor.Encode(cbor.WrappedCbor([]byte{0x01}))
	require.NoError(t, err)
	assert.Equal(t, "d8184101", hex.EncodeToString(data))
	var decoded cbor.WrappedCbor
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, decoded.Bytes())
}

type testGenericStruct struct {
	cbor.StructAsArray
	cbor.DecodeStoreCbor
	Kind  uint
	Value string
}

func (s *testGenericStruct) UnmarshalCBOR(data []byte) error {
	s.SetCbor(data)
	return cbor.DecodeGeneric(data, s)
}

func TestDecodeGenericBypassesUnmarshal(t *testing.T) {
	data, err := cbor.Encode([]any{uint(4), "abc"})
	require.NoError(t, err)
	var s testGenericStruct
	_, err = cbor.Decode(data, &s)
	require.NoError(t, err)
	assert.Equal(t, uint(4), s.Kind)
	assert.Equal(t, "abc", s.Value)
	assert.Equal(t, data, s.Cbor())
}

func TestDecodeGenericRejectsNonStruct(t *testing.T) {
	var v uint
	assert.Error(t, cbor.DecodeGeneric([]byte{0x01}, &v))
}
