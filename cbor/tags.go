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

package cbor

import (
	"reflect"

	_cbor "github.com/fxamacker/cbor/v2"
)

// CborTagCbor marks a byte string holding encoded CBOR
const CborTagCbor = 24

// customTagSet is shared by the encode and decode modes
var customTagSet = mustTagSet(map[uint64]reflect.Type{
	CborTagCbor: reflect.TypeFor[WrappedCbor](),
})

func mustTagSet(tags map[uint64]reflect.Type) _cbor.TagSet {
	ts := _cbor.NewTagSet()
	opts := _cbor.TagOptions{
		EncTag: _cbor.EncTagRequired,
		DecTag: _cbor.DecTagRequired,
	}
	for num, typ := range tags {
		if err := ts.Add(opts, typ, num); err != nil {
			panic(err)
		}
	}
	return ts
}

// WrappedCbor is a byte string carrying nested CBOR (tag 24). Tx bodies and NtC blocks travel
// this way
type WrappedCbor []byte

func (w WrappedCbor) Bytes() []byte {
	return w
}
