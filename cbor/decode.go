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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"

	_cbor "github.com/fxamacker/cbor/v2"
	"github.com/jinzhu/copier"
)

// Blocks in the wild nest deeper than the library default of 32
const maxNestedLevels = 256

var decMode = sync.OnceValues(func() (_cbor.DecMode, error) {
	return _cbor.DecOptions{
		ExtraReturnErrors: _cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   maxNestedLevels,
	}.DecModeWithTags(customTagSet)
})

var errEmptyList = errors.New("cannot return first item from empty list")

// Decode decodes the first CBOR data item in dataBytes into dest and returns the
// number of bytes consumed. Trailing data is left untouched, which lets callers walk
// a buffer holding several concatenated messages
func Decode(dataBytes []byte, dest any) (int, error) {
	dm, err := decMode()
	if err != nil {
		return 0, err
	}
	dec := dm.NewDecoder(bytes.NewReader(dataBytes))
	err = dec.Decode(dest)
	return dec.NumBytesRead(), err
}

// DecodeIdFromList returns the first item of a CBOR list, which must be an unsigned integer.
// Messages carry their kind there
func DecodeIdFromList(cborData []byte) (int, error) {
	listLen, err := ListLength(cborData)
	if err != nil {
		return 0, err
	}
	if listLen == 0 {
		return 0, errEmptyList
	}
	// A short list header followed by a single byte uint needs no decoding
	if cborData[0] <= CborTypeArray+CborMaxUintSimple && len(cborData) > 1 &&
		cborData[1] <= CborMaxUintSimple {
		return int(cborData[1]), nil
	}
	var items []RawMessage
	if _, err := Decode(cborData, &items); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, errEmptyList
	}
	var id uint64
	if _, err := Decode(items[0], &id); err != nil {
		return 0, fmt.Errorf("first list item was not numeric: %w", err)
	}
	if id > math.MaxInt {
		return 0, errors.New("decoded numeric value too large: uint64 > int")
	}
	return int(id), nil
}

// ListLength returns the number of items in a CBOR list. Definite lengths are read from the
// header, indefinite lists are decoded
func ListLength(cborData []byte) (int, error) {
	if len(cborData) == 0 {
		return 0, errors.New("cannot determine list length of empty data")
	}
	initial := cborData[0]
	if initial&CborTypeMask != CborTypeArray {
		return 0, fmt.Errorf("data is not a CBOR list: initial byte 0x%02x", initial)
	}
	info := initial &^ CborTypeMask
	if info <= CborMaxUintSimple {
		return int(info), nil
	}
	// Additional info 24-27 is followed by a 1, 2, 4 or 8 byte length
	if info <= 27 {
		size := 1 << (info - 24)
		if len(cborData) < 1+size {
			return 0, fmt.Errorf("truncated CBOR list header: need %d bytes", 1+size)
		}
		arg := cborData[1 : 1+size]
		var length uint64
		switch size {
		case 1:
			length = uint64(arg[0])
		case 2:
			length = uint64(binary.BigEndian.Uint16(arg))
		case 4:
			length = uint64(binary.BigEndian.Uint32(arg))
		default:
			length = binary.BigEndian.Uint64(arg)
		}
		if length > math.MaxInt {
			return 0, errors.New("CBOR list length too large")
		}
		return int(length), nil
	}
	var items []RawMessage
	if _, err := Decode(cborData, &items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// plainTypes maps a struct type to a copy of it without methods, so that decoding into the
// copy skips any UnmarshalCBOR defined on the original
var plainTypes sync.Map

func plainStructType(t reflect.Type) reflect.Type {
	if cached, ok := plainTypes.Load(t); ok {
		return cached.(reflect.Type)
	}
	fields := make([]reflect.StructField, 0, t.NumField())
	for i := range t.NumField() {
		field := t.Field(i)
		// The stored CBOR is set by the caller, not decoded
		if !field.IsExported() || field.Name == "DecodeStoreCbor" {
			continue
		}
		fields = append(fields, field)
	}
	plain := reflect.StructOf(fields)
	actual, _ := plainTypes.LoadOrStore(t, plain)
	return actual.(reflect.Type)
}

// DecodeGeneric decodes the specified CBOR into the destination object without using the
// destination object's UnmarshalCBOR() function
func DecodeGeneric(cborData []byte, dest any) error {
	destValue := reflect.ValueOf(dest)
	if destValue.Kind() != reflect.Pointer || destValue.Elem().Kind() != reflect.Struct {
		return errors.New("destination must be a pointer to a struct")
	}
	tmp := reflect.New(plainStructType(destValue.Elem().Type())).Interface()
	if _, err := Decode(cborData, tmp); err != nil {
		return err
	}
	return copier.Copy(dest, tmp)
}
