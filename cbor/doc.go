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

// Package cbor provides the CBOR helpers used by the mini-protocol message codecs.
//
// It wraps github.com/fxamacker/cbor/v2 with the handful of patterns every
// protocol package relies on:
//
//   - StructAsArray: embed to encode struct fields as a CBOR array
//   - DecodeStoreCbor: embed to keep the original bytes of a decoded value
//   - DecodeIdFromList: read the leading message-kind discriminator
//   - WrappedCbor: CBOR tag 24 (embedded CBOR), used for blocks and txs
//
// Encoding is deterministic (core deterministic map key ordering), so a
// message built in Go encodes the same way every time.
package cbor
