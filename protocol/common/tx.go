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
	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"golang.org/x/crypto/blake2b"
)

// TxIdFromCbor computes the ID of a transaction, which is the blake2b-256 hash of the
// transaction body. The whole input is hashed when it is not a CBOR list
func TxIdFromCbor(txCbor []byte) [32]byte {
	body := txCbor
	var parts []cbor.RawMessage
	if _, err := cbor.Decode(txCbor, &parts); err == nil && len(parts) > 0 {
		body = parts[0]
	}
	return blake2b.Sum256(body)
}
