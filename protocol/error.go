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

package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrProtocolShuttingDown = errors.New("protocol is shutting down")

// ErrTransportUnavailable is returned when a message is sent with no active transport attached.
// The message is dropped and the agent state does not change
var ErrTransportUnavailable = errors.New("transport unavailable")

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrDecode            = errors.New("decode error")
)

// ProtocolViolationError is returned when a message is not legal in the current state
type ProtocolViolationError struct {
	Protocol    string
	State       State
	MessageType uint8
	Cbor        []byte
	Reason      string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf(
		"%s: %s: %s (state %s, message type %d)",
		e.Protocol,
		ErrProtocolViolation.Error(),
		e.Reason,
		e.State,
		e.MessageType,
	)
}

func (e *ProtocolViolationError) Unwrap() error {
	return ErrProtocolViolation
}

// DecodeError is returned for malformed inbound data. The raw bytes are kept for diagnosis
type DecodeError struct {
	Protocol string
	State    State
	Cbor     []byte
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf(
		"%s: %s: %s (state %s, cbor %s)",
		e.Protocol,
		ErrDecode.Error(),
		e.Err,
		e.State,
		hex.EncodeToString(e.Cbor),
	)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
