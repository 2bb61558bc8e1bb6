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

// Message provides a common interface for message utility functions
type Message interface {
	SetCbor([]byte)
	Cbor() []byte
	Type() uint8
}

// MessageBase is embedded by every protocol message. The message type is the first
// element of the CBOR array and the original CBOR is kept when a message is decoded
type MessageBase struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_           struct{} `cbor:",toarray"`
	rawCbor     []byte
	MessageType uint8
}

func (m *MessageBase) SetCbor(data []byte) {
	if data == nil {
		m.rawCbor = nil
		return
	}
	m.rawCbor = make([]byte, len(data))
	copy(m.rawCbor, data)
}

func (m *MessageBase) Cbor() []byte {
	return m.rawCbor
}

func (m *MessageBase) Type() uint8 {
	return m.MessageType
}

// MessageFromCborFunc decodes a message of the specified type
type MessageFromCborFunc func(uint, []byte) (Message, error)

// MessageHandlerFunc is called for each accepted inbound message
type MessageHandlerFunc func(Message) error

// NextMessageFunc builds the next outbound message for the current state. It returns nil
// when there is nothing to send. It is called with the agent lock held and must not call
// back into the agent
type NextMessageFunc func(State) (Message, error)

// DoneMessageFunc returns the message used to terminate the protocol
type DoneMessageFunc func() Message
