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

// EventType identifies the kind of notification delivered to listeners
type EventType uint

const (
	EventStateUpdate EventType = 1
	EventDisconnect  EventType = 2
)

func (e EventType) String() string {
	switch e {
	case EventStateUpdate:
		return "StateUpdate"
	case EventDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// Event is delivered to listeners after every state change and on disconnect
type Event struct {
	Type     EventType
	Protocol string
	Role     Role
	OldState State
	NewState State
	// Message is the sent or received message that caused the state change
	Message Message
	// Outbound is true when the message was sent by this agent
	Outbound bool
	Err      error
}

// ListenerFunc observes agent events. Returning an error stops delivery to the remaining
// listeners and is returned to the caller that triggered the event
type ListenerFunc func(Event) error
