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
	"errors"
	"fmt"
)

// Agency identifies which side may send the next message in a state
type Agency uint

const (
	AgencyNone   Agency = 0
	AgencyClient Agency = 1
	AgencyServer Agency = 2
)

func (a Agency) String() string {
	switch a {
	case AgencyClient:
		return "client"
	case AgencyServer:
		return "server"
	default:
		return "none"
	}
}

// State is an immutable node in a protocol state machine
type State struct {
	Id   uint
	Name string
}

func NewState(id uint, name string) State {
	return State{
		Id:   id,
		Name: name,
	}
}

func (s State) String() string {
	return s.Name
}

// StateTransitionMatchFunc decides whether a transition applies. It must not modify the state context
type StateTransitionMatchFunc func(any, Message) bool

// StateTransitionCommitFunc applies side effects of a transition to the state context. It is
// called exactly once, after the message has been sent or accepted
type StateTransitionCommitFunc func(any, Message)

type StateTransition struct {
	MsgType    uint8
	NewState   State
	MatchFunc  StateTransitionMatchFunc
	CommitFunc StateTransitionCommitFunc
	// Pipelined transitions may be sent by the client while the server has agency
	Pipelined bool
}

type StateMapEntry struct {
	Agency      Agency
	Transitions []StateTransition
}

type StateMap map[State]StateMapEntry

// Copy returns a shallow copy of the state map
func (s StateMap) Copy() StateMap {
	ret := StateMap{}
	for k, v := range s {
		ret[k] = v
	}
	return ret
}

// Transition returns the transition for msg in the given state. The state context is only read
func (s StateMap) Transition(
	state State,
	msg Message,
	stateContext any,
) (StateTransition, bool) {
	entry, ok := s[state]
	if !ok {
		return StateTransition{}, false
	}
	for _, transition := range entry.Transitions {
		if transition.MsgType != msg.Type() {
			continue
		}
		if transition.MatchFunc != nil && !transition.MatchFunc(stateContext, msg) {
			continue
		}
		return transition, true
	}
	return StateTransition{}, false
}

// AllowsMessageType returns whether any transition out of state accepts the message type
func (s StateMap) AllowsMessageType(state State, msgType uint8) bool {
	for _, transition := range s[state].Transitions {
		if transition.MsgType == msgType {
			return true
		}
	}
	return false
}

// HasAgency returns whether the specified role may send in the given state
func (s StateMap) HasAgency(state State, role Role) bool {
	agency := s[state].Agency
	switch role {
	case RoleClient:
		return agency == AgencyClient
	case RoleServer:
		return agency == AgencyServer
	default:
		return false
	}
}

// CanSend returns whether the role may send anything in the given state. The client may send
// pipelined messages while the server has agency
func (s StateMap) CanSend(state State, role Role) bool {
	if s.HasAgency(state, role) {
		return true
	}
	if role != RoleClient {
		return false
	}
	for _, transition := range s[state].Transitions {
		if transition.Pipelined {
			return true
		}
	}
	return false
}

// IsTerminal returns whether the state has no agency holder
func (s StateMap) IsTerminal(state State) bool {
	return s[state].Agency == AgencyNone
}

// Validate checks the structural rules every state map must follow: terminal states have no
// transitions, every other state has a single agency holder, transition targets exist and
// transitions sharing a message type are all guarded by a match function
func (s StateMap) Validate() error {
	var errs []error
	for state, entry := range s {
		switch entry.Agency {
		case AgencyNone:
			if len(entry.Transitions) > 0 {
				errs = append(errs, fmt.Errorf("terminal state %s has transitions", state))
			}
			continue
		case AgencyClient, AgencyServer:
		default:
			errs = append(errs, fmt.Errorf("state %s has invalid agency %d", state, entry.Agency))
		}
		if len(entry.Transitions) == 0 {
			errs = append(errs, fmt.Errorf("non-terminal state %s has no transitions", state))
		}
		seen := map[uint8]int{}
		guarded := map[uint8]bool{}
		for _, transition := range entry.Transitions {
			if _, ok := s[transition.NewState]; !ok {
				errs = append(
					errs,
					fmt.Errorf("state %s transitions to unknown state %s", state, transition.NewState),
				)
			}
			if transition.Pipelined && entry.Agency != AgencyServer {
				errs = append(
					errs,
					fmt.Errorf("state %s has pipelined transition without server agency", state),
				)
			}
			seen[transition.MsgType]++
			if _, ok := guarded[transition.MsgType]; !ok {
				guarded[transition.MsgType] = true
			}
			if transition.MatchFunc == nil {
				guarded[transition.MsgType] = false
			}
		}
		for msgType, count := range seen {
			if count > 1 && !guarded[msgType] {
				errs = append(
					errs,
					fmt.Errorf("state %s has ambiguous transitions for message type %d", state, msgType),
				)
			}
		}
	}
	return errors.Join(errs...)
}
