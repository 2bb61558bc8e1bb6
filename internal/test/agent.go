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

package test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/blinklabs-io/ouroboros-agent/muxer"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AgentRun tracks the receive and drive goroutines of an agent attached to a muxer
type AgentRun struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errChan chan error
}

// RunAgent registers the agent with the muxer, attaches the muxer as its transport and
// starts its receive and drive loops
func RunAgent(ctx context.Context, m *muxer.Muxer, agent *protocol.Agent) *AgentRun {
	role := muxer.ProtocolRoleResponder
	if agent.Role() == protocol.RoleClient {
		role = muxer.ProtocolRoleInitiator
	}
	recvChan, doneChan := m.RegisterProtocol(agent.ProtocolId(), role)
	agent.AttachTransport(m)
	ctx, cancel := context.WithCancel(ctx)
	r := &AgentRun{
		cancel:  cancel,
		errChan: make(chan error, 4),
	}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.report(agent.Receive(ctx, recvChan, doneChan))
	}()
	go func() {
		defer r.wg.Done()
		r.report(agent.Drive(ctx))
	}()
	return r
}

func (r *AgentRun) report(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	select {
	case r.errChan <- err:
	default:
	}
}

// ErrorChan returns errors from the receive and drive loops
func (r *AgentRun) ErrorChan() <-chan error {
	return r.errChan
}

// Stop cancels both loops and waits for them to exit
func (r *AgentRun) Stop() {
	r.cancel()
	r.wg.Wait()
}

// CheckStateMap verifies the structural properties every protocol state table must have
func CheckStateMap(t *testing.T, stateMap protocol.StateMap, stateContext any) {
	t.Helper()
	require.NoError(t, stateMap.Validate())
	for state, entry := range stateMap {
		client := stateMap.HasAgency(state, protocol.RoleClient)
		server := stateMap.HasAgency(state, protocol.RoleServer)
		if stateMap.IsTerminal(state) {
			assert.False(t, client || server, "terminal state %s has agency", state)
			continue
		}
		assert.True(t, client != server, "state %s does not have exactly one agency holder", state)
		for _, transition := range entry.Transitions {
			msg := &stubMessage{
				MessageBase: protocol.MessageBase{MessageType: transition.MsgType},
			}
			first, ok := stateMap.Transition(state, msg, stateContext)
			if !ok {
				// Guarded transitions may not match the supplied context
				require.NotNil(t, transition.MatchFunc, "state %s rejects message type %d", state, transition.MsgType)
				continue
			}
			second, ok := stateMap.Transition(state, msg, stateContext)
			require.True(t, ok)
			assert.Equal(t, first.NewState, second.NewState, "state %s is not deterministic", state)
			assert.True(t, stateMap.AllowsMessageType(state, transition.MsgType))
		}
	}
}

type stubMessage struct {
	protocol.MessageBase
}
