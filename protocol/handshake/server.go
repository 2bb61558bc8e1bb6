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

package handshake

import (
	"fmt"
	"slices"

	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Server implements the Handshake server
type Server struct {
	*protocol.Agent
	config          *Config
	callbackContext CallbackContext
}

// NewServer returns a new Handshake server object
func NewServer(protoOptions protocol.ProtocolOptions, cfg *Config) *Server {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	s := &Server{
		config: cfg,
	}
	s.callbackContext = CallbackContext{
		Server:       s,
		ConnectionId: protoOptions.ConnectionId,
	}
	s.Agent = protocol.NewAgent(protocol.AgentConfig{
		Name:                ProtocolName,
		ProtocolId:          ProtocolId,
		Role:                protocol.RoleServer,
		ConnectionId:        protoOptions.ConnectionId,
		Transport:           protoOptions.Transport,
		Logger:              protoOptions.Logger,
		Metrics:             protoOptions.Metrics,
		StateMap:            StateMap,
		InitialState:        StatePropose,
		MessageFromCborFunc: NewMsgFromCbor,
		MessageHandlerFunc:  s.handleMessage,
	})
	return s
}

func (s *Server) handleMessage(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeProposeVersions:
		err = s.handleProposeVersions(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (s *Server) refuse(refuseErr *RefuseError) error {
	var reason []any
	switch refuseErr.Reason {
	case RefuseReasonVersionMismatch:
		reason = []any{refuseErr.Reason, refuseErr.SupportedVersions}
	default:
		reason = []any{refuseErr.Reason, refuseErr.Version, refuseErr.Message}
	}
	if err := s.SendMessage(NewMsgRefuse(reason)); err != nil {
		return err
	}
	return refuseErr
}

func (s *Server) handleProposeVersions(msg protocol.Message) error {
	if s.config.FinishedFunc == nil {
		return fmt.Errorf(
			"received handshake ProposeVersions message but no callback function is defined",
		)
	}
	msgProposeVersions := msg.(*MsgProposeVersions)
	// Find the highest version that both sides support
	var proposedVersion uint16
	found := false
	for version := range msgProposeVersions.VersionMap {
		if _, ok := s.config.ProtocolVersionMap[version]; !ok {
			continue
		}
		if !found || version > proposedVersion {
			proposedVersion = version
			found = true
		}
	}
	if !found {
		supportedVersions := make([]uint16, 0, len(s.config.ProtocolVersionMap))
		for version := range s.config.ProtocolVersionMap {
			supportedVersions = append(supportedVersions, version)
		}
		// Map iteration order is random
		slices.Sort(supportedVersions)
		return s.refuse(&RefuseError{
			Reason:            RefuseReasonVersionMismatch,
			SupportedVersions: supportedVersions,
		})
	}
	versionInfo, ok := protocol.GetProtocolVersion(proposedVersion)
	if !ok {
		return s.refuse(&RefuseError{
			Reason:  RefuseReasonRefused,
			Version: proposedVersion,
			Message: "unknown protocol version",
		})
	}
	proposedVersionData, err := versionInfo.NewVersionDataFromCborFunc(
		msgProposeVersions.VersionMap[proposedVersion],
	)
	if err != nil {
		return s.refuse(&RefuseError{
			Reason:  RefuseReasonDecodeError,
			Version: proposedVersion,
			Message: err.Error(),
		})
	}
	versionData := s.config.ProtocolVersionMap[proposedVersion]
	if proposedVersionData.NetworkMagic() != versionData.NetworkMagic() {
		return s.refuse(&RefuseError{
			Reason:  RefuseReasonRefused,
			Version: proposedVersion,
			Message: fmt.Sprintf(
				"network magic mismatch: %d /= %d",
				versionData.NetworkMagic(),
				proposedVersionData.NetworkMagic(),
			),
		})
	}
	if proposedVersionData.Query() {
		reply, err := NewMsgQueryReply(s.config.ProtocolVersionMap)
		if err != nil {
			return err
		}
		return s.SendMessage(reply)
	}
	// We send our version data in the response and the proposed version data in the callback
	msgAcceptVersion, err := NewMsgAcceptVersion(proposedVersion, versionData)
	if err != nil {
		return err
	}
	if err := s.SendMessage(msgAcceptVersion); err != nil {
		return err
	}
	s.Logger().Debug(
		"handshake accepted",
		"version", proposedVersion,
		"network_magic", proposedVersionData.NetworkMagic(),
	)
	return s.config.FinishedFunc(s.callbackContext, proposedVersion, proposedVersionData)
}
