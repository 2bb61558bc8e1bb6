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
	"errors"
	"fmt"
)

// ErrRefused is the sentinel wrapped by every RefuseError
var ErrRefused = errors.New("handshake refused")

// RefuseError describes a refusal sent or received during the handshake
type RefuseError struct {
	Reason            uint64
	Version           uint16
	SupportedVersions []uint16
	Message           string
}

func (e *RefuseError) Error() string {
	switch e.Reason {
	case RefuseReasonVersionMismatch:
		return fmt.Sprintf(
			"%s: version mismatch, supported versions %v",
			ProtocolName,
			e.SupportedVersions,
		)
	case RefuseReasonDecodeError:
		return fmt.Sprintf(
			"%s: version %d decode error: %s",
			ProtocolName,
			e.Version,
			e.Message,
		)
	default:
		return fmt.Sprintf(
			"%s: version %d refused: %s",
			ProtocolName,
			e.Version,
			e.Message,
		)
	}
}

func (e *RefuseError) Unwrap() error {
	return ErrRefused
}

// refuseErrorFromReason decodes the generic refusal reason into a RefuseError
func refuseErrorFromReason(reason []any) (*RefuseError, error) {
	if len(reason) == 0 {
		return nil, fmt.Errorf("%s: empty refusal reason", ProtocolName)
	}
	reasonId, ok := reason[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("%s: invalid refusal reason: %v", ProtocolName, reason[0])
	}
	ret := &RefuseError{Reason: reasonId}
	switch reasonId {
	case RefuseReasonVersionMismatch:
		if len(reason) < 2 {
			return nil, fmt.Errorf("%s: malformed version mismatch refusal", ProtocolName)
		}
		versions, ok := reason[1].([]any)
		if !ok {
			return nil, fmt.Errorf("%s: malformed version mismatch refusal", ProtocolName)
		}
		for _, version := range versions {
			if v, ok := version.(uint64); ok && v <= 0xffff {
				ret.SupportedVersions = append(ret.SupportedVersions, uint16(v))
			}
		}
	case RefuseReasonDecodeError, RefuseReasonRefused:
		if len(reason) < 3 {
			return nil, fmt.Errorf("%s: malformed refusal", ProtocolName)
		}
		if v, ok := reason[1].(uint64); ok && v <= 0xffff {
			ret.Version = uint16(v)
		}
		ret.Message, _ = reason[2].(string)
	default:
		return nil, fmt.Errorf("%s: unknown refusal reason %d", ProtocolName, reasonId)
	}
	return ret, nil
}
