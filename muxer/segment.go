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

package muxer

const (
	segmentProtocolIdResponseFlag = 0x8000
	SegmentMaxPayloadLength       = 65535
	SegmentHeaderLength           = 8
)

// SegmentHeader is the fixed 8 byte frame header. It is written big-endian in field order
type SegmentHeader struct {
	Timestamp     uint32
	ProtocolId    uint16
	PayloadLength uint16
}

type Segment struct {
	SegmentHeader
	Payload []byte
}

// NewSegment returns a new segment, or nil if the payload is too large for a single segment
func NewSegment(protocolId uint16, payload []byte, isResponse bool) *Segment {
	if len(payload) > SegmentMaxPayloadLength {
		return nil
	}
	header := SegmentHeader{
		ProtocolId:    protocolId,
		PayloadLength: uint16(len(payload)), // #nosec G115 -- checked above
	}
	if isResponse {
		header.ProtocolId = header.ProtocolId | segmentProtocolIdResponseFlag
	}
	return &Segment{
		SegmentHeader: header,
		Payload:       payload,
	}
}

// SegmentMessage splits an encoded message into as many segments as needed. Every segment
// carries the same timestamp. An empty payload produces no segments
func SegmentMessage(
	protocolId uint16,
	isResponse bool,
	timestamp uint32,
	payload []byte,
) []*Segment {
	segmentCount := (len(payload) + SegmentMaxPayloadLength - 1) / SegmentMaxPayloadLength
	ret := make([]*Segment, 0, segmentCount)
	for start := 0; start < len(payload); start += SegmentMaxPayloadLength {
		end := min(start+SegmentMaxPayloadLength, len(payload))
		segment := NewSegment(protocolId, payload[start:end], isResponse)
		segment.Timestamp = timestamp
		ret = append(ret, segment)
	}
	return ret
}

func (s *SegmentHeader) IsRequest() bool {
	return (s.ProtocolId & segmentProtocolIdResponseFlag) == 0
}

func (s *SegmentHeader) IsResponse() bool {
	return (s.ProtocolId & segmentProtocolIdResponseFlag) > 0
}

func (s *SegmentHeader) GetProtocolId() uint16 {
	return s.ProtocolId &^ segmentProtocolIdResponseFlag
}
