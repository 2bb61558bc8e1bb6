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

// Package metrics provides the Prometheus collectors shared by the muxer,
// the protocol agents and the chain-sync pipeline.
//
// All methods are safe to call on a nil *Metrics, which disables collection.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ouroboros"

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

type Metrics struct {
	segments         *prometheus.CounterVec
	segmentBytes     *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	violations       *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	pipelineDepth    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		segments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "muxer_segments_total",
				Help:      "Total number of segments by protocol ID and direction",
			},
			[]string{"protocol_id", "direction"},
		),
		segmentBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "muxer_payload_bytes_total",
				Help:      "Total segment payload bytes by protocol ID and direction",
			},
			[]string{"protocol_id", "direction"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_state_transitions_total",
				Help:      "Total number of mini-protocol state transitions",
			},
			[]string{"protocol", "role", "from", "to"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_violations_total",
				Help:      "Total number of rejected messages",
			},
			[]string{"protocol", "role"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chainsync_pipeline_decisions_total",
				Help:      "Total number of pipelining decisions by strategy",
			},
			[]string{"strategy", "decision"},
		),
		pipelineDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chainsync_pipeline_depth",
				Help:      "Number of outstanding chain-sync requests",
			},
			[]string{"connection_id"},
		),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.segments,
		m.segmentBytes,
		m.stateTransitions,
		m.violations,
		m.decisions,
		m.pipelineDepth,
	}
}

// SegmentSent records an outbound segment
func (m *Metrics) SegmentSent(protocolId uint16, payloadLength int) {
	m.segment(protocolId, DirectionSent, payloadLength)
}

// SegmentReceived records an inbound segment
func (m *Metrics) SegmentReceived(protocolId uint16, payloadLength int) {
	m.segment(protocolId, DirectionReceived, payloadLength)
}

func (m *Metrics) segment(protocolId uint16, direction string, payloadLength int) {
	if m == nil {
		return
	}
	id := strconv.FormatUint(uint64(protocolId), 10)
	m.segments.WithLabelValues(id, direction).Inc()
	m.segmentBytes.WithLabelValues(id, direction).Add(float64(payloadLength))
}

func (m *Metrics) StateTransition(protocol, role, from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(protocol, role, from, to).Inc()
}

func (m *Metrics) ProtocolViolation(protocol, role string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(protocol, role).Inc()
}

func (m *Metrics) PipelineDecision(strategy, decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strategy, decision).Inc()
}

func (m *Metrics) SetPipelineDepth(connectionId string, depth int) {
	if m == nil {
		return
	}
	m.pipelineDepth.WithLabelValues(connectionId).Set(float64(depth))
}
