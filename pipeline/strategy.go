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

// Package pipeline provides the chain-sync request pipelining strategies and the link
// metrics they consume.
//
// A Strategy is asked before every chain-sync step how to proceed, given the number of
// outstanding requests, the local and remote tip slots and a NetworkMetrics snapshot.
// Every strategy obeys two rules: with nothing outstanding the answer is DecisionRequest,
// and a non-sequential strategy never pipelines once the outstanding requests cover the
// distance to the remote tip.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// Decision is the action a strategy chooses for the next chain-sync step
type Decision int

const (
	// DecisionRequest sends a request and waits for its reply
	DecisionRequest Decision = iota + 1
	// DecisionPipeline sends another request without waiting
	DecisionPipeline
	// DecisionCollect waits for the oldest outstanding reply
	DecisionCollect
	// DecisionCollectOrPipeline collects a reply if one is ready, otherwise pipelines
	DecisionCollectOrPipeline
)

func (d Decision) String() string {
	switch d {
	case DecisionRequest:
		return "REQUEST"
	case DecisionPipeline:
		return "PIPELINE"
	case DecisionCollect:
		return "COLLECT"
	case DecisionCollectOrPipeline:
		return "COLLECT_OR_PIPELINE"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Strategy names
const (
	StrategySequential  = "sequential"
	StrategyMaxPipeline = "max-pipeline"
	StrategyMinPipeline = "min-pipeline"
	StrategyWatermark   = "watermark"
)

var ErrInvalidStrategy = errors.New("invalid pipelining strategy")

// Strategy decides how chain-sync proceeds
type Strategy interface {
	Name() string
	Decide(outstanding int, clientTipSlot uint64, serverTipSlot uint64, metrics NetworkMetrics) Decision
	// RecordFailure reports a failed request
	RecordFailure()
	Reset()
	// MaxDepth is the largest number of outstanding requests the strategy allows
	MaxDepth() int
}

// TipGap returns the number of slots the server is ahead of the client, saturating at 0
func TipGap(clientTipSlot uint64, serverTipSlot uint64) uint64 {
	if serverTipSlot <= clientTipSlot {
		return 0
	}
	return serverTipSlot - clientTipSlot
}

// guard applies the rules shared by all non-sequential strategies
func guard(outstanding int, clientTipSlot uint64, serverTipSlot uint64) (Decision, bool) {
	if outstanding <= 0 {
		return DecisionRequest, true
	}
	if uint64(outstanding) >= TipGap(clientTipSlot, serverTipSlot) {
		return DecisionCollect, true
	}
	return 0, false
}

// SequentialStrategy never pipelines
type SequentialStrategy struct{}

func NewSequentialStrategy() *SequentialStrategy {
	return &SequentialStrategy{}
}

func (s *SequentialStrategy) Name() string {
	return StrategySequential
}

func (s *SequentialStrategy) Decide(outstanding int, _ uint64, _ uint64, _ NetworkMetrics) Decision {
	if outstanding > 0 {
		return DecisionCollect
	}
	return DecisionRequest
}

func (s *SequentialStrategy) RecordFailure() {}

func (s *SequentialStrategy) Reset() {}

func (s *SequentialStrategy) MaxDepth() int {
	return 1
}

// MaxPipelineStrategy pipelines as deep as allowed, backing off to half depth on an unstable link
type MaxPipelineStrategy struct {
	depth int
}

func NewMaxPipelineStrategy(depth int) *MaxPipelineStrategy {
	return &MaxPipelineStrategy{depth: max(depth, 1)}
}

func (s *MaxPipelineStrategy) Name() string {
	return StrategyMaxPipeline
}

func (s *MaxPipelineStrategy) Decide(
	outstanding int,
	clientTipSlot uint64,
	serverTipSlot uint64,
	metrics NetworkMetrics,
) Decision {
	if decision, ok := guard(outstanding, clientTipSlot, serverTipSlot); ok {
		return decision
	}
	if outstanding >= s.depth {
		return DecisionCollect
	}
	if metrics.IsUnstable() && outstanding >= s.depth/2 {
		return DecisionCollect
	}
	return DecisionPipeline
}

func (s *MaxPipelineStrategy) RecordFailure() {}

func (s *MaxPipelineStrategy) Reset() {}

func (s *MaxPipelineStrategy) MaxDepth() int {
	return s.depth
}

// MinPipelineStrategy keeps the pipeline short by collecting whenever a reply is ready
type MinPipelineStrategy struct {
	depth int
}

func NewMinPipelineStrategy(depth int) *MinPipelineStrategy {
	return &MinPipelineStrategy{depth: max(depth, 1)}
}

func (s *MinPipelineStrategy) Name() string {
	return StrategyMinPipeline
}

func (s *MinPipelineStrategy) Decide(
	outstanding int,
	clientTipSlot uint64,
	serverTipSlot uint64,
	metrics NetworkMetrics,
) Decision {
	if decision, ok := guard(outstanding, clientTipSlot, serverTipSlot); ok {
		return decision
	}
	if outstanding >= s.depth {
		return DecisionCollect
	}
	// Instability and memory pressure get the same answer as the default
	return DecisionCollectOrPipeline
}

func (s *MinPipelineStrategy) RecordFailure() {}

func (s *MinPipelineStrategy) Reset() {}

func (s *MinPipelineStrategy) MaxDepth() int {
	return s.depth
}

// WatermarkStrategy switches between a low mode that fills the pipeline up to the high mark
// and a high mode that drains it down to the low mark
type WatermarkStrategy struct {
	mu       sync.Mutex
	low      int
	high     int
	highMode bool
}

func NewWatermarkStrategy(low int, high int) *WatermarkStrategy {
	high = max(high, 1)
	low = min(max(low, 0), high-1)
	return &WatermarkStrategy{
		low:  low,
		high: high,
	}
}

func (s *WatermarkStrategy) Name() string {
	return StrategyWatermark
}

func (s *WatermarkStrategy) Decide(
	outstanding int,
	clientTipSlot uint64,
	serverTipSlot uint64,
	_ NetworkMetrics,
) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.highMode && outstanding <= s.low {
		s.highMode = false
	}
	if decision, ok := guard(outstanding, clientTipSlot, serverTipSlot); ok {
		return decision
	}
	if s.highMode {
		return DecisionCollect
	}
	if outstanding >= s.high {
		s.highMode = true
		return DecisionCollect
	}
	return DecisionCollectOrPipeline
}

// RecordFailure forces high mode until the pipeline drains to the low mark
func (s *WatermarkStrategy) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highMode = true
}

func (s *WatermarkStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highMode = false
}

func (s *WatermarkStrategy) MaxDepth() int {
	return s.high
}

// IsHighMode returns whether the strategy is currently draining
func (s *WatermarkStrategy) IsHighMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highMode
}
