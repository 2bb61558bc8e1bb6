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

package pipeline_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stable = pipeline.NetworkMetrics{
	RoundTripTime: 50 * time.Millisecond,
	Jitter:        5 * time.Millisecond,
}

var unstable = pipeline.NetworkMetrics{
	RoundTripTime:  50 * time.Millisecond,
	RecentFailures: pipeline.UnstableFailureThreshold,
}

func TestSequentialStrategy(t *testing.T) {
	s := pipeline.NewSequentialStrategy()
	assert.Equal(t, pipeline.DecisionRequest, s.Decide(0, 100, 100, stable))
	assert.Equal(t, pipeline.DecisionRequest, s.Decide(0, 100, 200, stable))
	assert.Equal(t, pipeline.DecisionCollect, s.Decide(1, 100, 200, stable))
	assert.Equal(t, 1, s.MaxDepth())
}

func TestMaxPipelineStrategy(t *testing.T) {
	s := pipeline.NewMaxPipelineStrategy(50)
	testDefs := []struct {
		name        string
		outstanding int
		clientSlot  uint64
		serverSlot  uint64
		metrics     pipeline.NetworkMetrics
		expected    pipeline.Decision
	}{
		{"behind tip on stable link", 10, 100, 200, stable, pipeline.DecisionPipeline},
		{"depth limit", 50, 100, 100000, stable, pipeline.DecisionCollect},
		{"depth limit near tip", 50, 100, 120, stable, pipeline.DecisionCollect},
		{"outstanding covers tip gap", 10, 100, 110, stable, pipeline.DecisionCollect},
		{"unstable past half depth", 25, 100, 1000, unstable, pipeline.DecisionCollect},
		{"unstable below half depth", 24, 100, 1000, unstable, pipeline.DecisionPipeline},
		{"nothing outstanding", 0, 100, 100, stable, pipeline.DecisionRequest},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			assert.Equal(
				t,
				testDef.expected,
				s.Decide(testDef.outstanding, testDef.clientSlot, testDef.serverSlot, testDef.metrics),
			)
		})
	}
}

func TestMinPipelineStrategy(t *testing.T) {
	s := pipeline.NewMinPipelineStrategy(20)
	assert.Equal(t, pipeline.DecisionRequest, s.Decide(0, 100, 200, stable))
	assert.Equal(t, pipeline.DecisionCollectOrPipeline, s.Decide(5, 100, 200, stable))
	assert.Equal(t, pipeline.DecisionCollectOrPipeline, s.Decide(5, 100, 200, unstable))
	assert.Equal(
		t,
		pipeline.DecisionCollectOrPipeline,
		s.Decide(5, 100, 200, pipeline.NetworkMetrics{MemoryPressure: true}),
	)
	assert.Equal(t, pipeline.DecisionCollect, s.Decide(20, 100, 200, stable))
	assert.Equal(t, pipeline.DecisionCollect, s.Decide(5, 100, 102, stable))
}

func TestWatermarkStrategy(t *testing.T) {
	s := pipeline.NewWatermarkStrategy(10, 50)
	assert.False(t, s.IsHighMode())
	for outstanding := 1; outstanding < 50; outstanding++ {
		assert.Equal(t, pipeline.DecisionCollectOrPipeline, s.Decide(outstanding, 0, 100000, stable))
	}
	assert.Equal(t, pipeline.DecisionCollect, s.Decide(50, 0, 100000, stable))
	assert.True(t, s.IsHighMode())
	// COLLECT until the pipeline drains to the low mark
	for outstanding := 49; outstanding > 10; outstanding-- {
		assert.Equal(t, pipeline.DecisionCollect, s.Decide(outstanding, 0, 100000, stable))
		assert.True(t, s.IsHighMode())
	}
	assert.Equal(t, pipeline.DecisionCollectOrPipeline, s.Decide(10, 0, 100000, stable))
	assert.False(t, s.IsHighMode())
	// Staying between the marks does not flip back
	assert.Equal(t, pipeline.DecisionCollectOrPipeline, s.Decide(30, 0, 100000, stable))
	assert.False(t, s.IsHighMode())
}

func TestWatermarkStrategyFailure(t *testing.T) {
	s := pipeline.NewWatermarkStrategy(10, 50)
	assert.Equal(t, pipeline.DecisionCollectOrPipeline, s.Decide(30, 0, 100000, stable))
	s.RecordFailure()
	assert.True(t, s.IsHighMode())
	assert.Equal(t, pipeline.DecisionCollect, s.Decide(30, 0, 100000, stable))
	s.Reset()
	assert.False(t, s.IsHighMode())
	assert.Equal(t, pipeline.DecisionCollectOrPipeline, s.Decide(30, 0, 100000, stable))
}

// No non-sequential strategy may pipeline once the outstanding requests cover the tip gap
func TestPipelineGuardRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	strategies := []pipeline.Strategy{
		pipeline.NewSequentialStrategy(),
		pipeline.NewMaxPipelineStrategy(50),
		pipeline.NewMinPipelineStrategy(50),
		pipeline.NewWatermarkStrategy(10, 50),
	}
	metricsChoices := []pipeline.NetworkMetrics{stable, unstable, {MemoryPressure: true}}
	for range 10000 {
		outstanding := rng.IntN(100)
		clientSlot := rng.Uint64N(1000)
		serverSlot := rng.Uint64N(1000)
		metrics := metricsChoices[rng.IntN(len(metricsChoices))]
		gap := pipeline.TipGap(clientSlot, serverSlot)
		for _, s := range strategies {
			decision := s.Decide(outstanding, clientSlot, serverSlot, metrics)
			if outstanding == 0 {
				require.Equal(t, pipeline.DecisionRequest, decision, s.Name())
				continue
			}
			if uint64(outstanding) >= gap {
				require.Equal(
					t,
					pipeline.DecisionCollect,
					decision,
					"%s: outstanding=%d client=%d server=%d",
					s.Name(),
					outstanding,
					clientSlot,
					serverSlot,
				)
			}
			if outstanding >= s.MaxDepth() {
				require.Equal(t, pipeline.DecisionCollect, decision, s.Name())
			}
		}
	}
}

func TestTipGapSaturates(t *testing.T) {
	assert.Equal(t, uint64(0), pipeline.TipGap(200, 100))
	assert.Equal(t, uint64(0), pipeline.TipGap(100, 100))
	assert.Equal(t, uint64(100), pipeline.TipGap(100, 200))
}

func TestNewStrategyFromConfig(t *testing.T) {
	s, err := pipeline.NewStrategy()
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategySequential, s.Name())

	s, err = pipeline.NewStrategy(
		pipeline.WithStrategyName(pipeline.StrategyMaxPipeline),
		pipeline.WithDepth(25),
	)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyMaxPipeline, s.Name())
	assert.Equal(t, 25, s.MaxDepth())

	s, err = pipeline.NewStrategy(
		pipeline.WithStrategyName(pipeline.StrategyWatermark),
		pipeline.WithWatermarks(5, 40),
	)
	require.NoError(t, err)
	assert.Equal(t, 40, s.MaxDepth())

	_, err = pipeline.NewStrategy(
		pipeline.WithStrategyName(pipeline.StrategyWatermark),
		pipeline.WithWatermarks(40, 5),
	)
	assert.ErrorIs(t, err, pipeline.ErrInvalidStrategy)

	_, err = pipeline.NewStrategy(pipeline.WithStrategyName("bogus"))
	assert.ErrorIs(t, err, pipeline.ErrInvalidStrategy)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "REQUEST", pipeline.DecisionRequest.String())
	assert.Equal(t, "PIPELINE", pipeline.DecisionPipeline.String())
	assert.Equal(t, "COLLECT", pipeline.DecisionCollect.String())
	assert.Equal(t, "COLLECT_OR_PIPELINE", pipeline.DecisionCollectOrPipeline.String())
}
