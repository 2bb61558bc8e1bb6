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

package pipeline

import "fmt"

// Defaults used when a strategy parameter is not set
const (
	DefaultPipelineDepth = 50
	DefaultLowWatermark  = 10
	DefaultHighWatermark = 50
)

// StrategyConfig describes a strategy by name, as read from configuration
type StrategyConfig struct {
	Name          string
	Depth         int
	LowWatermark  int
	HighWatermark int
}

// DefaultStrategyConfig returns a StrategyConfig for the sequential strategy with default parameters
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Name:          StrategySequential,
		Depth:         DefaultPipelineDepth,
		LowWatermark:  DefaultLowWatermark,
		HighWatermark: DefaultHighWatermark,
	}
}

// StrategyOption is a functional option for building a StrategyConfig
type StrategyOption func(*StrategyConfig)

// WithStrategyName sets the strategy name
func WithStrategyName(name string) StrategyOption {
	return func(c *StrategyConfig) {
		c.Name = name
	}
}

// WithDepth sets the depth for the max-pipeline and min-pipeline strategies
func WithDepth(depth int) StrategyOption {
	return func(c *StrategyConfig) {
		if depth > 0 {
			c.Depth = depth
		}
	}
}

// WithWatermarks sets the marks for the watermark strategy
func WithWatermarks(low int, high int) StrategyOption {
	return func(c *StrategyConfig) {
		c.LowWatermark = low
		c.HighWatermark = high
	}
}

// NewStrategy builds a strategy from the default config with the provided options applied
func NewStrategy(opts ...StrategyOption) (Strategy, error) {
	config := DefaultStrategyConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return NewStrategyFromConfig(config)
}

// NewStrategyFromConfig builds the strategy described by config
func NewStrategyFromConfig(config StrategyConfig) (Strategy, error) {
	switch config.Name {
	case StrategySequential, "":
		return NewSequentialStrategy(), nil
	case StrategyMaxPipeline:
		if config.Depth <= 0 {
			return nil, fmt.Errorf("%w: depth must be positive", ErrInvalidStrategy)
		}
		return NewMaxPipelineStrategy(config.Depth), nil
	case StrategyMinPipeline:
		if config.Depth <= 0 {
			return nil, fmt.Errorf("%w: depth must be positive", ErrInvalidStrategy)
		}
		return NewMinPipelineStrategy(config.Depth), nil
	case StrategyWatermark:
		if config.LowWatermark < 0 || config.LowWatermark >= config.HighWatermark {
			return nil, fmt.Errorf(
				"%w: low watermark %d must be below high watermark %d",
				ErrInvalidStrategy,
				config.LowWatermark,
				config.HighWatermark,
			)
		}
		return NewWatermarkStrategy(config.LowWatermark, config.HighWatermark), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidStrategy, config.Name)
	}
}
