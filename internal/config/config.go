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

// Package config loads the ouroboros-agent command configuration from defaults, an optional
// YAML file and OUROBOROS_AGENT_* environment variables, in that order
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	ouroboros "github.com/blinklabs-io/ouroboros-agent"
	"github.com/blinklabs-io/ouroboros-agent/pipeline"
	"github.com/blinklabs-io/ouroboros-agent/protocol/keepalive"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override file values
const EnvPrefix = "OUROBOROS_AGENT_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Network      string          `yaml:"network"      mapstructure:"network"`
	NetworkMagic uint32          `yaml:"networkMagic" mapstructure:"network_magic"`
	NodeToNode   bool            `yaml:"nodeToNode"   mapstructure:"node_to_node"`
	Address      string          `yaml:"address"      mapstructure:"address"`
	Socket       string          `yaml:"socket"       mapstructure:"socket"`
	Logging      LoggingConfig   `yaml:"logging"      mapstructure:"logging"`
	Metrics      MetricsConfig   `yaml:"metrics"      mapstructure:"metrics"`
	ChainSync    ChainSyncConfig `yaml:"chainSync"    mapstructure:"chain_sync"`
	KeepAlive    KeepAliveConfig `yaml:"keepAlive"    mapstructure:"keep_alive"`
	Server       ServerConfig    `yaml:"server"       mapstructure:"server"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type MetricsConfig struct {
	// ListenAddress enables the status server when not empty
	ListenAddress string `yaml:"listenAddress" mapstructure:"listen_address"`
}

type ChainSyncConfig struct {
	Strategy         string        `yaml:"strategy"         mapstructure:"strategy"`
	Depth            int           `yaml:"depth"            mapstructure:"depth"`
	LowWatermark     int           `yaml:"lowWatermark"     mapstructure:"low_watermark"`
	HighWatermark    int           `yaml:"highWatermark"    mapstructure:"high_watermark"`
	IntersectTimeout time.Duration `yaml:"intersectTimeout" mapstructure:"intersect_timeout"`
}

type KeepAliveConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Period  time.Duration `yaml:"period"  mapstructure:"period"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type ServerConfig struct {
	ListenAddress string `yaml:"listenAddress" mapstructure:"listen_address"`
	Socket        string `yaml:"socket"        mapstructure:"socket"`
	Topology      string `yaml:"topology"      mapstructure:"topology"`
	ChainLength   int    `yaml:"chainLength"   mapstructure:"chain_length"`
	SlotStep      uint64 `yaml:"slotStep"      mapstructure:"slot_step"`
}

// envSections are the nested sections addressable as OUROBOROS_AGENT_<SECTION>_<KEY>
var envSections = []string{"logging", "metrics", "chain_sync", "keep_alive", "server"}

// Default returns the configuration used when no file or environment overrides are given
func Default() *Config {
	strategy := pipeline.DefaultStrategyConfig()
	return &Config{
		Network: ouroboros.NetworkPreview.Name,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		ChainSync: ChainSyncConfig{
			Strategy:         strategy.Name,
			Depth:            strategy.Depth,
			LowWatermark:     strategy.LowWatermark,
			HighWatermark:    strategy.HighWatermark,
			IntersectTimeout: 5 * time.Second,
		},
		KeepAlive: KeepAliveConfig{
			Enabled: true,
			Period:  keepalive.DefaultKeepAlivePeriod * time.Second,
			Timeout: keepalive.DefaultKeepAliveTimeout * time.Second,
		},
		Server: ServerConfig{
			ChainLength: 100,
			SlotStep:    20,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if not empty) and the
// process environment, then validates it
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.loadYaml(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader builds the configuration from defaults and YAML data, then validates it
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.loadYaml(r); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYaml(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(environ []string) error {
	values := map[string]any{}
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		section, field := splitEnvKey(key)
		if section == "" {
			values[field] = value
			continue
		}
		sectionValues, ok := values[section].(map[string]any)
		if !ok {
			sectionValues = map[string]any{}
			values[section] = sectionValues
		}
		sectionValues[field] = value
	}
	if len(values) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           c,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(values); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func splitEnvKey(key string) (string, string) {
	for _, section := range envSections {
		if field, ok := strings.CutPrefix(key, section+"_"); ok {
			return section, field
		}
	}
	return "", key
}

// Validate checks the configuration for values that cannot be used
func (c *Config) Validate() error {
	if _, err := c.Magic(); err != nil {
		return err
	}
	if _, err := c.Strategy(); err != nil {
		return fmt.Errorf("%w: chain-sync strategy: %w", ErrInvalidConfig, err)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.KeepAlive.Enabled && (c.KeepAlive.Period <= 0 || c.KeepAlive.Timeout <= 0) {
		return fmt.Errorf("%w: keep-alive period and timeout must be positive", ErrInvalidConfig)
	}
	if c.ChainSync.IntersectTimeout <= 0 {
		return fmt.Errorf("%w: chain-sync intersect timeout must be positive", ErrInvalidConfig)
	}
	if c.Server.ChainLength < 0 {
		return fmt.Errorf("%w: server chain length must not be negative", ErrInvalidConfig)
	}
	if c.Server.SlotStep == 0 {
		return fmt.Errorf("%w: server slot step must be positive", ErrInvalidConfig)
	}
	return nil
}

// Magic returns the network magic. An explicit magic overrides the named network
func (c *Config) Magic() (uint32, error) {
	if c.NetworkMagic != 0 {
		return c.NetworkMagic, nil
	}
	network, ok := ouroboros.NetworkByName(c.Network)
	if !ok {
		return 0, fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Network)
	}
	return network.NetworkMagic, nil
}

// Strategy builds the chain-sync pipelining strategy
func (c *Config) Strategy() (pipeline.Strategy, error) {
	return pipeline.NewStrategyFromConfig(pipeline.StrategyConfig{
		Name:          c.ChainSync.Strategy,
		Depth:         c.ChainSync.Depth,
		LowWatermark:  c.ChainSync.LowWatermark,
		HighWatermark: c.ChainSync.HighWatermark,
	})
}

// DialTarget returns the net.Dial network and address for the configured node
func (c *Config) DialTarget() (string, string, error) {
	switch {
	case c.Socket != "":
		return "unix", c.Socket, nil
	case c.Address != "":
		return "tcp", c.Address, nil
	default:
		return "", "", fmt.Errorf("%w: one of address or socket is required", ErrInvalidConfig)
	}
}

// NewLogger returns a logger writing to w with the configured level and format
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(level string) (slog.Level, error) {
	var ret slog.Level
	if err := ret.UnmarshalText([]byte(level)); err != nil {
		return ret, fmt.Errorf("%w: log level: %w", ErrInvalidConfig, err)
	}
	return ret, nil
}
