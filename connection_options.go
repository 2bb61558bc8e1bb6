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

package ouroboros

import (
	"log/slog"
	"net"

	"github.com/blinklabs-io/ouroboros-agent/metrics"
	"github.com/blinklabs-io/ouroboros-agent/protocol/blockfetch"
	"github.com/blinklabs-io/ouroboros-agent/protocol/chainsync"
	"github.com/blinklabs-io/ouroboros-agent/protocol/keepalive"
	"github.com/blinklabs-io/ouroboros-agent/protocol/localstatequery"
	"github.com/blinklabs-io/ouroboros-agent/protocol/localtxmonitor"
	"github.com/blinklabs-io/ouroboros-agent/protocol/peersharing"
	"github.com/blinklabs-io/ouroboros-agent/protocol/txsubmission"
)

// ConnectionOptionFunc is a type that represents functions that modify the Connection config
type ConnectionOptionFunc func(*Connection)

// WithConnection specifies an existing connection to use. This is mutually exclusive with Dial()
func WithConnection(conn net.Conn) ConnectionOptionFunc {
	return func(c *Connection) {
		c.conn = conn
	}
}

// WithNetwork specifies the network by its predefined settings
func WithNetwork(network Network) ConnectionOptionFunc {
	return func(c *Connection) {
		c.networkMagic = network.NetworkMagic
	}
}

// WithNetworkMagic specifies the network magic value
func WithNetworkMagic(networkMagic uint32) ConnectionOptionFunc {
	return func(c *Connection) {
		c.networkMagic = networkMagic
	}
}

// WithErrorChan specifies the error channel to use. If not specified, one will be created internally
func WithErrorChan(errorChan chan error) ConnectionOptionFunc {
	return func(c *Connection) {
		c.errorChan = errorChan
	}
}

// WithServer specifies whether to act as a server
func WithServer(server bool) ConnectionOptionFunc {
	return func(c *Connection) {
		c.server = server
	}
}

// WithNodeToNode specifies whether to use the node-to-node protocol. The default is to use node-to-client
func WithNodeToNode(nodeToNode bool) ConnectionOptionFunc {
	return func(c *Connection) {
		c.useNodeToNodeProto = nodeToNode
	}
}

// WithKeepAlive specifies whether a node-to-node client sends keep-alive probes
func WithKeepAlive(keepAlive bool) ConnectionOptionFunc {
	return func(c *Connection) {
		c.sendKeepAlives = keepAlive
	}
}

// WithDelayMuxerStart specifies whether to delay the muxer start. This is useful when the
// protocol callbacks need a reference to the Connection before any traffic flows. Call
// Muxer().Start() when ready
func WithDelayMuxerStart(delayMuxerStart bool) ConnectionOptionFunc {
	return func(c *Connection) {
		c.delayMuxerStart = delayMuxerStart
	}
}

// WithFullDuplex specifies whether to run both initiator and responder mini-protocols on a
// node-to-node connection. Both sides must agree during the handshake
func WithFullDuplex(fullDuplex bool) ConnectionOptionFunc {
	return func(c *Connection) {
		c.fullDuplex = fullDuplex
	}
}

// WithPeerSharing specifies whether to advertise peer sharing during the handshake
func WithPeerSharing(peerSharing bool) ConnectionOptionFunc {
	return func(c *Connection) {
		c.peerSharingEnabled = peerSharing
	}
}

// WithLogger specifies the logger for the connection and all of its mini-protocols
func WithLogger(logger *slog.Logger) ConnectionOptionFunc {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithMetrics specifies the collectors updated by the muxer and the mini-protocols
func WithMetrics(m *metrics.Metrics) ConnectionOptionFunc {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithBlockFetchConfig specifies BlockFetch protocol config
func WithBlockFetchConfig(cfg blockfetch.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.blockFetchConfig = &cfg
	}
}

// WithChainSyncConfig specifies ChainSync protocol config
func WithChainSyncConfig(cfg chainsync.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.chainSyncConfig = &cfg
	}
}

// WithKeepAliveConfig specifies KeepAlive protocol config
func WithKeepAliveConfig(cfg keepalive.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.keepAliveConfig = &cfg
	}
}

// WithLocalStateQueryConfig specifies LocalStateQuery protocol config
func WithLocalStateQueryConfig(cfg localstatequery.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.localStateQueryConfig = &cfg
	}
}

// WithLocalTxMonitorConfig specifies LocalTxMonitor protocol config
func WithLocalTxMonitorConfig(cfg localtxmonitor.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.localTxMonitorConfig = &cfg
	}
}

// WithPeerSharingConfig specifies PeerSharing protocol config
func WithPeerSharingConfig(cfg peersharing.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.peerSharingConfig = &cfg
	}
}

// WithTxSubmissionConfig specifies TxSubmission protocol config
func WithTxSubmissionConfig(cfg txsubmission.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.txSubmissionConfig = &cfg
	}
}
