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

// Package ouroboros runs the Ouroboros mini-protocols over a single multiplexed connection.
//
// A Connection binds a net.Conn, performs the version handshake and then wires the
// node-to-node or node-to-client mini-protocols for the local role. The protocol
// packages under protocol/ can be used on their own with any transport.
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/ouroboros-agent/metrics"
	"github.com/blinklabs-io/ouroboros-agent/muxer"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
	"github.com/blinklabs-io/ouroboros-agent/protocol/blockfetch"
	"github.com/blinklabs-io/ouroboros-agent/protocol/chainsync"
	"github.com/blinklabs-io/ouroboros-agent/protocol/handshake"
	"github.com/blinklabs-io/ouroboros-agent/protocol/keepalive"
	"github.com/blinklabs-io/ouroboros-agent/protocol/localstatequery"
	"github.com/blinklabs-io/ouroboros-agent/protocol/localtxmonitor"
	"github.com/blinklabs-io/ouroboros-agent/protocol/peersharing"
	"github.com/blinklabs-io/ouroboros-agent/protocol/txsubmission"
)

// Interval between checks of caller-driven request deadlines
const timeoutCheckInterval = time.Second

// The Connection type is a wrapper around a net.Conn object that handles communication using the Ouroboros network protocol over that connection
type Connection struct {
	conn                  net.Conn
	id                    string
	networkMagic          uint32
	server                bool
	useNodeToNodeProto    bool
	sendKeepAlives        bool
	delayMuxerStart       bool
	fullDuplex            bool
	peerSharingEnabled    bool
	logger                *slog.Logger
	metrics               *metrics.Metrics
	muxer                 *muxer.Muxer
	errorChan             chan error
	protoErrorChan        chan error
	handshakeFinishedChan chan struct{}
	doneChan              chan struct{}
	ctx                   context.Context
	cancel                context.CancelFunc
	waitGroup             sync.WaitGroup
	onceClose             sync.Once
	agentsMutex           sync.Mutex
	agents                []*protocol.Agent
	closeErr              error
	// Negotiated during the handshake
	version          uint16
	versionData      protocol.VersionData
	negotiatedDuplex bool
	// Mini-protocols
	blockFetch            *blockfetch.BlockFetch
	blockFetchConfig      *blockfetch.Config
	chainSync             *chainsync.ChainSync
	chainSyncConfig       *chainsync.Config
	handshake             *handshake.Handshake
	keepAlive             *keepalive.KeepAlive
	keepAliveConfig       *keepalive.Config
	localStateQuery       *localstatequery.LocalStateQuery
	localStateQueryConfig *localstatequery.Config
	localTxMonitor        *localtxmonitor.LocalTxMonitor
	localTxMonitorConfig  *localtxmonitor.Config
	peerSharing           *peersharing.PeerSharing
	peerSharingConfig     *peersharing.Config
	txSubmission          *txsubmission.TxSubmission
	txSubmissionConfig    *txsubmission.Config
}

// NewConnection returns a new Connection object with the specified options. If a connection is provided, the
// handshake will be started. An error will be returned if the handshake fails
func NewConnection(options ...ConnectionOptionFunc) (*Connection, error) {
	c := &Connection{
		protoErrorChan:        make(chan error, 10),
		handshakeFinishedChan: make(chan struct{}),
		doneChan:              make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	// Apply provided options functions
	for _, option := range options {
		option(c)
	}
	if c.errorChan == nil {
		c.errorChan = make(chan error, 10)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.conn != nil {
		if err := c.setupConnection(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// New is an alias to NewConnection
func New(options ...ConnectionOptionFunc) (*Connection, error) {
	return NewConnection(options...)
}

// Id returns the connection identifier used in log records, in the form local->remote
func (c *Connection) Id() string {
	return c.id
}

// Muxer returns the muxer object for the Ouroboros connection
func (c *Connection) Muxer() *muxer.Muxer {
	return c.muxer
}

// ErrorChan returns the channel for asynchronous errors
func (c *Connection) ErrorChan() chan error {
	return c.errorChan
}

// ProtocolVersion returns the negotiated protocol version and the version data sent by the peer
func (c *Connection) ProtocolVersion() (uint16, protocol.VersionData) {
	return c.version, c.versionData
}

// Dial will establish a connection using the specified protocol and address. These parameters are
// passed to the [net.Dial] func. The handshake will be started when a connection is established.
// An error will be returned if the connection fails, a connection was already established, or the
// handshake fails
func (c *Connection) Dial(proto string, address string) error {
	return c.DialContext(context.Background(), proto, address)
}

// DialContext is like Dial but uses the provided context while connecting
func (c *Connection) DialContext(ctx context.Context, proto string, address string) error {
	if c.conn != nil {
		return errors.New("a connection was already established")
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, proto, address)
	if err != nil {
		return err
	}
	c.conn = conn
	return c.setupConnection()
}

// Close will shutdown the Ouroboros connection. Every mini-protocol is notified of the
// disconnect so that pending requests fail
func (c *Connection) Close() error {
	c.onceClose.Do(func() {
		// Close doneChan to signify that we're shutting down
		close(c.doneChan)
		c.cancel()
		// Gracefully stop the muxer
		if c.muxer != nil {
			c.muxer.Stop()
		}
		c.agentsMutex.Lock()
		agents := c.agents
		closeErr := c.closeErr
		c.agentsMutex.Unlock()
		for _, agent := range agents {
			if err := agent.Disconnect(closeErr); err != nil {
				c.logger.Debug(
					"disconnect listener failed",
					"protocol", agent.Name(),
					"role", agent.Role().String(),
					"error", err,
				)
			}
		}
		// Wait for other goroutines to finish
		c.waitGroup.Wait()
		close(c.errorChan)
	})
	return nil
}

func (c *Connection) closeWithError(err error) {
	c.agentsMutex.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.agentsMutex.Unlock()
	// Close waits for our own goroutines, so it cannot run on one of them
	go func() {
		_ = c.Close()
	}()
}

func (c *Connection) sendError(err error) {
	select {
	case <-c.doneChan:
		c.logger.Debug("dropping error after shutdown", "error", err)
		return
	default:
	}
	select {
	case c.errorChan <- err:
	default:
		c.logger.Error("dropping connection error", "error", err)
	}
}

// BlockFetch returns the block-fetch protocol handler
func (c *Connection) BlockFetch() *blockfetch.BlockFetch {
	return c.blockFetch
}

// ChainSync returns the chain-sync protocol handler
func (c *Connection) ChainSync() *chainsync.ChainSync {
	return c.chainSync
}

// Handshake returns the handshake protocol handler
func (c *Connection) Handshake() *handshake.Handshake {
	return c.handshake
}

// KeepAlive returns the keep-alive protocol handler
func (c *Connection) KeepAlive() *keepalive.KeepAlive {
	return c.keepAlive
}

// LocalStateQuery returns the local-state-query protocol handler
func (c *Connection) LocalStateQuery() *localstatequery.LocalStateQuery {
	return c.localStateQuery
}

// LocalTxMonitor returns the local-tx-monitor protocol handler
func (c *Connection) LocalTxMonitor() *localtxmonitor.LocalTxMonitor {
	return c.localTxMonitor
}

// PeerSharing returns the peer-sharing protocol handler
func (c *Connection) PeerSharing() *peersharing.PeerSharing {
	return c.peerSharing
}

// TxSubmission returns the tx-submission protocol handler
func (c *Connection) TxSubmission() *txsubmission.TxSubmission {
	return c.txSubmission
}

// startAgent registers the agent with the muxer for its role and runs its receive and drive loops
func (c *Connection) startAgent(agent *protocol.Agent) {
	role := muxer.ProtocolRoleResponder
	if agent.Role() == protocol.RoleClient {
		role = muxer.ProtocolRoleInitiator
	}
	recvChan, doneChan := c.muxer.RegisterProtocol(agent.ProtocolId(), role)
	agent.AttachTransport(c.muxer)
	c.agentsMutex.Lock()
	c.agents = append(c.agents, agent)
	c.agentsMutex.Unlock()
	c.waitGroup.Add(2)
	go func() {
		defer c.waitGroup.Done()
		c.reportProtocolError(agent.Receive(c.ctx, recvChan, doneChan))
	}()
	go func() {
		defer c.waitGroup.Done()
		c.reportProtocolError(agent.Drive(c.ctx))
	}()
}

func (c *Connection) reportProtocolError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	select {
	case <-c.doneChan:
		return
	default:
	}
	select {
	case c.protoErrorChan <- err:
	case <-c.doneChan:
	}
}

// startRole starts the client agent when we initiate and the server agent when we respond
func (c *Connection) startRole(client *protocol.Agent, server *protocol.Agent) {
	if !c.server || c.negotiatedDuplex {
		c.startAgent(client)
	}
	if c.server || c.negotiatedDuplex {
		c.startAgent(server)
	}
}

// setupConnection establishes the muxer, configures and starts the handshake process, and initializes
// the appropriate mini-protocols
func (c *Connection) setupConnection() error {
	// Check network magic value
	if c.networkMagic == 0 {
		return fmt.Errorf("invalid network magic value provided: %d", c.networkMagic)
	}
	c.id = fmt.Sprintf("%s->%s", c.conn.LocalAddr(), c.conn.RemoteAddr())
	c.logger = c.logger.With(
		"component", "network",
		"connection_id", c.id,
	)
	c.muxer = muxer.New(c.conn)
	c.muxer.SetLogger(c.logger)
	c.muxer.SetMetrics(c.metrics)
	// Start Goroutine to pass along errors from the muxer
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		select {
		case <-c.doneChan:
			return
		case err, ok := <-c.muxer.ErrorChan():
			// Break out of goroutine if muxer's error channel is closed
			if !ok {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Return a bare io.EOF error if error is EOF/ErrUnexpectedEOF
				err = io.EOF
			} else {
				// Wrap error message to denote it comes from the muxer
				err = fmt.Errorf("muxer error: %w", err)
			}
			c.sendError(err)
			// Close connection on muxer errors
			c.closeWithError(err)
		}
	}()
	protoOptions := protocol.ProtocolOptions{
		ConnectionId: c.id,
		Transport:    c.muxer,
		Logger:       c.logger,
		Metrics:      c.metrics,
		Mode:         protocol.ProtocolModeNodeToClient,
	}
	if c.useNodeToNodeProto {
		protoOptions.Mode = protocol.ProtocolModeNodeToNode
	}
	// Perform handshake
	versionMap := protocol.GetProtocolVersionMap(
		protoOptions.Mode,
		c.networkMagic,
		!c.server && !c.fullDuplex,
		c.peerSharingEnabled,
		false,
	)
	handshakeConfig := handshake.NewConfig(
		handshake.WithProtocolVersionMap(versionMap),
		handshake.WithFinishedFunc(
			func(_ handshake.CallbackContext, version uint16, versionData protocol.VersionData) error {
				c.version = version
				c.versionData = versionData
				close(c.handshakeFinishedChan)
				return nil
			},
		),
	)
	c.handshake = handshake.New(protoOptions, &handshakeConfig)
	if c.server {
		c.startAgent(c.handshake.Server.Agent)
	} else {
		c.startAgent(c.handshake.Client.Agent)
	}
	// Wait for handshake completion or error
	select {
	case <-c.doneChan:
		// Return an error if we're shutting down
		return io.EOF
	case err := <-c.protoErrorChan:
		return err
	case <-c.handshakeFinishedChan:
	}
	protoVersion, ok := protocol.GetProtocolVersion(c.version)
	if !ok {
		return fmt.Errorf("negotiated unknown protocol version %d", c.version)
	}
	c.negotiatedDuplex = c.useNodeToNodeProto &&
		c.fullDuplex &&
		protoVersion.EnableFullDuplex &&
		!c.versionData.InitiatorOnly()
	c.logger.Info(
		"handshake complete",
		"version", c.version,
		"full_duplex", c.negotiatedDuplex,
	)
	// Provide the negotiated protocol version to the various mini-protocols
	protoOptions.Version = c.version
	// Drop bit used to signify NtC protocol versions
	if protoOptions.Version >= protocol.ProtocolVersionNtCOffset {
		protoOptions.Version -= protocol.ProtocolVersionNtCOffset
	}
	// Start Goroutine to pass along errors from the mini-protocols
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		select {
		case <-c.doneChan:
			// Return if we're shutting down
			return
		case err := <-c.protoErrorChan:
			err = fmt.Errorf("protocol error: %w", err)
			c.sendError(err)
			// Close connection on mini-protocol errors
			c.closeWithError(err)
		}
	}()
	// Configure the relevant mini-protocols
	if c.useNodeToNodeProto {
		c.chainSync = chainsync.New(protoOptions, c.chainSyncConfig)
		c.startRole(c.chainSync.Client.Agent, c.chainSync.Server.Agent)
		c.blockFetch = blockfetch.New(protoOptions, c.blockFetchConfig)
		c.startRole(c.blockFetch.Client.Agent, c.blockFetch.Server.Agent)
		c.txSubmission = txsubmission.New(protoOptions, c.txSubmissionConfig)
		c.startRole(c.txSubmission.Client.Agent, c.txSubmission.Server.Agent)
		if protoVersion.EnableKeepAliveProtocol {
			if c.keepAliveConfig == nil {
				tmpCfg := keepalive.NewConfig()
				c.keepAliveConfig = &tmpCfg
			}
			if c.keepAliveConfig.Period <= 0 {
				c.keepAliveConfig.Period = keepalive.DefaultKeepAlivePeriod * time.Second
			}
			c.keepAlive = keepalive.New(protoOptions, c.keepAliveConfig)
			c.startRole(c.keepAlive.Client.Agent, c.keepAlive.Server.Agent)
		}
		if protoVersion.EnablePeerSharingProtocol {
			c.peerSharing = peersharing.New(protoOptions, c.peerSharingConfig)
			c.startRole(c.peerSharing.Client.Agent, c.peerSharing.Server.Agent)
		}
		if !c.server || c.negotiatedDuplex {
			c.waitGroup.Add(1)
			go c.timeoutLoop()
		}
	} else {
		c.chainSync = chainsync.New(protoOptions, c.chainSyncConfig)
		c.startRole(c.chainSync.Client.Agent, c.chainSync.Server.Agent)
		if protoVersion.EnableLocalQueryProtocol {
			c.localStateQuery = localstatequery.New(protoOptions, c.localStateQueryConfig)
			c.startRole(c.localStateQuery.Client.Agent, c.localStateQuery.Server.Agent)
		}
		if protoVersion.EnableLocalTxMonitorProtocol {
			c.localTxMonitor = localtxmonitor.New(protoOptions, c.localTxMonitorConfig)
			c.startRole(c.localTxMonitor.Client.Agent, c.localTxMonitor.Server.Agent)
		}
	}
	// Start muxer
	diffusionMode := muxer.DiffusionModeInitiator
	if c.negotiatedDuplex {
		diffusionMode = muxer.DiffusionModeInitiatorAndResponder
	} else if c.server {
		diffusionMode = muxer.DiffusionModeResponder
	}
	c.muxer.SetDiffusionMode(diffusionMode)
	if !c.delayMuxerStart {
		c.muxer.Start()
	}
	return nil
}

// timeoutLoop sends periodic keep-alive probes and enforces the keep-alive and peer-sharing
// response deadlines of the client side
func (c *Connection) timeoutLoop() {
	defer c.waitGroup.Done()
	checkTicker := time.NewTicker(timeoutCheckInterval)
	defer checkTicker.Stop()
	var keepAliveChan <-chan time.Time
	if c.keepAlive != nil && c.sendKeepAlives {
		keepAliveTicker := time.NewTicker(c.keepAliveConfig.Period)
		defer keepAliveTicker.Stop()
		keepAliveChan = keepAliveTicker.C
		c.keepAlive.Client.SendKeepAlive()
	}
	for {
		select {
		case <-c.doneChan:
			return
		case <-keepAliveChan:
			c.keepAlive.Client.SendKeepAlive()
		case now := <-checkTicker.C:
			if c.keepAlive != nil {
				if err := c.keepAlive.Client.CheckTimeout(now); err != nil {
					c.reportProtocolError(err)
					return
				}
			}
			if c.peerSharing != nil {
				// The pending request is failed and the connection stays up
				_ = c.peerSharing.Client.CheckTimeout(now)
			}
		}
	}
}

// RemoteAddr returns the address of the peer, or nil before a connection is established
func (c *Connection) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}
