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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ouroboros "github.com/blinklabs-io/ouroboros-agent"
	"github.com/blinklabs-io/ouroboros-agent/chainstore"
	"github.com/blinklabs-io/ouroboros-agent/internal/config"
	"github.com/blinklabs-io/ouroboros-agent/internal/status"
	"github.com/blinklabs-io/ouroboros-agent/metrics"
	"github.com/blinklabs-io/ouroboros-agent/protocol/blockfetch"
	"github.com/blinklabs-io/ouroboros-agent/protocol/chainsync"
	"github.com/blinklabs-io/ouroboros-agent/protocol/localtxmonitor"
	"github.com/blinklabs-io/ouroboros-agent/protocol/peersharing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 5 * time.Second
	// Reported to local-tx-monitor clients. The served mempool is always empty
	mempoolCapacity = 2 * 90112
)

type serveFlags struct {
	listen        string
	listenSocket  string
	topology      string
	chainLength   int
	metricsListen string
}

var serveOpts serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a synthetic chain to chain-sync and block-fetch clients",
	Long:  `Listens for node-to-node (--ntn) or node-to-client connections and serves a generated chain. Known peers from the topology file are offered to peer-sharing clients.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.listen, "listen", "", "TCP address to listen on")
	f.StringVar(&serveOpts.listenSocket, "listen-socket", "", "UNIX socket path to listen on")
	f.StringVar(&serveOpts.topology, "topology", "", "topology file with peers to share")
	f.IntVar(&serveOpts.chainLength, "chain-length", 0, "number of blocks to generate")
	f.StringVar(&serveOpts.metricsListen, "metrics-listen", "", "address for the status and metrics server")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.ListenAddress = serveOpts.listen
	}
	if flags.Changed("listen-socket") {
		cfg.Server.Socket = serveOpts.listenSocket
	}
	if flags.Changed("topology") {
		cfg.Server.Topology = serveOpts.topology
	}
	if flags.Changed("chain-length") {
		cfg.Server.ChainLength = serveOpts.chainLength
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.ListenAddress = serveOpts.metricsListen
	}
	return cfg.Validate()
}

func listenTarget(cfg *config.Config) (string, string, error) {
	switch {
	case cfg.Server.Socket != "":
		return "unix", cfg.Server.Socket, nil
	case cfg.Server.ListenAddress != "":
		return "tcp", cfg.Server.ListenAddress, nil
	default:
		return "", "", fmt.Errorf("%w: one of server listen address or socket is required", config.ErrInvalidConfig)
	}
}

type server struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *chainstore.MemoryStore
	metrics     *metrics.Metrics
	connManager *ouroboros.ConnectionManager
	connOpts    []ouroboros.ConnectionOptionFunc
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	listenProto, listenAddress, err := listenTarget(cfg)
	if err != nil {
		return err
	}

	store := chainstore.NewMemoryStore()
	if err := chainstore.GenerateChain(store, cfg.Server.ChainLength, cfg.Server.SlotStep); err != nil {
		return fmt.Errorf("generate chain: %w", err)
	}
	tip := store.Tip()
	logger.Info("generated chain", "blocks", store.Len(), "tip", tip.Point.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	connManager := ouroboros.NewConnectionManager(ouroboros.ConnectionManagerConfig{
		ConnClosedFunc: func(connId string, err error) {
			logger.Info("connection closed", "connection_id", connId, "error", err)
		},
	})
	if cfg.Server.Topology != "" {
		topology, err := ouroboros.NewTopologyConfigFromFile(cfg.Server.Topology)
		if err != nil {
			return err
		}
		connManager.AddHostsFromTopology(topology)
		logger.Info("loaded topology", "path", cfg.Server.Topology, "hosts", len(connManager.Hosts()))
	}

	connOpts, err := connectionOptions(cfg, logger)
	if err != nil {
		return err
	}
	s := &server{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		metrics:     m,
		connManager: connManager,
		connOpts:    connOpts,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, listenProto, listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	}
	logger.Info("listening", "address", listener.Addr().String(), "node_to_node", cfg.NodeToNode)

	serverErrors := make(chan error, 2)
	var statusServer *http.Server
	if cfg.Metrics.ListenAddress != "" {
		statusServer = &http.Server{
			Addr: cfg.Metrics.ListenAddress,
			Handler: status.NewHandler(status.Config{
				Gatherer:          reg,
				ChainStore:        store,
				ConnectionManager: connManager,
				Logger:            logger,
			}),
			ReadHeaderTimeout: shutdownTimeout,
		}
		go func() {
			logger.Info("starting status server", "address", statusServer.Addr)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("status server: %w", err)
			}
		}()
	}
	go func() {
		serverErrors <- s.acceptLoop(listener)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serverErrors:
	}
	_ = listener.Close()
	connManager.Close()
	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server did not shut down cleanly", "error", err)
			_ = statusServer.Close()
		}
	}
	return runErr
}

func (s *server) acceptLoop(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConnection(conn)
	}
}

// handleConnection runs the handshake with a new peer and hands the connection to the
// connection manager
func (s *server) handleConnection(conn net.Conn) {
	opts := append(
		[]ouroboros.ConnectionOptionFunc{
			ouroboros.WithConnection(conn),
			ouroboros.WithServer(true),
			ouroboros.WithMetrics(s.metrics),
			ouroboros.WithPeerSharing(true),
			ouroboros.WithChainSyncConfig(
				chainsync.NewConfig(chainsync.WithChainStore(s.store)),
			),
			ouroboros.WithBlockFetchConfig(
				blockfetch.NewConfig(blockfetch.WithChainStore(s.store)),
			),
			ouroboros.WithPeerSharingConfig(
				peersharing.NewConfig(peersharing.WithShareRequestFunc(s.sharePeers)),
			),
			ouroboros.WithLocalTxMonitorConfig(
				localtxmonitor.NewConfig(localtxmonitor.WithGetMempoolFunc(s.mempool)),
			),
		},
		s.connOpts...,
	)
	oConn, err := ouroboros.NewConnection(opts...)
	if err != nil {
		s.logger.Warn(
			"handshake failed",
			"remote_addr", conn.RemoteAddr().String(),
			"error", err,
		)
		return
	}
	s.connManager.AddConnection(oConn, ouroboros.ConnectionManagerTagRoleResponder)
	version, _ := oConn.ProtocolVersion()
	s.logger.Info(
		"accepted connection",
		"connection_id", oConn.Id(),
		"version", version,
	)
}

func (s *server) sharePeers(_ peersharing.CallbackContext, amount int) ([]peersharing.PeerAddress, error) {
	return s.connManager.SharePeers(amount), nil
}

func (s *server) mempool(localtxmonitor.CallbackContext) (localtxmonitor.MempoolSnapshot, error) {
	return localtxmonitor.MempoolSnapshot{
		Slot:     s.store.Tip().Point.Slot,
		Capacity: mempoolCapacity,
	}, nil
}
