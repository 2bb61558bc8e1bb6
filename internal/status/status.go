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

// Package status implements the HTTP status endpoints of the agent
package status

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	ouroboros "github.com/blinklabs-io/ouroboros-agent"
	"github.com/blinklabs-io/ouroboros-agent/protocol/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TipResponse is the body of GET /tip
type TipResponse struct {
	Slot        uint64 `json:"slot"`
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"block_number"`
}

// ConnectionResponse is one entry of the GET /connections body
type ConnectionResponse struct {
	Id         string   `json:"id"`
	RemoteAddr string   `json:"remote_addr"`
	Tags       []string `json:"tags"`
}

type Config struct {
	Gatherer          prometheus.Gatherer
	ChainStore        common.ChainStore
	ConnectionManager *ouroboros.ConnectionManager
	Logger            *slog.Logger
}

type handler struct {
	config Config
}

// NewHandler returns the status router. Routes whose backing component is not configured are
// not registered
func NewHandler(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{config: cfg}
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	if cfg.Gatherer != nil {
		r.Method(
			http.MethodGet,
			"/metrics",
			promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		)
	}
	if cfg.ChainStore != nil {
		r.Get("/tip", h.tip)
	}
	if cfg.ConnectionManager != nil {
		r.Get("/connections", h.connections)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) tip(w http.ResponseWriter, _ *http.Request) {
	tip := h.config.ChainStore.Tip()
	h.writeJson(w, TipResponse{
		Slot:        tip.Point.Slot,
		Hash:        hex.EncodeToString(tip.Point.Hash),
		BlockNumber: tip.BlockNumber,
	})
}

func (h *handler) connections(w http.ResponseWriter, _ *http.Request) {
	conns := h.config.ConnectionManager.GetConnectionsByTags()
	ret := make([]ConnectionResponse, 0, len(conns))
	for _, conn := range conns {
		entry := ConnectionResponse{
			Id:   conn.Conn.Id(),
			Tags: conn.TagList(),
		}
		if addr := conn.Conn.RemoteAddr(); addr != nil {
			entry.RemoteAddr = addr.String()
		}
		ret = append(ret, entry)
	}
	// Map iteration order is random
	slices.SortFunc(ret, func(a, b ConnectionResponse) int {
		return strings.Compare(a.Id, b.Id)
	})
	h.writeJson(w, ret)
}

func (h *handler) writeJson(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Error("failed to encode status response", "error", err)
	}
}
