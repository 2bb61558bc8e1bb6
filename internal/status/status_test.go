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

package status_test

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	ouroboros "github.com/blinklabs-io/ouroboros-agent"
	"github.com/blinklabs-io/ouroboros-agent/chainstore"
	"github.com/blinklabs-io/ouroboros-agent/internal/status"
	"github.com/blinklabs-io/ouroboros-agent/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	handler := status.NewHandler(status.Config{})
	rec := get(t, handler, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
	// Routes without a backing component are not registered
	assert.Equal(t, http.StatusNotFound, get(t, handler, "/tip").Code)
	assert.Equal(t, http.StatusNotFound, get(t, handler, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(t, handler, "/connections").Code)
}

func TestTip(t *testing.T) {
	store := chainstore.NewMemoryStore()
	require.NoError(t, chainstore.GenerateChain(store, 3, 10))
	handler := status.NewHandler(status.Config{ChainStore: store})
	rec := get(t, handler, "/tip")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp status.TipResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	tip := store.Tip()
	assert.Equal(t, uint64(30), resp.Slot)
	assert.Equal(t, uint64(2), resp.BlockNumber)
	assert.Equal(t, hex.EncodeToString(tip.Point.Hash), resp.Hash)
}

func TestConnectionsEmpty(t *testing.T) {
	connManager := ouroboros.NewConnectionManager(ouroboros.ConnectionManagerConfig{})
	handler := status.NewHandler(status.Config{ConnectionManager: connManager})
	rec := get(t, handler, "/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	m.SegmentSent(2, 64)
	handler := status.NewHandler(status.Config{Gatherer: reg})
	rec := get(t, handler, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ouroboros_muxer_segments_total{direction="sent",protocol_id="2"} 1`)
	assert.Contains(t, string(body), `ouroboros_muxer_payload_bytes_total{direction="sent",protocol_id="2"} 64`)
}
