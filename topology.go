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
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// TopologyConfig represents a Cardano node topology config. Both the legacy producer list and
// the P2P root groups are accepted
type TopologyConfig struct {
	Producers          []TopologyConfigLegacyProducer `json:"Producers"`
	BootstrapPeers     []TopologyConfigP2PAccessPoint `json:"bootstrapPeers"`
	LocalRoots         []TopologyConfigP2PLocalRoot   `json:"localRoots"`
	PublicRoots        []TopologyConfigP2PPublicRoot  `json:"publicRoots"`
	UseLedgerAfterSlot int64                          `json:"useLedgerAfterSlot"`
}

type TopologyConfigLegacyProducer struct {
	Address string `json:"addr"`
	Port    uint   `json:"port"`
	Valency uint   `json:"valency"`
}

type TopologyConfigP2PAccessPoint struct {
	Address string `json:"address"`
	Port    uint   `json:"port"`
}

type TopologyConfigP2PLocalRoot struct {
	AccessPoints []TopologyConfigP2PAccessPoint `json:"accessPoints"`
	Advertise    bool                           `json:"advertise"`
	Trustable    bool                           `json:"trustable"`
	Valency      uint                           `json:"valency"`
}

type TopologyConfigP2PPublicRoot struct {
	AccessPoints []TopologyConfigP2PAccessPoint `json:"accessPoints"`
	Advertise    bool                           `json:"advertise"`
}

// NewTopologyConfigFromFile loads a topology config from a JSON file
func NewTopologyConfigFromFile(path string) (*TopologyConfig, error) {
	dataFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer dataFile.Close()
	t, err := NewTopologyConfigFromReader(dataFile)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return t, nil
}

// NewTopologyConfigFromReader decodes a topology config from JSON
func NewTopologyConfigFromReader(r io.Reader) (*TopologyConfig, error) {
	t := &TopologyConfig{}
	dec := json.NewDecoder(r)
	if err := dec.Decode(t); err != nil {
		return nil, err
	}
	return t, nil
}

// AdvertisedAccessPoints returns the access points that may be shared with other peers
func (t *TopologyConfig) AdvertisedAccessPoints() []TopologyConfigP2PAccessPoint {
	var ret []TopologyConfigP2PAccessPoint
	for _, localRoot := range t.LocalRoots {
		if localRoot.Advertise {
			ret = append(ret, localRoot.AccessPoints...)
		}
	}
	for _, publicRoot := range t.PublicRoots {
		if publicRoot.Advertise {
			ret = append(ret, publicRoot.AccessPoints...)
		}
	}
	return ret
}
