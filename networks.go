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
	"net"
	"strconv"
)

// Network is a well-known Cardano network that a connection can be bound to
type Network struct {
	Name              string
	NetworkMagic      uint32
	PublicRootAddress string
	PublicRootPort    uint
}

var (
	NetworkMainnet = Network{
		Name:              "mainnet",
		NetworkMagic:      764824073,
		PublicRootAddress: "backbone.cardano-mainnet.iohk.io",
		PublicRootPort:    3001,
	}
	NetworkPreprod = Network{
		Name:              "preprod",
		NetworkMagic:      1,
		PublicRootAddress: "preprod-node.world.dev.cardano.org",
		PublicRootPort:    30000,
	}
	NetworkPreview = Network{
		Name:              "preview",
		NetworkMagic:      2,
		PublicRootAddress: "preview-node.play.dev.cardano.org",
		PublicRootPort:    3001,
	}
	NetworkSancho = Network{
		Name:              "sanchonet",
		NetworkMagic:      4,
		PublicRootAddress: "sanchonet-node.play.dev.cardano.org",
		PublicRootPort:    3001,
	}
)

var networks = []Network{
	NetworkMainnet,
	NetworkPreprod,
	NetworkPreview,
	NetworkSancho,
}

// Networks returns the predefined networks
func Networks() []Network {
	ret := make([]Network, len(networks))
	copy(ret, networks)
	return ret
}

// NetworkByName returns a predefined network by name
func NetworkByName(name string) (Network, bool) {
	for _, network := range networks {
		if network.Name == name {
			return network, true
		}
	}
	return Network{}, false
}

// NetworkByNetworkMagic returns a predefined network by network magic
func NetworkByNetworkMagic(networkMagic uint32) (Network, bool) {
	for _, network := range networks {
		if network.NetworkMagic == networkMagic {
			return network, true
		}
	}
	return Network{}, false
}

// PublicRoot returns the host:port of the network's public relay, or an empty string
func (n Network) PublicRoot() string {
	if n.PublicRootAddress == "" {
		return ""
	}
	return net.JoinHostPort(
		n.PublicRootAddress,
		strconv.FormatUint(uint64(n.PublicRootPort), 10),
	)
}

func (n Network) String() string {
	return n.Name
}
