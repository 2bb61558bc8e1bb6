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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	configFile   string
	network      string
	networkMagic uint32
	address      string
	socket       string
	ntn          bool
	logLevel     string
}

var global globalFlags

var rootCmd = &cobra.Command{
	Use:          "ouroboros-agent",
	Short:        "Ouroboros mini-protocol client and server",
	Long:         `ouroboros-agent speaks the Cardano node-to-node and node-to-client mini-protocols over TCP or UNIX sockets.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&global.configFile, "config", "c", "", "path to YAML config file")
	pf.StringVar(&global.network, "network", "", "named network (mainnet, preprod, preview, sanchonet)")
	pf.Uint32Var(&global.networkMagic, "network-magic", 0, "network magic value. this overrides --network")
	pf.StringVar(&global.address, "address", "", "TCP address to connect to in address:port format")
	pf.StringVar(&global.socket, "socket", "", "UNIX socket path to connect to")
	pf.BoolVar(&global.ntn, "ntn", false, "use node-to-node protocol (defaults to node-to-client)")
	pf.StringVar(&global.logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
