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

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags
var (
	Version    = "devel"
	CommitHash = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of ouroboros-agent",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ouroboros-agent version %s (commit %s)\n", Version, CommitHash)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
