// Copyright 2015 Matthew Holt and The Caddy Authors
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
	"github.com/spf13/cobra"
)

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "gatewayd is an HTTP/CONNECT proxy gateway",
		Long: `gatewayd loads a profile (basic settings, rules, MitM config,
policies, and policy groups) and serves inbound HTTP/CONNECT proxy
connections, dispatching each to the policy its rules resolve.

	$ gatewayd run --config profile.yaml

Use 'gatewayd validate' to check a profile without starting the gateway,
and 'gatewayd version' to print build information.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCommand())
	root.AddCommand(validateCommand())
	root.AddCommand(versionCommand())

	return root
}
