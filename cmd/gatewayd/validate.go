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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hdtls/gatewayd/internal/dialer"
	"github.com/hdtls/gatewayd/internal/policy"
	"github.com/hdtls/gatewayd/internal/profile"
)

func validateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a profile without starting the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := profile.Load(configPath)
			if err != nil {
				return &exitError{code: 1, err: err}
			}

			factory := dialer.NewProtocolBuilder(nil)
			if _, err := policy.New(prof.Policies, prof.Groups, factory, nil); err != nil {
				return &exitError{code: 1, err: fmt.Errorf("building policy registry: %w", err)}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "profile is valid: %d rule(s), %d polic(ies), %d group(s)\n",
				len(prof.Rules), len(prof.Policies), len(prof.Groups))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the profile file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
