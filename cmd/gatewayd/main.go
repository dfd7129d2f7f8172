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

// Command gatewayd runs the HTTP/CONNECT proxy gateway: it loads a profile
// (basic settings, rules, MitM config, policies, and policy groups), then
// serves inbound connections until terminated.
package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
)

func main() {
	bootstrapLogger, _ := zap.NewProduction()

	undo, err := maxprocs.Set(maxprocs.Logger(bootstrapLogger.Sugar().Infof))
	defer undo()
	if err != nil {
		bootstrapLogger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(bootstrapLogger.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	_ = bootstrapLogger.Sync()

	if err := rootCommand().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

// exitError carries a specific process exit code out of a subcommand's
// RunE, the way the caddy command's CommandFunc wrapper does.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exiting with non-zero status"
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }
