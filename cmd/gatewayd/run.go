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
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hdtls/gatewayd/internal/coordinator"
	"github.com/hdtls/gatewayd/internal/dialer"
	"github.com/hdtls/gatewayd/internal/gatewaylog"
	"github.com/hdtls/gatewayd/internal/geoip"
	"github.com/hdtls/gatewayd/internal/httpproxy"
	"github.com/hdtls/gatewayd/internal/policy"
	"github.com/hdtls/gatewayd/internal/profile"
	"github.com/hdtls/gatewayd/internal/rule"
	"github.com/hdtls/gatewayd/internal/socksproxy"
)

func runCommand() *cobra.Command {
	var (
		configPath      string
		geoipDBPath     string
		storePath       string
		acceptProxyProt bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), runOptions{
				configPath:      configPath,
				geoipDBPath:     geoipDBPath,
				storePath:       storePath,
				acceptProxyProt: acceptProxyProt,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the profile file (required)")
	cmd.Flags().StringVar(&geoipDBPath, "geoip-db", "", "path to a MaxMind GeoIP2/GeoLite2 country database")
	cmd.Flags().StringVar(&storePath, "store", "", "path to a bbolt database persisting policy group selections")
	cmd.Flags().BoolVar(&acceptProxyProt, "proxy-protocol", false, "accept PROXY protocol v1/v2 headers on inbound connections")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

type runOptions struct {
	configPath      string
	geoipDBPath     string
	storePath       string
	acceptProxyProt bool
}

func runGateway(ctx context.Context, opts runOptions) error {
	prof, err := profile.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	logger, err := gatewaylog.Build(gatewaylog.Config{Level: prof.BasicSettings.LogLevel})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	var geoLookup rule.IpCountryLookup
	if opts.geoipDBPath != "" {
		reader, err := geoip.Open(opts.geoipDBPath)
		if err != nil {
			return fmt.Errorf("opening geoip database: %w", err)
		}
		defer reader.Close()
		geoLookup = reader
	}

	var store *policy.Store
	if opts.storePath != "" {
		store, err = policy.OpenStore(opts.storePath)
		if err != nil {
			return fmt.Errorf("opening policy store: %w", err)
		}
	}

	factory := dialer.NewProtocolBuilder(nil)
	registry, err := policy.New(prof.Policies, prof.Groups, factory, store)
	if err != nil {
		return fmt.Errorf("building policy registry: %w", err)
	}

	matcher := rule.NewMatcher(1, prof.Rules, geoLookup, 4096)

	httpRecipient := httpproxy.New(httpproxy.Config{
		Matcher:           matcher,
		Registry:          registry,
		PasswordReference: prof.BasicSettings.PasswordReference,
		AuthRequired:      prof.BasicSettings.AuthRequired,
		BytesPerSecond:    prof.BasicSettings.BandwidthLimitBytesPerSecond,
		Logger:            logger,
	})

	socksRecipient := socksproxy.New(socksproxy.Config{
		Matcher:           matcher,
		Registry:          registry,
		PasswordReference: prof.BasicSettings.PasswordReference,
		AuthRequired:      prof.BasicSettings.AuthRequired,
		BytesPerSecond:    prof.BasicSettings.BandwidthLimitBytesPerSecond,
		Logger:            logger,
	})

	httpAddr := net.JoinHostPort(prof.BasicSettings.HTTPListenAddress, portString(prof.BasicSettings.HTTPListenPort))
	httpCo := coordinator.New(coordinator.Config{
		Address:             httpAddr,
		Logger:              logger.Named("http"),
		AcceptProxyProtocol: opts.acceptProxyProt,
	}, httpRecipient)

	socksAddr := net.JoinHostPort(prof.BasicSettings.SOCKSListenAddress, portString(prof.BasicSettings.SOCKSListenPort))
	socksCo := coordinator.New(coordinator.Config{
		Address:             socksAddr,
		Logger:              logger.Named("socks"),
		AcceptProxyProtocol: opts.acceptProxyProt,
	}, socksRecipient)

	logger.Info("starting gateway",
		zap.String("http_address", httpAddr),
		zap.String("socks_address", socksAddr),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return httpCo.Serve(egCtx) })
	eg.Go(func() error { return socksCo.Serve(egCtx) })
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func portString(port uint16) string {
	return fmt.Sprintf("%d", port)
}
