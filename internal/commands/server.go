// Copyright 2025 Tom Barlow
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

package commands

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/huginn/huginn"
	"github.com/huginn/huginn/internal/api"
	"github.com/huginn/huginn/internal/config"
	"github.com/huginn/huginn/internal/export"
	"github.com/huginn/huginn/internal/metrics"
)

// NewServerCommand creates the server command: the full runtime (store,
// worker, ingestion facade) plus the read-only HTTP API in front of it.
func NewServerCommand(env *Env) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the huginn query API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, file, err := env.load()
			if err != nil {
				return err
			}
			logger := env.logger()

			var opts []huginn.Option
			opts = append(opts, huginn.WithLogger(logger))
			if ep := otlpEndpoint(file); ep.Endpoint != "" || ep.Type == "console" {
				otel, err := export.NewOTel(cmd.Context(), ep)
				if err != nil {
					return err
				}
				opts = append(opts, huginn.WithExporter(otel))
			}

			rt, err := huginn.Open(cmd.Context(), cfg, opts...)
			if err != nil {
				return err
			}
			defer rt.Shutdown(context.Background())

			collector, err := metrics.NewCollector(rt.Queue(), rt.Worker(), rt.StorageExporter())
			if err != nil {
				return err
			}
			defer collector.Shutdown(context.Background())

			rateLimit := file.Server.RateLimitPerMinute
			if rateLimit == 0 {
				rateLimit = 100
			}
			if v := os.Getenv("TRACE_RATE_LIMIT_PER_MINUTE"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					rateLimit = n
				}
			}

			router := api.NewRouter(api.RouterConfig{
				Version:            env.Version,
				APIKey:             os.Getenv("TRACE_API_KEY"),
				APIKeyHash:         file.Server.APIKeyHash,
				RateLimitPerMinute: rateLimit,
				CORSOrigins:        file.Server.CORSOrigins,
			}, rt.Store(), logger, collector.Handler())

			if host == "" {
				host = file.Server.Host
			}
			if host == "" {
				host = "127.0.0.1"
			}
			if port == 0 {
				port = file.Server.Port
			}
			if port == 0 {
				port = 8714
			}

			srv := api.NewServer(host, port, router, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			return srv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen address (default 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (default 8714)")
	return cmd
}

func otlpEndpoint(f *config.File) export.OTLPConfig {
	cfg := export.OTLPConfig{
		Type:     f.OTLP.Type,
		Endpoint: f.OTLP.Endpoint,
		Insecure: f.OTLP.Insecure,
		Headers:  f.OTLP.Headers,
	}
	if ep := os.Getenv("TRACE_OTLP_ENDPOINT"); ep != "" {
		cfg.Endpoint = ep
		if cfg.Type == "" {
			cfg.Type = "otlp-grpc"
		}
	}
	return cfg
}
