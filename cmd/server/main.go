// Package main is the entry point for the runbox server.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/executor"
	"github.com/isdmx/runbox/httpserver"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/pool"
	"github.com/isdmx/runbox/portalloc"
	"github.com/isdmx/runbox/proxy"
	"github.com/isdmx/runbox/security"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Container engine
			engine.NewDockerClient,
			func(c *engine.DockerClient) engine.Client { return c },

			// Hardening applied to every container
			func(cfg *config.Config) *security.Profile {
				return security.NewBuilder(cfg).Build()
			},

			// Host port leases for web services
			func(cfg *config.Config, log *zap.Logger) *portalloc.Allocator {
				return portalloc.New(log, cfg.Ports.Min, cfg.Ports.Max, cfg.Ports.MaxAttempts)
			},

			// Container pool
			pool.NewManager,

			// Reverse proxy
			proxy.NewRegistry,
			proxy.NewRouter,

			// Prometheus collectors
			metrics.NewCollector,

			// Execution orchestrator
			executor.New,

			// Surfaces
			httpserver.New,
			func(ex *executor.Executor) mcpserver.Runner { return ex },
			mcpserver.New,
		),

		fx.Invoke(registerHooks),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// registerHooks ties the servers and the container pool to the application
// lifecycle.
func registerHooks(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	client engine.Client,
	srv *httpserver.Server,
	mcp *mcpserver.MCPServer,
	ex *executor.Executor,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx); err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}

			switch cfg.Server.MCPTransport {
			case "stdio":
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("mcp stdio server failed", zap.Error(err))
					}
				}()
			case "http":
				go func() {
					if err := mcp.ServeHTTP(); err != nil {
						log.Error("mcp http server failed", zap.Error(err))
					}
				}()
			case "", "none":
			default:
				log.Warn("unknown mcp transport, not starting MCP server",
					zap.String("transport", cfg.Server.MCPTransport))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				log.Warn("http server shutdown failed", zap.Error(err))
			}
			if err := ex.RemoveAll(ctx); err != nil {
				log.Warn("container teardown failed", zap.Error(err))
			}
			return client.Close()
		},
	})
}
