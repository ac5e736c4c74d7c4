package integration

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/detect"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/executor"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/pool"
	"github.com/isdmx/runbox/portalloc"
	"github.com/isdmx/runbox/proxy"
	"github.com/isdmx/runbox/security"
)

// TestIntegrationConfigLoggerSecurity tests the integration between the
// config, logger, and security packages
func TestIntegrationConfigLoggerSecurity(t *testing.T) {
	t.Run("ConfigAndLoggerIntegration", func(t *testing.T) {
		cfg := &config.Config{
			Logging: config.LoggingConfig{
				Mode:  "development",
				Level: "debug",
			},
		}

		testLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)
		require.NotNil(t, testLogger)

		testLogger.Info("Integration test started")
		_ = testLogger.Sync()
	})

	t.Run("ConfigSecurityProfileIntegration", func(t *testing.T) {
		cfg := &config.Config{
			Security: config.SecurityConfig{
				MemoryLimit:  "256m",
				CPUs:         0.25,
				PidsLimit:    50,
				NofileLimit:  64,
				UID:          1000,
				GID:          1000,
				TmpSizeMB:    50,
				VarTmpSizeMB: 50,
			},
		}

		profile := security.NewBuilder(cfg).Build()
		require.NotNil(t, profile)
		assert.Equal(t, int64(256*1024*1024), profile.MemoryBytes)
		assert.Equal(t, "1000:1000", profile.User())
		assert.NotEmpty(t, profile.SeccompJSON)
	})
}

// TestIntegrationDetectStartCommands checks that every detectable framework
// produces a runnable start command
func TestIntegrationDetectStartCommands(t *testing.T) {
	cases := []struct {
		packages []string
		code     string
		want     detect.ServiceType
	}{
		{[]string{"streamlit"}, "import streamlit as st", detect.TypeStreamlit},
		{[]string{"fastapi", "uvicorn"}, "from fastapi import FastAPI", detect.TypeFastAPI},
		{[]string{"flask"}, "from flask import Flask", detect.TypeFlask},
		{[]string{"dash", "plotly"}, "import dash", detect.TypeDash},
	}

	for _, tc := range cases {
		desc, ok := detect.Detect(tc.code, tc.packages)
		require.True(t, ok, string(tc.want))
		assert.Equal(t, tc.want, desc.Type)
		assert.Contains(t, desc.StartCommand("/tmp/app.py"), "/tmp/app.py")
	}
}

// TestIntegrationDockerEngine runs a real execution against the local
// Docker daemon and is skipped unless RUNBOX_INTEGRATION is set
func TestIntegrationDockerEngine(t *testing.T) {
	if os.Getenv("RUNBOX_INTEGRATION") == "" {
		t.Skip("set RUNBOX_INTEGRATION to run Docker integration tests")
	}

	cfg, err := config.New()
	require.NoError(t, err)

	testLogger, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)

	client, err := engine.NewDockerClient(cfg, testLogger)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx))

	ports := portalloc.New(testLogger, cfg.Ports.Min, cfg.Ports.Max, cfg.Ports.MaxAttempts)
	p := pool.NewManager(client, security.NewBuilder(cfg).Build(), ports, testLogger)
	registry := proxy.NewRegistry()
	ex := executor.New(cfg, p, client, ports, registry, metrics.NewCollector(), testLogger)
	defer func() {
		assert.NoError(t, ex.RemoveAll(ctx))
	}()

	res, err := ex.Run(ctx, executor.Request{Code: `print("hi")`})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi\n", res.Output)
	assert.Equal(t, 0, res.ExitCode)

	// A second run reuses the same container.
	again, err := ex.Run(ctx, executor.Request{Code: `print("again")`})
	require.NoError(t, err)
	assert.Equal(t, res.ContainerID, again.ContainerID)
}
