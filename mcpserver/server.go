package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/executor"
)

// Runner executes submitted code. It is implemented by executor.Executor.
type Runner interface {
	Run(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Runner
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, ex Runner) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: ex,
	}

	s.mcpServer = server.NewMCPServer("runbox", "A sandboxed Python code execution server")
	s.registerExecuteCodeTool()

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Execute Python code in a sandboxed container. Code that starts a supported web framework (streamlit, fastapi, flask, dash) is hosted and the result includes its proxy URL.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code to execute",
				},
				"packages": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "pip packages to install before execution (optional)",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Wall-clock timeout for the execution (optional)",
				},
				"container_id": map[string]any{
					"type":        "string",
					"description": "Reuse a specific container by id (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	packages := request.GetStringSlice("packages", nil)
	timeoutSec := request.GetFloat("timeout_seconds", 0)
	containerID := request.GetString("container_id", "")

	s.logger.Info("code execution requested",
		zap.Int("packages", len(packages)),
		zap.Float64("timeout_seconds", timeoutSec),
		zap.String("container_id", containerID))

	result, err := s.executor.Run(ctx, executor.Request{
		Code:        code,
		Packages:    packages,
		Timeout:     time.Duration(timeoutSec * float64(time.Second)),
		ContainerID: containerID,
	})
	if err != nil {
		s.logger.Error("execution failed", zap.Error(err))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Execution failed: %v", err),
				},
			},
			IsError: true,
		}, nil
	}

	s.logger.Info("code execution completed",
		zap.Bool("success", result.Success),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("web_service", result.WebService != nil))

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(resultJSON),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.MCPHTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
