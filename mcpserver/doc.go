// Package mcpserver exposes code execution over the Model Context Protocol.
//
// It uses the mark3labs/mcp-go library to handle the protocol details and
// provides the execute_code tool: submitted code runs in a pooled container
// and the full execution result, including any started web service, comes
// back as JSON. The server supports stdio and streamable HTTP transports.
package mcpserver
