// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It covers the HTTP and MCP server settings,
// container engine connection, security ceilings applied to execution
// containers, the proxy port range, and reverse proxy tuning.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("HTTP addr: %s\n", cfg.Server.HTTPAddr)
package config
