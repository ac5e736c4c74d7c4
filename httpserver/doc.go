// Package httpserver exposes the platform over HTTP: the execution API
// under /api/v1, the reverse proxy under /proxy, health, and Prometheus
// metrics. The server shuts down gracefully through the application
// lifecycle.
package httpserver
