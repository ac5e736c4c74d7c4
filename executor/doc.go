// Package executor orchestrates code executions end to end: it acquires a
// pooled container, classifies the submission, and either runs it as a
// script under a wall-clock timeout or promotes it to a hosted web service
// reachable through the reverse proxy.
package executor
