// Package engine is the container engine boundary.
//
// The engine package wraps the Docker Engine API behind the Client interface:
// image building with requested packages baked in, hardened container
// creation, exec with streamed output, one-shot resource statistics, and
// teardown. All calls target a single configured engine endpoint; failure to
// reach it is surfaced as ErrEngineUnavailable and never retried here.
//
// Components above the engine (pool, executor) depend only on the Client
// interface, which keeps them testable against fakes.
package engine
