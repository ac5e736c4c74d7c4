// Package pool owns execution container identity and lifecycle.
//
// Containers are created under the security profile, registered by their
// canonical package signature, and reused across executions: at most one
// container exists per signature at a time. Creation for a never-before-seen
// signature is collapsed through singleflight so concurrent identical
// requests share one container. A container found Stopped under its
// signature is restarted in place rather than replaced.
//
// When a web service is detected the pool re-creates the container with the
// leased host port mapped and launches the service's start command detached;
// waiting for the service to bind its port is the proxy's job.
package pool
