// Package security builds the hardening profile applied to every execution container.
//
// The security package assembles a least-privilege Profile from static
// configuration: dropped capabilities with a minimal add-back, a seccomp
// deny-list rendered to the engine's JSON format, a read-only root filesystem
// with scoped tmpfs mounts, resource ceilings, and a mandatory non-root user.
// The profile is built once at process start and never mutated; applying it to
// a container is the pool's responsibility.
package security
