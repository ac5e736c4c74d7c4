// Package portalloc leases host ports for proxied web services.
//
// The allocator hands out exclusive leases from a fixed ephemeral range
// (9000-9999 by default). Candidates are picked uniformly, verified with a
// bind-and-release probe on the host, and retried on conflict up to a bounded
// attempt count. Releasing a lease is idempotent; all state is guarded by a
// single mutex so allocation and release are atomic with respect to each
// other.
package portalloc
