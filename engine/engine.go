package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/isdmx/runbox/security"
)

// ErrEngineUnavailable indicates the container engine endpoint could not be
// reached. It is fatal for the call and not retried by the core.
var ErrEngineUnavailable = errors.New("container engine unavailable")

// PackageInstallError reports a failed package installation during image
// build, carrying the installer's output.
type PackageInstallError struct {
	Packages []string
	Output   string
}

func (e *PackageInstallError) Error() string {
	return fmt.Sprintf("package installation failed for %v: %s", e.Packages, e.Output)
}

// PortMapping maps a container-internal port to a leased host port.
type PortMapping struct {
	Internal int
	External int
}

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	Name  string
	Image string
	Cmd   []string
	Env   []string

	// NetworkEnabled switches the container from the isolated "none" network
	// to the bridge network. Only web-service containers get network access.
	NetworkEnabled bool

	// Port is the host port mapping for web-service containers, nil otherwise.
	Port *PortMapping

	Profile *security.Profile
}

// ExecResult holds the captured output of a completed in-container command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// StatsSnapshot is a one-shot reading of a container's resource counters.
// A nil field means that metric could not be read; absence never fails the
// snapshot as a whole.
type StatsSnapshot struct {
	CPUUserNanos   *uint64
	CPUSystemNanos *uint64

	MemoryBytes     *uint64
	MemoryPeakBytes *uint64

	BlockReadBytes  *uint64
	BlockWriteBytes *uint64

	NetworkRxBytes *uint64
	NetworkTxBytes *uint64

	PIDs *uint64
}

// Client is the engine operations surface consumed by the pool and the
// executor.
type Client interface {
	// Ping verifies the engine endpoint is reachable.
	Ping(ctx context.Context) error

	// EnsureImage builds (or reuses) an image with the given packages
	// installed and returns its tag. The signature is the canonical package
	// signature used to derive a stable tag.
	EnsureImage(ctx context.Context, signature string, packages []string) (string, error)

	// CreateContainer creates and starts a container from the spec, returning
	// the engine container id.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a stopped container in place.
	StartContainer(ctx context.Context, id string) error

	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error

	// ContainerRunning reports whether the container exists and is running.
	ContainerRunning(ctx context.Context, id string) (bool, error)

	// WriteFile places a file into the container at dir/name.
	WriteFile(ctx context.Context, id, dir, name string, content []byte) error

	// Exec runs cmd inside the container, blocking until it completes or ctx
	// is done. On ctx expiry the returned error wraps ctx.Err(); the caller
	// decides what to kill.
	Exec(ctx context.Context, id string, cmd []string, env []string) (*ExecResult, error)

	// ExecDetached issues cmd inside the container without waiting for it.
	ExecDetached(ctx context.Context, id string, cmd []string, env []string) error

	// Stats takes a one-shot resource snapshot of the container.
	Stats(ctx context.Context, id string) (*StatsSnapshot, error)

	Close() error
}
