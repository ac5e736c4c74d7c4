package security

import (
	"fmt"

	"github.com/isdmx/runbox/config"
)

// Profile is the complete set of sandboxing restrictions applied uniformly to
// every execution container. It is immutable after Build.
type Profile struct {
	// Capabilities
	CapDrop []string
	CapAdd  []string

	// SeccompJSON is the rendered seccomp policy, suitable for the engine's
	// "seccomp=" security option.
	SeccompJSON string

	// Filesystem
	ReadOnlyRootfs bool
	Tmpfs          map[string]string

	// Resource ceilings
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	NofileLimit int64

	// Identity
	UID int
	GID int

	NoNewPrivileges bool
}

// User returns the numeric user specification for the engine.
func (p *Profile) User() string {
	return fmt.Sprintf("%d:%d", p.UID, p.GID)
}

// Builder assembles Profiles from static configuration.
type Builder struct {
	cfg *config.Config
}

// NewBuilder creates a profile builder bound to the given configuration.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build assembles the hardening profile. It is deterministic and cannot fail;
// any downstream application failure is reported by the container pool.
func (b *Builder) Build() *Profile {
	sec := b.cfg.Security
	return &Profile{
		CapDrop: []string{"ALL"},
		// pip and a handful of interpreters still need setuid/setgid at
		// install time; everything else stays dropped.
		CapAdd:      []string{"SETUID", "SETGID"},
		SeccompJSON: seccompPolicyJSON(),

		ReadOnlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":     fmt.Sprintf("rw,noexec,nosuid,size=%dm", sec.TmpSizeMB),
			"/var/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%dm", sec.VarTmpSizeMB),
		},

		MemoryBytes: b.cfg.MemoryLimitBytes(),
		NanoCPUs:    int64(sec.CPUs * 1e9),
		PidsLimit:   sec.PidsLimit,
		NofileLimit: sec.NofileLimit,

		UID: sec.UID,
		GID: sec.GID,

		NoNewPrivileges: true,
	}
}
