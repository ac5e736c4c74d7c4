package security

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			MemoryLimit:  "512m",
			CPUs:         0.5,
			PidsLimit:    50,
			NofileLimit:  64,
			UID:          1000,
			GID:          1000,
			TmpSizeMB:    50,
			VarTmpSizeMB: 50,
		},
	}
}

func TestBuild(t *testing.T) {
	profile := NewBuilder(testConfig()).Build()

	t.Run("Capabilities", func(t *testing.T) {
		assert.Equal(t, []string{"ALL"}, profile.CapDrop)
		assert.ElementsMatch(t, []string{"SETUID", "SETGID"}, profile.CapAdd)
	})

	t.Run("Filesystem", func(t *testing.T) {
		assert.True(t, profile.ReadOnlyRootfs)
		assert.Contains(t, profile.Tmpfs, "/tmp")
		assert.Contains(t, profile.Tmpfs, "/var/tmp")
		assert.Contains(t, profile.Tmpfs["/tmp"], "noexec")
		assert.Contains(t, profile.Tmpfs["/tmp"], "size=50m")
	})

	t.Run("ResourceCeilings", func(t *testing.T) {
		assert.Equal(t, int64(512*1024*1024), profile.MemoryBytes)
		assert.Equal(t, int64(5e8), profile.NanoCPUs)
		assert.Equal(t, int64(50), profile.PidsLimit)
		assert.Equal(t, int64(64), profile.NofileLimit)
	})

	t.Run("NonRootUser", func(t *testing.T) {
		assert.Equal(t, "1000:1000", profile.User())
		assert.True(t, profile.NoNewPrivileges)
	})
}

func TestBuildDeterministic(t *testing.T) {
	b := NewBuilder(testConfig())
	first := b.Build()
	second := b.Build()
	assert.Equal(t, first, second)
}

func TestSeccompPolicy(t *testing.T) {
	profile := NewBuilder(testConfig()).Build()

	var policy seccompPolicy
	require.NoError(t, json.Unmarshal([]byte(profile.SeccompJSON), &policy))

	assert.Equal(t, "SCMP_ACT_ALLOW", policy.DefaultAction)
	require.Len(t, policy.Syscalls, 1)
	assert.Equal(t, "SCMP_ACT_ERRNO", policy.Syscalls[0].Action)

	// Spot-check the dangerous syscalls the policy must block.
	for _, name := range []string{"mount", "ptrace", "init_module", "settimeofday", "keyctl", "process_vm_readv"} {
		assert.Contains(t, policy.Syscalls[0].Names, name)
	}
	assert.GreaterOrEqual(t, len(policy.Syscalls[0].Names), 40)
}
