package security

import "encoding/json"

// deniedSyscalls is the syscall deny-list enforced on execution containers.
// Everything not listed follows the engine's default allow action; the list
// blocks mount manipulation, tracing, kernel module loading, time setting,
// keyring and raw memory access, and namespace escapes.
var deniedSyscalls = []string{
	"acct",
	"add_key",
	"adjtimex",
	"bpf",
	"chroot",
	"clock_adjtime",
	"clock_settime",
	"create_module",
	"delete_module",
	"finit_module",
	"get_mempolicy",
	"init_module",
	"io_uring_enter",
	"io_uring_register",
	"io_uring_setup",
	"kcmp",
	"kexec_file_load",
	"kexec_load",
	"keyctl",
	"lookup_dcookie",
	"mbind",
	"migrate_pages",
	"mknod",
	"mknodat",
	"mount",
	"move_mount",
	"move_pages",
	"nfsservctl",
	"open_by_handle_at",
	"perf_event_open",
	"pivot_root",
	"process_vm_readv",
	"process_vm_writev",
	"ptrace",
	"query_module",
	"quotactl",
	"reboot",
	"request_key",
	"set_mempolicy",
	"setns",
	"settimeofday",
	"swapoff",
	"swapon",
	"umount2",
	"unshare",
	"userfaultfd",
	"uselib",
	"ustat",
}

type seccompPolicy struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// seccompPolicyJSON renders the deny-list to the JSON format the engine
// accepts inline in a "seccomp=" security option.
func seccompPolicyJSON() string {
	policy := seccompPolicy{
		DefaultAction: "SCMP_ACT_ALLOW",
		Syscalls: []seccompSyscall{
			{Names: deniedSyscalls, Action: "SCMP_ACT_ERRNO"},
		},
	}

	data, err := json.Marshal(policy)
	if err != nil {
		// The policy is a static value, marshaling cannot fail.
		panic(err)
	}
	return string(data)
}
