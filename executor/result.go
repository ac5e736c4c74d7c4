package executor

import (
	"time"

	"github.com/isdmx/runbox/engine"
)

// Request is one code execution submission.
type Request struct {
	Code        string
	Packages    []string
	Timeout     time.Duration
	ContainerID string
	Env         map[string]string
}

// Result is the outcome of one execution, shaped for direct JSON encoding.
type Result struct {
	Success       bool        `json:"success"`
	Output        string      `json:"output,omitempty"`
	Error         string      `json:"error,omitempty"`
	ExitCode      int         `json:"exit_code"`
	ContainerID   string      `json:"container_id"`
	ContainerName string      `json:"container_name"`
	ExecutionTime float64     `json:"execution_time"`
	TimedOut      bool        `json:"timed_out,omitempty"`
	Metrics       *Metrics    `json:"metrics,omitempty"`
	WebService    *WebService `json:"web_service,omitempty"`
}

// WebService describes a hosted service started by an execution.
type WebService struct {
	Type         string `json:"type"`
	InternalPort int    `json:"internal_port"`
	ExternalPort int    `json:"external_port"`
	ProxyURL     string `json:"proxy_url"`
}

// Metrics is the resource usage attributed to one execution. Every field is
// nullable: engines report different stats subsets depending on platform and
// cgroup version, and an absent counter must not be confused with zero.
type Metrics struct {
	CPUUserSeconds   *float64 `json:"cpu_user_seconds,omitempty"`
	CPUSystemSeconds *float64 `json:"cpu_system_seconds,omitempty"`
	MemoryMB         *float64 `json:"memory_mb,omitempty"`
	MemoryPeakMB     *float64 `json:"memory_peak_mb,omitempty"`
	BlockReadBytes   *uint64  `json:"block_read_bytes,omitempty"`
	BlockWriteBytes  *uint64  `json:"block_write_bytes,omitempty"`
	NetworkRxBytes   *uint64  `json:"network_rx_bytes,omitempty"`
	NetworkTxBytes   *uint64  `json:"network_tx_bytes,omitempty"`
	PIDs             *uint64  `json:"pids,omitempty"`
}

// deltaMetrics computes the usage attributable to the execution between two
// snapshots. Counters subtract pre from post; level gauges (memory, pids)
// take the post value. A metric missing on either side stays nil.
func deltaMetrics(pre, post *engine.StatsSnapshot) *Metrics {
	if post == nil {
		return nil
	}

	m := &Metrics{}
	m.CPUUserSeconds = deltaSeconds(preField(pre, func(s *engine.StatsSnapshot) *uint64 { return s.CPUUserNanos }), post.CPUUserNanos)
	m.CPUSystemSeconds = deltaSeconds(preField(pre, func(s *engine.StatsSnapshot) *uint64 { return s.CPUSystemNanos }), post.CPUSystemNanos)
	m.MemoryMB = toMB(post.MemoryBytes)
	m.MemoryPeakMB = toMB(post.MemoryPeakBytes)
	m.BlockReadBytes = deltaCounter(preField(pre, func(s *engine.StatsSnapshot) *uint64 { return s.BlockReadBytes }), post.BlockReadBytes)
	m.BlockWriteBytes = deltaCounter(preField(pre, func(s *engine.StatsSnapshot) *uint64 { return s.BlockWriteBytes }), post.BlockWriteBytes)
	m.NetworkRxBytes = deltaCounter(preField(pre, func(s *engine.StatsSnapshot) *uint64 { return s.NetworkRxBytes }), post.NetworkRxBytes)
	m.NetworkTxBytes = deltaCounter(preField(pre, func(s *engine.StatsSnapshot) *uint64 { return s.NetworkTxBytes }), post.NetworkTxBytes)
	m.PIDs = post.PIDs
	return m
}

func preField(pre *engine.StatsSnapshot, get func(*engine.StatsSnapshot) *uint64) *uint64 {
	if pre == nil {
		return nil
	}
	return get(pre)
}

// deltaCounter subtracts pre from post, clamping at zero in case the counter
// reset between snapshots.
func deltaCounter(pre, post *uint64) *uint64 {
	if pre == nil || post == nil {
		return nil
	}
	var d uint64
	if *post > *pre {
		d = *post - *pre
	}
	return &d
}

func deltaSeconds(pre, post *uint64) *float64 {
	d := deltaCounter(pre, post)
	if d == nil {
		return nil
	}
	sec := float64(*d) / 1e9
	return &sec
}

func toMB(bytes *uint64) *float64 {
	if bytes == nil {
		return nil
	}
	mb := float64(*bytes) / (1024 * 1024)
	return &mb
}
