package engine

import "github.com/docker/docker/api/types"

// snapshotFromStats extracts the counters the orchestrator reports from a raw
// engine stats payload. Counters the engine did not populate stay nil.
func snapshotFromStats(raw *types.StatsJSON) *StatsSnapshot {
	snap := &StatsSnapshot{}

	if cpu := raw.CPUStats.CPUUsage; cpu.TotalUsage > 0 || cpu.UsageInUsermode > 0 || cpu.UsageInKernelmode > 0 {
		user := cpu.UsageInUsermode
		system := cpu.UsageInKernelmode
		snap.CPUUserNanos = &user
		snap.CPUSystemNanos = &system
	}

	if raw.MemoryStats.Usage > 0 || raw.MemoryStats.MaxUsage > 0 {
		usage := raw.MemoryStats.Usage
		peak := raw.MemoryStats.MaxUsage
		snap.MemoryBytes = &usage
		snap.MemoryPeakBytes = &peak
	}

	if entries := raw.BlkioStats.IoServiceBytesRecursive; len(entries) > 0 {
		var read, write uint64
		for _, e := range entries {
			switch e.Op {
			case "Read", "read":
				read += e.Value
			case "Write", "write":
				write += e.Value
			}
		}
		snap.BlockReadBytes = &read
		snap.BlockWriteBytes = &write
	}

	if len(raw.Networks) > 0 {
		var rx, tx uint64
		for _, n := range raw.Networks {
			rx += n.RxBytes
			tx += n.TxBytes
		}
		snap.NetworkRxBytes = &rx
		snap.NetworkTxBytes = &tx
	}

	if raw.PidsStats.Current > 0 {
		pids := raw.PidsStats.Current
		snap.PIDs = &pids
	}

	return snap
}
