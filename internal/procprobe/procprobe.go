// Package procprobe enumerates local agent-runtime processes for
// diagnostics and leak detection, and lets the Profile Lock check whether a
// lock file's recorded holder pid is still alive.
package procprobe

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo is one observed agent-runtime process.
type ProcessInfo struct {
	PID       int32
	RSSBytes  uint64
	Cmdline   string
	CreatedAt int64 // unix millis
}

// Probe enumerates host processes.
type Probe struct{}

// New creates a Probe.
func New() *Probe { return &Probe{} }

// ListAgentRuntimeProcesses returns every running process whose command
// line contains runtimeBinary (e.g. "opencode-runtime"), for the Process
// Probe's diagnostics and duplicate-worker detection (spec §7).
func (p *Probe) ListAgentRuntimeProcesses(runtimeBinary string) ([]ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	var out []ProcessInfo
	for _, proc := range procs {
		cmdline, err := proc.Cmdline()
		if err != nil || !strings.Contains(cmdline, runtimeBinary) {
			continue
		}

		info := ProcessInfo{PID: proc.Pid, Cmdline: cmdline}
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			info.RSSBytes = memInfo.RSS
		}
		if createdAt, err := proc.CreateTime(); err == nil {
			info.CreatedAt = createdAt
		}
		out = append(out, info)
	}
	return out, nil
}

// IsAlive reports whether pid currently names a running process, used by the
// Profile Lock to decide whether a lock file's recorded holder is stale.
func (p *Probe) IsAlive(pid int32) bool {
	running, err := process.PidExists(pid)
	if err != nil {
		return false
	}
	return running
}
