package metrics

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample holds a point-in-time resource reading for one OS process.
// Used by the provider health surface and by supervisor status reporting.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryKB   int64     `json:"memory_kb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads CPU and memory usage for pid.
func SampleProcess(pid int) (ProcessSample, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessSample{}, fmt.Errorf("process %d: %w", pid, err)
	}
	s := ProcessSample{PID: int32(pid), Timestamp: time.Now()}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		s.MemoryRSS = mem.RSS
		s.MemoryKB = int64(mem.RSS / 1024)
	}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		s.NumThreads = n
	}
	return s, nil
}
