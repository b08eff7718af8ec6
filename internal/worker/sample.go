package worker

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// resourceSampler reads the worker's own RSS and CPU usage for heartbeat
// frames. Samples are best effort: a nil pointer means that reading was
// unavailable and the heartbeat goes out bare.
type resourceSampler struct {
	proc *process.Process
}

func newResourceSampler(pid int) *resourceSampler {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return &resourceSampler{}
	}
	return &resourceSampler{proc: proc}
}

func (s *resourceSampler) sample(ctx context.Context) (rssMB, cpuPct *float64) {
	if s == nil || s.proc == nil {
		return nil, nil
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		v := float64(mem.RSS) / (1 << 20)
		rssMB = &v
	}
	// Interval 0 measures against the previous call; the first sample covers
	// the process lifetime so far.
	if pct, err := s.proc.PercentWithContext(ctx, 0); err == nil {
		cpuPct = &pct
	}
	return rssMB, cpuPct
}
