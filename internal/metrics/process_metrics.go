package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessUsage holds CPU and memory figures for the running asrtd process
type ProcessUsage struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
	NumFDs     int32   `json:"num_fds,omitempty"` // Unix only
}

// SelfUsage samples the current process.
func SelfUsage(ctx context.Context) (ProcessUsage, error) {
	pid := int32(os.Getpid()) // #nosec G115
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessUsage{}, fmt.Errorf("failed to create process handle: %w", err)
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessUsage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := ProcessUsage{PID: pid, MemoryRSS: memInfo.RSS}

	// Averaged over the process lifetime.
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Attrs renders u for the verbose end-of-command log line.
func (u ProcessUsage) Attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("rss", humanize.IBytes(u.MemoryRSS)),
		slog.String("cpu", fmt.Sprintf("%.1f%%", u.CPUPercent)),
		slog.Int("threads", int(u.NumThreads)),
	}
	if u.NumFDs > 0 {
		attrs = append(attrs, slog.Int("fds", int(u.NumFDs)))
	}
	return attrs
}
