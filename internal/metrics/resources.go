package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Resources is a resource sample of one OS process.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory usage of pid.
func Sample(pid int32) (Resources, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Resources{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Resources{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	return Resources{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryRSS:  memInfo.RSS,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}, nil
}

// ResourceCollector periodically samples the fleet and publishes the
// results as gauges. It also keeps the latest sample per service.
type ResourceCollector struct {
	interval time.Duration
	pids     func() map[string]int32

	mu     sync.RWMutex
	latest map[string]Resources
}

func NewResourceCollector(interval time.Duration, pids func() map[string]int32) *ResourceCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceCollector{interval: interval, pids: pids, latest: map[string]Resources{}}
}

// Run samples until ctx is canceled.
func (c *ResourceCollector) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Collect()
		}
	}
}

// Collect takes one sample of every live service.
func (c *ResourceCollector) Collect() {
	active := c.pids()
	next := make(map[string]Resources, len(active))
	for name, pid := range active {
		if pid <= 0 {
			continue
		}
		r, err := Sample(pid)
		if err != nil {
			slog.Debug("resource sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		next[name] = r
		SetResources(name, r.MemoryRSS, r.CPUPercent)
	}
	c.mu.Lock()
	for name := range c.latest {
		if _, ok := next[name]; !ok {
			ForgetResources(name)
		}
	}
	c.latest = next
	c.mu.Unlock()
}

// Get returns the latest sample of a service.
func (c *ResourceCollector) Get(name string) (Resources, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.latest[name]
	return r, ok
}
