// Package metrics periodically logs process resource usage alongside the
// store's write counters.
package metrics

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// CounterFunc reads the current value of a monotonically increasing counter
type CounterFunc func() int64

// Snapshot is one sample
type Snapshot struct {
	Timestamp  time.Time
	SysCPU     float64 // system-wide CPU usage (0-100%)
	ProcCPU    float64 // this process, can exceed 100% on multi-core
	IOWait     float64
	RSSBytes   uint64
	MemPercent float64

	Counters map[string]int64
	Rates    map[string]float64 // per second since the previous sample
}

// Collector samples resource usage and registered counters on an interval
type Collector struct {
	interval time.Duration
	log      *zap.Logger
	proc     *process.Process
	now      func() time.Time

	mu       sync.Mutex
	counters map[string]CounterFunc
	last     *Snapshot
	lastCPU  cpu.TimesStat
	hasCPU   bool
}

// NewCollector creates a collector logging every interval. Intervals under
// a second fall back to thirty seconds.
func NewCollector(interval time.Duration, log *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		log:      log,
		proc:     proc,
		now:      time.Now,
		counters: make(map[string]CounterFunc),
	}
}

// Register adds a counter reported under name
func (c *Collector) Register(name string, fn CounterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = fn
}

// Start logs a sample every interval until ctx is cancelled. A final sample
// is logged on the way out.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Sample()

	for {
		select {
		case <-ctx.Done():
			c.report(c.Sample())
			c.log.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.report(c.Sample())
		}
	}
}

// Last returns the most recent sample, or nil before the first one
func (c *Collector) Last() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Sample takes a snapshot now
func (c *Collector) Sample() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Snapshot{
		Timestamp: c.now(),
		Counters:  make(map[string]int64, len(c.counters)),
		Rates:     make(map[string]float64, len(c.counters)),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.SysCPU = pct[0]
	}
	s.IOWait = c.ioWait()
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcCPU = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			s.RSSBytes = info.RSS
		}
	}

	for name, fn := range c.counters {
		s.Counters[name] = fn()
	}
	if c.last != nil {
		elapsed := s.Timestamp.Sub(c.last.Timestamp).Seconds()
		if elapsed > 0 {
			for name, v := range s.Counters {
				s.Rates[name] = float64(v-c.last.Counters[name]) / elapsed
			}
		}
	}

	c.last = s
	return s
}

func (c *Collector) report(s *Snapshot) {
	fields := []zap.Field{
		zap.Float64("sys_cpu", round1(s.SysCPU)),
		zap.Float64("proc_cpu", round1(s.ProcCPU)),
		zap.Float64("iowait", round1(s.IOWait)),
		zap.Float64("mem_pct", round1(s.MemPercent)),
		zap.String("rss", formatBytes(s.RSSBytes)),
	}

	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, zap.Int64(name, s.Counters[name]))
		if rate, ok := s.Rates[name]; ok {
			fields = append(fields, zap.Float64(name+"_per_sec", round1(rate)))
		}
	}

	c.log.Info("Progress", fields...)
}

// ioWait returns the share of CPU time spent waiting on I/O since the
// previous call
func (c *Collector) ioWait() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	cur := times[0]
	if !c.hasCPU {
		c.lastCPU, c.hasCPU = cur, true
		return 0
	}

	last := c.lastCPU
	c.lastCPU = cur
	total := totalTime(cur) - totalTime(last)
	if total <= 0 {
		return 0
	}
	return (cur.Iowait - last.Iowait) / total * 100
}

func totalTime(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
