package server

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
)

var resourceHeader = []string{"timestamp", "cpu_percent", "rss_bytes", "vms_bytes"}

// ResourceSample is one reading of this process's resource usage.
type ResourceSample struct {
	Timestamp  time.Time
	CPUPercent float64
	RSS        uint64
	VMS        uint64
}

func (s ResourceSample) record() []string {
	return []string{
		strconv.FormatInt(s.Timestamp.UnixMilli(), 10),
		strconv.FormatFloat(s.CPUPercent, 'f', 2, 64),
		strconv.FormatUint(s.RSS, 10),
		strconv.FormatUint(s.VMS, 10),
	}
}

// ResourceMonitor appends CPU and memory usage of the current process to a
// CSV file at a fixed interval.
type ResourceMonitor struct {
	path     string
	interval time.Duration
	proc     *process.Process
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	samples int
}

// NewResourceMonitor creates a monitor for the current process.
func NewResourceMonitor(cfg am.MonitorConfig, log *zap.SugaredLogger) (*ResourceMonitor, error) {
	if cfg.ResourceLogPath == "" {
		return nil, errors.New("resource log path is required")
	}
	if log == nil {
		log = logger.ComponentLogger("monitor")
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open current process")
	}

	interval := time.Duration(cfg.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &ResourceMonitor{
		path:     cfg.ResourceLogPath,
		interval: interval,
		proc:     proc,
		logger:   log,
	}, nil
}

// Sample reads current usage. CPU percent is measured since the previous call.
func (m *ResourceMonitor) Sample(ctx context.Context) (ResourceSample, error) {
	cpu, err := m.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return ResourceSample{}, errors.Wrap(err, "failed to read cpu usage")
	}
	mem, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceSample{}, errors.Wrap(err, "failed to read memory usage")
	}
	return ResourceSample{
		Timestamp:  time.Now(),
		CPUPercent: cpu,
		RSS:        mem.RSS,
		VMS:        mem.VMS,
	}, nil
}

// Samples returns how many rows have been written.
func (m *ResourceMonitor) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

// Run writes a row every interval until ctx is done.
func (m *ResourceMonitor) Run(ctx context.Context) error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, am.DefaultFilePermissions)
	if err != nil {
		return errors.Wrapf(err, "failed to open resource log %s", m.path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		w.Write(resourceHeader)
		w.Flush()
	}

	m.logger.Infow("Resource monitor started",
		logger.FieldPath, m.path,
		"interval", m.interval,
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Debugw("Resource monitor stopped", logger.FieldCount, m.Samples())
			return nil
		case <-ticker.C:
			sample, err := m.Sample(ctx)
			if err != nil {
				m.logger.Warnw("Resource sample failed", logger.FieldError, err)
				continue
			}
			w.Write(sample.record())
			w.Flush()
			if err := w.Error(); err != nil {
				return errors.Wrapf(err, "failed to write resource log %s", m.path)
			}
			m.mu.Lock()
			m.samples++
			m.mu.Unlock()
		}
	}
}
