package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// systemStrategy samples the local host. A failing probe is skipped; the
// collection only fails when every probe fails.
// Settings: paths ([]string) lists mount points for disk usage, default "/".
type systemStrategy struct {
	paths []string
}

func newSystemStrategy(c Collector) (Strategy, error) {
	paths := configStrings(c.Config, "paths")
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	return &systemStrategy{paths: paths}, nil
}

func (s *systemStrategy) Collect(ctx context.Context) ([]metrics.Metric, error) {
	now := time.Now()
	var (
		out  []metrics.Metric
		errs []error
	)
	add := func(name, unit string, v float64, labels map[string]string) {
		m := gaugeAt(name, v, now)
		m.Unit = unit
		m.Labels = labels
		out = append(out, m)
	}

	// Interval 0 compares against the previous call, so the first sample
	// covers the time since boot.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		add("system_cpu_usage_percent", "percent", pct[0], nil)
	} else if err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		add("system_memory_used_percent", "percent", vm.UsedPercent, nil)
		add("system_memory_used_bytes", "bytes", float64(vm.Used), nil)
		add("system_memory_available_bytes", "bytes", float64(vm.Available), nil)
		add("system_memory_total_bytes", "bytes", float64(vm.Total), nil)
	} else {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		add("system_load1", "", avg.Load1, nil)
		add("system_load5", "", avg.Load5, nil)
		add("system_load15", "", avg.Load15, nil)
	} else {
		errs = append(errs, fmt.Errorf("load: %w", err))
	}

	for _, p := range s.paths {
		usage, err := disk.UsageWithContext(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("disk %s: %w", p, err))
			continue
		}
		labels := map[string]string{"mount": p}
		add("system_disk_used_percent", "percent", usage.UsedPercent, labels)
		add("system_disk_free_bytes", "bytes", float64(usage.Free), labels)
	}

	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
