package telemetry

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// StatsLoop samples host CPU and memory utilization into the process gauges
// until the context is cancelled. Run it in its own goroutine.
func StatsLoop(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	log := logger.Named("stats")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percents, err := cpu.Percent(0, false)
			if err != nil {
				log.Warn("Failed to sample CPU usage", zap.Error(err))
			} else if len(percents) > 0 {
				ProcessCPUPercent.Set(percents[0])
			}

			vm, err := mem.VirtualMemory()
			if err != nil {
				log.Warn("Failed to sample memory usage", zap.Error(err))
			} else {
				ProcessMemPercent.Set(vm.UsedPercent)
			}
		}
	}
}
